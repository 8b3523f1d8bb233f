package widgets

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"go-stimulus/theme"
)

// Cell is one channel as shown on the console.
type Cell struct {
	Symbol rune
	Color  [3]uint8
}

// RenderPad renders a single colored symbol
func RenderPad(c Cell) string {
	return lipgloss.NewStyle().Foreground(theme.Hex(c.Color)).Render(string(c.Symbol))
}

// RenderChannelRow renders one cell per channel, each centred in a column
// of width columns so it lines up under RenderLabelRow.
func RenderChannelRow(cells []Cell, width int) string {
	var out strings.Builder
	for _, c := range cells {
		pad := width - runewidth.RuneWidth(c.Symbol)
		left := pad / 2
		out.WriteString(strings.Repeat(" ", left))
		out.WriteString(RenderPad(c))
		out.WriteString(strings.Repeat(" ", pad-left))
	}
	return out.String()
}

// RenderLabelRow fits labels into fixed-width columns, truncating wide
// names by display width.
func RenderLabelRow(labels []string, width int) string {
	var out strings.Builder
	for _, l := range labels {
		l = runewidth.Truncate(l, width-1, "…")
		pad := width - runewidth.StringWidth(l)
		left := pad / 2
		out.WriteString(strings.Repeat(" ", left))
		out.WriteString(l)
		out.WriteString(strings.Repeat(" ", pad-left))
	}
	return out.String()
}

// RenderLegendItem renders a single legend item: "■ Name - description"
func RenderLegendItem(c Cell, name, desc string) string {
	return fmt.Sprintf("  %s %s - %s", RenderPad(c), name, desc)
}

// RenderKeyHelp formats key bindings in a friendly way
func RenderKeyHelp(sections []KeySection) string {
	var lines []string
	for _, sec := range sections {
		if sec.Title != "" {
			lines = append(lines, sec.Title)
		}
		for _, k := range sec.Keys {
			lines = append(lines, fmt.Sprintf("  %-12s %s", k.Key, k.Desc))
		}
	}
	return strings.Join(lines, "\n")
}

// KeySection groups related key bindings
type KeySection struct {
	Title string
	Keys  []KeyBinding
}

// KeyBinding is a single key and its description
type KeyBinding struct {
	Key  string
	Desc string
}
