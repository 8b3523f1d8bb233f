package widgets

import (
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"
)

func TestLabelRowKeepsColumns(t *testing.T) {
	row := RenderLabelRow([]string{"cup", "bandage", "リモコン"}, 8)
	if w := runewidth.StringWidth(row); w != 24 {
		t.Fatalf("row width %d, want 24: %q", w, row)
	}
	if !strings.Contains(row, "…") {
		t.Fatalf("wide label not truncated: %q", row)
	}
}

func TestKeyHelp(t *testing.T) {
	got := RenderKeyHelp([]KeySection{{Title: "Session", Keys: []KeyBinding{{"p", "pause"}}}})
	if got != "Session\n  p            pause" {
		t.Fatalf("%q", got)
	}
}
