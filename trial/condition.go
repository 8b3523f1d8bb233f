package trial

import (
	"fmt"
	"path/filepath"

	"go-stimulus/codebook"
	"go-stimulus/sequencer"
)

// Modality is where a condition's stimuli are shown.
type Modality int

const (
	Scene  Modality = iota // physical lights over the objects
	Screen                 // on-screen regions under pictograms
)

// String is also the cue-file prefix of the modality.
func (m Modality) String() string {
	if m == Screen {
		return "screen"
	}
	return "scene"
}

// Condition ids as stored in order tables.
const (
	SceneKolkhorst = iota
	SceneFastERP
	SceneCVEP
	ScreenFastERP
	ScreenCVEP
	NumConditions
)

// Source says where a condition's codebooks come from. Pattern loads one
// file per target; otherwise Path is shared by every target, tiled Repeat
// times.
type Source struct {
	Path    string `toml:"path"`
	Pattern string `toml:"pattern"`
	Repeat  int    `toml:"repeat"`
}

// Condition is one stimulation protocol.
type Condition struct {
	ID        int
	Name      string
	Modality  Modality
	Window    sequencer.Window
	Source    Source
	Codebooks *codebook.Set
}

var standard = [NumConditions]Condition{
	{ID: SceneKolkhorst, Name: "scene_Kolkhorst", Modality: Scene, Window: sequencer.ERP,
		Source: Source{Pattern: "condition_1/codebook_obj_*.npy"}},
	{ID: SceneFastERP, Name: "scene_fastERP", Modality: Scene, Window: sequencer.ERP,
		Source: Source{Pattern: "condition_2/codebook_obj_*.npy"}},
	{ID: SceneCVEP, Name: "scene_cVEP", Modality: Scene, Window: sequencer.CVEP,
		Source: Source{Path: "condition_3/mseq_61_shift_8.npy", Repeat: 12}},
	{ID: ScreenFastERP, Name: "screen_fastERP", Modality: Screen, Window: sequencer.ERP,
		Source: Source{Pattern: "condition_2/codebook_obj_*.npy"}},
	{ID: ScreenCVEP, Name: "screen_cVEP", Modality: Screen, Window: sequencer.CVEP,
		Source: Source{Path: "condition_3/mseq_61_shift_8.npy", Repeat: 12}},
}

// Standard returns the built-in definition of condition id, without
// codebooks.
func Standard(id int) (Condition, error) {
	if id < 0 || id >= NumConditions {
		return Condition{}, fmt.Errorf("unknown condition %d", id)
	}
	return standard[id], nil
}

// ParseCondition accepts a condition id or name.
func ParseCondition(s string) (int, error) {
	for _, c := range standard {
		if c.Name == s || fmt.Sprint(c.ID) == s {
			return c.ID, nil
		}
	}
	return 0, fmt.Errorf("unknown condition %q", s)
}

// Load reads the condition's codebooks from under root for n targets.
func (c *Condition) Load(root string, n int) error {
	var (
		set *codebook.Set
		err error
	)
	if c.Source.Pattern != "" {
		dir, pattern := filepath.Split(c.Source.Pattern)
		set, err = codebook.LoadDir(c.Name, filepath.Join(root, dir), pattern)
	} else {
		set, err = codebook.LoadShared(c.Name, filepath.Join(root, c.Source.Path), max(c.Source.Repeat, 1), n)
	}
	if err != nil {
		return fmt.Errorf("condition %s: %w", c.Name, err)
	}
	if set.Targets() != n {
		return fmt.Errorf("condition %s: %d codebooks for %d objects: %w",
			c.Name, set.Targets(), n, codebook.ErrShapeMismatch)
	}
	c.Codebooks = set
	return nil
}

func (c Condition) String() string { return c.Name }
