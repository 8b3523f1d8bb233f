package trial

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"go-stimulus/audio"
	"go-stimulus/clock"
	"go-stimulus/codebook"
	"go-stimulus/debug"
	"go-stimulus/device"
	"go-stimulus/input"
	"go-stimulus/marker"
	"go-stimulus/sequencer"
)

var epoch = time.Unix(1700000000, 0)

type fixture struct {
	clock   *clock.Manual
	rec     *marker.Recorder
	lights  *device.Recorder
	screen  *device.Recorder
	player  *audio.Recorder
	orch    *Orchestrator
	phases  []Phase
	results []sequencer.Result
}

type swapLayout []int

func (l swapLayout) SlotOf(object int) int { return l[object] }

func newFixture(t *testing.T, buttons func(*clock.Manual) input.Poller, mutate func(*Config)) *fixture {
	t.Helper()
	c := clock.NewManual(epoch)
	f := &fixture{
		clock:  c,
		rec:    marker.NewRecorder(c.Now),
		lights: &device.Recorder{N: 8},
		screen: &device.Recorder{N: 8},
		player: &audio.Recorder{Length: 2 * time.Second},
	}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f.orch = New(Deps{
		Clock:   c,
		Markers: f.rec,
		Log:     debug.Discard(),
		Lights:  f.lights,
		Screen:  f.screen,
		Layout:  swapLayout{7, 6, 5, 4, 3, 2, 1, 0},
		Buttons: buttons(c),
		Player:  f.player,
		Observe: func(sc SessionContext) { f.phases = append(f.phases, sc.Phase) },
		Record:  func(_ SessionContext, r sequencer.Result) { f.results = append(f.results, r) },
	}, cfg)
	return f
}

func noButtons(*clock.Manual) input.Poller { return input.None{} }

func presses(offsets ...time.Duration) func(*clock.Manual) input.Poller {
	return func(c *clock.Manual) input.Poller {
		at := make([]time.Time, len(offsets))
		for i, d := range offsets {
			at[i] = epoch.Add(d)
		}
		return input.NewScript(c, at...)
	}
}

// identity codebook: step i lights channel i
func diagonal(t *testing.T) *codebook.Codebook {
	t.Helper()
	rows := make([][]uint8, 8)
	for i := range rows {
		rows[i] = make([]uint8, 8)
		rows[i][i] = 1
	}
	cb, err := codebook.New(rows)
	if err != nil {
		t.Fatal(err)
	}
	return cb
}

func install(t *testing.T, o *Orchestrator, id int) *Condition {
	t.Helper()
	c, err := Standard(id)
	if err != nil {
		t.Fatal(err)
	}
	c.Codebooks = codebook.Shared(c.Name, diagonal(t), len(o.cfg.Objects))
	if err := o.Install(&c); err != nil {
		t.Fatal(err)
	}
	return &c
}

func TestCuePressInPauseWindow(t *testing.T) {
	press := epoch.Add(3 * time.Second)
	f := newFixture(t, presses(3*time.Second), nil)
	c := f.clock

	sc := Begin().WithBlock(0).WithRun(0).WithTrial(0, SceneFastERP, 7, 6)
	res, err := f.orch.Cue(context.Background(), sc, Scene)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pressed || res.Plays != 1 {
		t.Fatalf("pressed=%v plays=%d", res.Pressed, res.Plays)
	}
	if got := f.rec.Count(marker.ButtonPress); got != 1 {
		t.Fatalf("button_press markers = %d, want 1", got)
	}
	if f.player.Stopped() != 1 {
		t.Fatalf("stopped = %d", f.player.Stopped())
	}
	if res.PauseTook < 3*time.Second || res.PauseTook > 4*time.Second {
		t.Fatalf("random pause %v outside [3s, 4s]", res.PauseTook)
	}
	// pressed within one poll interval of the press
	if got := c.Now().Sub(press) - res.PauseTook; got < 0 || got > time.Millisecond {
		t.Fatalf("press honored %v after it happened", got)
	}
	if names := f.player.Played(); names[0] != "scene_book2cup" {
		t.Fatalf("cue = %q", names[0])
	}
	want := []marker.Tag{marker.AudioStart, marker.ButtonPress, marker.AudioStop, marker.AudioEnd}
	if got := f.rec.Tags(); !slices.Equal(got, want) {
		t.Fatalf("markers = %v, want %v", got, want)
	}
}

func TestFirstCueIsNotCancelled(t *testing.T) {
	// the first press lands during the first play, the second during the
	// first replay
	f := newFixture(t, presses(500*time.Millisecond, 6*time.Second), nil)
	replay := epoch.Add(6 * time.Second)

	sc := Begin().WithBlock(0).WithRun(0).WithTrial(0, SceneFastERP, 0, 1)
	res, err := f.orch.Cue(context.Background(), sc, Scene)
	if err != nil {
		t.Fatal(err)
	}
	if res.Plays != 2 || !res.Pressed {
		t.Fatalf("plays=%d pressed=%v, want a press on the replay", res.Plays, res.Pressed)
	}
	if res.Response.At.Before(replay) {
		t.Fatalf("response at %v, the early press was honored", res.Response.At.Sub(epoch))
	}
	if got := f.rec.Count(marker.ButtonPress); got != 1 {
		t.Fatalf("button_press markers = %d, want 1", got)
	}
	if f.player.Stopped() != 1 {
		t.Fatalf("stopped = %d, want the replay stopped", f.player.Stopped())
	}
	if res.PauseTook < 3*time.Second || res.PauseTook > 4*time.Second {
		t.Fatalf("random pause %v outside [3s, 4s]", res.PauseTook)
	}
	// the replay stops within one poll interval of the press
	poll := f.orch.Config().Cue.Poll
	if got := f.clock.Now().Sub(replay) - res.PauseTook; got < 0 || got > poll {
		t.Fatalf("replay stopped %v after the press, poll is %v", got, poll)
	}
	want := []marker.Tag{marker.AudioStart, marker.ButtonPress, marker.AudioStop, marker.AudioEnd}
	if got := f.rec.Tags(); !slices.Equal(got, want) {
		t.Fatalf("markers = %v, want %v", got, want)
	}
}

func TestCueRepeatsBoundedWithoutButtons(t *testing.T) {
	f := newFixture(t, noButtons, nil)
	sc := Begin().WithBlock(0).WithRun(0).WithTrial(0, SceneFastERP, 2, 3)
	res, err := f.orch.Cue(context.Background(), sc, Scene)
	if err != nil {
		t.Fatal(err)
	}
	if res.Plays != 3 || res.Pressed {
		t.Fatalf("plays=%d pressed=%v", res.Plays, res.Pressed)
	}
	if got, want := f.clock.Now().Sub(epoch), 15*time.Second; got != want {
		t.Fatalf("cue took %v, want %v", got, want)
	}
}

func TestCueSingleShot(t *testing.T) {
	f := newFixture(t, noButtons, func(c *Config) { c.Cue.Single = true })
	sc := Begin().WithBlock(0).WithRun(0).WithTrial(0, ScreenCVEP, 2, 3)
	res, err := f.orch.Cue(context.Background(), sc, Screen)
	if err != nil {
		t.Fatal(err)
	}
	if res.Plays != 1 || f.clock.Now().Sub(epoch) != 4*time.Second {
		t.Fatalf("plays=%d took %v", res.Plays, f.clock.Now().Sub(epoch))
	}
	if names := f.player.Played(); names[0] != "screen_can2remote" {
		t.Fatalf("cue = %q", names[0])
	}
}

func TestCueCancelledContext(t *testing.T) {
	f := newFixture(t, presses(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sc := Begin().WithBlock(0).WithRun(0).WithTrial(0, SceneFastERP, 2, 3)
	if _, err := f.orch.Cue(ctx, sc, Scene); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if f.rec.Count(marker.AudioEnd) != 1 {
		t.Fatal("audio_end not emitted on abort")
	}
}

func TestRunTrialOnLights(t *testing.T) {
	f := newFixture(t, presses(2500*time.Millisecond), nil)
	install(t, f.orch, SceneFastERP)

	sc := Begin().WithBlock(1).WithRun(2).WithTrial(4, -1, -1, -1)
	sc, res, err := f.orch.RunTrial(context.Background(), sc, Planned{Condition: SceneFastERP, Target: 3})
	if err != nil {
		t.Fatal(err)
	}
	if sc.Phase != Done || sc.Target != 3 || sc.Reference == 3 || sc.Trial != 4 {
		t.Fatalf("context = %v", sc)
	}
	wantPhases := []Phase{Setup, CueAudio, Warmup, Sequencing, Rest, Done}
	if !slices.Equal(f.phases, wantPhases) {
		t.Fatalf("phases = %v", f.phases)
	}
	if res.Steps != 8 || len(f.results) != 1 {
		t.Fatalf("steps=%d recorded=%d", res.Steps, len(f.results))
	}
	if f.rec.Count(marker.Target) != 1 || f.rec.Count(marker.NonTarget) != 7 {
		t.Fatalf("target=%d non_target=%d", f.rec.Count(marker.Target), f.rec.Count(marker.NonTarget))
	}
	tags := f.rec.Tags(marker.Selection, marker.AudioStart, marker.AudioEnd, marker.TrialStart, marker.TrialEnd, marker.TrialRest)
	want := []marker.Tag{marker.Selection, marker.AudioStart, marker.AudioEnd, marker.TrialStart, marker.TrialEnd, marker.TrialRest}
	if !slices.Equal(tags, want) {
		t.Fatalf("markers = %v", tags)
	}
	for _, m := range f.rec.Markers() {
		if m.Scope != (marker.Scope{Block: 1, Run: 2, Trial: 4, Condition: SceneFastERP}) {
			t.Fatalf("%v has scope %+v", m.Tag, m.Scope)
		}
	}
	if len(f.screen.Writes()) == 0 || f.lights.Target() != 3 {
		t.Fatalf("screen writes=%d light target=%d", len(f.screen.Writes()), f.lights.Target())
	}
}

func TestScreenTargetFollowsLayout(t *testing.T) {
	f := newFixture(t, presses(2500*time.Millisecond), nil)
	install(t, f.orch, ScreenFastERP)

	sc := Begin().WithBlock(0).WithRun(0).WithTrial(0, -1, -1, -1)
	if _, _, err := f.orch.RunTrial(context.Background(), sc, Planned{Condition: ScreenFastERP, Target: 1}); err != nil {
		t.Fatal(err)
	}
	// object 1 sits in region 6
	if f.screen.Target() != 6 {
		t.Fatalf("screen target = %d, want 6", f.screen.Target())
	}
	for _, m := range f.rec.Markers() {
		if m.Tag == marker.Target && m.Step != 6 {
			t.Fatalf("target step %d, want 6", m.Step)
		}
	}
}

func TestInstallRejectsWidthMismatch(t *testing.T) {
	f := newFixture(t, noButtons, nil)
	cb, err := codebook.New([][]uint8{{1, 0, 1}})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := Standard(SceneKolkhorst)
	c.Codebooks = codebook.Shared(c.Name, cb, 8)
	if err := f.orch.Install(&c); !errors.Is(err, codebook.ErrShapeMismatch) {
		t.Fatalf("err = %v, want shape mismatch", err)
	}
	if err := f.orch.Check([]Planned{{Condition: SceneKolkhorst, Target: 0}}); err == nil {
		t.Fatal("plan with a rejected condition accepted")
	}
}

func TestReferenceNeverTarget(t *testing.T) {
	f := newFixture(t, noButtons, nil)
	seen := make(map[int]bool)
	for i := 0; i < 500; i++ {
		target := i % 8
		ref := f.orch.reference(target)
		if ref == target || ref < 0 || ref >= 8 {
			t.Fatalf("reference %d for target %d", ref, target)
		}
		seen[ref] = true
	}
	if len(seen) != 8 {
		t.Fatalf("only %d objects ever chosen as reference", len(seen))
	}
}

func TestRunRun(t *testing.T) {
	f := newFixture(t, noButtons, func(c *Config) { c.Cue.Single = true })
	install(t, f.orch, SceneCVEP)

	sc := Begin().WithBlock(0).WithRun(1)
	plan := []Planned{{SceneCVEP, 4}, {SceneCVEP, 0}, {SceneCVEP, 7}}
	_, out, err := f.orch.RunRun(context.Background(), sc, plan)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Trials) != 3 {
		t.Fatalf("trials = %d", len(out.Trials))
	}
	tags := f.rec.Tags(marker.Objects, marker.RunStart, marker.TrialStart, marker.RunEnd)
	want := []marker.Tag{marker.Objects, marker.RunStart, marker.TrialStart, marker.TrialStart, marker.TrialStart, marker.RunEnd}
	if !slices.Equal(tags, want) {
		t.Fatalf("markers = %v", tags)
	}
	if objs := f.rec.Markers()[0]; objs.Text != "[4 0 7]" {
		t.Fatalf("objects marker %q", objs.Text)
	}
	if played := f.player.Played(); played[0] != "description_scene" || len(played) != 4 {
		t.Fatalf("played = %v", played)
	}
	if f.rec.Count(marker.StepOff) != 0 {
		t.Fatal("c-VEP trial emitted off markers")
	}
}

func TestSessionContextIsValue(t *testing.T) {
	a := Begin().WithBlock(2)
	b := a.WithRun(3).WithTrial(1, ScreenCVEP, 5, 2).WithPhase(Sequencing)
	if a.Run != -1 || a.Phase != Setup {
		t.Fatalf("receiver modified: %v", a)
	}
	if b.Scope() != (marker.Scope{Block: 2, Run: 3, Trial: 1, Condition: ScreenCVEP}) {
		t.Fatalf("scope = %+v", b.Scope())
	}
	if c := b.WithBlock(3); c.Run != -1 || c.Trial != -1 || c.Target != -1 {
		t.Fatalf("block change kept run state: %v", c)
	}
}

func TestParseCondition(t *testing.T) {
	for _, in := range []string{"2", "scene_cVEP"} {
		id, err := ParseCondition(in)
		if err != nil || id != SceneCVEP {
			t.Fatalf("%q: %d %v", in, id, err)
		}
	}
	if _, err := ParseCondition("laser"); err == nil {
		t.Fatal("unknown condition accepted")
	}
}

func TestKolkhorstLoadsOneCodebookPerObject(t *testing.T) {
	c, err := Standard(SceneKolkhorst)
	if err != nil {
		t.Fatal(err)
	}
	if c.Source.Pattern != "condition_1/codebook_obj_*.npy" {
		t.Fatalf("source = %+v", c.Source)
	}

	root := t.TempDir()
	dir := filepath.Join(root, "condition_1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// rows are channels: object i flashes channel i first
	for i, body := range []string{"1,0\n0,1\n0,1\n", "0,1\n1,0\n0,1\n", "0,1\n0,1\n1,0\n"} {
		name := filepath.Join(dir, fmt.Sprintf("codebook_obj_%d.csv", i))
		if err := os.WriteFile(name, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// same layout, csv instead of npy
	c.Source.Pattern = strings.TrimSuffix(c.Source.Pattern, ".npy") + ".csv"
	if err := c.Load(root, 3); err != nil {
		t.Fatal(err)
	}
	for target, want := range [][]uint8{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}} {
		if got := c.Codebooks.For(target).Step(0); !slices.Equal(got, want) {
			t.Fatalf("target %d step 0 = %v, want %v", target, got, want)
		}
	}
}

func TestCueNamesCoverInstalledModalities(t *testing.T) {
	f := newFixture(t, noButtons, nil)
	if got := f.orch.CueNames(); len(got) != 0 {
		t.Fatalf("cues without conditions: %v", got)
	}
	install(t, f.orch, SceneFastERP)
	install(t, f.orch, SceneCVEP)
	objs := f.orch.cfg.Objects
	names := f.orch.CueNames()
	if len(names) != 1+len(objs)*(len(objs)-1) {
		t.Fatalf("%d scene cues", len(names))
	}
	if !slices.Contains(names, "description_scene") || !slices.Contains(names, audio.CueName("scene", objs[1], objs[0])) {
		t.Fatalf("cues = %v", names)
	}
	if slices.Contains(names, audio.CueName("scene", objs[2], objs[2])) {
		t.Fatal("reference and target may not be the same object")
	}

	install(t, f.orch, ScreenFastERP)
	if names := f.orch.CueNames(); !slices.Contains(names, "description_screen") || len(names) != 2*(1+len(objs)*(len(objs)-1)) {
		t.Fatalf("%d cues after screen install", len(names))
	}
}

// framedScreen is a screen recorder refreshing at Hz.
type framedScreen struct {
	*device.Recorder
	Hz float64
}

func (s framedScreen) RefreshRate() float64 { return s.Hz }

func TestScreenWindowFollowsRefreshRate(t *testing.T) {
	c := clock.NewManual(epoch)
	rec := marker.NewRecorder(c.Now)
	o := New(Deps{
		Clock:   c,
		Markers: rec,
		Log:     debug.Discard(),
		Lights:  &device.Recorder{N: 8},
		Screen:  &device.Tee{Primary: framedScreen{&device.Recorder{N: 8}, 120}},
		Buttons: input.None{},
		Player:  &audio.Recorder{Length: time.Second},
	}, DefaultConfig())
	screen := install(t, o, ScreenCVEP)
	scene := install(t, o, SceneCVEP)

	twoFrames := time.Duration(math.Round(2 * float64(time.Second) / 120))
	if screen.Window != (sequencer.Window{On: twoFrames}) {
		t.Fatalf("screen window at 120Hz = %v, want %v on", screen.Window, twoFrames)
	}
	if scene.Window != sequencer.CVEP {
		t.Fatalf("scene window changed: %v", scene.Window)
	}
	if std, _ := Standard(ScreenCVEP); std.Window != sequencer.CVEP {
		t.Fatalf("standard table changed: %v", std.Window)
	}

	sc := Begin().WithBlock(0).WithRun(0).WithTrial(0, -1, -1, -1)
	if _, _, err := o.RunTrial(context.Background(), sc, Planned{Condition: ScreenCVEP, Target: 2}); err != nil {
		t.Fatal(err)
	}
	var steps []time.Time
	for _, m := range rec.Markers() {
		if m.Tag.Classified() {
			steps = append(steps, m.At)
		}
	}
	if len(steps) != 8 {
		t.Fatalf("%d steps", len(steps))
	}
	for i := 1; i < len(steps); i++ {
		if d := steps[i].Sub(steps[i-1]); d != twoFrames {
			t.Fatalf("step %d after %v, want %v", i, d, twoFrames)
		}
	}
}
