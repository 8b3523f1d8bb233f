package sequencer

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"go-stimulus/clock"
	"go-stimulus/codebook"
	"go-stimulus/debug"
	"go-stimulus/device"
	"go-stimulus/marker"
)

var epoch = time.Unix(1700000000, 0)

type rig struct {
	clock *clock.Manual
	act   *device.Recorder
	rec   *marker.Recorder
	seq   *Sequencer
}

func newRig(width int) *rig {
	c := clock.NewManual(epoch)
	act := &device.Recorder{N: width}
	rec := marker.NewRecorder(c.Now)
	return &rig{clock: c, act: act, rec: rec, seq: New(c, act, rec, debug.Discard())}
}

func mustCodebook(t *testing.T, rows [][]uint8) *codebook.Codebook {
	t.Helper()
	cb, err := codebook.New(rows)
	if err != nil {
		t.Fatal(err)
	}
	return cb
}

func scope() marker.Scope {
	return marker.Scope{Block: 0, Run: 1, Trial: 2, Condition: 1}
}

func TestTwoStepScenario(t *testing.T) {
	r := newRig(8)
	cb := mustCodebook(t, [][]uint8{
		{0, 0, 0, 1, 1, 0, 0, 0},
		{1, 0, 0, 0, 0, 0, 1, 0},
	})
	res, err := r.seq.Run(context.Background(), Trial{Codebook: cb, Target: 3, Window: ERP, Scope: scope()})
	if err != nil {
		t.Fatal(err)
	}

	got := r.rec.Tags(marker.TrialStart, marker.Target, marker.NonTarget, marker.Invalid, marker.TrialEnd)
	want := []marker.Tag{marker.TrialStart, marker.Target, marker.NonTarget, marker.TrialEnd}
	if !equalTags(got, want) {
		t.Fatalf("markers = %v, want %v", got, want)
	}
	if r.rec.Count(marker.StepOff) != 2 {
		t.Fatalf("off markers = %d, want 2", r.rec.Count(marker.StepOff))
	}
	if res.Elapsed != 500*time.Millisecond {
		t.Fatalf("elapsed = %v, want 500ms", res.Elapsed)
	}
	if r.seq.State() != Done {
		t.Fatalf("state = %v", r.seq.State())
	}
	if last := r.act.Last(); !bytes.Equal(last, make([]uint8, 8)) {
		t.Fatalf("actuator left at %v", last)
	}

	step0 := r.rec.Markers()[1]
	if step0.Step != 0 || step0.Target != 3 || !step0.IsTarget() || !bytes.Equal(step0.Bits(), cb.Step(0)) {
		t.Fatalf("step marker = %+v", step0)
	}
	if step0.Scope != scope() {
		t.Fatalf("scope = %+v", step0.Scope)
	}
}

func equalTags(a, b []marker.Tag) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMarkerCountProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 50; i++ {
		width := 1 + rng.IntN(device.MaxChannels)
		steps := rng.IntN(40)
		rows := make([][]uint8, steps)
		for s := range rows {
			rows[s] = make([]uint8, width)
			for c := range rows[s] {
				rows[s][c] = uint8(rng.IntN(2))
			}
		}
		win := ERP
		if i%2 == 1 {
			win = CVEP
		}

		r := newRig(width)
		target := rng.IntN(width)
		if _, err := r.seq.Run(context.Background(), Trial{Codebook: mustCodebook(t, rows), Target: target, Window: win, Scope: scope()}); err != nil {
			t.Fatal(err)
		}
		tags := r.rec.Tags(marker.TrialStart, marker.Target, marker.NonTarget, marker.Invalid, marker.TrialEnd)
		if len(tags) != steps+2 || tags[0] != marker.TrialStart || tags[len(tags)-1] != marker.TrialEnd {
			t.Fatalf("width %d steps %d: tags %v", width, steps, tags)
		}
		for _, tag := range tags[1 : len(tags)-1] {
			if !tag.Classified() {
				t.Fatalf("unexpected %v between trial markers", tag)
			}
		}
		wantOff := 0
		if win.Off > 0 {
			wantOff = steps
		}
		if r.rec.Count(marker.StepOff) != wantOff {
			t.Fatalf("off markers = %d, want %d", r.rec.Count(marker.StepOff), wantOff)
		}
	}
}

func TestCVEPHasNoOffPhase(t *testing.T) {
	r := newRig(2)
	cb := mustCodebook(t, [][]uint8{{1, 0}, {1, 1}, {0, 1}})
	res, err := r.seq.Run(context.Background(), Trial{Codebook: cb, Target: 0, Window: CVEP})
	if err != nil {
		t.Fatal(err)
	}
	writes := r.act.Writes()
	// three steps back to back, then the final reset
	if len(writes) != 4 || !bytes.Equal(writes[1], []uint8{1, 1}) || !bytes.Equal(writes[3], []uint8{0, 0}) {
		t.Fatalf("writes = %v", writes)
	}
	if want := 3 * (time.Second / 60); res.Elapsed != want {
		t.Fatalf("elapsed = %v, want %v", res.Elapsed, want)
	}
}

func TestEmptyCodebook(t *testing.T) {
	r := newRig(8)
	res, err := r.seq.Run(context.Background(), Trial{Codebook: mustCodebook(t, nil), Target: 0, Window: ERP})
	if err != nil {
		t.Fatal(err)
	}
	if got := r.rec.Tags(); !equalTags(got, []marker.Tag{marker.TrialStart, marker.TrialEnd}) {
		t.Fatalf("markers = %v", got)
	}
	if len(r.act.Writes()) != 0 || res.Steps != 0 {
		t.Fatalf("empty trial actuated %d times", len(r.act.Writes()))
	}
}

func TestWidthMismatchFailsBeforeActuation(t *testing.T) {
	r := newRig(8)
	cb := mustCodebook(t, [][]uint8{{1, 0, 1}})
	_, err := r.seq.Run(context.Background(), Trial{Codebook: cb, Target: 0, Window: ERP})
	if !errors.Is(err, codebook.ErrShapeMismatch) {
		t.Fatalf("err = %v, want shape mismatch", err)
	}
	if len(r.act.Writes()) != 0 || len(r.rec.Markers()) != 0 {
		t.Fatal("mismatched trial touched the actuator or the marker bus")
	}

	if err := r.seq.Check(Trial{Codebook: mustCodebook(t, [][]uint8{make([]uint8, 8)}), Target: 8, Window: ERP}); err == nil {
		t.Fatal("out of range target accepted")
	}
	if err := r.seq.Check(Trial{Codebook: cb, Window: Window{}}); err == nil {
		t.Fatal("zero window accepted")
	}
}

func TestInvalidValueClassified(t *testing.T) {
	r := newRig(4)
	cb := mustCodebook(t, [][]uint8{{0, 2, 0, 0}, {0, 1, 0, 0}})
	res, err := r.seq.Run(context.Background(), Trial{Codebook: cb, Target: 1, Window: ERP})
	if err != nil {
		t.Fatal(err)
	}
	if r.rec.Count(marker.Invalid) != 1 || r.rec.Count(marker.Target) != 1 || res.Invalid != 1 {
		t.Fatalf("invalid=%d target=%d res.Invalid=%d", r.rec.Count(marker.Invalid), r.rec.Count(marker.Target), res.Invalid)
	}
}

func erpCodebook(t *testing.T, steps int) *codebook.Codebook {
	rows := make([][]uint8, steps)
	for i := range rows {
		rows[i] = make([]uint8, 8)
		rows[i][i%8] = 1
	}
	return mustCodebook(t, rows)
}

func TestSlowActuatorDoesNotDrift(t *testing.T) {
	r := newRig(8)
	r.act.OnActuate = func(device.BitVector) { r.clock.Advance(30 * time.Millisecond) }

	res, err := r.seq.Run(context.Background(), Trial{Codebook: erpCodebook(t, 12), Target: 0, Window: ERP})
	if err != nil {
		t.Fatal(err)
	}
	// the final reset write adds its own cost after the last deadline
	if want := 12*ERP.Period() + 30*time.Millisecond; res.Elapsed != want {
		t.Fatalf("elapsed = %v, want %v", res.Elapsed, want)
	}
	if res.Overruns != 0 {
		t.Fatalf("overruns = %d", res.Overruns)
	}
}

func TestOverrunsAreBoundedAndCounted(t *testing.T) {
	r := newRig(8)
	r.act.OnActuate = func(device.BitVector) { r.clock.Advance(120 * time.Millisecond) }

	res, err := r.seq.Run(context.Background(), Trial{Codebook: erpCodebook(t, 12), Target: 0, Window: ERP})
	if err != nil {
		t.Fatal(err)
	}
	if res.Overruns != 12 || res.MaxLateness != 20*time.Millisecond {
		t.Fatalf("overruns = %d max = %v, want 12 and 20ms", res.Overruns, res.MaxLateness)
	}
	if want := 12*ERP.Period() + 120*time.Millisecond; res.Elapsed != want {
		t.Fatalf("elapsed = %v, want %v (lateness must not accumulate)", res.Elapsed, want)
	}
}

func TestStallMovesBaselineByWholePeriods(t *testing.T) {
	r := newRig(8)
	writes := 0
	r.act.OnActuate = func(device.BitVector) {
		writes++
		if writes == 5 { // on phase of step 2
			r.clock.Advance(600 * time.Millisecond)
		}
	}

	res, err := r.seq.Run(context.Background(), Trial{Codebook: erpCodebook(t, 6), Target: 0, Window: ERP})
	if err != nil {
		t.Fatal(err)
	}
	if res.Slips != 1 {
		t.Fatalf("slips = %d, want 1", res.Slips)
	}
	if want := 7 * ERP.Period(); res.Elapsed != want {
		t.Fatalf("elapsed = %v, want %v", res.Elapsed, want)
	}

	// step 3 catches up to the next grid slot; later steps stay on the grid
	var offs []time.Duration
	for _, m := range r.rec.Markers() {
		if m.Tag == marker.StepOff {
			offs = append(offs, m.At.Sub(epoch))
		}
	}
	for k := 3; k < 6; k++ {
		if want := time.Duration(k+1)*ERP.Period() + ERP.On; offs[k] != want {
			t.Fatalf("step %d off at %v, want %v", k, offs[k], want)
		}
	}
}

func TestCancelStopsBetweenSteps(t *testing.T) {
	r := newRig(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writes := 0
	r.act.OnActuate = func(device.BitVector) {
		writes++
		if writes == 6 {
			cancel()
		}
	}

	res, err := r.seq.Run(ctx, Trial{Codebook: erpCodebook(t, 12), Target: 0, Window: ERP})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if !res.Aborted || res.Steps != 3 {
		t.Fatalf("aborted=%v steps=%d, want 3 steps", res.Aborted, res.Steps)
	}
	if last := r.act.Last(); !bytes.Equal(last, make([]uint8, 8)) {
		t.Fatalf("actuator left at %v", last)
	}
	if tags := r.rec.Tags(); tags[len(tags)-1] != marker.TrialEnd {
		t.Fatalf("last marker = %v", tags[len(tags)-1])
	}
}

func TestDisconnectedLightCompletes(t *testing.T) {
	c := clock.NewManual(epoch)
	light, err := device.NewLight(nil, device.LightConfig{Channels: 8}, debug.Discard())
	if err != nil {
		t.Fatal(err)
	}
	rec := marker.NewRecorder(c.Now)
	seq := New(c, light, rec, debug.Discard())

	res, err := seq.Run(context.Background(), Trial{Codebook: erpCodebook(t, 12), Target: 2, Window: ERP})
	if err != nil {
		t.Fatalf("disconnected light: %v", err)
	}
	if res.Steps != 12 || res.WriteErrors != 0 {
		t.Fatalf("steps=%d write errors=%d", res.Steps, res.WriteErrors)
	}
	classified := classifiedCount(rec)
	if classified != 12 || rec.Count(marker.TrialStart) != 1 || rec.Count(marker.TrialEnd) != 1 {
		t.Fatalf("classified=%d markers=%v", classified, rec.Tags())
	}
}

func classifiedCount(rec *marker.Recorder) int {
	return rec.Count(marker.Target) + rec.Count(marker.NonTarget) + rec.Count(marker.Invalid)
}

func TestRealClockTwelveSteps(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time test")
	}
	c := clock.New(0)
	act := &device.Recorder{N: 8}
	seq := New(c, act, marker.Discard{}, debug.Discard())

	res, err := seq.Run(context.Background(), Trial{Codebook: erpCodebook(t, 12), Target: 0, Window: ERP})
	if err != nil {
		t.Fatal(err)
	}
	want := 3 * time.Second
	if res.Elapsed < want || res.Elapsed > want+50*time.Millisecond {
		t.Fatalf("elapsed = %v, want 3s within +50ms", res.Elapsed)
	}
	if res.MaxLateness > ERP.Period() {
		t.Fatalf("max lateness %v exceeds one step", res.MaxLateness)
	}
}

func TestWindowAtRefresh(t *testing.T) {
	frame := func(n int, hz float64) time.Duration {
		return time.Duration(math.Round(float64(n) * float64(time.Second) / hz))
	}
	cases := []struct {
		w       Window
		hz      float64
		on, off int
	}{
		{CVEP, 60, 1, 0},
		{CVEP, 120, 2, 0},
		{CVEP, 144, 2, 0},
		{CVEP, 30, 1, 0},
		{ERP, 60, 6, 9},
		{ERP, 144, 14, 22},
	}
	for _, c := range cases {
		on, off := c.w.Frames(c.hz)
		if on != c.on || off != c.off {
			t.Errorf("%v at %vHz: %d/%d frames, want %d/%d", c.w, c.hz, on, off, c.on, c.off)
		}
		got := c.w.AtRefresh(c.hz)
		if got.On != frame(c.on, c.hz) || got.Off != frame(c.off, c.hz) {
			t.Errorf("%v at %vHz = %v", c.w, c.hz, got)
		}
	}
	if got := ERP.AtRefresh(0); got != ERP {
		t.Fatalf("unknown refresh changed the window: %v", got)
	}
}
