package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go-stimulus/marker"
	"go-stimulus/sequencer"
	"go-stimulus/trial"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "qc", "session.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordTrialSummary(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	if _, err := s.Begin(ctx, "S01", time.Unix(0, 0)); err != nil {
		t.Fatal(err)
	}

	sc := trial.Begin().WithBlock(0).WithRun(0).WithTrial(0, 3, 2, 5)
	results := []sequencer.Result{
		{Steps: 732, Overruns: 2, MaxLateness: 3 * time.Millisecond, Start: time.Unix(1, 0)},
		{Steps: 732, Overruns: 1, MaxLateness: 7 * time.Millisecond, Slips: 1, Start: time.Unix(2, 0)},
	}
	for _, r := range results {
		s.RecordTrial(sc, r)
	}

	qc, err := s.Summary(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(qc) != 1 {
		t.Fatalf("summary rows = %d", len(qc))
	}
	got := qc[0]
	if got.Condition != 3 || got.Trials != 2 || got.Steps != 1464 || got.Overruns != 3 || got.Slips != 1 {
		t.Fatalf("summary %+v", got)
	}
	if got.MaxLateness != 7*time.Millisecond {
		t.Fatalf("max lateness %v", got.MaxLateness)
	}
}

func TestMarkersFlushOnTrialEnd(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	if _, err := s.Begin(ctx, "S01", time.Unix(0, 0)); err != nil {
		t.Fatal(err)
	}

	scope := marker.Scope{Block: 0, Run: 1, Trial: 2, Condition: 0}
	for i := range 4 {
		m := marker.New(marker.Target, scope)
		m.Step = i
		m.SetVector([]uint8{0, 1, 0})
		if err := s.Write(&m); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := s.CountMarkers(ctx, marker.Target); n != 0 {
		t.Fatalf("%d markers stored before any boundary", n)
	}
	end := marker.New(marker.TrialEnd, scope)
	if err := s.Write(&end); err != nil {
		t.Fatal(err)
	}
	if n, err := s.CountMarkers(ctx, marker.Target); err != nil || n != 4 {
		t.Fatalf("stored %d target markers, err %v", n, err)
	}
}

func TestRecordTrialDoesNotWaitForFlush(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	if _, err := s.Begin(ctx, "S01", time.Unix(0, 0)); err != nil {
		t.Fatal(err)
	}
	m := marker.New(marker.Target, marker.Scope{})
	if err := s.Write(&m); err != nil {
		t.Fatal(err)
	}

	// hold the only connection so the flush stalls mid-flight
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	flushed := make(chan error, 1)
	go func() { flushed <- s.Flush() }()
	time.Sleep(20 * time.Millisecond)

	sc := trial.Begin().WithBlock(0).WithRun(0).WithTrial(1, 2, 0, 4)
	start := time.Now()
	s.RecordTrial(sc, sequencer.Result{Steps: 120, Start: time.Unix(1, 0)})
	if d := time.Since(start); d > time.Millisecond {
		t.Fatalf("RecordTrial took %v during a flush", d)
	}

	select {
	case err := <-flushed:
		t.Fatalf("flush finished while the connection was held: %v", err)
	default:
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if err := <-flushed; err != nil {
		t.Fatal(err)
	}

	qc, err := s.Summary(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(qc) != 1 || qc[0].Condition != 2 || qc[0].Trials != 1 || qc[0].Steps != 120 {
		t.Fatalf("summary %+v", qc)
	}
}

func TestTrialsFlushWithMarkers(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	if _, err := s.Begin(ctx, "S01", time.Unix(0, 0)); err != nil {
		t.Fatal(err)
	}
	sc := trial.Begin().WithBlock(0).WithRun(0).WithTrial(0, 1, 0, 3)
	s.RecordTrial(sc, sequencer.Result{Steps: 10})

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trials`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("%d trials written before a boundary, err %v", n, err)
	}
	end := marker.New(marker.TrialEnd, marker.Scope{Condition: 1})
	if err := s.Write(&end); err != nil {
		t.Fatal(err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trials`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("%d trials written after trial end, err %v", n, err)
	}
}

func TestLastSession(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	if id, err := s.LastSession(ctx); err != nil || id != 0 {
		t.Fatalf("empty store: id %d err %v", id, err)
	}
	first, _ := s.Begin(ctx, "a", time.Now())
	second, _ := s.Begin(ctx, "b", time.Now())
	if id, _ := s.LastSession(ctx); id != second || id == first {
		t.Fatalf("last session %d, want %d", id, second)
	}
}
