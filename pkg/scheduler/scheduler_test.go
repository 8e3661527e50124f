package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recorder struct {
	mu   sync.Mutex
	runs []string
}

func (r *recorder) job(name string, err error) Job {
	return Job{
		Name: name,
		Run: func(_ context.Context) error {
			r.mu.Lock()
			r.runs = append(r.runs, name)
			r.mu.Unlock()
			return err
		},
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.runs))
	copy(out, r.runs)
	return out
}

func TestQueueRunsJobsInOrder(t *testing.T) {
	rec := &recorder{}
	q := New(1, time.Hour, zap.NewNop(),
		rec.job("sync", nil),
		rec.job("mint", nil),
		rec.job("oracle", nil),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	q.Start(ctx)

	runs := rec.snapshot()
	want := []string{"sync", "mint", "oracle"}
	if len(runs) != len(want) {
		t.Fatalf("Expected one tick of %d jobs, got %v", len(want), runs)
	}
	for i, name := range want {
		if runs[i] != name {
			t.Errorf("Run %d was %s, expected %s", i, runs[i], name)
		}
	}
}

func TestQueueSurvivesFailingJob(t *testing.T) {
	rec := &recorder{}
	q := New(1, time.Millisecond, zap.NewNop(),
		rec.job("broken", errors.New("rpc unavailable")),
		rec.job("after", nil),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	q.Start(ctx)

	runs := rec.snapshot()
	brokenRuns, afterRuns := 0, 0
	for _, name := range runs {
		switch name {
		case "broken":
			brokenRuns++
		case "after":
			afterRuns++
		}
	}
	if brokenRuns < 2 {
		t.Errorf("Expected the failing job to keep ticking, ran %d times", brokenRuns)
	}
	if afterRuns < 2 {
		t.Errorf("Expected the job after the failure to keep running, ran %d times", afterRuns)
	}
}

func TestQueueContainsPanics(t *testing.T) {
	rec := &recorder{}
	panicking := Job{
		Name: "panicking",
		Run: func(_ context.Context) error {
			panic("nil map write")
		},
	}
	q := New(1, time.Millisecond, zap.NewNop(), panicking, rec.job("after", nil))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	q.Start(ctx)

	if len(rec.snapshot()) == 0 {
		t.Error("Expected jobs after a panicking job to keep running")
	}
}

func TestQueueStops(t *testing.T) {
	rec := &recorder{}
	q := New(1, time.Millisecond, zap.NewNop(), rec.job("sync", nil))

	go q.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	q.Stop()

	before := len(rec.snapshot())
	time.Sleep(20 * time.Millisecond)
	if after := len(rec.snapshot()); after != before {
		t.Errorf("Expected no runs after Stop, got %d more", after-before)
	}
}
