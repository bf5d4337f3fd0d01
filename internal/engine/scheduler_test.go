package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaymsg/internal/clock"
)

type runCounter struct {
	mu      sync.Mutex
	count   int
	results []error
	started chan struct{}
	release chan struct{}
}

func newRunCounter() *runCounter {
	return &runCounter{
		started: make(chan struct{}, 16),
		release: nil,
	}
}

func (r *runCounter) run(context.Context) error {
	r.mu.Lock()
	r.count++
	var result error
	if len(r.results) > 0 {
		result = r.results[0]
		r.results = r.results[1:]
	}
	release := r.release
	r.mu.Unlock()

	r.started <- struct{}{}
	if release != nil {
		<-release
	}
	return result
}

func (r *runCounter) runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func waitPending(t *testing.T, clk *clock.FakeClock, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for clk.PendingCount() < want {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d clock waiters, have %d", want, clk.PendingCount())
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func waitRun(t *testing.T, counter *runCounter) {
	t.Helper()
	select {
	case <-counter.started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestSchedulerRunsOnCadence(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	scheduler := NewScheduler(clk, nil, time.Minute)
	defer scheduler.Close()
	counter := newRunCounter()

	if err := scheduler.Schedule(context.Background(), "sync", 15*time.Minute, counter.run); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitPending(t, clk, 1)

	clk.Advance(15 * time.Minute)
	waitRun(t, counter)
	clk.Advance(15 * time.Minute)
	waitRun(t, counter)
	if counter.runs() != 2 {
		t.Fatalf("runs = %d, want 2", counter.runs())
	}
}

func TestSchedulerSubmitTriggersImmediateRun(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	scheduler := NewScheduler(clk, nil, time.Minute)
	defer scheduler.Close()
	counter := newRunCounter()

	if err := scheduler.Schedule(context.Background(), "sync", 15*time.Minute, counter.run); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := scheduler.Submit("sync"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitRun(t, counter)

	if err := scheduler.Submit("no-such-task"); err == nil {
		t.Error("submit unknown task: expected error")
	}
}

func TestSchedulerCoalescesPendingTriggers(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	scheduler := NewScheduler(clk, nil, time.Minute)
	defer scheduler.Close()
	counter := newRunCounter()
	counter.release = make(chan struct{})

	if err := scheduler.Schedule(context.Background(), "sync", 15*time.Minute, counter.run); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := scheduler.Submit("sync"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitRun(t, counter) // first run now blocked on release

	// Triggers landing mid-run replace each other: only one more run
	// may follow, not three.
	for i := 0; i < 3; i++ {
		if err := scheduler.Submit("sync"); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	close(counter.release)
	waitRun(t, counter)

	// Give a stacked trigger, if any, a chance to fire.
	time.Sleep(50 * time.Millisecond)
	if counter.runs() != 2 {
		t.Fatalf("runs = %d, want 2 (coalesced)", counter.runs())
	}
}

func TestSchedulerRetriesFailedRunSooner(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	scheduler := NewScheduler(clk, nil, time.Minute)
	defer scheduler.Close()
	counter := newRunCounter()
	counter.results = []error{errors.New("collector briefly down")}

	if err := scheduler.Schedule(context.Background(), "sync", 15*time.Minute, counter.run); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := scheduler.Submit("sync"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitRun(t, counter)

	// Failed run waits on the retry delay, not the full interval.
	waitPending(t, clk, 2) // ticker plus retry timer
	clk.Advance(time.Minute)
	waitRun(t, counter)
	if counter.runs() != 2 {
		t.Fatalf("runs = %d, want 2", counter.runs())
	}
}

func TestSchedulerRescheduleSupersedes(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	scheduler := NewScheduler(clk, nil, time.Minute)
	defer scheduler.Close()
	old := newRunCounter()
	replacement := newRunCounter()

	if err := scheduler.Schedule(context.Background(), "sync", 15*time.Minute, old.run); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitPending(t, clk, 1)
	if err := scheduler.Schedule(context.Background(), "sync", 15*time.Minute, replacement.run); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	if err := scheduler.Submit("sync"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitRun(t, replacement)
	time.Sleep(50 * time.Millisecond)
	if old.runs() != 0 {
		t.Fatalf("superseded task ran %d times", old.runs())
	}
}

func TestSchedulerCancelStopsTask(t *testing.T) {
	clk := clock.Fake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	scheduler := NewScheduler(clk, nil, time.Minute)
	defer scheduler.Close()
	counter := newRunCounter()

	if err := scheduler.Schedule(context.Background(), "sync", 15*time.Minute, counter.run); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitPending(t, clk, 1)
	scheduler.Cancel("sync")

	clk.Advance(time.Hour)
	time.Sleep(50 * time.Millisecond)
	if counter.runs() != 0 {
		t.Fatalf("cancelled task ran %d times", counter.runs())
	}
	if err := scheduler.Submit("sync"); err == nil {
		t.Error("submit after cancel: expected error")
	}
}
