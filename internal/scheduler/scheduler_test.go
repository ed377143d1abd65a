// internal/scheduler/scheduler_test.go
package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFires(t *testing.T, fires *atomic.Int32, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("job did not fire within %s, fires=%d", within, fires.Load())
		case <-ticker.C:
			if fires.Load() > 0 {
				return
			}
		}
	}
}

func TestSchedulerFiresJob(t *testing.T) {
	sched := New()
	var fires atomic.Int32
	if err := sched.Add("every-second", "* * * * * *", func() { fires.Add(1) }); err != nil {
		t.Fatal(err)
	}
	sched.Start()
	defer sched.Stop()

	waitFires(t, &fires, 2500*time.Millisecond)
}

func TestSchedulerDescriptor(t *testing.T) {
	sched := New()
	sched.Start()
	defer sched.Stop()

	var fires atomic.Int32
	if err := sched.Add("heartbeat", "@every 1s", func() { fires.Add(1) }); err != nil {
		t.Fatal(err)
	}
	waitFires(t, &fires, 2500*time.Millisecond)
}

func TestSchedulerRemove(t *testing.T) {
	sched := New()
	var fires atomic.Int32
	if err := sched.Add("removed", "* * * * * *", func() { fires.Add(1) }); err != nil {
		t.Fatal(err)
	}
	sched.Remove("removed")
	sched.Remove("never-added")
	if sched.Has("removed") {
		t.Error("job should be gone after Remove")
	}
	sched.Start()
	defer sched.Stop()

	time.Sleep(2 * time.Second)

	if n := fires.Load(); n != 0 {
		t.Errorf("expected 0 fires for removed job, got %d", n)
	}
}

func TestSchedulerReplaceByName(t *testing.T) {
	sched := New()
	var first, second atomic.Int32
	if err := sched.Add("stats", "* * * * * *", func() { first.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if err := sched.Add("stats", "* * * * * *", func() { second.Add(1) }); err != nil {
		t.Fatal(err)
	}
	sched.Start()
	defer sched.Stop()

	waitFires(t, &second, 2500*time.Millisecond)
	if n := first.Load(); n != 0 {
		t.Errorf("replaced job fired %d times", n)
	}
}

func TestSchedulerInvalidSpec(t *testing.T) {
	sched := New()
	if err := sched.Add("bad", "not a schedule", func() {}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if sched.Has("bad") {
		t.Error("invalid job should not be registered")
	}
	if err := Validate("@every 25s"); err != nil {
		t.Errorf("expected descriptor to validate, got %v", err)
	}
	if err := Validate("61 * * * *"); err == nil {
		t.Error("expected out-of-range minute to fail validation")
	}
}
