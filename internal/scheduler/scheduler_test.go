package scheduler

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/elsonly/bunny-order/internal/config"
	"github.com/elsonly/bunny-order/internal/market"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", 0)
}

func TestIntervalJobFiresAndThrottles(t *testing.T) {
	s := New(testLogger())
	runs := 0
	s.RegisterJob(Job{
		Name:    "sync",
		Type:    JobTypeInterval,
		Every:   time.Hour,
		RunFunc: func(ctx context.Context) error { runs++; return nil },
	})

	s.RunDue(context.Background())
	s.RunDue(context.Background())

	if runs != 1 {
		t.Errorf("interval job ran %d times within one interval, want 1", runs)
	}
}

func TestIntervalJobRespectsGate(t *testing.T) {
	s := New(testLogger())
	runs := 0
	open := false
	s.RegisterJob(Job{
		Name:    "snapshot",
		Type:    JobTypeInterval,
		Every:   time.Millisecond,
		Gate:    func(now time.Time) bool { return open },
		RunFunc: func(ctx context.Context) error { runs++; return nil },
	})

	s.RunDue(context.Background())
	if runs != 0 {
		t.Fatal("gated job must not fire while the gate is closed")
	}

	open = true
	s.RunDue(context.Background())
	if runs != 1 {
		t.Errorf("gated job ran %d times after the gate opened, want 1", runs)
	}
}

func TestDailyJobArmsForNextSlot(t *testing.T) {
	s := New(testLogger())
	now := market.Now()

	// A slot one hour in the past is armed for tomorrow at registration.
	past := config.TimeOfDay{Hour: now.Add(-time.Hour).Hour(), Minute: now.Minute(), Second: 0}
	runs := 0
	s.RegisterJob(Job{
		Name:    "reset1",
		Type:    JobTypeDaily,
		At:      past,
		RunFunc: func(ctx context.Context) error { runs++; return nil },
	})

	next, ok := s.NextRun("reset1")
	if !ok {
		t.Fatal("NextRun should know the daily job")
	}
	if !next.After(now) {
		t.Errorf("armed slot %v should be in the future", next)
	}

	s.RunDue(context.Background())
	if runs != 0 {
		t.Error("daily job must not fire before its armed slot")
	}
}

func TestDailyJobFiresOnceWhenDue(t *testing.T) {
	s := New(testLogger())
	runs := 0
	s.RegisterJob(Job{
		Name:    "reset1",
		Type:    JobTypeDaily,
		At:      config.TimeOfDay{Hour: 0, Minute: 0, Second: 0},
		RunFunc: func(ctx context.Context) error { runs++; return nil },
	})

	// Force the armed slot into the past.
	s.jobs[0].nextRun = market.Now().Add(-time.Minute)

	s.RunDue(context.Background())
	s.RunDue(context.Background())

	if runs != 1 {
		t.Errorf("daily job ran %d times for one due slot, want 1", runs)
	}
	next, _ := s.NextRun("reset1")
	if !next.After(market.Now()) {
		t.Errorf("job re-armed in the past: %v", next)
	}
}
