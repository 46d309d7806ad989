// Package scheduler manages the engine's timed job lifecycle.
//
// Job schedule (from the engine's day cycle):
//
// Daily jobs (fixed Taipei wall-clock time):
//   - Reset cycle 1 and 2 (flush queues, truncate callback files, re-sync)
//   - Contract refresh after the new day's rows land
//
// Interval jobs (seconds, gated on a window predicate):
//   - Reference sync (strategies, positions)
//   - Quote snapshot refresh feeding the exit handler
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/elsonly/bunny-order/internal/config"
	"github.com/elsonly/bunny-order/internal/market"
)

// JobType categorizes when a job should run.
type JobType string

const (
	// JobTypeDaily runs once per day at a fixed wall-clock time.
	JobTypeDaily JobType = "DAILY"
	// JobTypeInterval runs every N seconds while its gate predicate holds.
	JobTypeInterval JobType = "INTERVAL"
)

// Job represents a scheduled task.
type Job struct {
	Name    string
	Type    JobType
	RunFunc func(ctx context.Context) error

	// At is the fire time for daily jobs.
	At config.TimeOfDay
	// Every is the repeat interval for interval jobs.
	Every time.Duration
	// Gate, if set, must return true for an interval job to fire.
	Gate func(now time.Time) bool

	nextRun time.Time
	lastRun time.Time
}

// Scheduler tracks registered jobs and fires the ones that are due. It is
// driven by the engine's main loop rather than owning its own goroutine,
// so job work is serialized with event handling.
type Scheduler struct {
	jobs   []*Job
	logger *log.Logger
}

// New creates a new scheduler.
func New(logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Scheduler{logger: logger}
}

// RegisterJob adds a job to the scheduler. Daily jobs are armed for the
// next occurrence of their fire time.
func (s *Scheduler) RegisterJob(job Job) {
	j := job
	if j.Type == JobTypeDaily {
		j.nextRun = nextScheduleTime(j.At, market.Now())
	}
	s.jobs = append(s.jobs, &j)
	s.logger.Printf("[scheduler] registered job: %s (type: %s)", j.Name, j.Type)
}

// nextScheduleTime returns the next occurrence of t at or after now's day,
// rolling to tomorrow when today's slot has already passed.
func nextScheduleTime(t config.TimeOfDay, now time.Time) time.Time {
	slot := t.On(now)
	if !now.Before(slot) {
		slot = slot.Add(24 * time.Hour)
	}
	return slot
}

// RunDue fires every due job once. Job failures are logged and do not
// stop other jobs; a failed interval job retries on its next interval and
// a failed daily job waits for tomorrow's slot.
func (s *Scheduler) RunDue(ctx context.Context) {
	now := market.Now()
	for _, job := range s.jobs {
		switch job.Type {
		case JobTypeDaily:
			if now.Before(job.nextRun) {
				continue
			}
			job.nextRun = job.nextRun.Add(24 * time.Hour)
			// Catch up if the loop slept across more than one slot.
			for !job.nextRun.After(now) {
				job.nextRun = job.nextRun.Add(24 * time.Hour)
			}
		case JobTypeInterval:
			if !job.lastRun.IsZero() && now.Sub(job.lastRun) < job.Every {
				continue
			}
			if job.Gate != nil && !job.Gate(now) {
				continue
			}
			job.lastRun = now
		default:
			continue
		}

		start := time.Now()
		if err := job.RunFunc(ctx); err != nil {
			s.logger.Printf("[scheduler] FAILED job %s: %v", job.Name, err)
			continue
		}
		if job.Type == JobTypeDaily {
			s.logger.Printf("[scheduler] completed job %s in %v", job.Name, time.Since(start))
		}
	}
}

// NextRun reports a daily job's armed fire time, for the status surface.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	for _, job := range s.jobs {
		if job.Name == name && job.Type == JobTypeDaily {
			return job.nextRun, true
		}
	}
	return time.Time{}, false
}
