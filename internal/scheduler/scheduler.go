// internal/scheduler/scheduler.go
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Job is the callback invoked when a scheduled job fires.
type Job func()

// Scheduler runs named jobs on cron schedules. A job that is still running
// when its next tick arrives is skipped.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors like
// "@every 25s".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a stopped Scheduler.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		entries: make(map[string]cron.EntryID),
	}
}

// Validate reports whether spec is a schedule the scheduler accepts.
func Validate(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Add registers job under name, replacing any job already using that name.
// Jobs may be added before or after Start.
func (s *Scheduler) Add(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() {
		slog.Debug("cron firing job", "name", name)
		job()
	})
	if err != nil {
		slog.Error("invalid cron schedule", "name", name, "schedule", spec, "error", err)
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old)
	}
	s.entries[name] = id
	slog.Debug("scheduled job", "name", name, "schedule", spec)
	return nil
}

// Remove unregisters the named job. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Has reports whether a job with the given name is registered.
func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	return ok
}

// Start starts the cron ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron ticker and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
