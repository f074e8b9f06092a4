// Package scheduler runs the periodic dispatcher jobs of LeadPipe in process.
//
// Jobs use standard 5-field cron expressions. A run that is still going when its next
// trigger fires is skipped, and a panicking job is recovered and logged.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	jobs   map[string]cron.EntryID
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	logger := slogLogger{}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel, jobs: make(map[string]cron.EntryID)}
}

// AddJob schedules task under name using the provided cron expression. The context
// passed to task is cancelled when the scheduler stops. Adding a name twice replaces
// the earlier job.
func (s *Scheduler) AddJob(name, expr string, task func(ctx context.Context)) error {
	id, err := s.cron.AddFunc(expr, func() {
		slog.Debug("Scheduler job triggered", "job", name)
		task(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old)
	}
	s.jobs[name] = id
	slog.Info("Scheduler job added", "job", name, "schedule", expr)
	return nil
}

// Jobs returns the names of the scheduled jobs, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// slogLogger adapts cron's logger to the default slog logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
