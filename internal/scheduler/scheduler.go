// Package scheduler runs the portal's periodic maintenance jobs.
//
// Jobs are registered with cron expressions and run until the context passed
// to Run is cancelled.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/facebookgo/clock"
	"github.com/robfig/cron/v3"
)

// DefaultPurgeSchedule removes expired one-time code challenges every 15 minutes.
const DefaultPurgeSchedule = "*/15 * * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a scheduler. Jobs start when Run is called.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler.Run: started", "jobs", s.Len())
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler.Run: stopped")
	return nil
}

// ChallengePurger deletes expired one-time code challenges.
type ChallengePurger interface {
	PurgeExpiredChallenges(before time.Time) (int, error)
}

// PurgeChallengesJob returns a job deleting the challenges expired at the
// time it runs.
func PurgeChallengesJob(repo ChallengePurger, clk clock.Clock) func() {
	return func() {
		n, err := repo.PurgeExpiredChallenges(clk.Now().UTC())
		if err != nil {
			slog.Error("Scheduler.PurgeChallengesJob: purge failed", "error", err)
			return
		}
		slog.Debug("Scheduler.PurgeChallengesJob: purged expired challenges", "removed", n)
	}
}
