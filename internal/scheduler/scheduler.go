// Package scheduler runs periodic housekeeping jobs.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// Cleaner removes expired rows and reports how many were removed.
type Cleaner interface {
	CleanupExpiredSessions() (int64, error)
	DeleteExpiredVerificationCodes() (int64, error)
}

// Scheduler manages scheduled tasks for the application.
type Scheduler struct {
	scheduler *gocron.Scheduler
	cleaner   Cleaner
	interval  time.Duration
}

// New creates a scheduler that cleans up every interval.
func New(cleaner Cleaner, interval time.Duration) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		cleaner:   cleaner,
		interval:  interval,
	}
}

// Start schedules the cleanup job and runs it in the background. The first
// run happens immediately.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", s.interval)
	}
	if _, err := s.scheduler.Every(s.interval).Do(s.Cleanup); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	s.scheduler.StartAsync()
	slog.Info("scheduler started", "cleanup_interval", s.interval)
	return nil
}

// Stop terminates all scheduled tasks.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// Cleanup removes expired login sessions and verification codes.
func (s *Scheduler) Cleanup() {
	sessions, err := s.cleaner.CleanupExpiredSessions()
	if err != nil {
		slog.Error("cleanup expired sessions", "error", err)
	}
	codes, err := s.cleaner.DeleteExpiredVerificationCodes()
	if err != nil {
		slog.Error("cleanup expired verification codes", "error", err)
	}
	if sessions > 0 || codes > 0 {
		slog.Info("expired rows removed", "sessions", sessions, "verification_codes", codes)
	}
}
