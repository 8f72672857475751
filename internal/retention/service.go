// Package retention purges finished batch jobs from the job store on a cron
// schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sqlapi/sqlapi/internal/observability"
)

const (
	DefaultSchedule = "@every 10m"
	DefaultTTL      = 24 * time.Hour
)

type Purger interface {
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type Config struct {
	Schedule string
	TTL      time.Duration
}

type Service struct {
	Store  Purger
	Config Config
	Logger *slog.Logger
	Clock  func() time.Time
}

type Summary struct {
	Cutoff time.Time `json:"cutoff"`
	Purged int       `json:"purged"`
}

// Run purges on the configured schedule until ctx is cancelled. A purge that
// is still running when ctx ends is waited for.
func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()
	if s.Store == nil {
		return fmt.Errorf("job store is required")
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(s.Config.Schedule, func() {
		summary, err := s.PurgeOnce(ctx)
		if err != nil {
			s.Logger.ErrorContext(ctx, "retention cycle failed", slog.Any("error", err))
			return
		}
		s.Logger.InfoContext(ctx, "retention cycle completed", slog.Any("summary", summary))
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.Config.Schedule, err)
	}

	scheduler.Start()
	s.Logger.InfoContext(ctx, "job retention started", slog.String("schedule", s.Config.Schedule), slog.Duration("ttl", s.Config.TTL))
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

// PurgeOnce deletes every stored job that finished more than TTL ago.
func (s *Service) PurgeOnce(ctx context.Context) (Summary, error) {
	s.ensureDefaults()
	if s.Store == nil {
		return Summary{}, fmt.Errorf("job store is required")
	}

	cutoff := s.Clock().Add(-s.Config.TTL)
	purged, err := s.Store.PurgeFinishedBefore(ctx, cutoff)
	if err != nil {
		return Summary{Cutoff: cutoff}, fmt.Errorf("purge jobs finished before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	observability.AddRetentionPurged(purged)
	return Summary{Cutoff: cutoff, Purged: purged}, nil
}

func (s *Service) ensureDefaults() {
	if s.Config.Schedule == "" {
		s.Config.Schedule = DefaultSchedule
	}
	if s.Config.TTL <= 0 {
		s.Config.TTL = DefaultTTL
	}
	if s.Clock == nil {
		s.Clock = func() time.Time { return time.Now().UTC() }
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
}
