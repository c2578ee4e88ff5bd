package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CountFunc returns the current number of sessions.
type CountFunc func(ctx context.Context) (int, error)

// Refresher periodically recomputes gauges that cannot be tracked incrementally.
type Refresher struct {
	cron     *cron.Cron
	count    CountFunc
	timeout  time.Duration
	schedule string
	logger   zerolog.Logger
}

// NewRefresher schedules count on the given cron spec, e.g. "@every 1m".
func NewRefresher(schedule string, count CountFunc, logger zerolog.Logger) (*Refresher, error) {
	if schedule == "" {
		schedule = "@every 1m"
	}
	r := &Refresher{
		cron:     cron.New(),
		count:    count,
		timeout:  10 * time.Second,
		schedule: schedule,
		logger:   logger.With().Str("component", "metrics_refresher").Logger(),
	}
	if _, err := r.cron.AddFunc(schedule, r.Refresh); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Refresh updates the session gauge once.
func (r *Refresher) Refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	n, err := r.count(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to refresh session gauge")
		return
	}
	SetSessions(n)
	r.logger.Debug().Int("sessions", n).Msg("Session gauge refreshed")
}

// Start refreshes immediately and then runs on schedule.
func (r *Refresher) Start() {
	r.Refresh()
	r.cron.Start()
	r.logger.Info().Str("schedule", r.schedule).Msg("Metrics refresher started")
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}
