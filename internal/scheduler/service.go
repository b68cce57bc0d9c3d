package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"cronrelay/internal/dispatch"
)

type Dispatcher interface {
	DispatchDueJobs(ctx context.Context, now time.Time) (dispatch.Summary, error)
}

// Service drives the dispatcher from a ticker and purges expired execution
// logs on a slower one.
type Service struct {
	dispatcher Dispatcher
	purger     LogPurger
	log        zerolog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
	started    atomic.Bool
	done       chan struct{}
	interval   time.Duration
	retention  time.Duration
}

func NewService(d Dispatcher, p LogPurger, checkInterval, retentionInterval time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		dispatcher: d,
		purger:     p,
		log:        logger.With().Str("component", "scheduler").Logger(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		interval:   checkInterval,
		retention:  retentionInterval,
	}
}

// Start runs until ctx is done or Stop is called. A dispatch cycle in
// progress always finishes first.
func (s *Service) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var purge <-chan time.Time
	if s.purger != nil && s.retention > 0 {
		pt := time.NewTicker(s.retention)
		defer pt.Stop()
		purge = pt.C
	}

	s.log.Info().Dur("interval", s.interval).Dur("retention_interval", s.retention).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.runDue(ctx, now)
		case now := <-purge:
			s.purgeLogs(ctx, now)
		}
	}
}

// Stop ends the loop and, if it was started, waits for the current cycle.
// It is safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

func (s *Service) runDue(ctx context.Context, now time.Time) {
	summary, err := s.dispatcher.DispatchDueJobs(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to dispatch due jobs")
		return
	}
	if summary.Due == 0 {
		return
	}
	s.log.Info().
		Int("due", summary.Due).
		Int("executed", summary.Executed).
		Int("skipped", summary.Skipped).
		Int("disabled", summary.Disabled).
		Msg("dispatch cycle finished")
}

func (s *Service) purgeLogs(ctx context.Context, now time.Time) {
	removed, err := PurgeExpiredLogs(ctx, s.purger, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to purge execution logs")
		return
	}
	s.log.Info().Int64("removed", removed).Msg("execution logs purged")

	if sp, ok := s.purger.(SessionPurger); ok {
		n, err := sp.DeleteExpiredSessions(ctx, now)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to purge sessions")
			return
		}
		if n > 0 {
			s.log.Info().Int64("removed", n).Msg("expired sessions purged")
		}
	}
}
