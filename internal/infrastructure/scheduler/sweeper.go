// Package scheduler runs the periodic maintenance passes: expiring payment
// attempts that never got a callback and marking silent units offline.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/metrics"
)

type Config struct {
	Interval time.Duration
	// TTLs maps each provider to how long an attempt may stay open.
	TTLs map[domain.Provider]time.Duration
	// StaleAfter moves units offline after this much silence; zero disables it.
	StaleAfter time.Duration
}

type Sweeper struct {
	cfg       Config
	payments  ports.PaymentService
	telemetry ports.TelemetryService
	now       func() time.Time
	log       zerolog.Logger
}

func NewSweeper(cfg Config, payments ports.PaymentService, telemetry ports.TelemetryService, log zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Sweeper{
		cfg:       cfg,
		payments:  payments,
		telemetry: telemetry,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass and returns the number of expired attempts and
// units marked offline.
func (s *Sweeper) RunOnce(ctx context.Context) (expired, offline int) {
	now := s.now()
	for provider, ttl := range s.cfg.TTLs {
		n, err := s.payments.SweepExpired(ctx, provider, now, ttl)
		if err != nil {
			s.log.Error().Err(err).Str("provider", string(provider)).Msg("payment sweep failed")
		}
		if n > 0 {
			metrics.PaymentsExpiredTotal.WithLabelValues(string(provider)).Add(float64(n))
		}
		expired += n
	}

	if s.telemetry != nil && s.cfg.StaleAfter > 0 {
		n, err := s.telemetry.MarkStale(ctx, now, s.cfg.StaleAfter)
		if err != nil {
			s.log.Error().Err(err).Msg("stale unit pass failed")
		}
		if n > 0 {
			metrics.UnitsMarkedOfflineTotal.Add(float64(n))
		}
		offline = n
	}
	return expired, offline
}
