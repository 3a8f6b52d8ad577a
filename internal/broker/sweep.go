package broker

import (
	"context"
	"log/slog"
	"time"

	"vpnpool/internal/logger"
	"vpnpool/internal/model"
	"vpnpool/internal/store"
)

// Sweep releases every credential held for longer than ttl. A zero ttl
// reclaims all held credentials, including ones assigned at this instant.
func (b *Broker) Sweep(ctx context.Context, ttl time.Duration) (*model.ReleaseReport, error) {
	const op = "sweep"

	if ttl < 0 {
		return nil, invalid(op, "ttl must not be negative")
	}

	now := b.now()
	// Nothing can have been assigned before the epoch.
	if ttl > time.Duration(now.UnixMilli())*time.Millisecond {
		return &model.ReleaseReport{Leases: []model.ReleasedLease{}}, nil
	}
	cutoff := now.Add(-ttl)

	var report *model.ReleaseReport
	err := b.db.WithTx(ctx, func(q *store.Queries) error {
		var (
			expired []store.HeldCredential
			err     error
		)
		if ttl == 0 {
			expired, err = q.HeldCredentials(ctx, "")
		} else {
			expired, err = q.ExpiredCredentials(ctx, cutoff)
		}
		if err != nil {
			return err
		}
		report, err = b.releaseHeld(ctx, q, expired, now)
		return err
	})
	if err != nil {
		return nil, fail(op, err)
	}

	b.metrics.Released(op, report.Released)
	if report.Released > 0 {
		b.log.Info("Reclaimed expired credentials", "released", report.Released, "ttl", ttl)
	}
	return report, nil
}

// Sweeper runs Sweep periodically.
type Sweeper struct {
	b        *Broker
	interval time.Duration
	ttl      time.Duration
	log      *slog.Logger
}

func NewSweeper(b *Broker, interval, ttl time.Duration) *Sweeper {
	return &Sweeper{b: b, interval: interval, ttl: ttl, log: logger.Get("sweeper")}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.log.Info("Sweeper disabled")
		<-ctx.Done()
		return nil
	}
	s.log.Info("Sweeper started", "interval", s.interval, "ttl", s.ttl)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	report, err := s.b.Sweep(ctx, s.ttl)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("Sweep failed", "error", err)
		}
		return
	}
	for _, l := range report.Leases {
		s.log.Debug("Reclaimed lease", "internal_address", l.InternalAddress, "holder", l.Holder, "held_seconds", l.DurationSeconds)
	}
}
