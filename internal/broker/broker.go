// Package broker implements the lease pool policy: allocation, release,
// expiry, server registry and health tracking over the store.
package broker

import (
	"context"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"vpnpool/internal/logger"
	"vpnpool/internal/metrics"
	"vpnpool/internal/model"
	"vpnpool/internal/store"
	"vpnpool/internal/wireguard"
)

const (
	DefaultStalenessWindow = 90 * time.Second
	DefaultHolder          = "unknown"
)

// Options configures a Broker. Zero values pick the defaults.
type Options struct {
	StalenessWindow time.Duration
	Profile         wireguard.ClientProfile
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

// Broker is safe for concurrent use. It keeps no pool state in memory; every
// decision is taken inside a store transaction.
type Broker struct {
	db        *store.DB
	staleness time.Duration
	profile   wireguard.ClientProfile
	metrics   *metrics.Metrics
	now       func() time.Time
	validate  *validator.Validate
	log       *slog.Logger
}

func New(db *store.DB, opts Options) *Broker {
	if opts.StalenessWindow <= 0 {
		opts.StalenessWindow = DefaultStalenessWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Profile.AllowedIPs == nil && opts.Profile.PrefixLen == 0 {
		opts.Profile = wireguard.DefaultClientProfile()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	return &Broker{
		db:        db,
		staleness: opts.StalenessWindow,
		profile:   opts.Profile,
		metrics:   opts.Metrics,
		now:       opts.Now,
		validate:  v,
		log:       logger.Get("broker"),
	}
}

// StalenessWindow is the heartbeat age after which a server stops being eligible.
func (b *Broker) StalenessWindow() time.Duration {
	return b.staleness
}

// Eligible reports whether s may serve allocations at now.
func (b *Broker) Eligible(s model.Server, now time.Time) bool {
	if !s.IsActive || s.LastHeartbeatAt.IsZero() {
		return false
	}
	return now.Sub(s.LastHeartbeatAt) < b.staleness
}

func (b *Broker) cutoff(now time.Time) time.Time {
	return now.Add(-b.staleness)
}

func (b *Broker) check(op string, v any) error {
	if err := b.validate.Struct(v); err != nil {
		return invalid(op, validationMessage(err))
	}
	return nil
}

// Health checks that the store answers.
func (b *Broker) Health(ctx context.Context) error {
	return fail("health", b.db.Ping(ctx))
}
