package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"vpnpool/internal/model"
	"vpnpool/internal/store"
)

// Release returns the credential identified by publicKey to the pool and
// closes its usage entry. A credential that is not held is ErrLeaseNotFound.
func (b *Broker) Release(ctx context.Context, publicKey string) (*model.ReleasedLease, error) {
	const op = "release"

	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return nil, invalid(op, "public_key is required")
	}

	now := b.now()
	var out *model.ReleasedLease
	err := b.db.WithTx(ctx, func(q *store.Queries) error {
		held, err := q.HeldByPublicKey(ctx, publicKey)
		if errors.Is(err, store.ErrNotFound) {
			return ErrLeaseNotFound
		}
		if err != nil {
			return err
		}
		if _, err := q.FreeCredentials(ctx, []int64{held.ID}, now); err != nil {
			return err
		}

		out = releasedLease(*held, now)
		// Log closure failure must not undo the release.
		var duration int64
		err = q.Savepoint(ctx, "close_usage", func() error {
			var err error
			duration, err = q.CloseUsage(ctx, held.ID, now)
			return err
		})
		switch {
		case errors.Is(err, store.ErrNotFound):
			out.LogError = "no open usage entry"
		case err != nil:
			out.LogError = err.Error()
		default:
			out.DurationSeconds = duration
		}
		return nil
	})
	if err != nil {
		return nil, fail(op, err)
	}

	if out.LogError != "" {
		b.log.Warn("Released credential without closing usage entry",
			"internal_address", out.InternalAddress, "error", out.LogError)
	}
	b.metrics.Released(op, 1)
	b.log.Info("Credential released",
		"internal_address", out.InternalAddress,
		"holder", out.Holder,
		"duration_seconds", out.DurationSeconds)
	return out, nil
}

// ReleaseAll releases every held credential, or only those on servers at
// serverAddress when it is set. Releasing nothing is not an error.
func (b *Broker) ReleaseAll(ctx context.Context, serverAddress string) (*model.ReleaseReport, error) {
	const op = "release_all"

	serverAddress = strings.TrimSpace(serverAddress)
	if err := b.validate.Var(serverAddress, "omitempty,ip"); err != nil {
		return nil, invalid(op, "ip must be an IP address")
	}

	now := b.now()
	var report *model.ReleaseReport
	err := b.db.WithTx(ctx, func(q *store.Queries) error {
		held, err := q.HeldCredentials(ctx, serverAddress)
		if err != nil {
			return err
		}
		report, err = b.releaseHeld(ctx, q, held, now)
		return err
	})
	if err != nil {
		return nil, fail(op, err)
	}

	b.metrics.Released(op, report.Released)
	b.log.Info("Released all credentials", "server", serverAddress, "released", report.Released)
	return report, nil
}

// releaseHeld frees held and closes their usage entries inside the caller's
// transaction.
func (b *Broker) releaseHeld(ctx context.Context, q *store.Queries, held []store.HeldCredential, now time.Time) (*model.ReleaseReport, error) {
	report := &model.ReleaseReport{Leases: []model.ReleasedLease{}}
	if len(held) == 0 {
		return report, nil
	}

	ids := make([]int64, len(held))
	for i, h := range held {
		ids[i] = h.ID
	}
	n, err := q.FreeCredentials(ctx, ids, now)
	if err != nil {
		return nil, err
	}
	report.Released = int(n)

	logErr := q.Savepoint(ctx, "close_usage_batch", func() error {
		_, err := q.CloseUsageBatch(ctx, ids, now)
		return err
	})
	if logErr != nil {
		b.log.Warn("Failed to close usage entries", "count", len(ids), "error", logErr)
	}

	for _, h := range held {
		r := releasedLease(h, now)
		if logErr != nil {
			r.LogError = logErr.Error()
		}
		report.Leases = append(report.Leases, *r)
	}
	return report, nil
}

func releasedLease(h store.HeldCredential, now time.Time) *model.ReleasedLease {
	r := &model.ReleasedLease{
		CredentialID:    h.ID,
		InternalAddress: h.InternalAddress,
		Holder:          h.AssignedTo,
		ServerIP:        h.ServerIP,
	}
	if !h.AssignedAt.IsZero() && now.After(h.AssignedAt) {
		r.DurationSeconds = int64(now.Sub(h.AssignedAt) / time.Second)
	}
	return r
}
