package broker

import (
	"context"
	"errors"
	"strings"

	"vpnpool/internal/model"
	"vpnpool/internal/store"
)

// AllocateRequest asks for one free credential, optionally on servers at ServerAddress.
type AllocateRequest struct {
	ServerAddress string `json:"ip" validate:"omitempty,ip"`
	Holder        string `json:"holder" validate:"max=255"`
}

// Allocate claims the least recently used free credential on an eligible
// server and opens a usage entry for it.
func (b *Broker) Allocate(ctx context.Context, req AllocateRequest) (*model.Lease, error) {
	const op = "allocate"

	req.ServerAddress = strings.TrimSpace(req.ServerAddress)
	req.Holder = strings.TrimSpace(req.Holder)
	if err := b.check(op, req); err != nil {
		return nil, err
	}
	if req.Holder == "" {
		req.Holder = DefaultHolder
	}

	now := b.now()
	cutoff := b.cutoff(now)

	var lease *model.Lease
	err := b.db.WithTx(ctx, func(q *store.Queries) error {
		cand, err := q.NextFreeCredential(ctx, req.ServerAddress, cutoff)
		if errors.Is(err, store.ErrNotFound) {
			if req.ServerAddress != "" {
				ok, err := q.EligibleServerExists(ctx, req.ServerAddress, cutoff)
				if err != nil {
					return err
				}
				if !ok {
					return ErrServerUnavailable
				}
			}
			return ErrPoolExhausted
		}
		if err != nil {
			return err
		}

		claimed, err := q.ClaimCredential(ctx, cand.ID, req.Holder, now)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrConflict
		}
		// An entry left open by a failed log closure would block the new one.
		if _, err := q.CloseUsageBatch(ctx, []int64{cand.ID}, now); err != nil {
			return err
		}
		if _, err := q.OpenUsage(ctx, cand.ID, cand.ServerID, req.Holder, now); err != nil {
			return err
		}

		lease = &model.Lease{
			CredentialID:    cand.ID,
			ServerID:        cand.ServerID,
			ServerIP:        cand.ServerIP,
			ServerPort:      cand.ServerPort,
			ServerPubkey:    cand.ServerPubkey,
			PrivateKey:      cand.PrivateKey,
			PublicKey:       cand.PublicKey,
			InternalAddress: cand.InternalAddress,
			Holder:          req.Holder,
			AssignedAt:      now,
			UseCount:        cand.UseCount + 1,
		}
		return nil
	})
	if err != nil {
		err = fail(op, err)
		b.metrics.Allocation(allocationResult(err))
		if KindOf(err) == KindInternal {
			b.log.Error("Allocation failed", "server", req.ServerAddress, "holder", req.Holder, "error", err)
		} else {
			b.log.Debug("Allocation refused", "server", req.ServerAddress, "holder", req.Holder, "error", err)
		}
		return nil, err
	}

	cfg, err := b.profile.Render(*lease)
	if err != nil {
		b.log.Warn("Failed to render client config", "credential_id", lease.CredentialID, "error", err)
	}
	lease.Config = cfg

	b.metrics.Allocation("ok")
	b.log.Info("Credential allocated",
		"internal_address", lease.InternalAddress,
		"holder", lease.Holder,
		"server", lease.ServerIP,
		"use_count", lease.UseCount)
	return lease, nil
}

func allocationResult(err error) string {
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return "exhausted"
	case errors.Is(err, ErrServerUnavailable):
		return "server_unavailable"
	}
	switch KindOf(err) {
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindConflict:
		return "conflict"
	case KindInvalidInput:
		return "invalid"
	}
	return "error"
}
