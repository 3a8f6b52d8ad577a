package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vpnpool/internal/model"
	"vpnpool/internal/store"
)

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

// ServerRegistration registers or refreshes a server.
type ServerRegistration struct {
	PublicIP     string `json:"public_ip" validate:"required,ip"`
	Port         int    `json:"port" validate:"required,min=1,max=65535"`
	ServerPubkey string `json:"server_pubkey" validate:"required"`
	Memo         string `json:"memo" validate:"max=255"`
}

type RegisterResult struct {
	ServerID int64
	Action   string
}

// CredentialItem is one key pair of a registration batch.
type CredentialItem struct {
	InternalAddress string `json:"internal_ip" validate:"required,ip"`
	PrivateKey      string `json:"private_key" validate:"required"`
	PublicKey       string `json:"public_key" validate:"required"`
}

// CredentialBatch replaces the credential set of the server at (PublicIP, Port).
type CredentialBatch struct {
	PublicIP string           `json:"public_ip" validate:"required,ip"`
	Port     int              `json:"port" validate:"required,min=1,max=65535"`
	Keys     []CredentialItem `json:"keys" validate:"required,min=1"`
}

// BatchItemError reports why one item of a batch was not registered.
type BatchItemError struct {
	Index           int
	InternalAddress string
	Error           string
}

type BatchResult struct {
	ServerID   int64
	Registered int
	Total      int
	Errors     []BatchItemError
}

// Err returns a KindPartialBatch error when some items failed.
func (r *BatchResult) Err() error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	return &Error{
		Kind: KindPartialBatch,
		Op:   "register_credentials",
		Msg:  fmt.Sprintf("%d of %d credentials rejected", len(r.Errors), r.Total),
	}
}

// ServerState activates or deactivates a server.
type ServerState struct {
	PublicIP string `json:"public_ip" validate:"required,ip"`
	Port     int    `json:"port" validate:"required,min=1,max=65535"`
	Active   bool   `json:"active"`
}

type serverRef struct {
	PublicIP string `json:"ip" validate:"required,ip"`
	Port     int    `json:"port" validate:"min=0,max=65535"`
}

// RegisterServer creates the server at (PublicIP, Port) or refreshes its key
// and memo. Both paths mark it active and stamp its heartbeat.
func (b *Broker) RegisterServer(ctx context.Context, reg ServerRegistration) (*RegisterResult, error) {
	const op = "register_server"

	reg.PublicIP = strings.TrimSpace(reg.PublicIP)
	reg.ServerPubkey = strings.TrimSpace(reg.ServerPubkey)
	if err := b.check(op, reg); err != nil {
		return nil, err
	}

	now := b.now()
	res := &RegisterResult{}
	err := b.db.WithTx(ctx, func(q *store.Queries) error {
		existing, err := q.FindServer(ctx, reg.PublicIP, reg.Port)
		switch {
		case errors.Is(err, store.ErrNotFound):
			id, err := q.InsertServer(ctx, reg.PublicIP, reg.Port, reg.ServerPubkey, reg.Memo, now)
			if err != nil {
				return err
			}
			res.ServerID, res.Action = id, ActionCreated
			return nil
		case err != nil:
			return err
		}
		if err := q.RefreshServer(ctx, existing.ID, reg.ServerPubkey, reg.Memo, now); err != nil {
			return err
		}
		res.ServerID, res.Action = existing.ID, ActionUpdated
		return nil
	})
	if err != nil {
		return nil, fail(op, err)
	}

	b.log.Info("Server registered", "server", model.JoinEndpoint(reg.PublicIP, reg.Port), "server_id", res.ServerID, "action", res.Action)
	return res, nil
}

// RegisterCredentials deletes every credential of the server, including held
// ones, and inserts batch.Keys. Items fail independently and are reported by
// index.
func (b *Broker) RegisterCredentials(ctx context.Context, batch CredentialBatch) (*BatchResult, error) {
	const op = "register_credentials"

	batch.PublicIP = strings.TrimSpace(batch.PublicIP)
	if err := b.check(op, batch); err != nil {
		return nil, err
	}

	res := &BatchResult{Total: len(batch.Keys), Errors: []BatchItemError{}}
	var wiped, wipedHeld int
	err := b.db.WithTx(ctx, func(q *store.Queries) error {
		srv, err := q.FindServer(ctx, batch.PublicIP, batch.Port)
		if errors.Is(err, store.ErrNotFound) {
			return ErrServerNotFound
		}
		if err != nil {
			return err
		}
		res.ServerID = srv.ID

		if wiped, wipedHeld, err = q.CountServerCredentials(ctx, srv.ID); err != nil {
			return err
		}
		if _, err := q.DeleteServerCredentials(ctx, srv.ID); err != nil {
			return err
		}

		for i, item := range batch.Keys {
			item.InternalAddress = strings.TrimSpace(item.InternalAddress)
			item.PrivateKey = strings.TrimSpace(item.PrivateKey)
			item.PublicKey = strings.TrimSpace(item.PublicKey)
			if err := b.validate.Struct(item); err != nil {
				res.Errors = append(res.Errors, BatchItemError{Index: i, InternalAddress: item.InternalAddress, Error: validationMessage(err)})
				continue
			}
			err := q.Savepoint(ctx, "credential_item", func() error {
				_, err := q.InsertCredential(ctx, srv.ID, item.InternalAddress, item.PrivateKey, item.PublicKey)
				return err
			})
			if err != nil {
				if ctx.Err() != nil || store.IsUnavailable(err) {
					return err
				}
				res.Errors = append(res.Errors, BatchItemError{Index: i, InternalAddress: item.InternalAddress, Error: insertMessage(err)})
				continue
			}
			res.Registered++
		}
		return nil
	})
	if err != nil {
		return nil, fail(op, err)
	}

	if wipedHeld > 0 {
		b.log.Warn("Credential replace dropped held leases", "server_id", res.ServerID, "held", wipedHeld)
	}
	b.log.Info("Credentials registered",
		"server", model.JoinEndpoint(batch.PublicIP, batch.Port),
		"registered", res.Registered,
		"total", res.Total,
		"replaced", wiped,
		"errors", len(res.Errors))
	return res, nil
}

func insertMessage(err error) string {
	if store.IsConstraint(err) {
		return "duplicate public_key or internal_ip: " + err.Error()
	}
	return err.Error()
}

// SetServerActive flips a server's active flag. Held leases are untouched.
func (b *Broker) SetServerActive(ctx context.Context, st ServerState) error {
	const op = "set_server_active"

	st.PublicIP = strings.TrimSpace(st.PublicIP)
	if err := b.check(op, st); err != nil {
		return err
	}

	err := b.db.WithTx(ctx, func(q *store.Queries) error {
		n, err := q.SetServerActive(ctx, st.PublicIP, st.Port, st.Active, b.now())
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrServerNotFound
		}
		return nil
	})
	if err != nil {
		return fail(op, err)
	}
	b.log.Info("Server state changed", "server", model.JoinEndpoint(st.PublicIP, st.Port), "active", st.Active)
	return nil
}

// DeleteServer removes the server at publicIP and, through cascades, all its
// credentials, usage entries and traffic samples. A zero port matches any
// port but must resolve to exactly one server.
func (b *Broker) DeleteServer(ctx context.Context, publicIP string, port int) (*model.ServerDeletion, error) {
	const op = "delete_server"

	ref := serverRef{PublicIP: strings.TrimSpace(publicIP), Port: port}
	if err := b.check(op, ref); err != nil {
		return nil, err
	}

	var out *model.ServerDeletion
	err := b.db.WithTx(ctx, func(q *store.Queries) error {
		srv, err := b.resolveServer(ctx, q, ref)
		if err != nil {
			return err
		}
		total, inUse, err := q.CountServerCredentials(ctx, srv.ID)
		if err != nil {
			return err
		}
		if err := q.DeleteServer(ctx, srv.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrServerNotFound
			}
			return err
		}
		out = &model.ServerDeletion{
			ServerIP:      srv.PublicIP,
			Port:          srv.Port,
			KeysDeleted:   total,
			KeysWereInUse: inUse,
		}
		return nil
	})
	if err != nil {
		return nil, fail(op, err)
	}

	b.metrics.Released("delete", out.KeysWereInUse)
	b.log.Info("Server deleted",
		"server", model.JoinEndpoint(out.ServerIP, out.Port),
		"keys_deleted", out.KeysDeleted,
		"keys_in_use", out.KeysWereInUse)
	return out, nil
}

func (b *Broker) resolveServer(ctx context.Context, q *store.Queries, ref serverRef) (*model.Server, error) {
	if ref.Port > 0 {
		srv, err := q.FindServer(ctx, ref.PublicIP, ref.Port)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrServerNotFound
		}
		return srv, err
	}
	servers, err := q.ServersByIP(ctx, ref.PublicIP)
	if err != nil {
		return nil, err
	}
	switch len(servers) {
	case 0:
		return nil, ErrServerNotFound
	case 1:
		return &servers[0], nil
	}
	return nil, invalid("", fmt.Sprintf("%d servers registered at %s; port is required", len(servers), ref.PublicIP))
}
