package broker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"vpnpool/internal/store"
)

// Kind classifies broker errors for callers that map them onto transport codes.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindInvalidInput
	KindStoreUnavailable
	KindPartialBatch
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindInvalidInput:
		return "invalid input"
	case KindStoreUnavailable:
		return "store unavailable"
	case KindPartialBatch:
		return "partial batch"
	default:
		return "internal error"
	}
}

// Error is the error type returned by every Broker operation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(e.Kind.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrPoolExhausted     = &Error{Kind: KindConflict, Msg: "no available credentials"}
	ErrServerUnavailable = &Error{Kind: KindNotFound, Msg: "server not found or not eligible"}
	ErrServerNotFound    = &Error{Kind: KindNotFound, Msg: "server not found"}
	ErrLeaseNotFound     = &Error{Kind: KindNotFound, Msg: "credential not found or not in use"}
	// ErrConflict means a claimed row changed underneath the transaction.
	ErrConflict = &Error{Kind: KindConflict, Msg: "credential already assigned"}
	// ErrStoreUnavailable is the store's retryable error; it matches lock
	// timeouts and busy databases.
	ErrStoreUnavailable = store.ErrUnavailable
)

// KindOf returns the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return KindStoreUnavailable
	}
	return KindInternal
}

func invalid(op, msg string) error {
	return &Error{Kind: KindInvalidInput, Op: op, Msg: msg}
}

// fail attaches op to err and classifies store failures.
func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			return &Error{Kind: e.Kind, Op: op, Err: err}
		}
		return err
	}
	if store.IsUnavailable(err) {
		if !errors.Is(err, store.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", store.ErrUnavailable, err)
		}
		return &Error{Kind: KindStoreUnavailable, Op: op, Err: err}
	}
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "ip":
			msgs = append(msgs, fe.Field()+" must be an IP address")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		case "datetime":
			msgs = append(msgs, fmt.Sprintf("%s must match %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}
