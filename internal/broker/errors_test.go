package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"vpnpool/internal/store"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want Kind
	}{
		{fail("allocate", ErrPoolExhausted), KindConflict},
		{fail("release", ErrLeaseNotFound), KindNotFound},
		{invalid("release", "public_key is required"), KindInvalidInput},
		{fail("status", fmt.Errorf("begin: %w", store.ErrUnavailable)), KindStoreUnavailable},
		{fail("status", context.DeadlineExceeded), KindStoreUnavailable},
		{store.ErrUnavailable, KindStoreUnavailable},
		{errors.New("boom"), KindInternal},
		{fail("status", errors.New("boom")), KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(tc.err), "err=%v", tc.err)
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	err := fail("allocate", ErrPoolExhausted)
	assert.Equal(t, "allocate: no available credentials", err.Error())
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.NotErrorIs(t, err, ErrServerUnavailable)

	err = fail("heartbeat", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
