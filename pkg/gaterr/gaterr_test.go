package gaterr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slidge-im/slidge-go/pkg/gaterr"
)

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	base := gaterr.NotFound("contact %s", "L1")
	wrapped := fmt.Errorf("session: %w", base)
	require.Equal(t, gaterr.KindNotFound, gaterr.KindOf(wrapped))
	require.Equal(t, gaterr.KindNotFound, gaterr.KindOf(base))
}

func TestToConditionMapping(t *testing.T) {
	cases := map[gaterr.Kind]gaterr.Condition{
		gaterr.KindNotFound:         gaterr.CondItemNotFound,
		gaterr.KindNotAuthorized:    gaterr.CondForbidden,
		gaterr.KindBadRequest:       gaterr.CondBadRequest,
		gaterr.KindTimeout:          gaterr.CondRemoteServerTimeout,
		gaterr.KindRemoteUnavailable: gaterr.CondRecipientUnavail,
		gaterr.KindInternal:         gaterr.CondInternalServerError,
		gaterr.KindFatal:            gaterr.CondInternalServerError,
	}
	for kind, want := range cases {
		require.Equal(t, want, gaterr.ToCondition(kind), "kind %v", kind)
	}
}

func TestInternalWrapsCause(t *testing.T) {
	cause := errors.New("db closed")
	err := gaterr.Internal(cause, "store.Users.Get")
	require.ErrorIs(t, err, cause)
}
