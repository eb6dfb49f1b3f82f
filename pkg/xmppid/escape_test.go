package xmppid_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slidge-im/slidge-go/pkg/xmppid"
)

func TestEscapeRoundTrip(t *testing.T) {
	cases := []string{
		"simple",
		"space here",
		`quote"mark`,
		"amp&ersand",
		"single'quote",
		"slash/path",
		"colon:here",
		"lt<gt>here",
		"at@sign",
		`back\slash`,
		"+1 555 0100",
	}
	for _, c := range cases {
		escaped := xmppid.Escape(c)
		require.Equal(t, c, xmppid.Unescape(escaped), "round trip of %q via %q", c, escaped)
	}
}

func TestEscapeIsIdempotent(t *testing.T) {
	once := xmppid.Escape(`back\slash and @at`)
	twice := xmppid.Escape(once)
	require.Equal(t, once, twice)
}

func TestEscapeKnownVectors(t *testing.T) {
	require.Equal(t, `foo\40bar`, xmppid.Escape("foo@bar"))
	require.Equal(t, `foo\2fbar`, xmppid.Escape("foo/bar"))
	require.Equal(t, "foo@bar", xmppid.Unescape(`foo\40bar`))
}
