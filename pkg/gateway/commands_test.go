package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slidge-im/slidge-go/pkg/command"
)

func TestRegisterBuiltinCommandsWiresExpectedTriggers(t *testing.T) {
	reg := command.NewRegistry()
	g := &Gateway{}
	g.registerBuiltinCommands(reg)

	for _, trigger := range []string{"register", "unregister", "re-login", "logout", "find", "contacts", "groups", "create-group", "info", "delete_user"} {
		require.NotNilf(t, reg.ByTrigger(trigger), "expected trigger %q to be registered", trigger)
	}

	require.NotNil(t, reg.ByNode("jabber:iq:register"))
	require.NotNil(t, reg.ByNode("jabber:iq:unregister"))
}

func TestSessionOfReturnsNilForNonSessionInvocation(t *testing.T) {
	inv := &command.Invocation{Session: nil}
	require.Nil(t, sessionOf(inv))
}
