package command_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slidge-im/slidge-go/pkg/command"
	"github.com/slidge-im/slidge-go/pkg/gaterr"
)

type fakeLookup struct {
	exists   bool
	loggedIn bool
}

func (f fakeLookup) Lookup(ctx context.Context, bareJID string) (bool, bool) {
	return f.exists, f.loggedIn
}

type fakeAuthorizer struct {
	allowed bool
	admins  map[string]bool
}

func (f fakeAuthorizer) GatewayAllowed(bareJID string) bool { return f.allowed }
func (f fakeAuthorizer) IsAdmin(bareJID string) bool        { return f.admins[bareJID] }

func TestFieldValidateRejectsMissingRequired(t *testing.T) {
	f := command.Field{Var: "name", Required: true, Type: command.FieldTextSingle}
	_, err := f.Validate(nil)
	require.Error(t, err)
}

func TestFieldValidateRejectsOutOfSetOption(t *testing.T) {
	f := command.Field{Var: "color", Type: command.FieldListSingle, Options: []command.Option{{Value: "red"}, {Value: "blue"}}}
	_, err := f.Validate([]string{"green"})
	require.Error(t, err)
}

func TestFieldValidateAcceptsDeclaredOption(t *testing.T) {
	f := command.Field{Var: "color", Type: command.FieldListSingle, Options: []command.Option{{Value: "red"}, {Value: "blue"}}}
	v, err := f.Validate([]string{"blue"})
	require.NoError(t, err)
	require.Equal(t, "blue", v)
}

func TestFieldValidateBooleanParsesTrueFalse(t *testing.T) {
	f := command.Field{Var: "ok", Type: command.FieldBoolean}
	v, err := f.Validate([]string{"true"})
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = f.Validate([]string{"0"})
	require.NoError(t, err)
	require.Equal(t, false, v)
}

func TestFieldValidateListMultiChecksEveryValue(t *testing.T) {
	f := command.Field{Var: "tags", Type: command.FieldListMulti, Options: []command.Option{{Value: "a"}, {Value: "b"}}}
	_, err := f.Validate([]string{"a", "z"})
	require.Error(t, err)

	v, err := f.Validate([]string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, v)
}

func TestAdminOnlyCommandRejectsNonAdmin(t *testing.T) {
	ctx := context.Background()
	r := command.NewRegistry()
	cmd := &command.Command{
		Name: "shutdown", Node: "shutdown", Access: command.AccessAdminOnly,
		Run: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
			return command.TextResponse("done"), nil
		},
	}
	r.Register(cmd)

	_, err := command.Invoke(ctx, cmd, "eve@example.com", nil, fakeLookup{}, fakeAuthorizer{allowed: true}, nil)
	require.Error(t, err)
	gatErr, ok := gaterr.As(err)
	require.True(t, ok)
	require.Equal(t, gaterr.KindNotAuthorized, gatErr.Kind)
}

func TestAdminOnlyCommandAllowsAdmin(t *testing.T) {
	ctx := context.Background()
	cmd := &command.Command{
		Name: "shutdown", Node: "shutdown", Access: command.AccessAdminOnly,
		Run: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
			return command.TextResponse("done"), nil
		},
	}

	resp, err := command.Invoke(ctx, cmd, "admin@example.com", nil, fakeLookup{},
		fakeAuthorizer{allowed: true, admins: map[string]bool{"admin@example.com": true}}, nil)
	require.NoError(t, err)
	require.Equal(t, command.TextResponse("done"), resp)
}

func TestUserLoggedCommandRequiresActiveSession(t *testing.T) {
	ctx := context.Background()
	cmd := &command.Command{Name: "sync", Node: "sync", Access: command.AccessUserLogged,
		Run: func(ctx context.Context, inv *command.Invocation) (command.Response, error) { return nil, nil }}

	_, err := command.Invoke(ctx, cmd, "frank@example.com", nil, fakeLookup{exists: true, loggedIn: false}, fakeAuthorizer{allowed: true}, nil)
	require.Error(t, err)

	_, err = command.Invoke(ctx, cmd, "frank@example.com", nil, fakeLookup{exists: true, loggedIn: true}, fakeAuthorizer{allowed: true}, nil)
	require.NoError(t, err)
}

func TestGatewayDisallowedJIDNeverReachesRun(t *testing.T) {
	ctx := context.Background()
	ran := false
	cmd := &command.Command{Name: "ping", Node: "ping", Access: command.AccessAny,
		Run: func(ctx context.Context, inv *command.Invocation) (command.Response, error) {
			ran = true
			return nil, nil
		}}

	_, err := command.Invoke(ctx, cmd, "stranger@other.example.com", nil, fakeLookup{}, fakeAuthorizer{allowed: false}, nil)
	require.Error(t, err)
	require.False(t, ran)
}

func TestVisibleFiltersAdminOnlyCommandsAndExcludesChatOnly(t *testing.T) {
	ctx := context.Background()
	r := command.NewRegistry()
	r.Register(&command.Command{Name: "adminthing", Node: "admin-node", Access: command.AccessAdminOnly})
	r.Register(&command.Command{Name: "anyone", Node: "anyone-node", Access: command.AccessAny})
	r.Register(&command.Command{Name: "chatonly", Trigger: "chatonly", Access: command.AccessAny})

	visible := command.Visible(ctx, r, "nobody@example.com", fakeLookup{}, fakeAuthorizer{allowed: true})
	require.Len(t, visible, 1)
	require.Equal(t, "anyone-node", visible[0].Node)
}
