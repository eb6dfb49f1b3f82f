package adapter

import (
	"context"

	"github.com/slidge-im/slidge-go/pkg/gaterr"
	"github.com/slidge-im/slidge-go/pkg/models"
)

// remoteAdapter widens a RemoteAdapter — the reduced surface a plugin
// process exposes over net/rpc — into the full Adapter interface the
// Registry deals in, so an out-of-process legacy-network implementation can
// sit in the same Registry as an in-process one (spec.md ยง6, ยง9's "adapter
// behind an index" ownership rule). Most operations RemoteAdapter has no RPC
// for fail with NotAuthorized rather than panicking a type assertion; the
// chat-state hooks and Backfill are no-ops returning nil, and
// ValidateTwoFactorCode reports TwoFactorNotRequired. A plugin author who needs one of them implements the full Adapter
// interface in-process instead of going through Host.
type remoteAdapter struct {
	name   string
	remote RemoteAdapter
}

// FromPlugin wraps a loaded plugin's RemoteAdapter as a full Adapter, so
// Host-loaded plugins can be handed to a Registry's Factory the same way an
// in-process implementation is.
func FromPlugin(name string, remote RemoteAdapter) Adapter {
	return &remoteAdapter{name: name, remote: remote}
}

func (r *remoteAdapter) Login(_ context.Context, user *models.User) (string, error) {
	return r.remote.Login(user)
}

func (r *remoteAdapter) Logout(_ context.Context, user *models.User) error {
	return r.remote.Logout(user)
}

func (r *remoteAdapter) Validate(_ context.Context, _ string, _ RegistrationForm) (map[string]string, error) {
	return nil, gaterr.NotAuthorized("plugin adapter %s does not support in-band registration", r.name)
}

func (r *remoteAdapter) ValidateTwoFactorCode(_ context.Context, _ *models.User, _ string) (map[string]string, error) {
	return nil, TwoFactorNotRequired{}
}

func (r *remoteAdapter) GetQRText(_ context.Context, _ *models.User) (string, error) {
	return "", gaterr.NotAuthorized("plugin adapter %s does not support QR registration", r.name)
}

func (r *remoteAdapter) Unregister(_ context.Context, user *models.User) error {
	return r.remote.Unregister(user)
}

func (r *remoteAdapter) SendText(_ context.Context, user *models.User, contact *models.Contact, text string) (string, error) {
	return r.remote.SendText(user, contact, text)
}

func (r *remoteAdapter) SendFile(_ context.Context, _ *models.User, _ *models.Contact, _ string, _ *models.Attachment) (string, error) {
	return "", gaterr.NotAuthorized("plugin adapter %s does not support file transfer", r.name)
}

func (r *remoteAdapter) React(_ context.Context, _ *models.User, _ *models.Contact, _ string, _ []string) error {
	return gaterr.NotAuthorized("plugin adapter %s does not support reactions", r.name)
}

func (r *remoteAdapter) Retract(_ context.Context, _ *models.User, _ *models.Contact, _ string) error {
	return gaterr.NotAuthorized("plugin adapter %s does not support retraction", r.name)
}

func (r *remoteAdapter) Correct(_ context.Context, _ *models.User, _ *models.Contact, _, _ string) (string, error) {
	return "", gaterr.NotAuthorized("plugin adapter %s does not support corrections", r.name)
}

func (r *remoteAdapter) Displayed(_ context.Context, _ *models.User, _ *models.Contact, _ string) error {
	return gaterr.NotAuthorized("plugin adapter %s does not support read markers", r.name)
}

func (r *remoteAdapter) Active(_ context.Context, _ *models.User, _ *models.Contact) error    { return nil }
func (r *remoteAdapter) Inactive(_ context.Context, _ *models.User, _ *models.Contact) error  { return nil }
func (r *remoteAdapter) Composing(_ context.Context, _ *models.User, _ *models.Contact) error  { return nil }
func (r *remoteAdapter) Paused(_ context.Context, _ *models.User, _ *models.Contact) error     { return nil }

func (r *remoteAdapter) OnSearch(_ context.Context, _ *models.User, _ map[string]string) ([]SearchResult, error) {
	return nil, gaterr.NotAuthorized("plugin adapter %s does not support search", r.name)
}

func (r *remoteAdapter) OnCreateGroup(_ context.Context, _ *models.User, _ string, _ []string) (string, error) {
	return "", gaterr.NotAuthorized("plugin adapter %s does not support group creation", r.name)
}

func (r *remoteAdapter) OnInvitation(_ context.Context, _ *models.User, _ *models.Room, _ string) error {
	return gaterr.NotAuthorized("plugin adapter %s does not support invitations", r.name)
}

func (r *remoteAdapter) OnLeaveGroup(_ context.Context, _ *models.User, _ *models.Room) error {
	return gaterr.NotAuthorized("plugin adapter %s does not support leaving groups", r.name)
}

func (r *remoteAdapter) OnSetSubject(_ context.Context, _ *models.User, _ *models.Room, _ string) error {
	return gaterr.NotAuthorized("plugin adapter %s does not support setting a subject", r.name)
}

func (r *remoteAdapter) OnFriendRequest(_ context.Context, _ *models.User, _ string) error {
	return gaterr.NotAuthorized("plugin adapter %s does not support friend requests", r.name)
}

func (r *remoteAdapter) OnFriendRequestAccept(_ context.Context, _ *models.User, _ string) error {
	return gaterr.NotAuthorized("plugin adapter %s does not support friend requests", r.name)
}

func (r *remoteAdapter) OnFriendRequestDelete(_ context.Context, _ *models.User, _ string) error {
	return gaterr.NotAuthorized("plugin adapter %s does not support friend requests", r.name)
}

func (r *remoteAdapter) UpdateRoomInfo(_ context.Context, _ *models.User, _ *models.Room) error {
	return gaterr.NotAuthorized("plugin adapter %s does not support groups", r.name)
}

func (r *remoteAdapter) FillParticipants(_ context.Context, _ *models.User, _ *models.Room, _ int, _ func(ParticipantInfo) error) error {
	return gaterr.NotAuthorized("plugin adapter %s does not support groups", r.name)
}

func (r *remoteAdapter) Backfill(_ context.Context, _ *models.User, _ *models.Room, _, _ string) ([]BackfillMessage, error) {
	return nil, nil
}
