// Package adapter defines the boundary between the gateway core and one
// legacy-network implementation (spec.md ยง4/ยง6). Most adapters run
// in-process and are looked up from the Registry; a legacy-network
// implementation that needs its own process boundary (a different runtime,
// crash isolation, a vendored SDK with licensing constraints) can instead
// be hosted out-of-process through Host.
package adapter

import (
	"context"
	"time"

	"github.com/slidge-im/slidge-go/pkg/models"
)

// TwoFactorNotRequired is raised by ValidateTwoFactorCode when the
// registration flow turns out not to need a second step after all.
type TwoFactorNotRequired struct{}

func (TwoFactorNotRequired) Error() string { return "adapter: two-factor code not required" }

// RegistrationForm is the opaque field set presented to, and validated by,
// an adapter during registration (spec.md ยง4.7).
type RegistrationForm map[string]string

// Adapter is the contract one legacy-network implementation must satisfy.
// Every method is called with the gateway user it concerns already
// resolved; implementations are expected to hold their own per-user
// connection state keyed by models.User.PK.
type Adapter interface {
	// Login makes the adapter ready to emit events for user, returning an
	// optional human-readable status message.
	Login(ctx context.Context, user *models.User) (status string, err error)
	// Logout flushes and disconnects, releasing any live connection.
	Logout(ctx context.Context, user *models.User) error
	// Validate checks a registration form, returning adapter-opaque data to
	// persist as User.LegacyModuleData, or an error if the form is invalid.
	Validate(ctx context.Context, jid string, form RegistrationForm) (map[string]string, error)
	// ValidateTwoFactorCode checks a second registration step. Implementations
	// that never need one return TwoFactorNotRequired.
	ValidateTwoFactorCode(ctx context.Context, user *models.User, code string) (map[string]string, error)
	// GetQRText returns the text to encode as a QR code for the QR
	// registration flow; success/failure is later signalled back via the
	// EventHandler's ConfirmQR callback.
	GetQRText(ctx context.Context, user *models.User) (string, error)
	// Unregister releases all resources held for user ahead of deletion.
	Unregister(ctx context.Context, user *models.User) error

	Outbound
}

// Outbound groups the per-operation hooks the core calls to push an
// XMPP-originated action out to the legacy network (spec.md ยง6).
type Outbound interface {
	SendText(ctx context.Context, user *models.User, contact *models.Contact, text string) (legacyID string, err error)
	SendFile(ctx context.Context, user *models.User, contact *models.Contact, url string, attachment *models.Attachment) (legacyID string, err error)
	React(ctx context.Context, user *models.User, contact *models.Contact, legacyMsgID string, emojis []string) error
	Retract(ctx context.Context, user *models.User, contact *models.Contact, legacyMsgID string) error
	Correct(ctx context.Context, user *models.User, contact *models.Contact, legacyMsgID, newText string) (newLegacyID string, err error)
	Displayed(ctx context.Context, user *models.User, contact *models.Contact, legacyMsgID string) error
	Active(ctx context.Context, user *models.User, contact *models.Contact) error
	Inactive(ctx context.Context, user *models.User, contact *models.Contact) error
	Composing(ctx context.Context, user *models.User, contact *models.Contact) error
	Paused(ctx context.Context, user *models.User, contact *models.Contact) error

	OnSearch(ctx context.Context, user *models.User, query map[string]string) ([]SearchResult, error)
	OnCreateGroup(ctx context.Context, user *models.User, name string, invitees []string) (legacyID string, err error)
	OnInvitation(ctx context.Context, user *models.User, room *models.Room, invitee string) error
	OnLeaveGroup(ctx context.Context, user *models.User, room *models.Room) error
	OnSetSubject(ctx context.Context, user *models.User, room *models.Room, subject string) error
	OnFriendRequest(ctx context.Context, user *models.User, legacyID string) error
	OnFriendRequestAccept(ctx context.Context, user *models.User, legacyID string) error
	OnFriendRequestDelete(ctx context.Context, user *models.User, legacyID string) error

	// UpdateRoomInfo fills name/subject/avatar/muc_type for a freshly
	// joined or newly discovered room (spec.md ยง4.4 step 2).
	UpdateRoomInfo(ctx context.Context, user *models.User, room *models.Room) error
	// FillParticipants streams up to maxParticipants occupants of room to
	// yield (spec.md ยง4.4 step 3); returning fewer than maxParticipants
	// signals the adapter has no more to report.
	FillParticipants(ctx context.Context, user *models.User, room *models.Room, maxParticipants int, yield func(ParticipantInfo) error) error
	// Backfill asks the adapter for archived messages between the after and
	// before anchors (either may be empty; see pkg/muc's history backfill
	// algorithm, spec.md ยง4.4).
	Backfill(ctx context.Context, user *models.User, room *models.Room, after, before string) ([]BackfillMessage, error)
}

// ParticipantInfo is one room occupant as reported by FillParticipants.
type ParticipantInfo struct {
	ContactLegacyID string // empty for an anonymous participant
	Nickname        string
	Affiliation     models.Affiliation
	Role            models.Role
}

// BackfillMessage is one historical message returned by Adapter.Backfill.
type BackfillMessage struct {
	LegacyID     string
	FromLegacyID string
	Text         string
	When         time.Time
}

// SearchResult is one row of a jabber:iq:search / jabber:iq:gateway result.
type SearchResult struct {
	LegacyID string
	Fields   map[string]string
}

// EventHandler receives events an adapter emits back into the core
// (spec.md ยง6's "Event callbacks"). pkg/session implements this and
// dispatches each event to the right sub-component (roster, MUC, message
// plane).
type EventHandler interface {
	OnNewMessage(ctx context.Context, user *models.User, ev NewMessageEvent)
	OnMessageEdit(ctx context.Context, user *models.User, ev MessageEditEvent)
	OnMessageDelete(ctx context.Context, user *models.User, fromLegacyID, roomLegacyID, legacyMsgID string)
	OnReactionChange(ctx context.Context, user *models.User, ev ReactionEvent)
	OnPresenceChange(ctx context.Context, user *models.User, contactLegacyID string, presence models.PresenceTuple)
	OnTyping(ctx context.Context, user *models.User, contactLegacyID string, composing bool)
	OnReadMarker(ctx context.Context, user *models.User, fromLegacyID, roomLegacyID, legacyMsgID string)
	OnGroupEvent(ctx context.Context, user *models.User, ev GroupEvent)
	OnContactUpdate(ctx context.Context, user *models.User, contactLegacyID string)
	ConfirmQR(ctx context.Context, user *models.User, err error)
}

// NewMessageEvent is an inbound legacy message to mirror onto XMPP.
// FromLegacyID always names the DM contact for a 1:1 message, in either
// direction; FromSelf disambiguates direction so the chat (not the sender)
// can be resolved the same way every other event resolves it. Exactly one
// of FromLegacyID/RoomLegacyID is set.
type NewMessageEvent struct {
	LegacyID      string
	FromLegacyID  string
	RoomLegacyID  string
	FromSelf      bool // the gateway user sent this from another legacy client; emit as an outgoing carbon
	Text          string
	AttachmentURL string
	ReplyToID     string
	When          time.Time
}

// MessageEditEvent is an inbound legacy correction. FromLegacyID identifies
// the DM contact and RoomLegacyID the group, exactly one of which is set,
// the same chat-identification pair NewMessageEvent uses.
type MessageEditEvent struct {
	FromLegacyID string
	RoomLegacyID string
	LegacyID     string
	NewText      string
}

// ReactionEvent is an inbound legacy reaction change (the full resulting
// set, not a delta, matching XEP-0444 semantics).
type ReactionEvent struct {
	FromLegacyID string
	RoomLegacyID string
	LegacyMsgID  string
	Emojis       []string
}

// GroupEvent covers join/leave/rename for a legacy group (spec.md ยง4.4).
type GroupEvent struct {
	RoomLegacyID string
	Kind         GroupEventKind
	MemberLegacyID string // for Join/Leave
	NewName      string   // for Rename
}

// GroupEventKind enumerates GroupEvent.Kind values.
type GroupEventKind string

const (
	GroupEventJoin   GroupEventKind = "join"
	GroupEventLeave  GroupEventKind = "leave"
	GroupEventRename GroupEventKind = "rename"
)
