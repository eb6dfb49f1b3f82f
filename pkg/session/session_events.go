package session

import (
	"context"
	"time"

	"github.com/slidge-im/slidge-go/pkg/adapter"
	"github.com/slidge-im/slidge-go/pkg/message"
	"github.com/slidge-im/slidge-go/pkg/models"
)

var _ adapter.EventHandler = (*Session)(nil)

// chat resolves the Contact or Room an inbound event names, exactly one of
// fromLegacyID/roomLegacyID being set (spec.md ยง4.1 step 6 / ยง4.5).
func (s *Session) chat(ctx context.Context, fromLegacyID, roomLegacyID string) (message.Chat, error) {
	if roomLegacyID != "" {
		room, err := s.MUC.ByLegacyID(ctx, roomLegacyID)
		if err != nil {
			return message.Chat{}, err
		}
		return message.Chat{Room: room}, nil
	}
	contact, err := s.Roster.ByLegacyID(ctx, fromLegacyID)
	if err != nil {
		return message.Chat{}, err
	}
	return message.Chat{Contact: contact}, nil
}

// OnNewMessage implements adapter.EventHandler, mirroring a legacy message
// onto XMPP (spec.md ยง4.5).
func (s *Session) OnNewMessage(ctx context.Context, user *models.User, ev adapter.NewMessageEvent) {
	chat, err := s.chat(ctx, ev.FromLegacyID, ev.RoomLegacyID)
	if err != nil {
		s.log.Error().Err(err).Msg("session: resolve chat for new message")
		return
	}
	if err := s.Messages.HandleIncoming(ctx, chat, ev, ev.FromSelf); err != nil {
		s.log.Error().Err(err).Msg("session: handle incoming message")
	}
}

// OnMessageEdit implements adapter.EventHandler: a legacy correction.
func (s *Session) OnMessageEdit(ctx context.Context, user *models.User, ev adapter.MessageEditEvent) {
	chat, err := s.chat(ctx, ev.FromLegacyID, ev.RoomLegacyID)
	if err != nil {
		s.log.Error().Err(err).Msg("session: resolve chat for message edit")
		return
	}
	if _, err := s.Messages.Correct(ctx, chat, ev.LegacyID, ev.NewText); err != nil {
		s.log.Error().Err(err).Msg("session: apply message edit")
	}
}

// OnMessageDelete implements adapter.EventHandler: a legacy unsend/delete.
func (s *Session) OnMessageDelete(ctx context.Context, user *models.User, fromLegacyID, roomLegacyID, legacyMsgID string) {
	chat, err := s.chat(ctx, fromLegacyID, roomLegacyID)
	if err != nil {
		s.log.Error().Err(err).Msg("session: resolve chat for message delete")
		return
	}
	if err := s.Messages.Retract(ctx, chat, legacyMsgID); err != nil {
		s.log.Error().Err(err).Msg("session: apply message delete")
	}
}

// OnReactionChange implements adapter.EventHandler.
func (s *Session) OnReactionChange(ctx context.Context, user *models.User, ev adapter.ReactionEvent) {
	chat, err := s.chat(ctx, ev.FromLegacyID, ev.RoomLegacyID)
	if err != nil {
		s.log.Error().Err(err).Msg("session: resolve chat for reaction change")
		return
	}
	if err := s.Messages.React(ctx, chat, ev.LegacyMsgID, ev.Emojis); err != nil {
		s.log.Error().Err(err).Msg("session: apply reaction change")
	}
}

// OnPresenceChange implements adapter.EventHandler: a legacy contact's
// presence update (spec.md ยง4.3).
func (s *Session) OnPresenceChange(ctx context.Context, user *models.User, contactLegacyID string, presence models.PresenceTuple) {
	contact, err := s.Roster.ByLegacyID(ctx, contactLegacyID)
	if err != nil {
		s.log.Error().Err(err).Msg("session: resolve contact for presence change")
		return
	}
	if err := s.Roster.SetPresence(ctx, contact, presence); err != nil {
		s.log.Error().Err(err).Msg("session: store presence change")
	}
}

// OnTyping implements adapter.EventHandler: a legacy chat-state change. The
// event is dropped: chat states are not persisted (spec.md ยง4.5), and
// neither this package nor pkg/dispatch relays them to the user.
func (s *Session) OnTyping(ctx context.Context, user *models.User, contactLegacyID string, composing bool) {
	// No-op: typing events carry no mapping or archival side effect.
}

// OnReadMarker implements adapter.EventHandler: a legacy read receipt.
func (s *Session) OnReadMarker(ctx context.Context, user *models.User, fromLegacyID, roomLegacyID, legacyMsgID string) {
	chat, err := s.chat(ctx, fromLegacyID, roomLegacyID)
	if err != nil {
		s.log.Error().Err(err).Msg("session: resolve chat for read marker")
		return
	}
	mdsWhitelisted := s.Pubsub != nil && s.Pubsub.MDSWhitelisted()
	if err := s.Messages.Displayed(ctx, chat, legacyMsgID, mdsWhitelisted); err != nil {
		s.log.Error().Err(err).Msg("session: apply read marker")
	}
}

// OnGroupEvent implements adapter.EventHandler: a legacy join/leave/rename
// inside a group the user is in (spec.md ยง4.4).
func (s *Session) OnGroupEvent(ctx context.Context, user *models.User, ev adapter.GroupEvent) {
	room, err := s.MUC.ByLegacyID(ctx, ev.RoomLegacyID)
	if err != nil {
		s.log.Error().Err(err).Msg("session: resolve room for group event")
		return
	}
	switch ev.Kind {
	case adapter.GroupEventRename:
		if err := s.MUC.SetSubject(ctx, room, ev.NewName, 0, time.Now().UTC()); err != nil {
			s.log.Error().Err(err).Msg("session: apply group rename")
		}
	case adapter.GroupEventJoin, adapter.GroupEventLeave:
		// Membership changes are reflected the next time the room's
		// participants are re-filled (ByLegacyID/Join); there is no
		// standing per-member presence to flip outside of a join.
	}
}

// OnContactUpdate implements adapter.EventHandler: the adapter is signalling
// that a contact's profile may have changed and should be refreshed. The
// actual refresh (name/avatar/client_type) runs through the same
// UpdateProfile path a lazily-created skeleton contact uses; the adapter is
// expected to call back with fresh data through its own update path rather
// than this package re-querying it, so this is a log-only hook reserved for
// adapters that need to signal intent without new data in hand.
func (s *Session) OnContactUpdate(ctx context.Context, user *models.User, contactLegacyID string) {
	if _, err := s.Roster.ByLegacyID(ctx, contactLegacyID); err != nil {
		s.log.Error().Err(err).Msg("session: resolve contact for contact update")
	}
}

// ConfirmQR implements adapter.EventHandler, forwarding to the Registrar
// attached via AttachQR (spec.md ยง4.7). A deployment not using the QR entry
// variant never attaches one, in which case this is a no-op: there is no
// pending wait to resolve.
func (s *Session) ConfirmQR(ctx context.Context, user *models.User, err error) {
	if s.qr != nil {
		s.qr.ConfirmQR(user.BareJID, err)
	}
}
