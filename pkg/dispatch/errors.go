package dispatch

import (
	"mellium.im/xmpp/stanza"

	"github.com/slidge-im/slidge-go/pkg/gaterr"
)

// stanzaErrorFor builds the stanza-error payload Routing rule "Error-handling
// contract" (spec.md ยง4.1) calls for: a domain error's Kind maps to a wire
// condition via gaterr.ToCondition, a plain Go error is treated as
// KindInternal.
func stanzaErrorFor(err error) stanza.Error {
	se := stanza.Error{Type: stanza.Cancel, Text: err.Error()}
	switch gaterr.ToCondition(gaterr.KindOf(err)) {
	case gaterr.CondItemNotFound:
		se.Condition = stanza.ItemNotFound
	case gaterr.CondForbidden:
		se.Condition = stanza.Forbidden
	case gaterr.CondNotAuthorized:
		se.Condition = stanza.NotAuthorized
	case gaterr.CondBadRequest:
		se.Type = stanza.Modify
		se.Condition = stanza.BadRequest
	case gaterr.CondNotAcceptable:
		se.Type = stanza.Modify
		se.Condition = stanza.NotAcceptable
	case gaterr.CondRemoteServerTimeout:
		se.Type = stanza.Wait
		se.Condition = stanza.RemoteServerTimeout
	case gaterr.CondRecipientUnavail:
		se.Type = stanza.Wait
		se.Condition = stanza.RecipientUnavailable
	default:
		se.Condition = stanza.InternalServerError
	}
	return se
}
