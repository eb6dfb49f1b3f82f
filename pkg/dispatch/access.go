package dispatch

import (
	"context"
	"regexp"

	"github.com/slidge-im/slidge-go/pkg/session"
)

var _ interface {
	Lookup(ctx context.Context, bareJID string) (exists, loggedIn bool)
} = (*Dispatcher)(nil)

// Lookup implements command.SessionLookup: exists reports whether bareJID
// has a registered user at all (a Session could be reached), loggedIn
// reports whether that Session has finished StartLogin (spec.md ยง4.6).
func (d *Dispatcher) Lookup(ctx context.Context, bareJID string) (exists, loggedIn bool) {
	s := d.sessions.Get(bareJID)
	if s == nil {
		return false, false
	}
	return true, s.State() == session.StateReady
}

// GatewayAllowed implements command.Authorizer against the deployment's
// configured jid-validator regex (spec.md ยง4.7); an unset regex allows
// every JID.
func (d *Dispatcher) GatewayAllowed(bareJID string) bool {
	if d.cfg.JIDAllowRegex == "" {
		return true
	}
	re, err := regexp.Compile(d.cfg.JIDAllowRegex)
	if err != nil {
		d.log.Error().Err(err).Str("regex", d.cfg.JIDAllowRegex).Msg("dispatch: invalid jid allow regex, denying")
		return false
	}
	return re.MatchString(bareJID)
}

// IsAdmin implements command.Authorizer.
func (d *Dispatcher) IsAdmin(bareJID string) bool {
	return d.admins[bareJID]
}
