// Package roster is Roster & Contacts (spec.md ยง4.3, C3): a per-session
// Contacts collection backed by pkg/store, with an in-memory cache so
// repeated lookups by legacy id, JID, or primary key resolve to the
// identical object within one session without round-tripping to SQL.
package roster

import (
	"context"
	"fmt"
	"sync"

	"github.com/slidge-im/slidge-go/pkg/adapter"
	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/store"
	"github.com/slidge-im/slidge-go/pkg/xmppid"
)

// Notifier is the slice of the Stanza Dispatcher Contacts needs to push
// roster changes and presence to the user (spec.md ยง4.3).
type Notifier interface {
	// PushRosterItem sends a roster-item-set IQ on behalf of user, adding
	// contact under the given group name. Used only when the component
	// holds the roster:both privilege.
	PushRosterItem(ctx context.Context, user *models.User, contact *models.Contact, group string) error
	// SendSubscribe sends a subscribe presence from contact to user,
	// the fallback when roster:both is unavailable.
	SendSubscribe(ctx context.Context, user *models.User, contact *models.Contact) error
	// SendContactPresence emits contact's current presence, from its
	// synthesised JID to user, the wire counterpart of SetPresence's cache
	// write (spec.md ยง4.3).
	SendContactPresence(ctx context.Context, user *models.User, contact *models.Contact, p models.PresenceTuple) error
}

// DefaultRosterGroup is the roster-item group name (spec.md ยง4.3).
// pkg/dispatch always passes it to New; no config key sets another group.
const DefaultRosterGroup = "slidge"

// Contacts is one session's contact collection.
type Contacts struct {
	user            *models.User
	componentDomain string
	store           *store.ContactStore
	adapter         adapter.Adapter
	notifier        Notifier
	hasRosterBoth   bool
	rosterGroup     string

	mu       sync.Mutex
	byPK     map[int64]*models.Contact
	byLegacy map[string]*models.Contact
	byJID    map[string]*models.Contact
}

// New builds a Contacts collection for one session.
func New(user *models.User, componentDomain string, contactStore *store.ContactStore, ad adapter.Adapter, notifier Notifier, hasRosterBoth bool, rosterGroup string) *Contacts {
	if rosterGroup == "" {
		rosterGroup = DefaultRosterGroup
	}
	return &Contacts{
		user: user, componentDomain: componentDomain, store: contactStore, adapter: ad,
		notifier: notifier, hasRosterBoth: hasRosterBoth, rosterGroup: rosterGroup,
		byPK: make(map[int64]*models.Contact), byLegacy: make(map[string]*models.Contact), byJID: make(map[string]*models.Contact),
	}
}

// ByLegacyID resolves (creating if necessary) the Contact for a legacy id.
// A first-ever lookup creates a skeleton row with Updated false (spec.md
// ยง4.3). No adapter call is made here; the profile is filled only when a
// caller runs UpdateProfile.
func (c *Contacts) ByLegacyID(ctx context.Context, legacyID string) (*models.Contact, error) {
	c.mu.Lock()
	if ct, ok := c.byLegacy[legacyID]; ok {
		c.mu.Unlock()
		return ct, nil
	}
	c.mu.Unlock()

	existing, err := c.store.ByLegacyID(ctx, c.user.PK, legacyID)
	if err != nil {
		return nil, fmt.Errorf("roster: lookup %s: %w", legacyID, err)
	}
	if existing != nil {
		c.cache(existing)
		return existing, nil
	}

	contactJID, err := xmppid.ContactJID(legacyID, c.componentDomain)
	if err != nil {
		return nil, fmt.Errorf("roster: build synthetic jid for %s: %w", legacyID, err)
	}
	created, err := c.store.Upsert(ctx, c.user.PK, legacyID, contactJID.String())
	if err != nil {
		return nil, fmt.Errorf("roster: create skeleton for %s: %w", legacyID, err)
	}
	c.cache(created)
	return created, nil
}

// ByJID resolves a Contact from its bare XMPP JID, the lookup used when an
// outgoing stanza arrives addressed to a contact JID.
func (c *Contacts) ByJID(ctx context.Context, bareJID string) (*models.Contact, error) {
	c.mu.Lock()
	if ct, ok := c.byJID[bareJID]; ok {
		c.mu.Unlock()
		return ct, nil
	}
	c.mu.Unlock()

	ct, err := c.store.ByJID(ctx, c.user.PK, bareJID)
	if err != nil {
		return nil, fmt.Errorf("roster: lookup %s: %w", bareJID, err)
	}
	if ct != nil {
		c.cache(ct)
	}
	return ct, nil
}

// ByPK resolves a Contact by primary key, used once callers already hold a
// PK from a prior lookup (e.g. a Participant.ContactPK).
func (c *Contacts) ByPK(ctx context.Context, pk int64) (*models.Contact, error) {
	c.mu.Lock()
	if ct, ok := c.byPK[pk]; ok {
		c.mu.Unlock()
		return ct, nil
	}
	c.mu.Unlock()
	// Fall through to a full-table walk only on a cold cache: store has no
	// by-pk accessor since every PK a caller holds already came from a
	// ByLegacyID/ByJID lookup that warmed the cache, except right after
	// process restart.
	all, err := c.store.All(ctx, c.user.PK)
	if err != nil {
		return nil, err
	}
	for _, ct := range all {
		c.cache(ct)
		if ct.PK == pk {
			return ct, nil
		}
	}
	return nil, nil
}

func (c *Contacts) cache(ct *models.Contact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byPK[ct.PK] = ct
	c.byLegacy[ct.LegacyID] = ct
	c.byJID[ct.JID] = ct
}

// UpdateProfile populates a skeleton contact's name/avatar/type and marks
// it visible over the wire.
func (c *Contacts) UpdateProfile(ctx context.Context, ct *models.Contact, nickname string, avatarPK int64, clientType models.ClientType) error {
	if err := c.store.UpdateProfile(ctx, ct.PK, nickname, avatarPK, clientType); err != nil {
		return err
	}
	ct.Nickname, ct.AvatarPK, ct.ClientType, ct.Updated = nickname, avatarPK, clientType, true
	return nil
}

// AddToRoster pushes the contact onto the user's roster: a roster-item set
// if the component holds roster:both, a subscribe presence otherwise
// (spec.md ยง4.3).
func (c *Contacts) AddToRoster(ctx context.Context, ct *models.Contact) error {
	if ct.AddedToRoster {
		return nil
	}
	var err error
	if c.hasRosterBoth {
		err = c.notifier.PushRosterItem(ctx, c.user, ct, c.rosterGroup)
	} else {
		err = c.notifier.SendSubscribe(ctx, c.user, ct)
	}
	if err != nil {
		return err
	}
	if err := c.store.SetAddedToRoster(ctx, ct.PK, true); err != nil {
		return err
	}
	ct.AddedToRoster = true
	return nil
}

// SetPresence persists the last broadcast presence tuple (spec.md ยง4.3:
// "Presence cache... persisted so restarts do not flap"), then emits it to
// the user over the wire.
func (c *Contacts) SetPresence(ctx context.Context, ct *models.Contact, p models.PresenceTuple) error {
	if err := c.store.SetPresence(ctx, ct.PK, p); err != nil {
		return err
	}
	ct.CachedPresence = &p
	return c.notifier.SendContactPresence(ctx, c.user, ct, p)
}

// ResyncPresence re-emits every contact's CachedPresence, the maintenance
// pass that guards against the server's own presence state drifting from
// the store's after a reconnect (spec.md ยง4.3, ยง9).
func (c *Contacts) ResyncPresence(ctx context.Context) error {
	all, err := c.store.All(ctx, c.user.PK)
	if err != nil {
		return fmt.Errorf("roster: resync presence: %w", err)
	}
	for _, ct := range all {
		c.cache(ct)
		if ct.CachedPresence == nil {
			continue
		}
		if err := c.notifier.SendContactPresence(ctx, c.user, ct, *ct.CachedPresence); err != nil {
			return fmt.Errorf("roster: resync presence for %s: %w", ct.JID, err)
		}
	}
	return nil
}
