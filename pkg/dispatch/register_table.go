package dispatch

import (
	"sync"
	"time"

	"github.com/slidge-im/slidge-go/pkg/command"
)

// regSessionTTL bounds how long a pending jabber:iq:register exchange (a
// 2FA code prompt, a QR wait form, the final preferences form) waits for
// the requester's next "set" before it is considered abandoned.
const regSessionTTL = 10 * time.Minute

// regEntry is one bare-JID's pending Registration step.
type regEntry struct {
	response command.Response
	expires  time.Time
}

// regTable tracks in-flight jabber:iq:register exchanges keyed by the
// resending client's bare JID, the registration wire protocol's equivalent
// of adhocTable: every step the Registrar hands back is already a
// command.Response (spec.md ยง4.7), so the same continuation shape applies,
// just correlated by JID instead of a server-issued sessionid.
type regTable struct {
	mu    sync.Mutex
	stage map[string]*regEntry
}

func newRegTable() *regTable {
	return &regTable{stage: make(map[string]*regEntry)}
}

// Set records resp as bareJID's pending step, or clears it if resp is
// terminal (not a *Form/*Confirmation awaiting more input).
func (t *regTable) Set(bareJID string, resp command.Response) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gcLocked()
	if !continuable(resp) {
		delete(t.stage, bareJID)
		return
	}
	t.stage[bareJID] = &regEntry{response: resp, expires: time.Now().Add(regSessionTTL)}
}

// Get returns bareJID's pending step, or nil if it never started or has
// expired.
func (t *regTable) Get(bareJID string) command.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.stage[bareJID]
	if !ok || time.Now().After(e.expires) {
		delete(t.stage, bareJID)
		return nil
	}
	return e.response
}

// Clear drops bareJID's pending step unconditionally.
func (t *regTable) Clear(bareJID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stage, bareJID)
}

func (t *regTable) gcLocked() {
	now := time.Now()
	for id, e := range t.stage {
		if now.After(e.expires) {
			delete(t.stage, id)
		}
	}
}
