package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slidge-im/slidge-go/pkg/command"
)

// adhocSessionTTL bounds how long an ad-hoc command multi-stage session
// (spec.md ยง4.6, XEP-0050) waits for its next "execute" before it is
// considered abandoned and evicted.
const adhocSessionTTL = 10 * time.Minute

// adhocStage is one pending step of a multi-stage ad-hoc command: either a
// *command.Form awaiting a submit, or a *command.Confirmation awaiting a
// yes/no.
type adhocStage struct {
	node     string
	response command.Response
	expires  time.Time
}

// adhocTable tracks in-flight ad-hoc command sessions by XEP-0050 sessionid,
// since each "next" execute IQ only carries the session id and the
// submitted payload, not the Command or prior Response.
type adhocTable struct {
	mu    sync.Mutex
	stage map[string]*adhocStage
}

func newAdhocTable() *adhocTable {
	return &adhocTable{stage: make(map[string]*adhocStage)}
}

// Start registers a fresh multi-stage session for node's first non-terminal
// Response, returning the sessionid to hand back on the wire.
func (a *adhocTable) Start(node string, resp command.Response) string {
	id := uuid.NewString()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gcLocked()
	a.stage[id] = &adhocStage{node: node, response: resp, expires: time.Now().Add(adhocSessionTTL)}
	return id
}

// Continue replaces sessionid's pending Response with resp, extending its
// TTL, or finalizes (removes) the session if resp is terminal (TextResponse
// or nil, i.e. not a *Form/*Confirmation awaiting more input).
func (a *adhocTable) Continue(sessionid string, resp command.Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !isContinuable(resp) {
		delete(a.stage, sessionid)
		return
	}
	if s, ok := a.stage[sessionid]; ok {
		s.response = resp
		s.expires = time.Now().Add(adhocSessionTTL)
	}
}

// Lookup returns the pending stage for sessionid, or nil if it has expired
// or was never started.
func (a *adhocTable) Lookup(sessionid string) *adhocStage {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.stage[sessionid]
	if !ok || time.Now().After(s.expires) {
		delete(a.stage, sessionid)
		return nil
	}
	return s
}

// Cancel drops sessionid unconditionally, called on a XEP-0050 cancel
// action.
func (a *adhocTable) Cancel(sessionid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.stage, sessionid)
}

func (a *adhocTable) gcLocked() {
	now := time.Now()
	for id, s := range a.stage {
		if now.After(s.expires) {
			delete(a.stage, id)
		}
	}
}

// isContinuable reports whether resp expects another round-trip from the
// requester.
func isContinuable(resp command.Response) bool {
	switch resp.(type) {
	case *command.Form, *command.Confirmation:
		return true
	default:
		return false
	}
}
