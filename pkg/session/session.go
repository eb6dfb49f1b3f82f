package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/slidge-im/slidge-go/pkg/adapter"
	"github.com/slidge-im/slidge-go/pkg/message"
	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/muc"
	"github.com/slidge-im/slidge-go/pkg/pubsub"
	"github.com/slidge-im/slidge-go/pkg/roster"
)

// Notifier is the thin slice of the Stanza Dispatcher a Session needs to
// reach the user directly: presence updates and gateway messages that
// accompany a lifecycle transition (spec.md ยง4.2). Kept as a narrow
// interface so pkg/session never imports pkg/dispatch.
type Notifier interface {
	SendPresence(ctx context.Context, user *models.User, show, status string, available bool)
	SendGatewayMessage(ctx context.Context, user *models.User, body string)
}

// Session is one gateway user's live connection to the legacy network. All
// inbound work for a user funnels through Exclusive, which serializes
// access the way a single asyncio task would in the system this package's
// lineage of bridge clients was written against: one Session processes one
// operation at a time.
type Session struct {
	User    *models.User
	Adapter adapter.Adapter

	// Roster, MUC, Messages and Pubsub are attached once by Attach, after the
	// Stanza Dispatcher has built them against this Session's User and
	// Adapter. Nil until then: a Session freshly returned by GetOrCreate can
	// transition NEW -> LOGGING_IN before any adapter event can possibly
	// arrive to need them.
	Roster   *roster.Contacts
	MUC      *muc.Bookmarks
	Messages *message.Plane
	Pubsub   *pubsub.Broadcaster
	qr       QRConfirmer

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	tasks  sync.WaitGroup

	log zerolog.Logger
}

// Attach wires the per-session domain collections built against this
// Session's User/Adapter, called once by the Stanza Dispatcher right after
// GetOrCreate (spec.md ยง4.2/ยง9 init order: Session before its collections,
// collections before event delivery can begin).
func (s *Session) Attach(r *roster.Contacts, m *muc.Bookmarks, msgs *message.Plane, ps *pubsub.Broadcaster) {
	s.Roster, s.MUC, s.Messages, s.Pubsub = r, m, msgs, ps
}

// QRConfirmer resolves a pending QR registration wait, the slice of
// pkg/register's Registrar a Session needs to forward its ConfirmQR event
// without importing pkg/register directly.
type QRConfirmer interface {
	ConfirmQR(bareJID string, err error)
}

// AttachQR wires the Registrar a QRCode-flow deployment confirms logins
// through; deployments using another Registration entry variant never call
// this, and ConfirmQR events are then dropped (there is nothing to resolve).
func (s *Session) AttachQR(q QRConfirmer) {
	s.qr = q
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.canTransitionTo(next) {
		return fmt.Errorf("session: illegal transition %s -> %s for %s", s.state, next, s.User.BareJID)
	}
	s.state = next
	return nil
}

// Exclusive runs fn while holding the session's operation lock, so two
// stanzas from the same user are never processed concurrently. Roster and
// bookmark updates take their own finer-grained locks inside fn where the
// spec explicitly allows independent resources to proceed in parallel.
func (s *Session) Exclusive(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// Manager owns the bare_jid -> *Session map (spec.md ยง4.2).
type Manager struct {
	notifier Notifier
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds an empty Manager.
func NewManager(notifier Notifier, log zerolog.Logger) *Manager {
	return &Manager{notifier: notifier, log: log, sessions: make(map[string]*Session)}
}

// SetNotifier wires the Notifier once it exists. The Stanza Dispatcher is
// itself built from a SessionFinder (this Manager), so the two are
// constructed in two steps rather than either depending on the other's
// constructor; callers that already have the Notifier at NewManager time
// can ignore this.
func (m *Manager) SetNotifier(notifier Notifier) {
	m.notifier = notifier
}

// GetOrCreate returns the Session for user, creating one in StateNew on
// first need — from a stanza arriving from a known user, or the startup
// login sweep (spec.md ยง4.2).
func (m *Manager) GetOrCreate(user *models.User, ad adapter.Adapter) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[user.BareJID]; ok {
		return s
	}
	s := &Session{
		User:    user,
		Adapter: ad,
		state:   StateNew,
		log:     m.log.With().Str("user", user.BareJID).Logger(),
	}
	m.sessions[user.BareJID] = s
	return s
}

// Get returns the existing Session for bareJID, or nil if none exists yet.
func (m *Manager) Get(bareJID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[bareJID]
}

// All returns every live session, for the startup login sweep and the
// schedule package's maintenance passes.
func (m *Manager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Remove drops bareJID's session from the map without touching its tasks;
// callers must have already called StopTasks.
func (m *Manager) Remove(bareJID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, bareJID)
}

// StartLogin transitions NEW/LOGGED_OUT/FAILED -> LOGGING_IN and runs
// adapter.Login in a supervised background task. On success the session
// moves to READY and presence "available" is sent; on failure it moves to
// FAILED and a dnd presence plus a gateway message carrying the error is
// sent instead (spec.md ยง4.2).
func (m *Manager) StartLogin(ctx context.Context, s *Session) error {
	if err := s.setState(StateLoggingIn); err != nil {
		return err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		status, err := s.Adapter.Login(taskCtx, s.User)
		if err != nil {
			s.markFailed(taskCtx, err)
			m.notifier.SendPresence(taskCtx, s.User, "dnd", err.Error(), true)
			m.notifier.SendGatewayMessage(taskCtx, s.User, "Login failed: "+err.Error())
			return
		}
		if setErr := s.setState(StateReady); setErr != nil {
			s.log.Error().Err(setErr).Msg("session: post-login state transition failed")
			return
		}
		m.notifier.SendPresence(taskCtx, s.User, "", status, true)
	}()
	return nil
}

// markFailed moves the session to FAILED and logs cause. StartLogin's login
// task is its only caller; a background task failing after READY does not
// reach it.
func (s *Session) markFailed(ctx context.Context, cause error) {
	if err := s.setState(StateFailed); err != nil {
		s.log.Error().Err(err).Msg("session: failed to mark session FAILED")
		return
	}
	s.log.Error().Err(cause).Msg("session: adapter failure")
}

// Logout transitions READY -> LOGGED_OUT, cancels supervised tasks, and
// calls adapter.Logout (spec.md ยง4.2).
func (m *Manager) Logout(ctx context.Context, s *Session) error {
	if err := s.setState(StateLoggedOut); err != nil {
		return err
	}
	s.StopTasks(ctx)
	return s.Adapter.Logout(ctx, s.User)
}

// StopTasks cancels the session's supervised task context and waits for
// them to exit, bounded by the caller's ctx deadline (spec.md ยง4.2/ยง9:
// "Adapter shutdown is awaited during process shutdown with a bounded
// timeout; stuck sessions are abandoned").
func (s *Session) StopTasks(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("session: task shutdown timed out, abandoning")
	}
}
