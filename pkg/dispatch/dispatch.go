// Package dispatch is the Stanza Dispatcher (spec.md ยง4.1, C1): the single
// entry point for every inbound stanza arriving on the component's XEP-0114
// connection, and the concrete implementation of every Notifier interface
// the domain packages (pkg/session, pkg/roster, pkg/muc, pkg/message,
// pkg/pubsub, pkg/register) declare to reach the wire without importing it.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mellium.im/xmpp"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"

	"github.com/slidge-im/slidge-go/pkg/adapter"
	"github.com/slidge-im/slidge-go/pkg/command"
	"github.com/slidge-im/slidge-go/pkg/mam"
	"github.com/slidge-im/slidge-go/pkg/message"
	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/muc"
	"github.com/slidge-im/slidge-go/pkg/pubsub"
	"github.com/slidge-im/slidge-go/pkg/register"
	"github.com/slidge-im/slidge-go/pkg/roster"
	"github.com/slidge-im/slidge-go/pkg/session"
	"github.com/slidge-im/slidge-go/pkg/store"
)

// SessionFinder is the slice of pkg/session.Manager the dispatcher needs to
// route a stanza to the Session owning its bare-JID originator, kept narrow
// so this package depends only on the methods it actually calls.
type SessionFinder interface {
	Get(bareJID string) *session.Session
	GetOrCreate(user *models.User, ad adapter.Adapter) *session.Session
	StartLogin(ctx context.Context, s *session.Session) error
	Logout(ctx context.Context, s *session.Session) error
}

// Config is the connection-level configuration the dispatcher needs
// (spec.md ยง6's component connection).
type Config struct {
	ComponentJID     string
	Server           string
	Port             int
	SharedSecret     string
	IdentityCategory string
	IdentityType     string
	AdminJIDs        []string
	JIDAllowRegex    string

	RosterBoth      bool
	MessageOutgoing bool
	HTTPUploadJID   string
}

// Dispatcher owns the live XEP-0114 session, the caps cache, the in-flight
// ad-hoc command session table, and every Registry/Registrar the Command
// Framework and Registration state machine need to answer a request
// (spec.md ยง4.1).
type Dispatcher struct {
	cfg       Config
	component jid.JID
	conn      net.Conn
	xsess     *xmpp.Session
	mux       *mux.ServeMux
	log       zerolog.Logger

	store           *store.Store
	sessions        SessionFinder
	adapters        *adapter.Registry
	archive         *mam.Archive
	commands        *command.Registry
	registrar       *register.Registrar
	componentDomain string

	caps *capsCache
	adhc *adhocTable
	reg  *regTable

	admins map[string]bool

	mu     sync.Mutex
	closed bool
}

// New builds a Dispatcher bound to cfg, store and the already-populated
// command Registry/Registrar; Connect must be called before it can serve.
func New(cfg Config, st *store.Store, sessions SessionFinder, adapters *adapter.Registry, commands *command.Registry, registrar *register.Registrar, log zerolog.Logger) (*Dispatcher, error) {
	componentJID, err := jid.Parse(cfg.ComponentJID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: parse component jid %q: %w", cfg.ComponentJID, err)
	}
	admins := make(map[string]bool, len(cfg.AdminJIDs))
	for _, a := range cfg.AdminJIDs {
		admins[a] = true
	}
	d := &Dispatcher{
		cfg:             cfg,
		component:       componentJID,
		log:             log,
		store:           st,
		sessions:        sessions,
		adapters:        adapters,
		archive:         mam.New(st.MAM),
		commands:        commands,
		registrar:       registrar,
		componentDomain: componentJID.String(),
		caps:            newCapsCache(),
		adhc:            newAdhocTable(),
		reg:             newRegTable(),
		admins:          admins,
	}
	return d, nil
}

// SetRegistrar wires the Registrar once it exists; the Registrar's own
// construction needs the Dispatcher as its Notifier (spec.md ยง4.7), so the
// two are built in two steps rather than either depending on the other's
// constructor.
func (d *Dispatcher) SetRegistrar(r *register.Registrar) {
	d.registrar = r
}

// resolveSession finds the registered User behind bareJID and returns its
// live Session, lazily attaching the per-user domain collections (Roster,
// MUC, Messages, Pubsub) the first time any stanza needs them — the wiring
// step spec.md ยง9's init order describes as "Session before its
// collections" (spec.md ยง4.1, ยง4.2). Returns (nil, nil, nil) when bareJID
// names no registered user.
func (d *Dispatcher) resolveSession(ctx context.Context, bareJID string) (*session.Session, *models.User, error) {
	user, err := d.store.Users.Get(ctx, bareJID)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: look up user %q: %w", bareJID, err)
	}
	if user == nil {
		return nil, nil, nil
	}

	ad := d.adapters.Get(user.PK)
	sess := d.sessions.GetOrCreate(user, ad)
	if sess.Roster == nil {
		r := roster.New(user, d.componentDomain, d.store.Contacts, ad, d, d.cfg.RosterBoth, roster.DefaultRosterGroup)
		m := muc.New(user, d.componentDomain, d.store.Rooms, d.store.Participants, d.store.MAM, ad, d)
		msgs := message.New(user, d.store.IDMap, d.store.MAM, ad, d)
		ps := pubsub.New(user, d)
		sess.Attach(r, m, msgs, ps)
		if d.registrar != nil {
			sess.AttachQR(d.registrar)
		}
	}
	return sess, user, nil
}

// Connect dials the component port and runs the XEP-0114 handshake
// (spec.md ยง6, grounded on mellium.im/xmpp/component.NewClientSession).
func (d *Dispatcher) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", d.cfg.Server, d.cfg.Port)
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dispatch: dial %s: %w", addr, err)
	}

	xsess, err := component.NewClientSession(ctx, &d.component, []byte(d.cfg.SharedSecret), conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("dispatch: component handshake: %w", err)
	}

	d.conn = conn
	d.xsess = xsess
	d.mux = d.buildMux()
	return nil
}

// Serve runs the stanza-reading loop until the connection closes or errors;
// callers run it in its own goroutine and treat its return as a
// disconnect (pkg/gateway's serveLoop reconnects after an exponential
// backoff capped at one minute).
func (d *Dispatcher) Serve() error {
	return d.xsess.Serve(d.mux)
}

// Close tears down the live connection. Safe to call more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.xsess != nil {
		return d.xsess.Close()
	}
	return nil
}

// sendCtx bounds every fire-and-forget notifier send; stanza pushes that
// never expect (or wait for) a reply are still run with a deadline so a
// stuck TCP write can't wedge a Session's Exclusive lock forever.
func (d *Dispatcher) sendCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
