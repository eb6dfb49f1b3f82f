// Package gateway is the process-wide wiring layer (spec.md ยง9): it builds
// every singleton the Stanza Dispatcher and its domain packages need, in
// the fixed init order spec.md ยง9 prescribes ("Global mutable state...
// initialised in a fixed order at process start and torn down in reverse
// at shutdown"), then owns the connect/serve/reconnect loop and the
// maintenance scheduler.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/slidge-im/slidge-go/pkg/adapter"
	"github.com/slidge-im/slidge-go/pkg/avatar"
	"github.com/slidge-im/slidge-go/pkg/command"
	"github.com/slidge-im/slidge-go/pkg/config"
	"github.com/slidge-im/slidge-go/pkg/dispatch"
	"github.com/slidge-im/slidge-go/pkg/register"
	"github.com/slidge-im/slidge-go/pkg/schedule"
	"github.com/slidge-im/slidge-go/pkg/session"
	"github.com/slidge-im/slidge-go/pkg/store"
)

// Gateway owns every process-wide singleton: the persistence Store, the
// Adapter registry/plugin host, the Session Manager, the Registration
// state machine, the Command Framework registry, the Avatar cache, and the
// Stanza Dispatcher built on top of all of them (spec.md ยง9's "Gateway
// owns Sessions" ownership rule, generalized one level up to "Gateway owns
// every singleton a Session's collections are built against").
type Gateway struct {
	cfg config.Config
	log zerolog.Logger

	store      *store.Store
	avatars    *avatar.Cache
	pluginHost *adapter.Host
	adapters   *adapter.Registry
	sessions   *session.Manager
	commands   *command.Registry
	registrar  *register.Registrar
	dispatcher *dispatch.Dispatcher
	scheduler  *schedule.Scheduler
}

// Factory is re-exported so a concrete legacy-network implementation
// importing this package can supply its own in-process constructor instead
// of going through the out-of-process plugin host (spec.md ยง6: most
// adapters are expected to run in-process).
type Factory = adapter.Factory

// New builds every singleton and the Stanza Dispatcher bound to them, but
// does not yet connect to the XEP-0114 component port (spec.md ยง9: store
// and adapters are brought up before any network connection is attempted).
// factory is the in-process Adapter constructor; pass nil to fall back to
// cfg.Component.PluginDir/AdapterPlugin's out-of-process plugin instead.
func New(ctx context.Context, cfg config.Config, factory Factory, log zerolog.Logger) (*Gateway, error) {
	st, err := store.Open(ctx, cfg.Database.Dialect, cfg.Database.DSN, log)
	if err != nil {
		return nil, fmt.Errorf("gateway: open store: %w", err)
	}

	var host *adapter.Host
	if factory == nil {
		host = adapter.NewHost(cfg.Component.PluginDir)
		if err := host.LoadAll(); err != nil {
			st.Close()
			return nil, fmt.Errorf("gateway: load adapter plugins: %w", err)
		}
		pluginName := cfg.Component.AdapterPlugin
		factory = func() adapter.Adapter {
			return adapter.FromPlugin(pluginName, host.Get(pluginName))
		}
	}
	adapters := adapter.NewRegistry(factory)

	g := &Gateway{
		cfg:        cfg,
		log:        log,
		store:      st,
		avatars:    avatar.New(st.Avatars),
		pluginHost: host,
		adapters:   adapters,
		commands:   command.NewRegistry(),
	}

	g.sessions = session.NewManager(nil, log.With().Str("component", "session").Logger())

	g.registrar = register.New(registrarConfig(cfg), st.Users, factory(), nil)
	g.registerBuiltinCommands(g.commands)

	dispatchCfg := dispatch.Config{
		ComponentJID:     cfg.Component.JID,
		Server:           cfg.Component.Server,
		Port:             cfg.Component.Port,
		SharedSecret:     cfg.Component.SharedSecret,
		IdentityCategory: cfg.Component.IdentityCategory,
		IdentityType:     cfg.Component.IdentityType,
		AdminJIDs:        cfg.Component.AdminJIDs,
		JIDAllowRegex:    cfg.Registration.JIDRegex,
		RosterBoth:       cfg.Privileges.RosterBoth,
		MessageOutgoing:  cfg.Privileges.MessageOutgoing,
		HTTPUploadJID:    cfg.Home.HTTPUploadJID,
	}
	d, err := dispatch.New(dispatchCfg, st, g.sessions, adapters, g.commands, g.registrar, log.With().Str("component", "dispatch").Logger())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("gateway: build dispatcher: %w", err)
	}
	g.dispatcher = d
	g.sessions.SetNotifier(d)
	g.registrar.SetNotifier(d)

	g.scheduler = schedule.New(schedule.Deps{
		Store:    st,
		Adapters: adapters,
		Sessions: g.sessions,
	}, log.With().Str("component", "schedule").Logger())

	return g, nil
}

// Avatars exposes the shared Avatar Cache (spec.md ยง4.9) so an in-process
// Adapter implementation built against this package can resolve/dedupe a
// legacy avatar before calling roster.Contacts.UpdateProfile or
// muc.Bookmarks' equivalent room profile update.
func (g *Gateway) Avatars() *avatar.Cache {
	return g.avatars
}

// registrarConfig maps the process config's Registration section onto
// pkg/register's Config (spec.md ยง4.7); the per-field form layout is
// deliberately generic (username/password) since this process has no
// bundled legacy-network-specific field set — a concrete bridge built on
// this core overrides it by calling register.New directly instead of
// going through Gateway.New's defaults.
func registrarConfig(cfg config.Config) register.Config {
	var typ register.Type
	switch cfg.Registration.Type {
	case config.RegistrationTwoFactorCode:
		typ = register.TwoFactorCode
	case config.RegistrationQRCode:
		typ = register.QRCode
	default:
		typ = register.SingleStepForm
	}
	return register.Config{
		Type:                typ,
		InitialInstructions: "Enter your legacy network credentials",
		InitialFields: []command.Field{
			{Var: "username", Label: "Username", Required: true},
			{Var: "password", Label: "Password", Required: true, Type: command.FieldTextPrivate},
		},
		TwoFACodeLabel:          "Code",
		TwoFAInstructions:       "Enter the confirmation code you received",
		PreferencesInstructions: "Configure your preferences",
		QRTimeout:               cfg.Registration.QRTimeout,
	}
}

// Connect dials the component port and starts serving in a supervised
// goroutine, reconnecting on disconnect after an exponential backoff (1s,
// doubling, capped at one minute), until ctx is cancelled.
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.dispatcher.Connect(ctx); err != nil {
		return err
	}
	go g.serveLoop(ctx)
	g.scheduler.Start(ctx)
	go g.loginSweep(ctx)
	return nil
}

// serveLoop runs Dispatcher.Serve, reconnecting with exponential backoff
// (capped) on every disconnect until ctx is done (spec.md ยง9).
func (g *Gateway) serveLoop(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = time.Minute
	for {
		err := g.dispatcher.Serve()
		if ctx.Err() != nil {
			return
		}
		g.log.Error().Err(err).Dur("backoff", backoff).Msg("gateway: component connection lost, reconnecting")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if err := g.dispatcher.Connect(ctx); err != nil {
			g.log.Error().Err(err).Msg("gateway: reconnect failed")
			backoff = minDuration(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// loginSweep starts a Session for every already-registered user at process
// start, so a restart resumes every live connection without requiring each
// user to re-trigger it via presence (spec.md ยง4.2, ยง9).
func (g *Gateway) loginSweep(ctx context.Context) {
	users, err := g.store.Users.All(ctx)
	if err != nil {
		g.log.Error().Err(err).Msg("gateway: login sweep: list users")
		return
	}
	for _, u := range users {
		ad := g.adapters.Get(u.PK)
		s := g.sessions.GetOrCreate(u, ad)
		if err := g.sessions.StartLogin(ctx, s); err != nil {
			g.log.Error().Err(err).Str("user", u.BareJID).Msg("gateway: login sweep: start login")
		}
	}
}

// Close tears every singleton down in the reverse of New's build order
// (spec.md ยง9), bounding the wait for in-flight session tasks.
func (g *Gateway) Close(ctx context.Context) error {
	g.scheduler.Stop()
	for _, s := range g.sessions.All() {
		s.StopTasks(ctx)
	}
	if err := g.dispatcher.Close(); err != nil {
		g.log.Error().Err(err).Msg("gateway: close dispatcher")
	}
	if g.pluginHost != nil {
		g.pluginHost.UnloadAll()
	}
	return g.store.Close()
}
