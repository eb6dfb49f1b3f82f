// Package register is the Registration (spec.md ยง4.7, C7) state machine:
// SINGLE_STEP_FORM, TWO_FACTOR_CODE and QRCODE entry variants, sharing one
// final preferences step and unregistration.
package register

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/slidge-im/slidge-go/pkg/adapter"
	"github.com/slidge-im/slidge-go/pkg/command"
	"github.com/slidge-im/slidge-go/pkg/gaterr"
	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/store"
)

// Type is the registration entry variant a deployment configures (spec.md
// ยง4.7).
type Type int

const (
	SingleStepForm Type = iota
	TwoFactorCode
	QRCode
)

// DefaultQRTimeout bounds the wait for the adapter to signal QR
// confirmation (spec.md ยง4.7, ยง5's QR_TIMEOUT).
const DefaultQRTimeout = 2 * time.Minute

// Config is the deployment-specific part of the registration flow: the
// fields an adapter wants filled in, and the user preferences offered at
// the end regardless of entry variant.
type Config struct {
	Type                    Type
	InitialFields           []command.Field
	InitialInstructions     string
	TwoFACodeLabel          string
	TwoFAInstructions       string
	PreferencesFields       []command.Field
	PreferencesInstructions string
	QRTimeout               time.Duration
}

// Notifier is the slice of the Stanza Dispatcher the registration flow needs
// to deliver the QR code out-of-band (spec.md ยง4.7).
type Notifier interface {
	SendFile(ctx context.Context, toBareJID string, pngBytes []byte, filename string) (url string, err error)
	SendText(ctx context.Context, toBareJID, text string) error
	// SubscribeComponent pushes the component's own JID onto the new user's
	// roster (subscription=both if granted, a subscribe presence otherwise),
	// so gateway-initiated traffic works without the user adding it by hand
	// (spec.md scenario 1).
	SubscribeComponent(ctx context.Context, toBareJID string) error
}

// Registrar runs the registration and unregistration flows for the gateway.
type Registrar struct {
	cfg      Config
	users    *store.UserStore
	ad       adapter.Adapter
	notifier Notifier

	mu        sync.Mutex
	qrWaiters map[string]chan error // by bare JID
}

// New builds a Registrar.
func New(cfg Config, users *store.UserStore, ad adapter.Adapter, notifier Notifier) *Registrar {
	if cfg.QRTimeout == 0 {
		cfg.QRTimeout = DefaultQRTimeout
	}
	return &Registrar{cfg: cfg, users: users, ad: ad, notifier: notifier, qrWaiters: make(map[string]chan error)}
}

// SetNotifier wires the Notifier once it exists, for callers (pkg/gateway)
// that build the Registrar before the Stanza Dispatcher that implements
// Notifier is itself constructed.
func (r *Registrar) SetNotifier(notifier Notifier) {
	r.notifier = notifier
}

// Start builds the initial registration Form (spec.md ยง4.7). The caller
// (pkg/gateway's "register" Command, or pkg/dispatch's jabber:iq:register
// handler) is expected to have already checked
// gateway-jid and AccessNonUser authorization.
func (r *Registrar) Start() *command.Form {
	return &command.Form{
		Title:        "Registration",
		Instructions: r.cfg.InitialInstructions,
		Fields:       r.cfg.InitialFields,
		OnSubmit:     r.onInitialSubmit,
	}
}

func formToStrings(values command.Values) adapter.RegistrationForm {
	out := make(adapter.RegistrationForm, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func (r *Registrar) onInitialSubmit(ctx context.Context, values command.Values, inv *command.Invocation) (command.Response, error) {
	bareJID := inv.From
	form := formToStrings(values)

	data, err := r.ad.Validate(ctx, bareJID, form)
	twoFANeeded := true
	if errors.As(err, new(adapter.TwoFactorNotRequired)) {
		if r.cfg.Type != TwoFactorCode {
			return nil, gaterr.Internal(err, "register: adapter reported no 2FA needed outside a two-factor flow")
		}
		twoFANeeded = false
		data = nil
	} else if err != nil {
		return nil, gaterr.BadRequest("register: %v", err)
	}

	moduleData := map[string]string(data)
	if moduleData == nil {
		moduleData = map[string]string(form)
	}

	switch {
	case r.cfg.Type == SingleStepForm, r.cfg.Type == TwoFactorCode && !twoFANeeded:
		return r.preferencesForm(bareJID, moduleData), nil
	case r.cfg.Type == TwoFactorCode:
		return &command.Form{
			Title:        "Confirmation code",
			Instructions: r.cfg.TwoFAInstructions,
			Fields:       []command.Field{{Var: "code", Label: r.cfg.TwoFACodeLabel, Required: true}},
			OnSubmit:     r.make2FAHandler(moduleData),
		}, nil
	case r.cfg.Type == QRCode:
		return r.startQR(ctx, bareJID, moduleData)
	}
	return nil, gaterr.Internal(nil, "register: unknown registration type %d", r.cfg.Type)
}

func (r *Registrar) make2FAHandler(moduleData map[string]string) func(context.Context, command.Values, *command.Invocation) (command.Response, error) {
	return func(ctx context.Context, values command.Values, inv *command.Invocation) (command.Response, error) {
		code, _ := values["code"].(string)
		transient := &models.User{BareJID: inv.From, LegacyModuleData: moduleData}
		data, err := r.ad.ValidateTwoFactorCode(ctx, transient, code)
		if err != nil {
			return nil, gaterr.BadRequest("register: invalid code: %v", err)
		}
		for k, v := range data {
			moduleData[k] = v
		}
		return r.preferencesForm(inv.From, moduleData), nil
	}
}

func (r *Registrar) startQR(ctx context.Context, bareJID string, moduleData map[string]string) (command.Response, error) {
	transient := &models.User{BareJID: bareJID, LegacyModuleData: moduleData}
	qrText, err := r.ad.GetQRText(ctx, transient)
	if err != nil {
		return nil, gaterr.Internal(err, "register: get_qr_text")
	}

	png, err := qrcode.Encode(qrText, qrcode.Medium, 256)
	if err != nil {
		return nil, gaterr.Internal(err, "register: encode QR png")
	}

	r.registerWaiter(bareJID)
	imgURL, err := r.notifier.SendFile(ctx, bareJID, png, "login-qr.png")
	if err != nil {
		r.clearWaiter(bareJID)
		return nil, gaterr.Internal(err, "register: send QR file")
	}
	if err := r.notifier.SendText(ctx, bareJID, qrText); err != nil {
		r.clearWaiter(bareJID)
		return nil, gaterr.Internal(err, "register: send QR text")
	}

	return &command.Form{
		Title:        "Flash this",
		Instructions: "Flash this QR code in the official client, then submit to continue.",
		Fields: []command.Field{
			{Var: "qr_img", Type: command.FieldFixed, Value: qrText, ImageURL: imgURL},
			{Var: "qr_text", Type: command.FieldFixed, Value: qrText, Label: "Text encoded in the QR code"},
		},
		OnSubmit: r.makeQRHandler(bareJID, moduleData),
	}, nil
}

func (r *Registrar) makeQRHandler(bareJID string, moduleData map[string]string) func(context.Context, command.Values, *command.Invocation) (command.Response, error) {
	return func(ctx context.Context, _ command.Values, inv *command.Invocation) (command.Response, error) {
		if err := r.waitForQR(ctx, bareJID); err != nil {
			return nil, err
		}
		return r.preferencesForm(bareJID, moduleData), nil
	}
}

func (r *Registrar) registerWaiter(bareJID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qrWaiters[bareJID] = make(chan error, 1)
}

func (r *Registrar) clearWaiter(bareJID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.qrWaiters, bareJID)
}

func (r *Registrar) waitForQR(ctx context.Context, bareJID string) error {
	r.mu.Lock()
	ch, ok := r.qrWaiters[bareJID]
	r.mu.Unlock()
	if !ok {
		return gaterr.Internal(nil, "register: no pending QR wait for %s", bareJID)
	}
	defer r.clearWaiter(bareJID)

	timer := time.NewTimer(r.cfg.QRTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		if err != nil {
			return gaterr.BadRequest("register: QR confirmation failed: %v", err)
		}
		return nil
	case <-timer.C:
		return gaterr.Timeout("register: QR code was not scanned in time")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConfirmQR resolves a pending QR wait for bareJID, called from the
// adapter's EventHandler.ConfirmQR callback (spec.md ยง4.7). If no wait is
// pending (confirmation arrived after the timeout, or twice), it is
// silently dropped.
func (r *Registrar) ConfirmQR(bareJID string, err error) {
	r.mu.Lock()
	ch, ok := r.qrWaiters[bareJID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (r *Registrar) preferencesForm(bareJID string, moduleData map[string]string) *command.Form {
	return &command.Form{
		Title:        "Preferences",
		Instructions: r.cfg.PreferencesInstructions,
		Fields:       r.cfg.PreferencesFields,
		OnSubmit:     r.makeFinalizeHandler(bareJID, moduleData),
	}
}

func (r *Registrar) makeFinalizeHandler(bareJID string, moduleData map[string]string) func(context.Context, command.Values, *command.Invocation) (command.Response, error) {
	return func(ctx context.Context, values command.Values, inv *command.Invocation) (command.Response, error) {
		user, err := r.users.Create(ctx, bareJID, moduleData)
		if err != nil {
			if store.IsUniqueViolation(err) {
				return nil, gaterr.BadRequest("register: %s is already registered", bareJID)
			}
			return nil, gaterr.Internal(err, "register: create user")
		}
		prefs := make(map[string]string, len(values))
		for k, v := range values {
			if s, ok := v.(string); ok {
				prefs[k] = s
			}
		}
		if err := r.users.SetPreferences(ctx, user.PK, prefs); err != nil {
			return nil, gaterr.Internal(err, "register: store preferences")
		}
		if err := r.notifier.SubscribeComponent(ctx, bareJID); err != nil {
			return nil, gaterr.Internal(err, "register: subscribe component to new user's roster")
		}
		return command.TextResponse("Success, welcome!"), nil
	}
}

// Unregister runs adapter.Unregister then deletes the user row, whose
// cascade removes every owned Contact/Room/Participant/Attachment/id-mapping
// row (spec.md ยง4.7). Called from pkg/gateway's unregisterUser, behind
// the user "unregister" and admin "delete_user" Commands; an `unsubscribe`
// presence to the component does not call it.
func (r *Registrar) Unregister(ctx context.Context, user *models.User) error {
	if err := r.ad.Unregister(ctx, user); err != nil {
		return gaterr.Internal(err, "register: adapter.unregister")
	}
	if err := r.users.Delete(ctx, user.PK); err != nil {
		return gaterr.Internal(err, "register: delete user row")
	}
	return nil
}
