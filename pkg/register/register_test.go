package register_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/slidge-im/slidge-go/pkg/adapter"
	"github.com/slidge-im/slidge-go/pkg/command"
	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/register"
	"github.com/slidge-im/slidge-go/pkg/store"
)

type stubAdapter struct {
	adapter.Adapter
	validateErr       error
	validateData      map[string]string
	twoFACode         string
	twoFAErr          error
	qrText            string
	unregisterCalls   int
}

func (a *stubAdapter) Validate(ctx context.Context, jid string, form adapter.RegistrationForm) (map[string]string, error) {
	return a.validateData, a.validateErr
}

func (a *stubAdapter) ValidateTwoFactorCode(ctx context.Context, user *models.User, code string) (map[string]string, error) {
	if code != a.twoFACode {
		return nil, a.twoFAErr
	}
	return map[string]string{"token": "abc"}, nil
}

func (a *stubAdapter) GetQRText(ctx context.Context, user *models.User) (string, error) {
	return a.qrText, nil
}

func (a *stubAdapter) Unregister(ctx context.Context, user *models.User) error {
	a.unregisterCalls++
	return nil
}

type stubNotifier struct {
	filesSent      int
	textsSent      int
	subscribedJIDs []string
}

func (n *stubNotifier) SendFile(ctx context.Context, toBareJID string, pngBytes []byte, filename string) (string, error) {
	n.filesSent++
	return "https://upload.example.com/qr.png", nil
}

func (n *stubNotifier) SendText(ctx context.Context, toBareJID, text string) error {
	n.textsSent++
	return nil
}

func (n *stubNotifier) SubscribeComponent(ctx context.Context, toBareJID string) error {
	n.subscribedJIDs = append(n.subscribedJIDs, toBareJID)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite3", "file::memory:?cache=shared", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestSingleStepFormRegistersUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ad := &stubAdapter{validateData: map[string]string{"token": "xyz"}}
	notifier := &stubNotifier{}
	cfg := register.Config{
		Type:          register.SingleStepForm,
		InitialFields: []command.Field{{Var: "username", Required: true}},
		PreferencesFields: []command.Field{{Var: "color", Value: "blue"}},
	}
	r := register.New(cfg, s.Users, ad, notifier)

	form := r.Start()
	next, err := form.OnSubmit(ctx, command.Values{"username": "alice"}, &command.Invocation{From: "alice@example.com"})
	require.NoError(t, err)
	prefsForm, ok := next.(*command.Form)
	require.True(t, ok)

	final, err := prefsForm.OnSubmit(ctx, command.Values{"color": "green"}, &command.Invocation{From: "alice@example.com"})
	require.NoError(t, err)
	require.Equal(t, command.TextResponse("Success, welcome!"), final)

	user, err := s.Users.Get(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, "xyz", user.LegacyModuleData["token"])
	require.Equal(t, "green", user.Preferences["color"])
	require.Equal(t, []string{"alice@example.com"}, notifier.subscribedJIDs)
}

func TestTwoFactorFlowRequiresCorrectCode(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ad := &stubAdapter{validateData: map[string]string{}, twoFACode: "1234", twoFAErr: errors.New("invalid code")}
	notifier := &stubNotifier{}
	cfg := register.Config{
		Type:          register.TwoFactorCode,
		InitialFields: []command.Field{{Var: "username", Required: true}},
	}
	r := register.New(cfg, s.Users, ad, notifier)

	form := r.Start()
	next, err := form.OnSubmit(ctx, command.Values{"username": "bob"}, &command.Invocation{From: "bob@example.com"})
	require.NoError(t, err)
	codeForm := next.(*command.Form)

	_, err = codeForm.OnSubmit(ctx, command.Values{"code": "wrong"}, &command.Invocation{From: "bob@example.com"})
	require.Error(t, err)

	prefsForm, err := codeForm.OnSubmit(ctx, command.Values{"code": "1234"}, &command.Invocation{From: "bob@example.com"})
	require.NoError(t, err)
	require.IsType(t, &command.Form{}, prefsForm)
}

func TestQRFlowTimesOutWithoutConfirmation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ad := &stubAdapter{validateData: map[string]string{}, qrText: "otpauth://example"}
	notifier := &stubNotifier{}
	cfg := register.Config{
		Type:          register.QRCode,
		InitialFields: []command.Field{{Var: "username"}},
		QRTimeout:     50 * time.Millisecond,
	}
	r := register.New(cfg, s.Users, ad, notifier)

	form := r.Start()
	next, err := form.OnSubmit(ctx, command.Values{"username": "carol"}, &command.Invocation{From: "carol@example.com"})
	require.NoError(t, err)
	qrForm := next.(*command.Form)
	require.Equal(t, 1, notifier.filesSent)
	require.Equal(t, 1, notifier.textsSent)

	_, err = qrForm.OnSubmit(ctx, nil, &command.Invocation{From: "carol@example.com"})
	require.Error(t, err)
}

func TestQRFlowSucceedsOnConfirm(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ad := &stubAdapter{validateData: map[string]string{}, qrText: "otpauth://example"}
	notifier := &stubNotifier{}
	cfg := register.Config{
		Type:          register.QRCode,
		InitialFields: []command.Field{{Var: "username"}},
		QRTimeout:     2 * time.Second,
	}
	r := register.New(cfg, s.Users, ad, notifier)

	form := r.Start()
	next, err := form.OnSubmit(ctx, command.Values{"username": "dave"}, &command.Invocation{From: "dave@example.com"})
	require.NoError(t, err)
	qrForm := next.(*command.Form)

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.ConfirmQR("dave@example.com", nil)
	}()

	prefsForm, err := qrForm.OnSubmit(ctx, nil, &command.Invocation{From: "dave@example.com"})
	require.NoError(t, err)
	require.IsType(t, &command.Form{}, prefsForm)
}

func TestUnregisterCallsAdapterThenDeletesUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ad := &stubAdapter{}
	notifier := &stubNotifier{}
	r := register.New(register.Config{Type: register.SingleStepForm}, s.Users, ad, notifier)

	user, err := s.Users.Create(ctx, "erin@example.com", nil)
	require.NoError(t, err)

	require.NoError(t, r.Unregister(ctx, user))
	require.Equal(t, 1, ad.unregisterCalls)

	gone, err := s.Users.Get(ctx, "erin@example.com")
	require.NoError(t, err)
	require.Nil(t, gone)
}
