package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/slidge-im/slidge-go/pkg/adapter"
	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/session"
)

type stubAdapter struct {
	adapter.Adapter
	loginErr error
}

func (a *stubAdapter) Login(ctx context.Context, user *models.User) (string, error) {
	if a.loginErr != nil {
		return "", a.loginErr
	}
	return "ready", nil
}

func (a *stubAdapter) Logout(ctx context.Context, user *models.User) error { return nil }

type recordingNotifier struct {
	mu        sync.Mutex
	presences []bool
}

func (n *recordingNotifier) SendPresence(ctx context.Context, user *models.User, show, status string, available bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.presences = append(n.presences, available)
}

func (n *recordingNotifier) SendGatewayMessage(ctx context.Context, user *models.User, body string) {}

func waitForState(t *testing.T, s *session.Session, want session.State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, want, s.State())
}

func TestStartLoginTransitionsToReadyOnSuccess(t *testing.T) {
	notifier := &recordingNotifier{}
	mgr := session.NewManager(notifier, zerolog.Nop())
	user := &models.User{PK: 1, BareJID: "alice@example.com"}
	s := mgr.GetOrCreate(user, &stubAdapter{})

	require.Equal(t, session.StateNew, s.State())
	require.NoError(t, mgr.StartLogin(context.Background(), s))
	require.Equal(t, session.StateLoggingIn, s.State())

	waitForState(t, s, session.StateReady)
}

func TestStartLoginTransitionsToFailedOnError(t *testing.T) {
	notifier := &recordingNotifier{}
	mgr := session.NewManager(notifier, zerolog.Nop())
	user := &models.User{PK: 2, BareJID: "bob@example.com"}
	s := mgr.GetOrCreate(user, &stubAdapter{loginErr: errors.New("boom")})

	require.NoError(t, mgr.StartLogin(context.Background(), s))
	waitForState(t, s, session.StateFailed)
}

func TestIllegalTransitionRejected(t *testing.T) {
	notifier := &recordingNotifier{}
	mgr := session.NewManager(notifier, zerolog.Nop())
	user := &models.User{PK: 3, BareJID: "carol@example.com"}
	s := mgr.GetOrCreate(user, &stubAdapter{})

	err := mgr.Logout(context.Background(), s)
	require.Error(t, err)
}
