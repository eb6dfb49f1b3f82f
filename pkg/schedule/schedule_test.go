package schedule_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/slidge-im/slidge-go/pkg/schedule"
)

func TestNewRegistersBuiltinJobsWithoutPanicking(t *testing.T) {
	require.NotPanics(t, func() {
		s := schedule.New(schedule.Deps{}, zerolog.Nop())
		require.NotNil(t, s)
	})
}

func TestStopWithoutStartIsANoop(t *testing.T) {
	s := schedule.New(schedule.Deps{}, zerolog.Nop())
	require.NotPanics(t, func() {
		s.Stop()
	})
}
