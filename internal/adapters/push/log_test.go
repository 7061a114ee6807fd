package push

import (
	"context"
	"testing"

	"github.com/dkeye/Realtime/internal/core"
	"github.com/stretchr/testify/require"
)

func TestLogSender(t *testing.T) {
	var s LogSender
	ctx := context.Background()
	require.NoError(t, s.Send(ctx, "device-token-1", core.PushPayload{Title: "hi"}))
	require.ErrorIs(t, s.Send(ctx, InvalidPrefix+"x", core.PushPayload{}), core.ErrInvalidToken)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, s.Send(cancelled, "device-token-1", core.PushPayload{}), context.Canceled)

	require.Equal(t, "***", redact("abc"))
	require.Equal(t, "device***", redact("device-token-1"))
}
