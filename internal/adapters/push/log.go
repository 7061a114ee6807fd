// Package push holds PushSender implementations.
package push

import (
	"context"
	"strings"

	"github.com/dkeye/Realtime/internal/core"
	"github.com/rs/zerolog/log"
)

// InvalidPrefix marks tokens LogSender treats as rejected by the provider.
const InvalidPrefix = "invalid:"

// LogSender writes notifications to the log instead of a provider. It is
// the default sender when no provider is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, token string, p core.PushPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.HasPrefix(token, InvalidPrefix) {
		return core.ErrInvalidToken
	}
	log.Info().Str("module", "push").
		Str("token", redact(token)).
		Str("title", p.Title).
		Str("body", p.Body).
		Interface("data", p.Data).
		Msg("push notification")
	return nil
}

func redact(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return token[:6] + "***"
}
