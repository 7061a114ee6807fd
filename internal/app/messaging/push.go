package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Realtime/internal/core"
	"github.com/dkeye/Realtime/internal/domain"
	"github.com/dkeye/Realtime/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/multierr"
)

// Dispatcher runs push deliveries as supervised background tasks, one per
// recipient. Deliveries are fire-and-forget: failures are logged, never retried.
type Dispatcher struct {
	sender  core.PushSender
	tokens  core.PushTokenStore
	timeout time.Duration

	sem chan struct{}
	wg  conc.WaitGroup

	// OnError receives every failed delivery; nil means log only.
	OnError func(user domain.UserID, err error)
}

func NewDispatcher(sender core.PushSender, tokens core.PushTokenStore, workers int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 8
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		sender:  sender,
		tokens:  tokens,
		timeout: timeout,
		sem:     make(chan struct{}, workers),
	}
}

// Notify schedules delivery of payload to every device of user and returns at once.
func (d *Dispatcher) Notify(user domain.UserID, payload core.PushPayload) {
	d.wg.Go(func() {
		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		var pc panics.Catcher
		var err error
		pc.Try(func() { err = d.deliver(user, payload) })
		if rec := pc.Recovered(); rec != nil {
			err = rec.AsError()
		}
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("module", "push").Str("user", string(user)).Msg("push delivery failed")
		if d.OnError != nil {
			d.OnError(user, err)
		}
	})
}

func (d *Dispatcher) deliver(user domain.UserID, payload core.PushPayload) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	tokens, err := d.tokens.DeviceTokens(ctx, user)
	if err != nil {
		metrics.PushDeliveries.WithLabelValues("failed").Inc()
		return domain.Transient("device tokens", err)
	}
	var errs error
	for _, tok := range tokens {
		err := d.sender.Send(ctx, tok, payload)
		switch {
		case err == nil:
			metrics.PushDeliveries.WithLabelValues("sent").Inc()
		case errors.Is(err, core.ErrInvalidToken):
			metrics.PushDeliveries.WithLabelValues("pruned").Inc()
			log.Info().Str("module", "push").Str("user", string(user)).Msg("pruning invalid device token")
			if perr := d.tokens.PruneToken(ctx, user, tok); perr != nil {
				errs = multierr.Append(errs, domain.Transient("prune token", perr))
			}
		default:
			metrics.PushDeliveries.WithLabelValues("failed").Inc()
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Wait blocks until every scheduled delivery finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
