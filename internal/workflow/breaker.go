package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrNotifierOpen is returned while the breaker is skipping deliveries.
var ErrNotifierOpen = errors.New("notifier circuit is open")

// BreakerNotifier wraps a Notifier so that a broker outage costs one failed
// publish per cooldown instead of one per transition.
type BreakerNotifier struct {
	next Notifier
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerNotifier trips after threshold consecutive failures and lets a
// single probe through once cooldown has passed. Non-positive arguments fall
// back to 5 and 30s.
func NewBreakerNotifier(next Notifier, threshold int, cooldown time.Duration, logger *zap.Logger) *BreakerNotifier {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	settings := gobreaker.Settings{
		Name:        "step-notifier",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("notifier circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &BreakerNotifier{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Notify forwards evt unless the circuit is open.
func (b *BreakerNotifier) Notify(ctx context.Context, evt StepEvent) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Notify(ctx, evt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrNotifierOpen
	}
	return err
}

// HealthCheck delegates to the wrapped notifier when it supports one.
func (b *BreakerNotifier) HealthCheck(ctx context.Context) error {
	if hc, ok := b.next.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// State returns the current breaker state.
func (b *BreakerNotifier) State() gobreaker.State {
	return b.cb.State()
}
