package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type flakyNotifier struct {
	err   error
	calls int
}

func (f *flakyNotifier) Notify(context.Context, StepEvent) error {
	f.calls++
	return f.err
}

func TestBreakerNotifier_passesThroughWhileHealthy(t *testing.T) {
	inner := &flakyNotifier{}
	b := NewBreakerNotifier(inner, 2, time.Minute, nil)

	for range 5 {
		if err := b.Notify(context.Background(), StepEvent{}); err != nil {
			t.Fatalf("Notify() error = %v", err)
		}
	}
	if inner.calls != 5 {
		t.Errorf("calls = %d, want 5", inner.calls)
	}
	if s := b.State(); s != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestBreakerNotifier_opensAfterThreshold(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	inner := &flakyNotifier{err: errors.New("connection refused")}
	b := NewBreakerNotifier(inner, 3, time.Minute, zap.New(core))

	for range 3 {
		if err := b.Notify(context.Background(), StepEvent{}); err == nil || errors.Is(err, ErrNotifierOpen) {
			t.Fatalf("Notify() error = %v, want the delivery error", err)
		}
	}
	if s := b.State(); s != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", s)
	}

	err := b.Notify(context.Background(), StepEvent{})
	if !errors.Is(err, ErrNotifierOpen) {
		t.Errorf("error = %v, want ErrNotifierOpen", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3 (open circuit skips delivery)", inner.calls)
	}
	if logs.FilterMessage("notifier circuit state changed").Len() != 1 {
		t.Errorf("state change logs = %d, want 1", logs.FilterMessage("notifier circuit state changed").Len())
	}
}

func TestBreakerNotifier_successResetsFailures(t *testing.T) {
	inner := &flakyNotifier{err: errors.New("timeout")}
	b := NewBreakerNotifier(inner, 2, time.Minute, nil)

	b.Notify(context.Background(), StepEvent{})
	inner.err = nil
	b.Notify(context.Background(), StepEvent{})
	inner.err = errors.New("timeout")
	b.Notify(context.Background(), StepEvent{})

	if s := b.State(); s != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestBreakerNotifier_halfOpenProbe(t *testing.T) {
	tests := []struct {
		name     string
		probeErr error
		want     gobreaker.State
	}{
		{"probe succeeds", nil, gobreaker.StateClosed},
		{"probe fails", errors.New("still down"), gobreaker.StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &flakyNotifier{err: errors.New("down")}
			b := NewBreakerNotifier(inner, 1, 20*time.Millisecond, nil)

			b.Notify(context.Background(), StepEvent{})
			time.Sleep(40 * time.Millisecond)
			if s := b.State(); s != gobreaker.StateHalfOpen {
				t.Fatalf("state after cooldown = %v, want half-open", s)
			}

			inner.err = tt.probeErr
			b.Notify(context.Background(), StepEvent{})
			if s := b.State(); s != tt.want {
				t.Errorf("state = %v, want %v", s, tt.want)
			}
		})
	}
}

func TestBreakerNotifier_healthCheckDelegates(t *testing.T) {
	b := NewBreakerNotifier(&flakyNotifier{}, 1, time.Second, nil)
	if err := b.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() without inner check = %v, want nil", err)
	}
}
