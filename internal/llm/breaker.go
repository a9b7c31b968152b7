package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/pkg/logger"
)

// ErrProviderUnavailable is returned when no provider can serve a request,
// either because none is configured or because its circuit is open.
var ErrProviderUnavailable = errors.New("llm provider unavailable")

// BreakerConfig configures the circuit breaker around a provider.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration
	// Interval clears failure counts while closed. Zero never clears them.
	Interval time.Duration
}

// breakerClient fails fast while a provider keeps erroring, so turns do not
// pile up behind an outage.
type breakerClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker[*CompletionResponse]
}

// callerError marks failures caused by the caller rather than the provider:
// the stream handler rejecting an event or the request being cancelled.
type callerError struct{ err error }

func (e callerError) Error() string { return e.err.Error() }
func (e callerError) Unwrap() error { return e.err }

// WithBreaker wraps inner in a circuit breaker.
func WithBreaker(inner Client, cfg BreakerConfig, log *logger.Logger) Client {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[*CompletionResponse](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			var ce callerError
			return err == nil || errors.As(err, &ce)
		},
	})
	return &breakerClient{inner: inner, breaker: cb}
}

func (b *breakerClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	return b.execute(ctx, func() (*CompletionResponse, error) {
		return b.inner.Complete(ctx, req)
	})
}

func (b *breakerClient) CompleteStream(ctx context.Context, req *CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	return b.execute(ctx, func() (*CompletionResponse, error) {
		var handlerErr error
		resp, err := b.inner.CompleteStream(ctx, req, func(ev StreamEvent) error {
			if err := handler(ev); err != nil {
				handlerErr = err
				return err
			}
			return nil
		})
		if err != nil && handlerErr != nil {
			return nil, callerError{err}
		}
		return resp, err
	})
}

func (b *breakerClient) execute(ctx context.Context, fn func() (*CompletionResponse, error)) (*CompletionResponse, error) {
	resp, err := b.breaker.Execute(func() (*CompletionResponse, error) {
		resp, err := fn()
		if err != nil && ctx.Err() != nil {
			var ce callerError
			if !errors.As(err, &ce) {
				err = callerError{err}
			}
		}
		return resp, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("provider %q: %w: %w", b.inner.Name(), ErrProviderUnavailable, err)
	}
	var ce callerError
	if errors.As(err, &ce) {
		return nil, ce.err
	}
	return resp, err
}

func (b *breakerClient) Name() string     { return b.inner.Name() }
func (b *breakerClient) Models() []string { return b.inner.Models() }
