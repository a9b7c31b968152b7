package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatsync/pkg/logger"
)

type flakyClient struct {
	err   error
	calls int
}

func (c *flakyClient) Complete(context.Context, *CompletionRequest) (*CompletionResponse, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &CompletionResponse{Content: "ok"}, nil
}

func (c *flakyClient) CompleteStream(_ context.Context, _ *CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if err := handler(StreamEvent{Type: EventContent, Text: "x"}); err != nil {
		return nil, err
	}
	return &CompletionResponse{}, nil
}

func (c *flakyClient) Name() string     { return "flaky" }
func (c *flakyClient) Models() []string { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyClient{err: errors.New("502 from upstream")}
	client := WithBreaker(inner, BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, logger.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.Complete(ctx, &CompletionRequest{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrProviderUnavailable)
	}

	_, err := client.Complete(ctx, &CompletionRequest{})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, "flaky", client.Name())
}

func TestBreaker_CallerFailuresDoNotTrip(t *testing.T) {
	inner := &flakyClient{}
	client := WithBreaker(inner, BreakerConfig{MaxFailures: 1, Timeout: time.Minute}, logger.NewNop())
	gone := errors.New("client went away")

	for i := 0; i < 3; i++ {
		_, err := client.CompleteStream(context.Background(), &CompletionRequest{}, func(StreamEvent) error { return gone })
		assert.ErrorIs(t, err, gone)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inner.err = context.Canceled
	_, err := client.Complete(ctx, &CompletionRequest{})
	assert.ErrorIs(t, err, context.Canceled)

	inner.err = nil
	resp, err := client.Complete(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 5, inner.calls)
}
