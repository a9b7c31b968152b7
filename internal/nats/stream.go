package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

const (
	// StreamName is the name of the conversation lifecycle stream.
	StreamName = "CONVERSATIONS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"
)

// Publisher broadcasts message lifecycle events on JetStream. A nil
// Publisher accepts and drops every event, which is how a deployment without
// NATS runs.
type Publisher struct {
	client *Client
}

// NewPublisher creates a publisher on client.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// EnsureStream ensures the lifecycle stream exists with proper configuration.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	js := p.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		Description: "Assistant message lifecycle events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.client.logger.Info("created JetStream stream", zap.String("stream", StreamName))
	return nil
}

// subjectToken makes an id safe to use as a single subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(id)
}

// LifecycleSubject returns the subject for a lifecycle event.
func LifecycleSubject(userID, conversationID string, typ model.LifecycleType) string {
	return fmt.Sprintf("%s.%s.%s.message.%s", SubjectPrefix, subjectToken(userID), subjectToken(conversationID), typ)
}

// ConversationFilter returns the filter subject for all events of a conversation.
func ConversationFilter(userID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, subjectToken(userID), subjectToken(conversationID))
}

// PublishLifecycle publishes a lifecycle event. The event id doubles as the
// JetStream message id so retried publishes are deduplicated.
func (p *Publisher) PublishLifecycle(ctx context.Context, ev model.LifecycleEvent) error {
	if p == nil || p.client == nil {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}

	var opts []jetstream.PublishOpt
	if ev.ID != "" {
		opts = append(opts, jetstream.WithMsgID(ev.ID))
	}
	if _, err := p.client.JetStream().Publish(ctx, LifecycleSubject(ev.UserID, ev.ConversationID, ev.Type), data, opts...); err != nil {
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}
	return nil
}

// Replay returns lifecycle events of a conversation published after the
// stream sequence afterSequence, at most limit of them.
func (p *Publisher) Replay(ctx context.Context, userID, conversationID string, afterSequence uint64, limit int) ([]model.LifecycleEvent, uint64, bool, error) {
	if p == nil || p.client == nil {
		return nil, afterSequence, false, nil
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject:     ConversationFilter(userID, conversationID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := p.client.JetStream().CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer func() {
		name := consumer.CachedInfo().Name
		if err := p.client.JetStream().DeleteConsumer(context.WithoutCancel(ctx), StreamName, name); err != nil {
			p.client.logger.Debug("failed to delete replay consumer", zap.String("consumer", name), zap.Error(err))
		}
	}()

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch lifecycle events: %w", err)
	}

	replay := replayBatch{events: make([]model.LifecycleEvent, 0, limit), last: afterSequence}
	for msg := range batch.Messages() {
		replay.add(p.client.logger, msg)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, 0, false, fmt.Errorf("batch error: %w", err)
	}

	return replay.events, replay.last, replay.fetched == limit, nil
}

// replayMsg is the part of a fetched jetstream message a replay reads.
type replayMsg interface {
	Data() []byte
	Subject() string
	Metadata() (*jetstream.MsgMetadata, error)
}

// replayBatch collects one fetch. last follows every fetched message,
// including ones that fail to decode, so a resume never fetches them again.
type replayBatch struct {
	events  []model.LifecycleEvent
	last    uint64
	fetched int
}

func (b *replayBatch) add(log *logger.Logger, msg replayMsg) {
	b.fetched++
	if meta, err := msg.Metadata(); err == nil {
		b.last = meta.Sequence.Stream
	}
	var ev model.LifecycleEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		log.Warn("skipping malformed lifecycle event", zap.String("subject", msg.Subject()), zap.Error(err))
		return
	}
	b.events = append(b.events, ev)
}

// RecordStats copies the stream's message and byte counts into the metrics gauges.
func (p *Publisher) RecordStats(ctx context.Context) error {
	if p == nil || p.client == nil {
		return nil
	}
	stream, err := p.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("failed to get stream: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	metrics.NATSStreamMessages.WithLabelValues(StreamName).Set(float64(info.State.Msgs))
	metrics.NATSStreamBytes.WithLabelValues(StreamName).Set(float64(info.State.Bytes))
	return nil
}

// RunStats refreshes the stream gauges every interval until ctx is done.
func (p *Publisher) RunStats(ctx context.Context, interval time.Duration) {
	if p == nil || p.client == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RecordStats(ctx); err != nil {
				p.client.logger.Warn("failed to record stream stats", zap.Error(err))
			}
		}
	}
}
