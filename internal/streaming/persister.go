package streaming

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/history"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// LifecyclePublisher broadcasts persistence state changes. It may be nil.
type LifecyclePublisher interface {
	PublishLifecycle(ctx context.Context, ev model.LifecycleEvent) error
}

// Limits are per-user and per-conversation quotas. Zero means unlimited.
type Limits struct {
	MaxConversationsPerUser    int
	MaxMessagesPerConversation int
}

// InitRequest describes the turn a session is opened for.
type InitRequest struct {
	UserID               string
	SessionID            string
	ConversationID       string
	ParentConversationID string
	Messages             []model.IncomingMessage
	Settings             model.IncomingSettings
	TruncateAfterSeq     *int
}

// FinalInfo is the provider metadata known once the stream ends.
type FinalInfo struct {
	FinishReason string
	ResponseID   string
	Provider     string
	Model        string
}

// Persister performs the storage side of a streaming turn.
type Persister struct {
	repo      store.Repository
	history   *history.Orchestrator
	titles    *TitleGenerator
	publisher LifecyclePublisher
	log       *logger.Logger
	tracer    trace.Tracer

	enabled bool
	policy  CheckpointPolicy
	limits  Limits
	now     func() time.Time
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) PersisterOption {
	return func(p *Persister) { p.now = now }
}

// WithCheckpointPolicy sets the checkpoint policy.
func WithCheckpointPolicy(policy CheckpointPolicy) PersisterOption {
	return func(p *Persister) { p.policy = policy }
}

// WithLimits sets the quotas enforced by Initialize.
func WithLimits(l Limits) PersisterOption {
	return func(p *Persister) { p.limits = l }
}

// WithPersistence turns persistence on or off. Off yields disabled sessions.
func WithPersistence(enabled bool) PersisterOption {
	return func(p *Persister) { p.enabled = enabled }
}

// WithPublisher sets the lifecycle publisher.
func WithPublisher(pub LifecyclePublisher) PersisterOption {
	return func(p *Persister) { p.publisher = pub }
}

// WithTitleGenerator enables background titles for untitled conversations.
func WithTitleGenerator(g *TitleGenerator) PersisterOption {
	return func(p *Persister) { p.titles = g }
}

// NewPersister creates a Persister.
func NewPersister(repo store.Repository, orch *history.Orchestrator, log *logger.Logger, opts ...PersisterOption) *Persister {
	p := &Persister{
		repo:    repo,
		history: orch,
		log:     log,
		tracer:  otel.Tracer("chatsync/streaming"),
		enabled: true,
		policy:  DefaultCheckpointPolicy(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize resolves the conversation, reconciles history, reserves the
// assistant seq and creates the draft row. Validation failures are returned;
// a failed draft insert is only logged.
func (p *Persister) Initialize(ctx context.Context, req InitRequest) (*Session, error) {
	s := &Session{State: StateUninitialized, UserID: req.UserID}
	if !p.enabled || req.UserID == "" {
		s.State = StateDisabled
		return s, nil
	}

	ctx, span := p.tracer.Start(ctx, "streaming.Initialize")
	defer span.End()
	fail := func(err error) (*Session, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	conv, created, err := p.resolveConversation(ctx, req)
	if err != nil {
		return fail(err)
	}
	s.ConversationID = conv.ID
	s.NewConversation = created
	s.Provider = conv.Settings.ProviderID
	s.Model = conv.Settings.Model
	span.SetAttributes(attribute.String("conversation_id", conv.ID))

	if !created {
		if d := history.DiffMetadata(conv.Settings, req.Settings); d.Any() {
			p.history.ApplyMetadata(ctx, conv.ID, d)
			applied := req.Settings.Apply(conv.Settings)
			s.Provider, s.Model = applied.ProviderID, applied.Model
		}
	}

	if err := p.checkMessageQuota(ctx, conv.ID, storedCount(req.Messages)); err != nil {
		return fail(err)
	}

	res, err := p.history.Sync(ctx, conv.ID, req.UserID, req.Messages, req.TruncateAfterSeq)
	if err != nil {
		return fail(err)
	}
	s.AppliedViaDiff = res.AppliedViaDiff
	s.IDMappings = res.IDMappings

	var draftErr error
	err = p.repo.InTx(ctx, func(tx store.Repository) error {
		seq, err := tx.NextSeq(ctx, conv.ID)
		if err != nil {
			return err
		}
		s.AssistantSeq = seq
		draft := &model.Message{
			ConversationID: conv.ID,
			Seq:            seq,
			Role:           model.RoleAssistant,
			Status:         model.StatusDraft,
			Provider:       s.Provider,
			Model:          s.Model,
		}
		if err := tx.InsertMessage(ctx, draft); err != nil {
			draftErr = err
			return nil
		}
		s.DraftMessageID = draft.ID
		return nil
	})
	if err != nil {
		return fail(fmt.Errorf("reserve assistant seq: %w", err))
	}
	if draftErr != nil {
		p.log.Warn("failed to create draft message",
			zap.String("conversation_id", conv.ID),
			zap.Int("seq", s.AssistantSeq),
			zap.Error(draftErr),
		)
	} else {
		p.publish(ctx, s, model.LifecycleDraftCreated, "")
	}

	s.State = StateReady
	s.LastCheckpointAt = p.now()

	if conv.Title == nil && p.titles != nil {
		userID := req.UserID
		p.titles.Dispatch(conv.ID, req.Messages, func(conversationID, title string) {
			p.publishTitle(userID, conversationID, title)
		})
	}
	return s, nil
}

func (p *Persister) resolveConversation(ctx context.Context, req InitRequest) (*model.Conversation, bool, error) {
	if req.ConversationID != "" {
		conv, err := p.repo.GetConversation(ctx, req.ConversationID)
		switch {
		case err == nil:
			if conv.Deleted || conv.UserID != req.UserID {
				return nil, false, fmt.Errorf("conversation %s: %w", req.ConversationID, model.ErrInvalidConversation)
			}
			return conv, false, nil
		case !errors.Is(err, model.ErrNotFound):
			return nil, false, err
		}
	}

	if limit := p.limits.MaxConversationsPerUser; limit > 0 {
		n, err := p.repo.CountConversations(ctx, req.UserID)
		if err != nil {
			return nil, false, err
		}
		if n >= limit {
			return nil, false, fmt.Errorf("user has %d conversations, max %d: %w", n, limit, model.ErrLimitExceeded)
		}
	}

	base := model.Settings{StreamingEnabled: true}
	if req.ParentConversationID != "" {
		parent, err := p.repo.GetConversation(ctx, req.ParentConversationID)
		if errors.Is(err, model.ErrNotFound) {
			return nil, false, fmt.Errorf("parent conversation %s: %w", req.ParentConversationID, model.ErrInvalidConversation)
		}
		if err != nil {
			return nil, false, err
		}
		if parent.UserID != req.UserID {
			return nil, false, fmt.Errorf("parent conversation %s: %w", req.ParentConversationID, model.ErrInvalidConversation)
		}
		base = parent.Settings
	}

	conv := &model.Conversation{
		ID:                   req.ConversationID,
		SessionID:            req.SessionID,
		UserID:               req.UserID,
		ParentConversationID: req.ParentConversationID,
		Settings:             req.Settings.Apply(base),
	}
	if err := p.repo.CreateConversation(ctx, conv); err != nil {
		return nil, false, err
	}
	metrics.ConversationsTotal.Inc()
	return conv, true, nil
}

func (p *Persister) checkMessageQuota(ctx context.Context, conversationID string, incoming int) error {
	limit := p.limits.MaxMessagesPerConversation
	if limit <= 0 {
		return nil
	}
	n, err := p.repo.CountMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	if n = max(n, incoming); n >= limit {
		return fmt.Errorf("conversation has %d messages, max %d: %w", n, limit, model.ErrLimitExceeded)
	}
	return nil
}

// storedCount is the number of rows a history sync keeps; system entries live
// on the conversation instead.
func storedCount(msgs []model.IncomingMessage) int {
	n := 0
	for _, m := range msgs {
		if m.Role != model.RoleSystem {
			n++
		}
	}
	return n
}

// AppendContent buffers a content delta and checkpoints when the policy says so.
func (p *Persister) AppendContent(ctx context.Context, s *Session, d Delta) {
	AppendContent(s, d)
	p.maybeCheckpoint(ctx, s)
}

// AppendReasoning buffers reasoning text and checkpoints when the policy says so.
func (p *Persister) AppendReasoning(ctx context.Context, s *Session, text string) {
	AppendReasoningText(s, text)
	p.maybeCheckpoint(ctx, s)
}

// SetReasoningDetails merges structured reasoning and checkpoints when the policy says so.
func (p *Persister) SetReasoningDetails(ctx context.Context, s *Session, blocks []model.ReasoningBlock) {
	SetReasoningDetails(s, blocks)
	p.maybeCheckpoint(ctx, s)
}

func (p *Persister) maybeCheckpoint(ctx context.Context, s *Session) {
	if ShouldCheckpoint(s, p.policy, p.now()) {
		p.Checkpoint(ctx, s)
	}
}

// Checkpoint writes the buffered state to the draft row. Failures are logged
// and streaming carries on; nothing is written when nothing changed.
func (p *Persister) Checkpoint(ctx context.Context, s *Session) {
	if !s.Active() || s.DraftMessageID == "" || s.Revision == s.CheckpointRevision {
		return
	}
	if err := p.repo.CheckpointMessage(ctx, s.DraftMessageID, CheckpointOf(s)); err != nil {
		metrics.RecordCheckpoint("error")
		p.log.Warn("checkpoint failed",
			zap.String("conversation_id", s.ConversationID),
			zap.String("message_id", s.DraftMessageID),
			zap.Error(err),
		)
		return
	}
	MarkCheckpointed(s, p.now())
	metrics.RecordCheckpoint("ok")
	p.publish(ctx, s, model.LifecycleCheckpoint, "")
}

// RecordFinal writes the finished assistant message, its tool calls, tool
// output messages and merged events in one transaction. It is a no-op once the
// session is finalized or errored. Failures are returned.
func (p *Persister) RecordFinal(ctx context.Context, s *Session, info FinalInfo) error {
	if s.State == StateDisabled || s.State == StateUninitialized || s.Terminal() {
		return nil
	}

	ctx, span := p.tracer.Start(ctx, "streaming.RecordFinal", trace.WithAttributes(
		attribute.String("conversation_id", s.ConversationID),
		attribute.Int("seq", s.AssistantSeq),
	))
	defer span.End()
	start := p.now()

	if info.Provider == "" {
		info.Provider = s.Provider
	}
	if info.Model == "" {
		info.Model = s.Model
	}
	fin := model.Finalization{
		Content:          FinalContent(s),
		ReasoningDetails: ResolveReasoning(s),
		Usage:            s.Usage,
		FinishReason:     info.FinishReason,
		ResponseID:       info.ResponseID,
		Provider:         info.Provider,
		Model:            info.Model,
	}
	events, err := BuildFinalEvents(s)
	if err != nil {
		return p.finalizeFailed(span, s, start, err)
	}

	var messageID string
	err = p.repo.InTx(ctx, func(tx store.Repository) error {
		id, err := p.finalizeRow(ctx, tx, s, fin)
		if err != nil {
			return err
		}
		if len(s.ToolCalls) > 0 {
			if err := tx.InsertToolCalls(ctx, id, slices.Clone(s.ToolCalls)); err != nil {
				return err
			}
		}
		if len(s.ToolOutputs) > 0 {
			if err := insertToolMessages(ctx, tx, s.ConversationID, s.ToolOutputs); err != nil {
				return err
			}
			if err := tx.InsertToolOutputs(ctx, id, slices.Clone(s.ToolOutputs)); err != nil {
				return err
			}
		}
		if err := tx.ReplaceMessageEvents(ctx, id, events); err != nil {
			return err
		}
		messageID = id
		return nil
	})
	if err != nil {
		return p.finalizeFailed(span, s, start, err)
	}

	s.DraftMessageID = messageID
	s.Finalized = true
	s.State = StateFinalized
	metrics.RecordFinalize(string(model.StatusFinal), p.now().Sub(start).Seconds())
	metrics.RecordMessages(string(model.RoleAssistant), 1)
	metrics.RecordMessages(string(model.RoleTool), len(s.ToolOutputs))
	p.publish(ctx, s, model.LifecycleFinalized, info.FinishReason)
	return nil
}

// finalizeRow moves the draft to final, falling back to a lookup by seq and
// then to a fresh insert when no draft was created.
func (p *Persister) finalizeRow(ctx context.Context, tx store.Repository, s *Session, fin model.Finalization) (string, error) {
	if s.DraftMessageID != "" {
		err := tx.FinalizeMessage(ctx, s.DraftMessageID, fin)
		if err == nil {
			return s.DraftMessageID, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return "", err
		}
	}

	existing, err := tx.FindMessageBySeq(ctx, s.ConversationID, s.AssistantSeq, model.RoleAssistant)
	switch {
	case err == nil:
		if err := tx.FinalizeMessage(ctx, existing.ID, fin); err != nil {
			return "", err
		}
		return existing.ID, nil
	case !errors.Is(err, model.ErrNotFound):
		return "", err
	}

	seq := s.AssistantSeq
	if seq == 0 {
		if seq, err = tx.NextSeq(ctx, s.ConversationID); err != nil {
			return "", err
		}
		s.AssistantSeq = seq
	}
	msg := &model.Message{
		ConversationID:   s.ConversationID,
		Seq:              seq,
		Role:             model.RoleAssistant,
		Status:           model.StatusFinal,
		Content:          fin.Content,
		FinishReason:     fin.FinishReason,
		ReasoningDetails: fin.ReasoningDetails,
		Usage:            fin.Usage,
		ResponseID:       fin.ResponseID,
		Provider:         fin.Provider,
		Model:            fin.Model,
	}
	if err := tx.InsertMessage(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// insertToolMessages stores each tool output as its own role=tool message,
// linked to the originating call by provider call id.
func insertToolMessages(ctx context.Context, tx store.Repository, conversationID string, outputs []model.ToolOutput) error {
	seq, err := tx.NextSeq(ctx, conversationID)
	if err != nil {
		return err
	}
	for i, o := range outputs {
		msg := &model.Message{
			ConversationID: conversationID,
			Seq:            seq + i,
			Role:           model.RoleTool,
			Status:         model.StatusFinal,
			Content:        model.TextContent(o.Output),
			ToolCallID:     o.ToolCallID,
		}
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Persister) finalizeFailed(span trace.Span, s *Session, start time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.RecordFinalize("failed", p.now().Sub(start).Seconds())
	p.log.Error("failed to finalize assistant message",
		zap.String("conversation_id", s.ConversationID),
		zap.Int("seq", s.AssistantSeq),
		zap.Error(err),
	)
	return fmt.Errorf("finalize assistant message: %w", err)
}

// MarkError moves the turn's row to error, keeping whatever partial content,
// reasoning and usage was buffered. When the row cannot be updated the seq
// based marker is tried; when no row exists but content was produced an
// error row is inserted. Failures are logged. It is a no-op once the session
// is finalized or errored.
func (p *Persister) MarkError(ctx context.Context, s *Session, reason string) {
	if s.State == StateDisabled || s.State == StateUninitialized || s.Terminal() {
		return
	}
	s.Errored = true
	s.State = StateErrored
	start := p.now()
	log := p.log.With(
		zap.String("conversation_id", s.ConversationID),
		zap.Int("seq", s.AssistantSeq),
	)

	cp := CheckpointOf(s)
	id := s.DraftMessageID
	if id == "" {
		if msg, err := p.repo.FindMessageBySeq(ctx, s.ConversationID, s.AssistantSeq, model.RoleAssistant); err == nil {
			id = msg.ID
		}
	}

	switch {
	case id != "":
		err := p.repo.MarkMessageError(ctx, id, cp)
		if err == nil {
			s.DraftMessageID = id
			break
		}
		log.Warn("failed to mark message error, trying seq marker", zap.Error(err))
		if _, err := p.repo.MarkErrorBySeq(ctx, s.ConversationID, s.AssistantSeq); err != nil {
			log.Error("failed to mark message error by seq", zap.Error(err))
			return
		}
	case !cp.Content.IsEmpty() || cp.ReasoningDetails != nil:
		msg := &model.Message{
			ConversationID:   s.ConversationID,
			Seq:              s.AssistantSeq,
			Role:             model.RoleAssistant,
			Status:           model.StatusError,
			Content:          cp.Content,
			ReasoningDetails: cp.ReasoningDetails,
			Usage:            cp.Usage,
			Provider:         s.Provider,
			Model:            s.Model,
		}
		if err := p.repo.InsertMessage(ctx, msg); err != nil {
			log.Error("failed to insert error message", zap.Error(err))
			return
		}
		s.DraftMessageID = msg.ID
	default:
		return
	}

	metrics.RecordFinalize(string(model.StatusError), p.now().Sub(start).Seconds())
	p.publish(ctx, s, model.LifecycleErrored, reason)
}

func (p *Persister) publish(ctx context.Context, s *Session, typ model.LifecycleType, reason string) {
	if p.publisher == nil {
		return
	}
	ev := model.LifecycleEvent{
		ID:             uuid.NewString(),
		ConversationID: s.ConversationID,
		UserID:         s.UserID,
		MessageID:      s.DraftMessageID,
		Seq:            s.AssistantSeq,
		Type:           typ,
		ContentLength:  s.ContentLength,
		Reason:         reason,
		CreatedAt:      p.now().UTC(),
	}
	if err := p.publisher.PublishLifecycle(ctx, ev); err != nil {
		metrics.LifecyclePublishFailures.Inc()
		p.log.Warn("failed to publish lifecycle event",
			zap.String("conversation_id", s.ConversationID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}

// publishTitle announces a generated title so other devices can refresh
// their conversation list.
func (p *Persister) publishTitle(userID, conversationID, title string) {
	if p.publisher == nil {
		return
	}
	ev := model.LifecycleEvent{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		Type:           model.LifecycleTitle,
		Title:          title,
		CreatedAt:      p.now().UTC(),
	}
	if err := p.publisher.PublishLifecycle(context.Background(), ev); err != nil {
		metrics.LifecyclePublishFailures.Inc()
		p.log.Warn("failed to publish title event", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
