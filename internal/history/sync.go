package history

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

const (
	pathDiff     = "diff"
	pathFallback = "fallback"
)

// SyncResult describes how a history sync was applied.
type SyncResult struct {
	AppliedViaDiff bool
	IDMappings     []model.IDMapping
	// Plan is the applied plan; zero when the fallback path ran.
	Plan     Plan
	Inserted int
	Updated  int
	Deleted  int
}

// Orchestrator applies client history to stored rows, by diff when the two
// align and by clear-and-rewrite otherwise.
type Orchestrator struct {
	repo       store.Repository
	log        *logger.Logger
	tracer     trace.Tracer
	minOverlap float64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMinOverlap sets the alignment threshold. Values outside (0, 1] keep the default.
func WithMinOverlap(f float64) Option {
	return func(o *Orchestrator) {
		if f > 0 && f <= 1 {
			o.minOverlap = f
		}
	}
}

// NewOrchestrator creates an Orchestrator over repo.
func NewOrchestrator(repo store.Repository, log *logger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:       repo,
		log:        log,
		tracer:     otel.Tracer("chatsync/history"),
		minOverlap: DefaultMinOverlap,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sync reconciles incoming, the full client-side history, with the stored
// history of a conversation owned by userID. When truncateAfterSeq is set, the
// rows at or before it are never touched and the leading incoming entries that
// stand for them, one per row in order, are left out of alignment. Every write
// happens in one transaction.
func (o *Orchestrator) Sync(ctx context.Context, conversationID, userID string, incoming []model.IncomingMessage, truncateAfterSeq *int) (*SyncResult, error) {
	ctx, span := o.tracer.Start(ctx, "history.Sync", trace.WithAttributes(
		attribute.String("conversation_id", conversationID),
		attribute.Int("incoming", len(incoming)),
	))
	defer span.End()

	incoming = withoutSystem(incoming)
	afterSeq := 0
	if truncateAfterSeq != nil && *truncateAfterSeq > 0 {
		afterSeq = *truncateAfterSeq
	}

	var (
		result *SyncResult
		kept   []model.IDMapping
	)
	err := o.repo.InTx(ctx, func(tx store.Repository) error {
		if err := checkOwner(ctx, tx, conversationID, userID); err != nil {
			return err
		}
		stored, err := tx.ListMessages(ctx, conversationID, 0)
		if err != nil {
			return err
		}
		prefix, existing := splitAtSeq(stored, afterSeq)
		kept = anchoredMappings(prefix, incoming)
		incoming = incoming[len(kept):]

		alignment := Align(existing, incoming, o.minOverlap)
		if !alignment.Valid {
			o.log.Debug("history alignment insufficient, rewriting",
				zap.String("conversation_id", conversationID),
				zap.String("reason", alignment.Reason),
				zap.Int("existing", len(existing)),
				zap.Int("incoming", len(incoming)),
			)
			result, err = o.rewrite(ctx, tx, conversationID, afterSeq, incoming)
			return err
		}

		plan := BuildPlan(existing, incoming, alignment)
		artifacts, fallback := diffPlanArtifacts(plan)
		if fallback {
			o.log.Debug("tool call structure changed, rewriting",
				zap.String("conversation_id", conversationID),
			)
			result, err = o.rewrite(ctx, tx, conversationID, afterSeq, incoming)
			return err
		}
		result, err = o.apply(ctx, tx, conversationID, plan, artifacts, len(incoming))
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("sync history: %w", err)
	}
	result.IDMappings = append(kept, result.IDMappings...)

	path := pathFallback
	if result.AppliedViaDiff {
		path = pathDiff
	}
	metrics.RecordHistorySync(path, result.Inserted, result.Updated, result.Deleted)
	span.SetAttributes(attribute.String("path", path))
	return result, nil
}

// ApplyMetadata writes each flagged field as its own update. A failed field is
// logged and does not stop the others. It returns the number of fields written.
func (o *Orchestrator) ApplyMetadata(ctx context.Context, conversationID string, d MetadataDiff) int {
	type fieldPatch struct {
		field string
		patch model.ConversationPatch
	}
	var patches []fieldPatch
	add := func(field string, p model.ConversationPatch) {
		patches = append(patches, fieldPatch{field, p})
	}
	if d.NeedsSystemUpdate {
		add("system_prompt", model.ConversationPatch{SystemPrompt: &d.SystemPrompt})
	}
	if d.NeedsProviderUpdate {
		add("provider_id", model.ConversationPatch{ProviderID: &d.ProviderID})
	}
	if d.NeedsModelUpdate {
		add("model", model.ConversationPatch{Model: &d.Model})
	}
	if d.NeedsActiveToolsUpdate {
		add("active_tools", model.ConversationPatch{ActiveTools: d.ActiveTools})
	}
	if d.NeedsCustomRequestParamsUpdate {
		add("custom_request_params_id", model.ConversationPatch{CustomRequestParamsID: &d.CustomRequestParamsID})
	}
	if d.NeedsGenerationUpdate {
		add("generation", d.Generation)
	}

	applied := 0
	for _, p := range patches {
		if err := o.repo.UpdateConversationMetadata(ctx, conversationID, p.patch); err != nil {
			o.log.Warn("failed to update conversation metadata",
				zap.String("conversation_id", conversationID),
				zap.String("field", p.field),
				zap.Error(err),
			)
			continue
		}
		applied++
	}
	return applied
}

// splitAtSeq splits rows, ordered by seq, into those at or before seq and the rest.
func splitAtSeq(rows []model.Message, seq int) (before, after []model.Message) {
	i := 0
	for i < len(rows) && rows[i].Seq <= seq {
		i++
	}
	return rows[:i], rows[i:]
}

// anchoredMappings pairs the leading incoming entries with the anchored rows
// they stand for.
func anchoredMappings(prefix []model.Message, incoming []model.IncomingMessage) []model.IDMapping {
	n := min(len(prefix), len(incoming))
	out := make([]model.IDMapping, n)
	for i := range n {
		out[i] = mapping(incoming[i], prefix[i].ID)
	}
	return out
}

func (o *Orchestrator) rewrite(ctx context.Context, tx store.Repository, conversationID string, afterSeq int, incoming []model.IncomingMessage) (*SyncResult, error) {
	deleted, err := tx.DeleteMessagesAfterSeq(ctx, conversationID, afterSeq)
	if err != nil {
		return nil, err
	}
	seq, err := tx.NextSeq(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	res := &SyncResult{IDMappings: make([]model.IDMapping, len(incoming)), Deleted: deleted}
	for i, in := range incoming {
		msg, err := insertIncoming(ctx, tx, conversationID, seq+i, in)
		if err != nil {
			return nil, err
		}
		res.IDMappings[i] = mapping(in, msg.ID)
	}
	res.Inserted = len(incoming)
	return res, nil
}

func (o *Orchestrator) apply(ctx context.Context, tx store.Repository, conversationID string, plan Plan, artifacts map[string]ArtifactDiff, incoming int) (*SyncResult, error) {
	res := &SyncResult{AppliedViaDiff: true, Plan: plan, IDMappings: make([]model.IDMapping, incoming)}

	if len(plan.ToDelete) > 0 {
		ids := make([]string, len(plan.ToDelete))
		for i, m := range plan.ToDelete {
			ids[i] = m.ID
		}
		if err := tx.DeleteMessages(ctx, ids); err != nil {
			return nil, err
		}
		res.Deleted = len(ids)
	}

	for _, p := range plan.ToUpdate {
		if err := tx.UpdateMessageContent(ctx, p.Existing.ID, p.Incoming.Content); err != nil {
			return nil, err
		}
		res.Updated++
	}
	for _, p := range slices.Concat(plan.Unchanged, plan.ToUpdate) {
		res.IDMappings[p.Index] = mapping(p.Incoming, p.Existing.ID)
		d, ok := artifacts[p.Existing.ID]
		if !ok {
			continue
		}
		if err := applyArtifacts(ctx, tx, p.Existing.ID, d); err != nil {
			return nil, err
		}
	}

	if len(plan.ToInsert) > 0 {
		seq, err := tx.NextSeq(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		for k, ins := range plan.ToInsert {
			msg, err := insertIncoming(ctx, tx, conversationID, seq+k, ins.Incoming)
			if err != nil {
				return nil, err
			}
			res.IDMappings[ins.Index] = mapping(ins.Incoming, msg.ID)
		}
		res.Inserted = len(plan.ToInsert)
	}
	return res, nil
}

// diffPlanArtifacts diffs the tool artifacts of every paired assistant
// message. The second result is true when any pair needs the fallback path.
func diffPlanArtifacts(plan Plan) (map[string]ArtifactDiff, bool) {
	out := make(map[string]ArtifactDiff)
	for _, p := range slices.Concat(plan.Unchanged, plan.ToUpdate) {
		if p.Existing.Role != model.RoleAssistant {
			continue
		}
		d := DiffAssistantArtifacts(p.Existing, p.Incoming)
		if d.Fallback {
			return nil, true
		}
		if !d.Empty() {
			out[p.Existing.ID] = d
		}
	}
	return out, false
}

func applyArtifacts(ctx context.Context, tx store.Repository, messageID string, d ArtifactDiff) error {
	for _, c := range d.CallUpdates {
		if err := tx.UpdateToolCall(ctx, c); err != nil {
			return err
		}
	}
	if len(d.CallInserts) > 0 {
		if err := tx.InsertToolCalls(ctx, messageID, slices.Clone(d.CallInserts)); err != nil {
			return err
		}
	}
	for _, out := range d.OutputUpdates {
		if err := tx.UpdateToolOutput(ctx, out); err != nil {
			return err
		}
	}
	if len(d.OutputInserts) > 0 {
		if err := tx.InsertToolOutputs(ctx, messageID, slices.Clone(d.OutputInserts)); err != nil {
			return err
		}
	}
	return nil
}

func insertIncoming(ctx context.Context, tx store.Repository, conversationID string, seq int, in model.IncomingMessage) (*model.Message, error) {
	msg := &model.Message{
		ConversationID:  conversationID,
		Seq:             seq,
		Role:            in.Role,
		Status:          model.StatusFinal,
		Content:         in.Content,
		ClientMessageID: in.ClientRef,
		ToolCallID:      in.ToolCallID,
	}
	if err := tx.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	if len(in.ToolCalls) > 0 {
		calls := slices.Clone(in.ToolCalls)
		for i := range calls {
			calls[i].ID = ""
		}
		if err := tx.InsertToolCalls(ctx, msg.ID, calls); err != nil {
			return nil, err
		}
	}
	if len(in.ToolOutputs) > 0 {
		outputs := slices.Clone(in.ToolOutputs)
		for i := range outputs {
			outputs[i].ID = ""
		}
		if err := tx.InsertToolOutputs(ctx, msg.ID, outputs); err != nil {
			return nil, err
		}
	}
	metrics.RecordMessages(string(in.Role), 1)
	return msg, nil
}

func checkOwner(ctx context.Context, repo store.Repository, conversationID, userID string) error {
	conv, err := repo.GetConversation(ctx, conversationID)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("conversation %s: %w", conversationID, model.ErrInvalidConversation)
	}
	if err != nil {
		return err
	}
	if conv.Deleted || conv.UserID != userID {
		return fmt.Errorf("conversation %s: %w", conversationID, model.ErrInvalidConversation)
	}
	return nil
}

func mapping(in model.IncomingMessage, id string) model.IDMapping {
	return model.IDMapping{ClientRef: in.ClientRef, PersistedID: id, Role: in.Role}
}

// withoutSystem drops system messages; the system prompt lives on the conversation.
func withoutSystem(in []model.IncomingMessage) []model.IncomingMessage {
	out := make([]model.IncomingMessage, 0, len(in))
	for _, m := range in {
		if m.Role == model.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}
