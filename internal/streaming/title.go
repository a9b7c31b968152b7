package streaming

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

const maxTitleRunes = 80

// Titler produces a short title from the opening of a conversation.
type Titler interface {
	GenerateTitle(ctx context.Context, history []model.IncomingMessage) (string, error)
}

// TitleCallback is invoked after a title is stored.
type TitleCallback func(conversationID, title string)

// TitleGenerator names untitled conversations in the background. Concurrent
// dispatches for one conversation share a single generation.
type TitleGenerator struct {
	repo     store.Repository
	titler   Titler
	log      *logger.Logger
	timeout  time.Duration
	onTitle  TitleCallback
	group    singleflight.Group
	inflight sync.WaitGroup
}

// NewTitleGenerator creates a TitleGenerator. onTitle runs after every stored
// title and may be nil.
func NewTitleGenerator(repo store.Repository, titler Titler, log *logger.Logger, timeout time.Duration, onTitle TitleCallback) *TitleGenerator {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &TitleGenerator{repo: repo, titler: titler, log: log, timeout: timeout, onTitle: onTitle}
}

// Dispatch starts title generation and returns immediately. The work runs on
// its own context so it survives the request that triggered it. callback, when
// set, runs in addition to the generator-wide callback.
func (g *TitleGenerator) Dispatch(conversationID string, history []model.IncomingMessage, callback TitleCallback) {
	history = append([]model.IncomingMessage(nil), history...)
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.RecordTitle("panic")
				g.log.Error("title generation panicked",
					zap.String("conversation_id", conversationID),
					zap.Any("panic", r),
				)
			}
		}()

		v, err, _ := g.group.Do(conversationID, func() (any, error) {
			return g.generate(conversationID, history)
		})
		if err != nil {
			metrics.RecordTitle("error")
			g.log.Warn("title generation failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
			return
		}
		title, _ := v.(string)
		if title == "" {
			return
		}
		if callback != nil {
			callback(conversationID, title)
		}
	}()
}

var errEmptyTitle = errors.New("generate title: empty title")

func (g *TitleGenerator) generate(conversationID string, history []model.IncomingMessage) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	conv, err := g.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if conv.Title != nil {
		metrics.RecordTitle("skipped")
		return "", nil
	}

	raw, err := g.titler.GenerateTitle(ctx, history)
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := CleanTitle(raw)
	if title == "" {
		return "", errEmptyTitle
	}
	if err := g.repo.SetConversationTitle(ctx, conversationID, title); err != nil {
		return "", err
	}
	metrics.RecordTitle("ok")
	if g.onTitle != nil {
		g.onTitle(conversationID, title)
	}
	return title, nil
}

// Wait blocks until every dispatched generation has finished.
func (g *TitleGenerator) Wait() {
	g.inflight.Wait()
}

// CleanTitle strips quotes, a "Title:" prefix and line breaks, and caps the length.
func CleanTitle(raw string) string {
	t := strings.TrimSpace(raw)
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[:i]
	}
	if len(t) >= 6 && strings.EqualFold(t[:6], "title:") {
		t = strings.TrimSpace(t[6:])
	}
	t = strings.Trim(t, "\"'` *#")
	if utf8.RuneCountInString(t) > maxTitleRunes {
		r := []rune(t)
		t = strings.TrimSpace(string(r[:maxTitleRunes]))
	}
	return t
}
