package streaming

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/store"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

type stubTitler struct {
	title string
	err   error
	panic bool
	calls atomic.Int32
}

func (s *stubTitler) GenerateTitle(context.Context, []model.IncomingMessage) (string, error) {
	s.calls.Add(1)
	if s.panic {
		panic("titler exploded")
	}
	return s.title, s.err
}

func newTitleFixture(t *testing.T, titler Titler, onTitle TitleCallback) (*store.Store, *TitleGenerator, *model.Conversation) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	conv := &model.Conversation{UserID: "user-1"}
	require.NoError(t, st.CreateConversation(context.Background(), conv))
	return st, NewTitleGenerator(st, titler, logger.NewNop(), time.Second, onTitle), conv
}

func TestTitleGenerator_StoresCleanTitle(t *testing.T) {
	titler := &stubTitler{title: "Title: \"Planning a trip to Lisbon\"\n"}
	var mu sync.Mutex
	var got []string
	st, gen, conv := newTitleFixture(t, titler, func(_, title string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, title)
	})

	var perCall string
	gen.Dispatch(conv.ID, greeting(), func(_, title string) { perCall = title })
	gen.Wait()

	stored, err := st.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Title)
	assert.Equal(t, "Planning a trip to Lisbon", *stored.Title)
	assert.Equal(t, []string{"Planning a trip to Lisbon"}, got)
	assert.Equal(t, "Planning a trip to Lisbon", perCall)
}

func TestTitleGenerator_SkipsTitledConversation(t *testing.T) {
	titler := &stubTitler{title: "New"}
	st, gen, conv := newTitleFixture(t, titler, nil)
	require.NoError(t, st.SetConversationTitle(context.Background(), conv.ID, "Existing"))

	gen.Dispatch(conv.ID, greeting(), nil)
	gen.Wait()

	assert.Zero(t, titler.calls.Load())
	stored, err := st.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Existing", *stored.Title)
}

func TestTitleGenerator_FailuresLeaveTitleUnset(t *testing.T) {
	tests := []struct {
		name   string
		titler *stubTitler
	}{
		{"provider error", &stubTitler{err: errors.New("rate limited")}},
		{"empty title", &stubTitler{title: `  ""  `}},
		{"panic", &stubTitler{panic: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, gen, conv := newTitleFixture(t, tt.titler, nil)
			called := false
			gen.Dispatch(conv.ID, greeting(), func(string, string) { called = true })
			gen.Wait()

			assert.False(t, called)
			stored, err := st.GetConversation(context.Background(), conv.ID)
			require.NoError(t, err)
			assert.Nil(t, stored.Title)
		})
	}
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Simple", "Simple"},
		{`  "Quoted"  `, "Quoted"},
		{"**Bold** title", "Bold** title"},
		{"title: Prefixed", "Prefixed"},
		{"First line\nsecond line", "First line"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanTitle(tt.in), tt.in)
	}

	long := CleanTitle(strings.Repeat("é", 200))
	assert.Equal(t, maxTitleRunes, len([]rune(long)))
}
