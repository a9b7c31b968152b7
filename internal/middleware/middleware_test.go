package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

const testSecret = "test-secret"

func signToken(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: scopes,
	})
	s, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(GetUserID(r.Context())))
	})
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{name: "valid token", header: "Bearer " + signToken(t, "user-1"), status: http.StatusOK, body: "user-1"},
		{name: "missing header", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer not-a-jwt", status: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + signToken(t, ""), status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			Auth(AuthConfig{Secret: testSecret})(echoUser()).ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestAuth_RejectsOtherSecret(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-1"))
	rec := httptest.NewRecorder()
	Auth(AuthConfig{Secret: "another-secret"})(echoUser()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_ChecksIssuer(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "chatsync"},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	for issuer, want := range map[string]int{"chatsync": http.StatusOK, "someone-else": http.StatusUnauthorized} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		rec := httptest.NewRecorder()
		Auth(AuthConfig{Secret: testSecret, Issuer: issuer})(echoUser()).ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, issuer)
	}
}

func TestRequireScope(t *testing.T) {
	h := Auth(AuthConfig{Secret: testSecret})(RequireScope("chat")(echoUser()))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-1", "chat"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-1", "read"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogging_CorrelationAndUser(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := &logger.Logger{Logger: zap.New(core)}

	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})
	h := Logging(log)(Auth(AuthConfig{Secret: testSecret})(inner))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-9"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "corr-1", seen)
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "user-9", fields["user_id"])
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
}

func TestLogging_GeneratesCorrelationAndFlushes(t *testing.T) {
	var flushed bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		require.True(t, ok)
		_, _ = w.Write([]byte("data"))
		f.Flush()
		flushed = true
	})
	rec := httptest.NewRecorder()
	Logging(logger.NewNop())(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, flushed)
	assert.True(t, rec.Flushed)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestUserRateLimit(t *testing.T) {
	h := Auth(AuthConfig{Secret: testSecret})(UserRateLimit(2, time.Minute)(echoUser()))
	token := signToken(t, "user-1")

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-2"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_RetryAfter(t *testing.T) {
	h := RateLimit(1, 30*time.Second)(echoUser())
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if i == 1 {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
			assert.Equal(t, "30", rec.Header().Get("Retry-After"))
		}
	}
}

func TestValidateChatRequest(t *testing.T) {
	neg := -1
	user := model.IncomingMessage{Role: model.RoleUser, Content: model.TextContent("hi")}
	tests := []struct {
		name    string
		req     model.ChatRequest
		wantErr bool
	}{
		{name: "minimal", req: model.ChatRequest{Messages: []model.IncomingMessage{user}}},
		{name: "empty history", req: model.ChatRequest{}, wantErr: true},
		{name: "bad conversation id", req: model.ChatRequest{ConversationID: "nope", Messages: []model.IncomingMessage{user}}, wantErr: true},
		{name: "bad parent id", req: model.ChatRequest{ParentConversationID: "nope", Messages: []model.IncomingMessage{user}}, wantErr: true},
		{name: "negative truncate", req: model.ChatRequest{TruncateAfterSeq: &neg, Messages: []model.IncomingMessage{user}}, wantErr: true},
		{name: "unknown role", req: model.ChatRequest{Messages: []model.IncomingMessage{{Role: "robot", Content: model.TextContent("x")}}}, wantErr: true},
		{name: "empty last user message", req: model.ChatRequest{Messages: []model.IncomingMessage{{Role: model.RoleUser}}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChatRequest(&tt.req)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
