package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/capitalize-ai/chatsync/internal/llm"
	"github.com/capitalize-ai/chatsync/internal/model"
)

// maxBodyBytes bounds request bodies; chat requests carry full histories.
const maxBodyBytes = 8 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// errorStatus maps domain errors to an HTTP status and a client-safe message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrInvalidConversation):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, model.ErrLimitExceeded):
		return http.StatusForbidden, "limit exceeded"
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, "message is no longer streaming"
	case errors.Is(err, llm.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "model provider unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// queryInt parses a non-negative integer query parameter, returning def
// when it is absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
