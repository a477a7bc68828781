package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phrazzld/bookshelf-api/internal/api/shared"
	"github.com/phrazzld/bookshelf-api/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceMiddleware(t *testing.T) {
	logBuf, log := logger.NewTestLogger(t)

	var traceID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = shared.GetTraceID(r.Context())
		logger.FromContext(r.Context()).Info("inside handler")
		shared.RespondWithError(w, r, http.StatusTeapot, "short and stout")
	})

	rec := httptest.NewRecorder()
	NewTraceMiddleware(log)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Len(t, traceID, 2*shared.TraceIDLength)
	assert.Contains(t, rec.Body.String(), traceID)

	entries, err := logBuf.Entries()
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, traceID, e["trace_id"])
	}
}

func TestTraceIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	handler := NewTraceMiddleware(nil)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen[shared.GetTraceID(r.Context())] = struct{}{}
	}))

	for i := 0; i < 50; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	assert.Len(t, seen, 50)
}
