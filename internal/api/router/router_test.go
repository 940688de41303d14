package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binary-insights/prompt2mesh/internal/api/handler"
	"github.com/binary-insights/prompt2mesh/internal/jobstore"
)

type stubPublisher struct {
	connected bool
}

func (p *stubPublisher) Publish(ctx context.Context, body []byte, contentType string) error {
	return nil
}

func (p *stubPublisher) IsConnected() bool { return p.connected }

type stubHealthChecker struct {
	err error
}

func (h *stubHealthChecker) HealthCheck(ctx context.Context) error { return h.err }

func healthStatus(t *testing.T, deps *handler.Dependencies) (int, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := SetupRouter(deps)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHealth_AllBackendsUp(t *testing.T) {
	code, body := healthStatus(t, &handler.Dependencies{
		Logger:    slog.Default(),
		Store:     jobstore.NewMemoryStore(),
		Publisher: &stubPublisher{connected: true},
		DB:        &stubHealthChecker{},
	})

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["queue"])
	assert.Equal(t, "connected", body["db"])
}

func TestHealth_QueueDown(t *testing.T) {
	code, body := healthStatus(t, &handler.Dependencies{
		Logger:    slog.Default(),
		Store:     jobstore.NewMemoryStore(),
		Publisher: &stubPublisher{connected: false},
		DB:        &stubHealthChecker{},
	})

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "disconnected", body["queue"])
	assert.Equal(t, "connected", body["db"])
}

func TestHealth_DatabaseDown(t *testing.T) {
	code, body := healthStatus(t, &handler.Dependencies{
		Logger:    slog.Default(),
		Store:     jobstore.NewMemoryStore(),
		Publisher: &stubPublisher{connected: true},
		DB:        &stubHealthChecker{err: errors.New("connection refused")},
	})

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "connected", body["queue"])
	assert.Equal(t, "unreachable", body["db"])
}
