package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridvane/flowdeck/internal/cache"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/internal/store/storetest"
	"github.com/gridvane/flowdeck/pkg/models"
)

// failingStore overrides Ping on top of the in-memory store.
type failingStore struct {
	*storetest.MemStore
	pingErr error
}

func (s *failingStore) Ping(context.Context) error { return s.pingErr }

var _ store.Store = (*failingStore)(nil)

// testCache is a no-op cache with an injectable ping failure.
type testCache struct {
	pingErr error
}

func (c *testCache) Ping(context.Context) error { return c.pingErr }
func (c *testCache) Close() error               { return nil }

func (c *testCache) SetDockerProgress(context.Context, *models.DockerProgress) error { return nil }
func (c *testCache) GetDockerProgress(context.Context, uuid.UUID, models.DockerPhase) (*models.DockerProgress, bool, error) {
	return nil, false, nil
}
func (c *testCache) InvalidateDockerProgress(context.Context, uuid.UUID) error { return nil }
func (c *testCache) MarkFreshTracking(context.Context, uuid.UUID) error        { return nil }
func (c *testCache) IsFreshTracking(context.Context, uuid.UUID) (bool, error)  { return false, nil }
func (c *testCache) ClearFreshTracking(context.Context, uuid.UUID) error       { return nil }

var _ cache.Cache = (*testCache)(nil)

func TestHealthHandler_AllOK(t *testing.T) {
	h := healthHandler(storetest.New(), &testCache{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	services := data["services"].(map[string]any)
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "ok", services["cache"])
}

func TestHealthHandler_DatabaseDegraded(t *testing.T) {
	h := healthHandler(&failingStore{MemStore: storetest.New(), pingErr: errors.New("connection refused")}, &testCache{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
}

func TestHealthHandler_CacheDegraded(t *testing.T) {
	h := healthHandler(storetest.New(), &testCache{pingErr: errors.New("redis down")})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRun_FailsOnMissingConfig(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL"} {
		t.Setenv(key, "")
	}

	err := run(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
