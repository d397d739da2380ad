package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody[map[string]string](t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["time"])

	rr = env.do(httptest.NewRequest(http.MethodGet, "/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "alive", decodeBody[map[string]string](t, rr)["status"])
}

func TestReady(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	ready := decodeBody[Readiness](t, rr)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, ComponentStatusUp, ready.Components["database"].Status)
	assert.Equal(t, ComponentStatusUp, ready.Components["storage"].Status)

	env.store.pingErr = errBoom
	rr = env.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	ready = decodeBody[Readiness](t, rr)
	assert.Equal(t, "not_ready", ready.Status)
	assert.Equal(t, ComponentStatusDown, ready.Components["storage"].Status)
	assert.Equal(t, "boom", ready.Components["storage"].Message)
	assert.Equal(t, ComponentStatusUp, ready.Components["database"].Status)
}
