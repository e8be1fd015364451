package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/yggdrasil-sh/core/gc"
	"github.com/yggdrasil-sh/core/httpapi"
	"github.com/yggdrasil-sh/core/internal/testsystem"
	"github.com/yggdrasil-sh/core/pagestore"
	"github.com/yggdrasil-sh/core/registry"
	"github.com/yggdrasil-sh/core/workspace"
)

func newRouter(t *testing.T) (*gin.Engine, *workspace.Workspace) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg, err := registry.Open(t.TempDir(), registry.Options{PageStore: pagestore.Options{PageSize: 4096}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	ws, err := workspace.New(workspace.Options{Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.NoError(t, ws.Manage(testsystem.New("git-1", testsystem.AllCapabilities)))

	gcCfg := gc.Config{DryRun: true}
	router := httpapi.NewRouter(ws, &gcCfg, httpapi.AuthConfig{DevBypass: true})
	return router, ws
}

func TestListSystemsReturnsManagedSystems(t *testing.T) {
	router, _ := newRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/systems", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "git-1", out[0]["system_id"])
}

func TestCommitRoundTrips(t *testing.T) {
	router, _ := newRouter(t)

	body, _ := json.Marshal(map[string]string{"message": "hello"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/systems/git-1/commit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out["snapshot_id"])
}

func TestCommitOnUnmanagedSystemReturns404(t *testing.T) {
	router, _ := newRouter(t)

	body, _ := json.Marshal(map[string]string{"message": "hello"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/systems/unknown/commit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunGCHonorsConfiguredDryRun(t *testing.T) {
	router, _ := newRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/gc/run", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnauthenticatedRequestIsRejectedWithoutDevBypass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg, err := registry.Open(t.TempDir(), registry.Options{PageStore: pagestore.Options{PageSize: 4096}})
	require.NoError(t, err)
	defer reg.Close()
	ws, err := workspace.New(workspace.Options{Registry: reg})
	require.NoError(t, err)
	defer ws.Close()

	router := httpapi.NewRouter(ws, nil, httpapi.AuthConfig{OktaDomain: "example.okta.com", OktaClientID: "abc"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/systems", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
