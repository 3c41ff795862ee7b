package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/caspianhq/caspian/internal/common/logger"
	"github.com/caspianhq/caspian/internal/manifest"
)

func newManifestTestRouter(t *testing.T, manifestRoot string) *gin.Engine {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	gin.SetMode(gin.TestMode)
	h := &Handler{manifestRoot: manifestRoot, logger: log}
	router := gin.New()
	router.GET("/nodes/:nodeId/manifest", h.NodeManifest)
	return router
}

func TestNodeManifestUsesConfiguredRoot(t *testing.T) {
	repo := t.TempDir()
	m := manifest.New("node-1", "main", "ship it")
	if err := manifest.Save(repo, m); err != nil {
		t.Fatalf("save manifest: %v", err)
	}

	router := newManifestTestRouter(t, repo)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nodes/node-1/manifest", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var got manifest.NodeManifest
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.NodeID != "node-1" || got.Goal != "ship it" {
		t.Errorf("manifest = %+v", got)
	}
}

func TestNodeManifestQueryOverridesConfiguredRoot(t *testing.T) {
	configured := t.TempDir()
	other := t.TempDir()
	if err := manifest.Save(other, manifest.New("node-1", "main", "elsewhere")); err != nil {
		t.Fatalf("save manifest: %v", err)
	}

	router := newManifestTestRouter(t, configured)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nodes/node-1/manifest?repo_path="+other, nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestNodeManifestRequiresSomeRepoPath(t *testing.T) {
	router := newManifestTestRouter(t, "")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nodes/node-1/manifest", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}
