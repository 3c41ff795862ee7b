package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	repo := t.TempDir()

	m := New("feature/login", "main", "Implement login form")
	m.AddGroundRule("No new dependencies")
	m.Agent.Model = "sonnet"

	require.NoError(t, Save(repo, m))

	loaded, err := Load(repo, "feature/login")
	require.NoError(t, err)
	assert.Equal(t, "feature/login", loaded.NodeID)
	assert.Equal(t, "main", loaded.Parent)
	assert.Equal(t, "Implement login form", loaded.Goal)
	assert.Equal(t, []string{"No new dependencies"}, loaded.GroundRules)
	assert.Equal(t, "sonnet", loaded.Agent.Model)
	assert.Equal(t, StateInProgress, loaded.Status.State)
}

func TestManifestPathSanitizesSlashes(t *testing.T) {
	path := ManifestPath("/repo", "feature/login")
	assert.Equal(t, filepath.Join("/repo", ".caspian", "manifests", "feature_login.yaml"), path)
}

func TestLoadMissingManifest(t *testing.T) {
	repo := t.TempDir()

	_, err := Load(repo, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	repo := t.TempDir()

	m := New("n1", "main", "goal")
	require.NoError(t, Save(repo, m))

	require.NoError(t, Delete(repo, "n1"))
	require.NoError(t, Delete(repo, "n1"))

	_, err := Load(repo, "n1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, Save(repo, New("n1", "main", "goal")))

	entries, err := os.ReadDir(ManifestsDir(repo))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "n1.yaml", entries[0].Name())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*NodeManifest)
		valid    bool
		errCount int
	}{
		{
			name:   "complete manifest",
			mutate: func(m *NodeManifest) {},
			valid:  true,
		},
		{
			name:     "missing goal",
			mutate:   func(m *NodeManifest) { m.Goal = "  " },
			valid:    false,
			errCount: 1,
		},
		{
			name:     "missing parent and node id",
			mutate:   func(m *NodeManifest) { m.Parent = ""; m.NodeID = "" },
			valid:    false,
			errCount: 2,
		},
		{
			name:     "blank ground rule",
			mutate:   func(m *NodeManifest) { m.GroundRules = []string{"ok", "   "} },
			valid:    false,
			errCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New("n1", "main", "goal")
			tt.mutate(m)
			result := Validate(m)
			assert.Equal(t, tt.valid, result.IsValid)
			assert.Len(t, result.Errors, tt.errCount)
		})
	}
}

func TestDetectTestCommand(t *testing.T) {
	repo := t.TempDir()
	assert.Empty(t, DetectTestCommand(repo))

	require.NoError(t, os.WriteFile(filepath.Join(repo, "go.mod"), []byte("module x\n"), 0o644))
	assert.Equal(t, "go test ./...", DetectTestCommand(repo))

	require.NoError(t, os.WriteFile(filepath.Join(repo, "package.json"), []byte("{}"), 0o644))
	assert.Equal(t, "npm test", DetectTestCommand(repo))
}
