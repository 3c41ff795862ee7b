// Package manifest reads and writes per-node YAML manifests stored inside a
// repository under .caspian/manifests. The manifest is the human-editable
// record of a node's goal, ground rules and review status.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a node has no manifest file.
var ErrNotFound = errors.New("manifest not found")

// NodeState tracks a node's position in the review flow.
type NodeState string

const (
	StateInProgress     NodeState = "in_progress"
	StateReadyForReview NodeState = "ready_for_review"
	StateApproved       NodeState = "approved"
	StateClosed         NodeState = "closed"
)

// AgentInfo records which agent last worked the node.
type AgentInfo struct {
	Model     string `yaml:"model,omitempty" json:"model,omitempty"`
	SessionID string `yaml:"session_id,omitempty" json:"session_id,omitempty"`
}

// TestConfig lists the tests a node must pass before review.
type TestConfig struct {
	Required []string `yaml:"required,omitempty" json:"required"`
	Command  string   `yaml:"command,omitempty" json:"command,omitempty"`
}

// StatusInfo records the node's current state and who moved it there.
type StatusInfo struct {
	State          NodeState `yaml:"state" json:"state"`
	TransitionedAt time.Time `yaml:"transitioned_at" json:"transitioned_at"`
	TransitionedBy string    `yaml:"transitioned_by" json:"transitioned_by"`
	CloseReason    string    `yaml:"close_reason,omitempty" json:"close_reason,omitempty"`
}

// NodeManifest is the per-node manifest document.
type NodeManifest struct {
	NodeID        string     `yaml:"node_id" json:"node_id"`
	Parent        string     `yaml:"parent" json:"parent"`
	CreatedAt     time.Time  `yaml:"created_at" json:"created_at"`
	Agent         AgentInfo  `yaml:"agent,omitempty" json:"agent"`
	Goal          string     `yaml:"goal" json:"goal"`
	GroundRules   []string   `yaml:"ground_rules,omitempty" json:"ground_rules"`
	ConflictsWith []string   `yaml:"conflicts_with,omitempty" json:"conflicts_with"`
	Tests         TestConfig `yaml:"tests,omitempty" json:"tests"`
	Status        StatusInfo `yaml:"status" json:"status"`
}

// New creates a manifest with default status for a fresh node.
func New(nodeID, parent, goal string) *NodeManifest {
	return &NodeManifest{
		NodeID:    nodeID,
		Parent:    parent,
		CreatedAt: time.Now().UTC(),
		Goal:      goal,
		Status: StatusInfo{
			State:          StateInProgress,
			TransitionedAt: time.Now().UTC(),
			TransitionedBy: "human",
		},
	}
}

// AddGroundRule appends a non-empty rule, trimming whitespace.
func (m *NodeManifest) AddGroundRule(rule string) {
	rule = strings.TrimSpace(rule)
	if rule != "" {
		m.GroundRules = append(m.GroundRules, rule)
	}
}

// ManifestsDir returns the manifests directory for a repository.
func ManifestsDir(repoPath string) string {
	return filepath.Join(repoPath, ".caspian", "manifests")
}

// ManifestPath returns the manifest file path for a node. Slashes in the
// node id are replaced so branch-style ids don't create subdirectories.
func ManifestPath(repoPath, nodeID string) string {
	safe := strings.ReplaceAll(nodeID, "/", "_")
	return filepath.Join(ManifestsDir(repoPath), safe+".yaml")
}

// Parse decodes a manifest from YAML.
func Parse(data []byte) (*NodeManifest, error) {
	var m NodeManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// Load reads a node's manifest from the repository.
func Load(repoPath, nodeID string) (*NodeManifest, error) {
	path := ManifestPath(repoPath, nodeID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Save writes a node's manifest to the repository. The write goes through a
// temp file and rename so a crash never leaves a half-written manifest.
func Save(repoPath string, m *NodeManifest) error {
	dir := ManifestsDir(repoPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create manifests dir: %w", err)
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	path := ManifestPath(repoPath, m.NodeID)
	tmp, err := os.CreateTemp(dir, ".manifest-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

// Delete removes a node's manifest. Missing files are not an error.
func Delete(repoPath, nodeID string) error {
	err := os.Remove(ManifestPath(repoPath, nodeID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	return nil
}

// ValidationResult reports manifest problems for UI display.
type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (r *ValidationResult) addError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.IsValid = false
}

// Validate checks a manifest's required fields.
func Validate(m *NodeManifest) *ValidationResult {
	result := &ValidationResult{IsValid: true, Errors: []string{}, Warnings: []string{}}

	if strings.TrimSpace(m.NodeID) == "" {
		result.addError("Node ID is required")
	}
	if strings.TrimSpace(m.Parent) == "" {
		result.addError("Parent branch is required")
	}
	if strings.TrimSpace(m.Goal) == "" {
		result.addError("Goal is required")
	}
	for i, rule := range m.GroundRules {
		if strings.TrimSpace(rule) == "" {
			result.addError(fmt.Sprintf("Ground rule %d is empty", i+1))
		}
	}

	return result
}

// DetectTestCommand guesses the repository's test command from the build
// files present at its root.
func DetectTestCommand(repoPath string) string {
	checks := []struct {
		file    string
		command string
	}{
		{"package.json", "npm test"},
		{"jest.config.js", "npm test"},
		{"jest.config.ts", "npm test"},
		{"vitest.config.js", "npm test"},
		{"vitest.config.ts", "npm test"},
		{"pytest.ini", "pytest"},
		{"pyproject.toml", "pytest"},
		{"setup.py", "python -m pytest"},
		{"Cargo.toml", "cargo test"},
		{"go.mod", "go test ./..."},
	}
	for _, c := range checks {
		if _, err := os.Stat(filepath.Join(repoPath, c.file)); err == nil {
			return c.command
		}
	}
	return ""
}
