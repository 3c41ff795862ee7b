package claudecode

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Diagnostics reports the state of the agent environment for
// troubleshooting installs where the CLI is missing or unauthenticated.
type Diagnostics struct {
	ClaudeCLIFound     bool     `json:"claude_cli_found"`
	ClaudeCLIVersion   string   `json:"claude_cli_version,omitempty"`
	ClaudeCLIPath      string   `json:"claude_cli_path,omitempty"`
	ClaudeConfigExists bool     `json:"claude_config_exists"`
	ClaudeConfigPath   string   `json:"claude_config_path,omitempty"`
	HomeDir            string   `json:"home_dir,omitempty"`
	SystemPath         string   `json:"system_path"`
	Errors             []string `json:"errors"`
}

// RunDiagnostics probes the CLI binary and config directory.
func (a *Adapter) RunDiagnostics(ctx context.Context) *Diagnostics {
	d := &Diagnostics{
		SystemPath: os.Getenv("PATH"),
		Errors:     []string{},
	}
	if d.SystemPath == "" {
		d.SystemPath = "PATH not set"
	}

	home, err := os.UserHomeDir()
	if err == nil {
		d.HomeDir = home
	}

	locations := searchLocations()
	if a.binaryOverride != "" {
		locations = append([]string{a.binaryOverride}, locations...)
	}
	for _, location := range locations {
		out, err := exec.CommandContext(ctx, location, "--version").Output()
		if err == nil {
			d.ClaudeCLIFound = true
			d.ClaudeCLIVersion = strings.TrimSpace(string(out))
			d.ClaudeCLIPath = location
			break
		}
	}
	if !d.ClaudeCLIFound {
		d.Errors = append(d.Errors,
			"Claude CLI not found in PATH or common installation locations. Install with: npm install -g @anthropic-ai/claude-code")
	}

	if home != "" {
		configDir := filepath.Join(home, ".claude")
		d.ClaudeConfigPath = configDir
		if _, err := os.Stat(configDir); err == nil {
			d.ClaudeConfigExists = true
		} else {
			d.Errors = append(d.Errors,
				"Claude config directory not found. Run 'claude' once in a terminal to authenticate.")
		}
	}

	return d
}
