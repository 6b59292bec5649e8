package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config is the root configuration for the Cyrus edge worker.
type Config struct {
	CyrusHome string `json:"cyrus_home,omitempty"` // state + workspaces root (default: ~/.cyrus)

	ProxyURL          string `json:"proxy_url,omitempty"` // webhook proxy endpoint (ws)
	BaseURL           string `json:"base_url,omitempty"`  // public base URL for direct webhooks
	UseDirectWebhooks bool   `json:"use_direct_webhooks,omitempty"`

	Server      ServerConfig      `json:"server"`
	Classifier  ClassifierConfig  `json:"classifier"`
	Persistence PersistenceConfig `json:"persistence"`
	Defaults    RepositoryDefaults `json:"defaults"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`

	// ControlMode substitutes "-controlled" procedure variants when registered.
	ControlMode bool `json:"control_mode,omitempty"`

	// UnrespondedTimeoutMinutes is how long a ⏳-marked comment may stay
	// unanswered before the unresponded tracker logs an alert. 0 = default.
	UnrespondedTimeoutMinutes int `json:"unresponded_timeout_minutes,omitempty"`

	IsDebugMode        bool `json:"debug,omitempty"`
	IsWebhookDebugMode bool `json:"webhook_debug,omitempty"`

	Repositories []Repository `json:"repositories"`

	// NgrokAuthToken comes from env CYRUS_NGROK_AUTH_TOKEN only (secret).
	NgrokAuthToken string `json:"-"`

	mu sync.RWMutex
}

// ServerConfig configures the shared HTTP server (direct webhooks + MCP).
type ServerConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	WebhookSecret string `json:"-"` // from env CYRUS_WEBHOOK_SECRET only
}

// ClassifierConfig configures the procedure classifier LLM call.
type ClassifierConfig struct {
	Endpoint       string `json:"endpoint,omitempty"` // OpenAI-compatible chat completions URL
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // hard deadline (default 30)
	APIKey         string `json:"-"`                         // from env CYRUS_CLASSIFIER_API_KEY only
}

// PersistenceConfig selects the durable session-state backend.
type PersistenceConfig struct {
	Backend string `json:"backend,omitempty"` // "file" (default) or "sqlite"
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // OTLP HTTP endpoint
}

// RepositoryDefaults apply to every repository unless overridden per-repo.
type RepositoryDefaults struct {
	AllowedTools    []string                  `json:"allowed_tools,omitempty"`
	DisallowedTools []string                  `json:"disallowed_tools,omitempty"`
	PromptTools     map[string]PromptToolSpec `json:"prompt_tools,omitempty"` // promptType → override
	Model           string                    `json:"model,omitempty"`
	FallbackModel   string                    `json:"fallback_model,omitempty"`
	BaseBranch      string                    `json:"base_branch,omitempty"`
}

// PromptToolSpec overrides tool lists for a single prompt type
// (debugger, builder, scoper, orchestrator).
type PromptToolSpec struct {
	Allowed    []string `json:"allowed,omitempty"`
	Disallowed []string `json:"disallowed,omitempty"`
}

// LabelPrompts maps issue labels to fixed prompt types, bypassing the
// classifier when matched.
type LabelPrompts struct {
	Debugger     []string `json:"debugger,omitempty"`
	Builder      []string `json:"builder,omitempty"`
	Scoper       []string `json:"scoper,omitempty"`
	Orchestrator []string `json:"orchestrator,omitempty"`
}

// Repository binds a local codebase to its Tracker routing and tool policy.
// Records are immutable during a session; hot reload swaps whole records.
type Repository struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	WorkspaceID      string   `json:"workspace_id"`
	TrackerToken     string   `json:"tracker_token"` // supports $ENV_VAR expansion
	TeamKeys         []string `json:"team_keys,omitempty"`
	RoutingLabels    []string `json:"routing_labels,omitempty"`
	ProjectKeys      []string `json:"project_keys,omitempty"`
	RepositoryPath   string   `json:"repository_path"`
	WorkspaceBaseDir string   `json:"workspace_base_dir,omitempty"`
	BaseBranch       string   `json:"base_branch"`
	IsActive         bool     `json:"is_active"`

	LabelPrompts      LabelPrompts              `json:"label_prompts,omitempty"`
	AllowedTools      []string                  `json:"allowed_tools,omitempty"`
	DisallowedTools   []string                  `json:"disallowed_tools,omitempty"`
	PromptTools       map[string]PromptToolSpec `json:"prompt_tools,omitempty"`
	Model             string                    `json:"model,omitempty"`
	FallbackModel     string                    `json:"fallback_model,omitempty"`
	AppendInstruction string                    `json:"append_instruction,omitempty"`
	MCPConfigPath     string                    `json:"mcp_config_path,omitempty"`
}

// Token returns the repository's tracker token with $ENV expansion applied.
func (r Repository) Token() string {
	if strings.HasPrefix(r.TrackerToken, "$") {
		return os.Getenv(strings.TrimPrefix(r.TrackerToken, "$"))
	}
	return r.TrackerToken
}

// HasRoutingKeys reports whether the repository declares any routing
// configuration. A repository without keys acts as its workspace's catch-all.
func (r Repository) HasRoutingKeys() bool {
	return len(r.TeamKeys) > 0 || len(r.RoutingLabels) > 0 || len(r.ProjectKeys) > 0
}

// StateDir returns the persisted session-state directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.CyrusHome, "state")
}

// AttachmentsDir returns the per-workspace attachment download directory.
func (c *Config) AttachmentsDir(workspaceFolder string) string {
	return filepath.Join(c.CyrusHome, workspaceFolder, "attachments")
}

// GetRepositories returns a snapshot of the repository list.
func (c *Config) GetRepositories() []Repository {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Repository, len(c.Repositories))
	copy(out, c.Repositories)
	return out
}

// SetRepositories replaces the repository list (hot reload).
func (c *Config) SetRepositories(repos []Repository) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Repositories = repos
}

// Validate checks the invariants that a reload must not break.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Repositories))
	for i, repo := range c.Repositories {
		if repo.ID == "" {
			return fmt.Errorf("repository[%d]: missing id", i)
		}
		if seen[repo.ID] {
			return fmt.Errorf("repository %q: duplicate id", repo.ID)
		}
		seen[repo.ID] = true
		if repo.Name == "" {
			return fmt.Errorf("repository %q: missing name", repo.ID)
		}
		if repo.RepositoryPath == "" {
			return fmt.Errorf("repository %q: missing repository_path", repo.ID)
		}
		if repo.BaseBranch == "" {
			return fmt.Errorf("repository %q: missing base_branch", repo.ID)
		}
	}
	return nil
}
