package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		CyrusHome: filepath.Join(home, ".cyrus"),
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3456,
		},
		Classifier: ClassifierConfig{
			Model:          "claude-haiku-4-5",
			TimeoutSeconds: 30,
		},
		Persistence: PersistenceConfig{
			Backend: "file",
		},
		Defaults: RepositoryDefaults{
			BaseBranch: "main",
		},
		UnrespondedTimeoutMinutes: 15,
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults (env-only setup).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyRepositoryDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseRepositories parses only the repository list from a config file.
// Used by the watcher so a reload never touches non-repository settings.
func ParseRepositories(path string) ([]Repository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var partial struct {
		Repositories []Repository `json:"repositories"`
	}
	if err := json5.Unmarshal(data, &partial); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	candidate := &Config{Repositories: partial.Repositories}
	if err := candidate.Validate(); err != nil {
		return nil, err
	}
	return partial.Repositories, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CYRUS_HOME"); v != "" {
		c.CyrusHome = v
	}
	if v := os.Getenv("CYRUS_PROXY_URL"); v != "" {
		c.ProxyURL = v
	}
	if v := os.Getenv("CYRUS_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("CYRUS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CYRUS_SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("CYRUS_USE_DIRECT_WEBHOOKS"); v != "" {
		c.UseDirectWebhooks = v == "true" || v == "1"
	}
	// Secrets live in env only, never in the config file.
	c.Server.WebhookSecret = os.Getenv("CYRUS_WEBHOOK_SECRET")
	c.Classifier.APIKey = os.Getenv("CYRUS_CLASSIFIER_API_KEY")
	c.NgrokAuthToken = os.Getenv("CYRUS_NGROK_AUTH_TOKEN")
}

// applyRepositoryDefaults fills per-repo blanks from the defaults block.
func (c *Config) applyRepositoryDefaults() {
	for i := range c.Repositories {
		repo := &c.Repositories[i]
		if repo.BaseBranch == "" {
			repo.BaseBranch = c.Defaults.BaseBranch
		}
		if repo.Model == "" {
			repo.Model = c.Defaults.Model
		}
		if repo.FallbackModel == "" {
			repo.FallbackModel = c.Defaults.FallbackModel
		}
		if repo.WorkspaceBaseDir == "" {
			repo.WorkspaceBaseDir = filepath.Join(c.CyrusHome, "workspaces", repo.ID)
		}
	}
}
