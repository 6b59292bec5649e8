package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `{
		// comments are allowed
		cyrus_home: "/tmp/cyrus-test",
		server: { host: "127.0.0.1", port: 4000 },
		defaults: { base_branch: "develop", model: "claude-sonnet-4-5" },
		repositories: [
			{
				id: "repo-a",
				name: "Repo A",
				workspace_id: "ws-1",
				tracker_token: "tok-a",
				repository_path: "/src/a",
				is_active: true,
			},
		],
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CyrusHome != "/tmp/cyrus-test" {
		t.Errorf("CyrusHome = %q", cfg.CyrusHome)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 4000 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if got := cfg.StateDir(); got != "/tmp/cyrus-test/state" {
		t.Errorf("StateDir() = %q", got)
	}

	if len(cfg.Repositories) != 1 {
		t.Fatalf("got %d repositories, want 1", len(cfg.Repositories))
	}
	repo := cfg.Repositories[0]
	if repo.BaseBranch != "develop" {
		t.Errorf("BaseBranch = %q, want default applied", repo.BaseBranch)
	}
	if repo.Model != "claude-sonnet-4-5" {
		t.Errorf("Model = %q, want default applied", repo.Model)
	}
	if repo.WorkspaceBaseDir == "" {
		t.Error("WorkspaceBaseDir not defaulted")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 3456 {
		t.Errorf("Port = %d, want 3456", cfg.Server.Port)
	}
	if cfg.Classifier.TimeoutSeconds != 30 {
		t.Errorf("Classifier.TimeoutSeconds = %d, want 30", cfg.Classifier.TimeoutSeconds)
	}
	if cfg.Persistence.Backend != "file" {
		t.Errorf("Persistence.Backend = %q, want file", cfg.Persistence.Backend)
	}
	if cfg.UnrespondedTimeoutMinutes != 15 {
		t.Errorf("UnrespondedTimeoutMinutes = %d, want 15", cfg.UnrespondedTimeoutMinutes)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CYRUS_HOME", "/tmp/env-home")
	t.Setenv("CYRUS_SERVER_PORT", "9999")
	t.Setenv("CYRUS_WEBHOOK_SECRET", "hush")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CyrusHome != "/tmp/env-home" {
		t.Errorf("CyrusHome = %q", cfg.CyrusHome)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.Server.WebhookSecret != "hush" {
		t.Errorf("WebhookSecret = %q", cfg.Server.WebhookSecret)
	}
}

func TestLoad_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad json", `{ nope`},
		{"missing id", `{repositories: [{name: "A", repository_path: "/a", base_branch: "main"}]}`},
		{"duplicate id", `{repositories: [
			{id: "x", name: "A", repository_path: "/a", base_branch: "main"},
			{id: "x", name: "B", repository_path: "/b", base_branch: "main"},
		]}`},
		{"missing path", `{repositories: [{id: "x", name: "A", base_branch: "main"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRepository_Token_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_TRACKER_TOKEN", "secret-123")

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"literal", "lin_abc", "lin_abc"},
		{"env var", "$TEST_TRACKER_TOKEN", "secret-123"},
		{"unset env var", "$TEST_TRACKER_TOKEN_UNSET", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := Repository{TrackerToken: tt.token}
			if got := repo.Token(); got != tt.want {
				t.Errorf("Token() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRepository_HasRoutingKeys(t *testing.T) {
	tests := []struct {
		name string
		repo Repository
		want bool
	}{
		{"none", Repository{}, false},
		{"teams", Repository{TeamKeys: []string{"ENG"}}, true},
		{"labels", Repository{RoutingLabels: []string{"backend"}}, true},
		{"projects", Repository{ProjectKeys: []string{"proj-1"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.repo.HasRoutingKeys(); got != tt.want {
				t.Errorf("HasRoutingKeys() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiffRepositories(t *testing.T) {
	a := Repository{ID: "a", Name: "A"}
	b := Repository{ID: "b", Name: "B"}
	bMod := Repository{ID: "b", Name: "B", Model: "claude-opus-4-5"}
	c := Repository{ID: "c", Name: "C"}

	diff := DiffRepositories([]Repository{a, b}, []Repository{bMod, c})

	if len(diff.Added) != 1 || diff.Added[0].ID != "c" {
		t.Errorf("Added = %+v", diff.Added)
	}
	if len(diff.Modified) != 1 || diff.Modified[0].ID != "b" {
		t.Errorf("Modified = %+v", diff.Modified)
	}
	if len(diff.Removed) != 1 || diff.Removed[0].ID != "a" {
		t.Errorf("Removed = %+v", diff.Removed)
	}
	if diff.Empty() {
		t.Error("Empty() = true for a non-empty diff")
	}

	same := DiffRepositories([]Repository{a, b}, []Repository{a, b})
	if !same.Empty() {
		t.Errorf("identical sets should produce an empty diff, got %+v", same)
	}
}

func TestParseRepositories(t *testing.T) {
	path := writeConfig(t, `{
		server: { port: 1 }, // ignored by ParseRepositories
		repositories: [
			{id: "x", name: "X", repository_path: "/x", base_branch: "main"},
		],
	}`)

	repos, err := ParseRepositories(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 1 || repos[0].ID != "x" {
		t.Errorf("repos = %+v", repos)
	}
}

func TestParseRepositories_Invalid(t *testing.T) {
	path := writeConfig(t, `{repositories: [{name: "no id"}]}`)
	if _, err := ParseRepositories(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestConfig_GetSetRepositories(t *testing.T) {
	cfg := Default()
	cfg.SetRepositories([]Repository{{ID: "a"}})

	snap := cfg.GetRepositories()
	snap[0].ID = "mutated"

	if cfg.GetRepositories()[0].ID != "a" {
		t.Error("GetRepositories must return a copy")
	}
}
