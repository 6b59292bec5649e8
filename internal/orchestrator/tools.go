package orchestrator

import (
	"github.com/nextlevelbuilder/cyrus/internal/config"
)

// Tool presets usable in allowed-tool lists.
const (
	PresetReadOnly    = "readOnly"
	PresetSafe        = "safe"
	PresetAll         = "all"
	PresetCoordinator = "coordinator"
)

var readOnlyTools = []string{
	"Read", "Grep", "Glob", "LS", "WebFetch", "WebSearch",
	"TodoRead", "NotebookRead", "Task",
}

var safeTools = append(append([]string{}, readOnlyTools...),
	"Edit", "Write", "MultiEdit", "NotebookEdit", "TodoWrite",
	"Bash(git:*)", "Bash(ls:*)", "Bash(cat:*)",
)

var allTools = append(append([]string{}, safeTools...), "Bash")

// coordinatorTools suit orchestrator sessions: read plus delegation, no
// direct file edits.
var coordinatorTools = append(append([]string{}, readOnlyTools...), "TodoWrite")

// mcpTools are always unioned in so the assistant can reach the tracker and
// the in-process server regardless of policy.
var mcpTools = []string{
	"mcp__cyrus__create_child_session",
	"mcp__tracker",
}

// expandPresets replaces preset names with their tool lists, passing
// concrete tool names through.
func expandPresets(list []string) []string {
	var out []string
	for _, entry := range list {
		switch entry {
		case PresetReadOnly:
			out = append(out, readOnlyTools...)
		case PresetSafe:
			out = append(out, safeTools...)
		case PresetAll:
			out = append(out, allTools...)
		case PresetCoordinator:
			out = append(out, coordinatorTools...)
		default:
			out = append(out, entry)
		}
	}
	return out
}

// ResolveTools builds the allowed and disallowed tool lists for a session.
// Precedence, independently for each list: repository per-prompt-type, then
// global per-prompt-type, then repository-wide, then global, then the safe
// preset. MCP tools are always unioned into the allowed list.
func ResolveTools(defaults config.RepositoryDefaults, repo config.Repository, promptType string) (allowed, disallowed []string) {
	allowed = firstNonEmpty(
		promptSpecAllowed(repo.PromptTools, promptType),
		promptSpecAllowed(defaults.PromptTools, promptType),
		repo.AllowedTools,
		defaults.AllowedTools,
		[]string{PresetSafe},
	)
	disallowed = firstNonEmpty(
		promptSpecDisallowed(repo.PromptTools, promptType),
		promptSpecDisallowed(defaults.PromptTools, promptType),
		repo.DisallowedTools,
		defaults.DisallowedTools,
		nil,
	)
	allowed = union(expandPresets(allowed), mcpTools)
	return allowed, expandPresets(disallowed)
}

func promptSpecAllowed(specs map[string]config.PromptToolSpec, promptType string) []string {
	if spec, ok := specs[promptType]; ok {
		return spec.Allowed
	}
	return nil
}

func promptSpecDisallowed(specs map[string]config.PromptToolSpec, promptType string) []string {
	if spec, ok := specs[promptType]; ok {
		return spec.Disallowed
	}
	return nil
}

func firstNonEmpty(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return l
		}
	}
	return nil
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, l := range [][]string{a, b} {
		for _, s := range l {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
