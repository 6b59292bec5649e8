// Package prompt renders the user and system prompts sent to the assistant.
// Templates are data: plain markdown with {{name}} placeholders, loaded from
// disk when the operator overrides them and from the embedded defaults
// otherwise.
package prompt

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

//go:embed templates
var defaultTemplates embed.FS

// Template names used by the orchestrator.
const (
	TemplateMention    = "mention.md"
	TemplateLabelBased = "label-based.md"
	TemplateDefault    = "default.md"
	TemplateFallback   = "fallback.md"
)

// ThreadReplyDirective is appended to prompts for thread-reply sessions. It
// forbids top-level comment creation so the final answer lands in the thread.
const ThreadReplyDirective = "\n\n<thread-reply-mode>\n" +
	"You are responding inside a comment thread. Do not create new top-level " +
	"comments on the issue; your final reply will be posted into the thread " +
	"for you.\n</thread-reply-mode>\n"

// Renderer loads and fills prompt templates. overrideDir may be empty.
type Renderer struct {
	overrideDir string
}

// NewRenderer creates a renderer. overrideDir, when set, is checked before
// the embedded defaults.
func NewRenderer(overrideDir string) *Renderer {
	return &Renderer{overrideDir: overrideDir}
}

// Load returns a template body by relative name. Missing or unreadable
// templates degrade to the fallback template rather than failing the session.
func (r *Renderer) Load(name string) string {
	if r.overrideDir != "" {
		if data, err := os.ReadFile(filepath.Join(r.overrideDir, name)); err == nil {
			return string(data)
		}
	}
	if data, err := defaultTemplates.ReadFile("templates/" + name); err == nil {
		return string(data)
	}
	slog.Warn("prompt template unavailable, using fallback", "template", name)
	if name != TemplateFallback {
		return r.Load(TemplateFallback)
	}
	return syntheticPrompt
}

// syntheticPrompt is the last resort should the fallback template itself be
// unreadable.
const syntheticPrompt = `Work on tracker issue {{issue_identifier}}: {{issue_title}}

{{issue_description}}
`

var placeholderRe = regexp.MustCompile(`\{\{([a-z_]+)\}\}`)

// Render substitutes {{name}} placeholders. Unknown placeholders collapse to
// the empty string so partial variable sets stay usable.
func Render(template string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		return vars[key]
	})
}

var versionTagRe = regexp.MustCompile(`<version-tag\s+value="([^"]*)"\s*/>`)

// ExtractVersionTag pulls the <version-tag value="..."/> marker out of a
// template, returning the version and the body with the marker removed.
func ExtractVersionTag(body string) (version, stripped string) {
	m := versionTagRe.FindStringSubmatch(body)
	if m == nil {
		return "", body
	}
	stripped = versionTagRe.ReplaceAllString(body, "")
	return m[1], strings.TrimLeft(stripped, "\n")
}

// GuidanceBlock wraps operator guidance for inclusion in a prompt.
func GuidanceBlock(guidance string) string {
	if guidance == "" {
		return ""
	}
	return fmt.Sprintf("\n\n<agent-guidance>\n%s\n</agent-guidance>\n", guidance)
}
