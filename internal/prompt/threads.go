package prompt

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/cyrus/internal/tracker"
)

// FormatCommentThreads renders an issue's comments as nested threads for the
// {{comment_threads}} placeholder. Top-level comments keep arrival order;
// replies are indented under their parent.
func FormatCommentThreads(comments []tracker.Comment) string {
	if len(comments) == 0 {
		return "(no comments yet)"
	}

	replies := make(map[string][]tracker.Comment)
	var topLevel []tracker.Comment
	for _, c := range comments {
		if c.ParentID == "" {
			topLevel = append(topLevel, c)
			continue
		}
		replies[c.ParentID] = append(replies[c.ParentID], c)
	}

	var b strings.Builder
	for i, c := range topLevel {
		if i > 0 {
			b.WriteString("\n")
		}
		writeComment(&b, c, "")
		for _, reply := range replies[c.ID] {
			writeComment(&b, reply, "    ")
		}
	}
	return b.String()
}

func writeComment(b *strings.Builder, c tracker.Comment, indent string) {
	author := commentAuthor(c)
	fmt.Fprintf(b, "%s%s:\n", indent, author)
	for _, line := range strings.Split(strings.TrimSpace(c.Body), "\n") {
		fmt.Fprintf(b, "%s  %s\n", indent, line)
	}
}

func commentAuthor(c tracker.Comment) string {
	name := "unknown"
	if c.User != nil && c.User.Name != "" {
		name = c.User.Name
	}
	if c.BotActor {
		return name + " (agent)"
	}
	return name
}
