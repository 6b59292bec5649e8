package prompt

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/cyrus/internal/tracker"
)

func TestFormatCommentThreads(t *testing.T) {
	comments := []tracker.Comment{
		{ID: "c-1", Body: "First report", User: &tracker.User{Name: "Alex"}},
		{ID: "c-2", Body: "Working on it", ParentID: "c-1", BotActor: true, User: &tracker.User{Name: "cyrus"}},
		{ID: "c-3", Body: "Thanks!", ParentID: "c-1", User: &tracker.User{Name: "Alex"}},
		{ID: "c-4", Body: "Separate question", User: &tracker.User{Name: "Sam"}},
	}

	out := FormatCommentThreads(comments)

	if !strings.Contains(out, "Alex:") || !strings.Contains(out, "Sam:") {
		t.Errorf("authors missing:\n%s", out)
	}
	if !strings.Contains(out, "cyrus (agent):") {
		t.Errorf("bot author not marked:\n%s", out)
	}
	if !strings.Contains(out, "    cyrus (agent):") {
		t.Errorf("reply not indented:\n%s", out)
	}

	// Replies appear under their parent, before the next top-level comment.
	if strings.Index(out, "Working on it") > strings.Index(out, "Separate question") {
		t.Errorf("reply ordered after later top-level comment:\n%s", out)
	}
}

func TestFormatCommentThreads_Empty(t *testing.T) {
	if got := FormatCommentThreads(nil); got != "(no comments yet)" {
		t.Errorf("got %q", got)
	}
}

func TestFormatCommentThreads_UnknownAuthor(t *testing.T) {
	out := FormatCommentThreads([]tracker.Comment{{ID: "c-1", Body: "hi"}})
	if !strings.Contains(out, "unknown:") {
		t.Errorf("got %q", out)
	}
}
