package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFilePersister_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePersister(dir)
	if err != nil {
		t.Fatal(err)
	}

	snap := Snapshot{
		AgentSessions: map[string]map[string]AgentSession{
			"repo-1": {
				"s-1": {ID: "s-1", IssueID: "i-1", Status: StatusPending,
					Metadata: Metadata{ShouldReplyInThread: true, OriginalCommentID: "c-1"}},
			},
		},
		AgentSessionEntries: map[string]map[string][]Entry{
			"repo-1": {
				"s-1": {{Type: EntryUser, Content: "start"}},
			},
		},
	}
	if err := p.Save(snap); err != nil {
		t.Fatal(err)
	}

	got, err := p.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("Load returned nil for an existing file")
	}
	sess := got.AgentSessions["repo-1"]["s-1"]
	if sess.IssueID != "i-1" || !sess.Metadata.ShouldReplyInThread {
		t.Errorf("session = %+v", sess)
	}
	entries := got.AgentSessionEntries["repo-1"]["s-1"]
	if len(entries) != 1 || entries[0].Content != "start" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestFilePersister_MissingFile(t *testing.T) {
	p, err := NewFilePersister(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	snap, err := p.Load()
	if err != nil {
		t.Fatal(err)
	}
	if snap != nil {
		t.Error("missing file should load as nil")
	}
}

func TestFilePersister_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePersister(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sessions.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Load(); err == nil {
		t.Error("expected parse error")
	}
}

func TestFilePersister_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePersister(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Save(Snapshot{}); err != nil {
		t.Fatal(err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "sessions-*.tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}
