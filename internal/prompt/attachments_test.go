package prompt

import (
	"strings"
	"testing"
)

func TestExtractAttachmentURLs(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "none",
			text: "plain text with https://example.com/page",
			want: nil,
		},
		{
			name: "markdown image",
			text: "See ![crash](https://uploads.tracker.example.com/abc/crash.png) above",
			want: []string{"https://uploads.tracker.example.com/abc/crash.png"},
		},
		{
			name: "trailing punctuation trimmed",
			text: "log at https://uploads.tracker.example.com/x/log.txt.",
			want: []string{"https://uploads.tracker.example.com/x/log.txt"},
		},
		{
			name: "duplicates dropped, order kept",
			text: "https://uploads.t.example/a https://uploads.t.example/b https://uploads.t.example/a",
			want: []string{"https://uploads.t.example/a", "https://uploads.t.example/b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractAttachmentURLs(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("url[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestAttachmentManifest(t *testing.T) {
	if got := AttachmentManifest(nil, nil); got != "" {
		t.Errorf("empty manifest = %q", got)
	}

	order := []string{"https://uploads.t.example/a.png", "https://uploads.t.example/missing.png"}
	paths := map[string]string{
		"https://uploads.t.example/a.png": "/work/attachments/a.png",
	}
	got := AttachmentManifest(paths, order)
	if !strings.Contains(got, "/work/attachments/a.png") {
		t.Errorf("manifest = %q", got)
	}
	if strings.Contains(got, "missing.png") {
		t.Error("undownloaded attachment should be omitted")
	}
}
