package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Tracker-hosted upload URLs embedded in issue and comment bodies.
var attachmentURLRe = regexp.MustCompile(`https://uploads\.[a-zA-Z0-9.-]+/[^\s)\]>"']+`)

// ExtractAttachmentURLs finds attachment URLs in markdown text. Trailing
// punctuation that markdown syntax contributes is trimmed, and duplicates
// are dropped while preserving first-seen order.
func ExtractAttachmentURLs(text string) []string {
	matches := attachmentURLRe.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var urls []string
	for _, raw := range matches {
		url := strings.TrimRight(raw, ".,;:")
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		urls = append(urls, url)
	}
	return urls
}

// AttachmentManifest renders the downloaded-attachments block for a prompt.
// localPaths maps source URL to the downloaded file path.
func AttachmentManifest(localPaths map[string]string, order []string) string {
	if len(order) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nDownloaded attachments:\n")
	for _, url := range order {
		path, ok := localPaths[url]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s (from %s)\n", path, url)
	}
	return b.String()
}
