package procedure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/cyrus/internal/config"
)

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{
			name:    "bare json",
			content: `{"classification": "debugger", "reasoning": "stack trace attached"}`,
			want:    ClassDebugger,
		},
		{
			name:    "markdown fenced",
			content: "Sure, here is my verdict:\n```json\n{\"classification\": \"scoper\", \"reasoning\": \"unclear\"}\n```\n",
			want:    ClassScoper,
		},
		{
			name:    "prose around json",
			content: `The issue looks like a build task. {"classification": "builder", "reasoning": "clear spec"} Hope that helps!`,
			want:    ClassBuilder,
		},
		{
			name:    "unknown class",
			content: `{"classification": "wizard", "reasoning": "?"}`,
			wantErr: true,
		},
		{
			name:    "no json at all",
			content: `builder`,
			wantErr: true,
		},
		{
			name:    "broken json",
			content: `{"classification": `,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cl, err := parseClassification(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseClassification(%q) succeeded, want error", tt.content)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cl.Class != tt.want {
				t.Errorf("class = %q, want %q", cl.Class, tt.want)
			}
		})
	}
}

func TestLLMClassifier_Classify(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{
					"role":    "assistant",
					"content": `{"classification": "orchestrator", "reasoning": "multiple repos involved"}`,
				}},
			},
		})
	}))
	defer srv.Close()

	c := NewLLMClassifier(config.ClassifierConfig{
		Endpoint: srv.URL,
		Model:    "claude-haiku-4-5",
		APIKey:   "test-key",
	})

	cl, err := c.Classify(context.Background(), "Split the migration across services")
	if err != nil {
		t.Fatal(err)
	}
	if cl.Class != ClassOrchestrator {
		t.Errorf("class = %q", cl.Class)
	}
	if gotReq.Model != "claude-haiku-4-5" || gotReq.Temperature != 0 {
		t.Errorf("request = %+v", gotReq)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
}

func TestLLMClassifier_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewLLMClassifier(config.ClassifierConfig{Endpoint: srv.URL})
	if _, err := c.Classify(context.Background(), "text"); err == nil {
		t.Error("expected error on 503")
	}
}

func TestLLMClassifier_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := NewLLMClassifier(config.ClassifierConfig{Endpoint: srv.URL})
	if _, err := c.Classify(context.Background(), "text"); err == nil {
		t.Error("expected error on empty choices")
	}
}
