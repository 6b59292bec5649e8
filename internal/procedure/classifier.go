package procedure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/cyrus/internal/config"
)

// Classification is the classifier's verdict for an issue.
type Classification struct {
	Class     string `json:"classification"`
	Reasoning string `json:"reasoning"`
}

// Classifier decides which kind of work an issue calls for.
type Classifier interface {
	Classify(ctx context.Context, issueText string) (Classification, error)
}

const classifierSystemPrompt = `You route software issues to a worker type.
Reply with a JSON object {"classification": "...", "reasoning": "..."} where
classification is exactly one of: debugger, builder, scoper, orchestrator.
debugger: a defect report to reproduce and fix.
builder: a concrete change request ready to implement.
scoper: a vague or underspecified request that needs investigation first.
orchestrator: work that should be split into multiple delegated tasks.`

// LLMClassifier calls an OpenAI-compatible chat completions endpoint.
type LLMClassifier struct {
	cfg   config.ClassifierConfig
	httpc *http.Client
}

// NewLLMClassifier builds a classifier from config.
func NewLLMClassifier(cfg config.ClassifierConfig) *LLMClassifier {
	return &LLMClassifier{cfg: cfg, httpc: &http.Client{}}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Classify sends the issue text to the model and parses the verdict.
func (c *LLMClassifier) Classify(ctx context.Context, issueText string) (Classification, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: issueText},
		},
		MaxTokens:   300,
		Temperature: 0,
	})
	if err != nil {
		return Classification{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Classification{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Classification{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Classification{}, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, payload)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Classification{}, fmt.Errorf("decode classifier response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Classification{}, fmt.Errorf("classifier returned no choices")
	}
	return parseClassification(parsed.Choices[0].Message.Content)
}

// parseClassification extracts the verdict JSON, tolerating surrounding prose
// and markdown fences.
func parseClassification(content string) (Classification, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Classification{}, fmt.Errorf("no JSON object in classifier output")
	}
	var cl Classification
	if err := json.Unmarshal([]byte(content[start:end+1]), &cl); err != nil {
		return Classification{}, fmt.Errorf("parse classifier verdict: %w", err)
	}
	switch cl.Class {
	case ClassDebugger, ClassBuilder, ClassScoper, ClassOrchestrator:
		return cl, nil
	default:
		return Classification{}, fmt.Errorf("unknown classification %q", cl.Class)
	}
}
