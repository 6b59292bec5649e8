// Package assistant supervises the code-assistant child process: one
// supervisor per agent session, speaking the stream-json protocol over
// stdin/stdout.
package assistant

import "encoding/json"

// StreamMessage is one line of the assistant's stream-json output.
type StreamMessage struct {
	Type      string          `json:"type"`    // system, assistant, user, result
	Subtype   string          `json:"subtype"` // init, success, error_max_turns, ...
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	NumTurns  int             `json:"num_turns,omitempty"`
	Model     string          `json:"model,omitempty"`
}

// messageBody is the inner message of assistant/user stream lines.
type messageBody struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"` // text, thinking, tool_use, tool_result
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Blocks decodes the message content blocks, if any.
func (m StreamMessage) Blocks() []contentBlock {
	if len(m.Message) == 0 {
		return nil
	}
	var body messageBody
	if err := json.Unmarshal(m.Message, &body); err != nil {
		return nil
	}
	return body.Content
}

// Text concatenates the text blocks of an assistant message.
func (m StreamMessage) Text() string {
	out := ""
	for _, b := range m.Blocks() {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// userInput is the stream-json frame for user input on stdin.
type userInput struct {
	Type    string      `json:"type"`
	Message messageBody `json:"message"`
}

func newUserInput(text string) userInput {
	return userInput{
		Type: "user",
		Message: messageBody{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: text}},
		},
	}
}
