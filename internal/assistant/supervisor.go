package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// AbortError marks a cooperative cancellation: expected at subroutine
// transitions and explicit stops, never a session failure.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return "aborted by user"
	}
	return e.Reason
}

// IsBenignAbort reports whether the error is an expected cancellation.
func IsBenignAbort(err error) bool {
	if err == nil {
		return false
	}
	var abort *AbortError
	if errors.As(err, &abort) {
		return true
	}
	return strings.Contains(err.Error(), "aborted by user")
}

// Callbacks receive the supervisor's output. All are optional.
type Callbacks struct {
	// OnMessage fires for every stream line, including the terminal result.
	OnMessage func(msg StreamMessage)
	// OnSessionID fires once, when the assistant reports its session id.
	OnSessionID func(id string)
	// OnComplete fires when the stream ends. result is the terminal result
	// message if one arrived; err is nil, benign (IsBenignAbort), or fatal.
	OnComplete func(result *StreamMessage, err error)
	// OnError fires for non-terminal failures surfaced mid-stream.
	OnError func(err error)
}

// Supervisor wraps one assistant run for one agent session. At most one
// supervisor is live per session; operations on it are serialized by the
// session's event loop.
type Supervisor struct {
	runner    Runner
	opts      RunOptions
	callbacks Callbacks

	mu        sync.Mutex
	proc      Process
	streaming bool
	stopped   bool
	sessionID string

	userPromptVersion   string
	systemPromptVersion string
}

// NewSupervisor builds a supervisor. Nothing starts until StartStreaming.
func NewSupervisor(runner Runner, opts RunOptions, callbacks Callbacks) *Supervisor {
	return &Supervisor{runner: runner, opts: opts, callbacks: callbacks}
}

// StartStreaming launches the assistant and sends the initial prompt. The
// assistant session id arrives asynchronously via OnSessionID.
func (s *Supervisor) StartStreaming(ctx context.Context, initialPrompt string) error {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return fmt.Errorf("assistant already streaming")
	}
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already stopped")
	}
	s.streaming = true
	s.mu.Unlock()

	proc, err := s.runner.Start(ctx, s.opts)
	if err != nil {
		s.mu.Lock()
		s.streaming = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	if err := proc.Send(initialPrompt); err != nil {
		proc.Stop()
		s.mu.Lock()
		s.streaming = false
		s.mu.Unlock()
		return fmt.Errorf("send initial prompt: %w", err)
	}

	go s.consume(proc)
	return nil
}

// AddStreamMessage enqueues additional user input on the running stream.
func (s *Supervisor) AddStreamMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	proc := s.proc
	streaming := s.streaming
	s.mu.Unlock()
	if !streaming || proc == nil {
		return fmt.Errorf("assistant not streaming")
	}
	return proc.Send(text)
}

// IsStreaming reports whether the assistant is currently running.
func (s *Supervisor) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Stop cancels the assistant cooperatively. Idempotent: stop(); stop() has
// the same effect as stop().
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		proc.Stop()
	}
}

// SessionID returns the assistant's own session id, once known.
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// UpdatePromptVersions records which prompt revisions this run used.
// Bookkeeping only.
func (s *Supervisor) UpdatePromptVersions(userVersion, systemVersion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userVersion != "" {
		s.userPromptVersion = userVersion
	}
	if systemVersion != "" {
		s.systemPromptVersion = systemVersion
	}
}

// PromptVersions returns the recorded prompt revisions.
func (s *Supervisor) PromptVersions() (userVersion, systemVersion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userPromptVersion, s.systemPromptVersion
}

func (s *Supervisor) consume(proc Process) {
	var result *StreamMessage

	for msg := range proc.Messages() {
		if msg.Type == "system" && msg.Subtype == "init" && msg.SessionID != "" {
			s.mu.Lock()
			first := s.sessionID == ""
			s.sessionID = msg.SessionID
			s.mu.Unlock()
			if first && s.callbacks.OnSessionID != nil {
				s.callbacks.OnSessionID(msg.SessionID)
			}
		}
		if msg.Type == "result" {
			m := msg
			result = &m
		}
		if s.callbacks.OnMessage != nil {
			s.callbacks.OnMessage(msg)
		}
	}

	waitErr := proc.Wait()

	s.mu.Lock()
	s.streaming = false
	stopped := s.stopped
	s.mu.Unlock()

	var err error
	switch {
	case stopped:
		err = &AbortError{}
	case result != nil && result.IsError:
		err = fmt.Errorf("assistant result error: %s", result.Subtype)
	case waitErr != nil:
		err = fmt.Errorf("assistant exited: %w", waitErr)
	}

	if err != nil && IsBenignAbort(err) {
		slog.Debug("assistant run aborted", "session", s.sessionID)
	}
	if s.callbacks.OnComplete != nil {
		s.callbacks.OnComplete(result, err)
	}
}
