package assistant

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// RunOptions describes one assistant invocation.
type RunOptions struct {
	WorkingDirectory   string
	AllowedTools       []string
	DisallowedTools    []string
	AllowedDirectories []string
	Model              string
	FallbackModel      string
	AppendSystemPrompt string
	SystemPromptFile   string
	MCPConfigPaths     []string
	MaxTurns           int
	ResumeSessionID    string
}

// Process is a live assistant run.
type Process interface {
	// Send enqueues a user message on the input stream.
	Send(text string) error
	// Messages yields output lines until the process exits, then closes.
	Messages() <-chan StreamMessage
	// Stop requests cooperative shutdown. Safe to call more than once.
	Stop()
	// Wait blocks until exit and returns the process error, if any.
	Wait() error
}

// Runner launches assistant processes. The CLI runner is the production
// implementation; tests substitute a fake.
type Runner interface {
	Start(ctx context.Context, opts RunOptions) (Process, error)
}

const (
	defaultAssistantBinary = "claude"
	stopGracePeriod        = 5 * time.Second
	maxStreamLine          = 16 << 20
)

// CLIRunner spawns the assistant CLI in stream-json mode.
type CLIRunner struct {
	Binary string
}

// NewCLIRunner creates a runner for the given binary (empty = default).
func NewCLIRunner(binary string) *CLIRunner {
	if binary == "" {
		binary = defaultAssistantBinary
	}
	return &CLIRunner{Binary: binary}
}

// Start launches the CLI and wires the stream-json pipes.
func (r *CLIRunner) Start(ctx context.Context, opts RunOptions) (Process, error) {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.FallbackModel != "" {
		args = append(args, "--fallback-model", opts.FallbackModel)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	for _, dir := range opts.AllowedDirectories {
		args = append(args, "--add-dir", dir)
	}
	if opts.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.AppendSystemPrompt)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	for _, path := range opts.MCPConfigPaths {
		args = append(args, "--mcp-config", path)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = opts.WorkingDirectory
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = stopGracePeriod

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start assistant: %w", err)
	}

	p := &cliProcess{
		cmd:      cmd,
		stdin:    stdin,
		messages: make(chan StreamMessage, 64),
		done:     make(chan struct{}),
	}
	go p.readLoop(stdout)
	go p.drainStderr(stderr)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type cliProcess struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	messages chan StreamMessage

	mu      sync.Mutex
	stopped bool

	done    chan struct{}
	waitErr error
}

func (p *cliProcess) Send(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fmt.Errorf("assistant process stopped")
	}
	data, err := json.Marshal(newUserInput(text))
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write assistant input: %w", err)
	}
	return nil
}

func (p *cliProcess) Messages() <-chan StreamMessage { return p.messages }

// Stop closes stdin, which the CLI treats as the end of the conversation,
// then escalates to SIGTERM if the process lingers.
func (p *cliProcess) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.stdin.Close()
	p.mu.Unlock()

	go func() {
		select {
		case <-p.done:
		case <-time.After(stopGracePeriod):
			if p.cmd.Process != nil {
				p.cmd.Process.Signal(syscall.SIGTERM)
			}
		}
	}()
}

func (p *cliProcess) Wait() error {
	<-p.done
	return p.waitErr
}

func (p *cliProcess) readLoop(stdout io.Reader) {
	defer close(p.messages)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg StreamMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Debug("unparseable assistant output line", "error", err)
			continue
		}
		p.messages <- msg
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		slog.Debug("assistant stdout read ended", "error", err)
	}
}

func (p *cliProcess) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			slog.Debug("assistant stderr", "line", line)
		}
	}
}
