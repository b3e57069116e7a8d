package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/emakarov/megobari-sub000/internal/tracing"
)

// Options configures one agent run.
type Options struct {
	// Prompt is the user-facing instruction for this run.
	Prompt string
	// SystemPrompt is appended to the agent's base system prompt.
	SystemPrompt string
	// ThreadID resumes a previous conversation when set.
	ThreadID string
	// Model overrides the agent's default model when set.
	Model string
	// PermissionMode is passed through to the agent (default, acceptEdits,
	// bypassPermissions).
	PermissionMode string
	// MaxTurns bounds the number of agentic turns; 0 means unbounded.
	MaxTurns int
	// WorkingDir is the subprocess working directory.
	WorkingDir string
	// ExtraDirs grants the agent access to directories beyond WorkingDir.
	ExtraDirs []string
	// MCPServers are passed through to the agent untouched, one
	// --mcp-config argument each; use whatever form the agent binary
	// accepts.
	MCPServers []string
	// ThinkingMode is adaptive, enabled or disabled; ThinkingBudgetTokens
	// applies when enabled.
	ThinkingMode         string
	ThinkingBudgetTokens int
}

// Invoker runs the agent once and streams its events through fn. The
// returned Result is the agent's terminal event; a non-nil error means the
// process itself failed (spawn, stream, or exit without a result) and the
// run produced no usable outcome.
type Invoker interface {
	Stream(ctx context.Context, opts Options, fn func(Event)) (*Result, error)
}

// CLI invokes a coding-agent command-line binary in print mode with
// stream-json output.
type CLI struct {
	command string
	logger  *slog.Logger
}

// NewCLI builds an invoker around the given binary name or path.
func NewCLI(command string, logger *slog.Logger) *CLI {
	if command == "" {
		command = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{command: command, logger: logger}
}

// defaultThinkingBudget applies when thinking is enabled without an explicit
// budget.
const defaultThinkingBudget = 10000

// stderrTailLimit bounds how much agent stderr is kept for error messages.
const stderrTailLimit = 4096

// Stream implements Invoker.
func (c *CLI) Stream(ctx context.Context, opts Options, fn func(Event)) (*Result, error) {
	ctx, span := tracing.StartInvoke(ctx, opts.Model, opts.ThreadID != "")
	defer span.End()

	res, err := c.run(ctx, opts, fn)
	tracing.RecordResult(span, err)
	return res, err
}

func (c *CLI) run(ctx context.Context, opts Options, fn func(Event)) (*Result, error) {
	args := buildArgs(opts)

	cmd := exec.CommandContext(ctx, c.command, args...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	cmd.Env = buildEnv(os.Environ(), opts)
	// Give the agent a chance to shut down its own children before the
	// hard kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	stderr := &tailBuffer{limit: stderrTailLimit}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %q: %w", c.command, err)
	}

	c.logger.Debug("agent started", "command", c.command, "resume", opts.ThreadID != "", "model", opts.Model)

	var result *Result
	parser := &streamParser{}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		for _, ev := range parser.parse(line) {
			if ev.Type == EventResult {
				result = ev.Result
			}
			if fn != nil {
				fn(ev)
			}
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	// A terminal result makes the run usable even when the process exits
	// nonzero (the agent reports errors through is_error).
	if result != nil {
		return result, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read agent stream: %w", scanErr)
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("agent exited without result: %w%s", waitErr, stderr.suffix())
	}
	return nil, errors.New("agent stream ended without a result event" + stderr.suffix())
}

// buildArgs assembles the print-mode argument vector.
func buildArgs(opts Options) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if opts.ThreadID != "" {
		args = append(args, "--resume", opts.ThreadID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	for _, dir := range opts.ExtraDirs {
		args = append(args, "--add-dir", dir)
	}
	for _, server := range opts.MCPServers {
		args = append(args, "--mcp-config", server)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	args = append(args, opts.Prompt)
	return args
}

// buildEnv maps the thinking knobs onto the agent's environment.
func buildEnv(base []string, opts Options) []string {
	switch opts.ThinkingMode {
	case "enabled":
		budget := opts.ThinkingBudgetTokens
		if budget <= 0 {
			budget = defaultThinkingBudget
		}
		return append(base, "MAX_THINKING_TOKENS="+strconv.Itoa(budget))
	case "disabled":
		return append(base, "MAX_THINKING_TOKENS=0")
	default:
		return base
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) suffix() string {
	s := strings.TrimSpace(string(t.buf))
	if s == "" {
		return ""
	}
	return ": " + s
}

// RunOnce executes a run for callers that only need the final text, such as
// the summarizer, heartbeat and monitor prompts. The agent's own error
// results come back as errors.
func RunOnce(ctx context.Context, inv Invoker, opts Options) (string, error) {
	res, err := inv.Stream(ctx, opts, nil)
	if err != nil {
		return "", err
	}
	if res.IsError {
		return "", fmt.Errorf("agent error: %s", res.Text)
	}
	return res.Text, nil
}
