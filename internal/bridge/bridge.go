package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	. "github.com/roelfdiedericks/clawgram/internal/logging"
	"github.com/roelfdiedericks/clawgram/internal/session"
)

// Scanner buffer sizes for CLI output lines
const (
	scannerInitialBufSize = 256 * 1024
	scannerMaxBufSize     = 1024 * 1024
)

// terminateGrace is how long a timed-out process gets between SIGTERM and
// SIGKILL
const terminateGrace = 5 * time.Second

// Sink receives each stdout line as it is produced, before the line is
// accumulated into the final result
type Sink func(line string)

// Keepalive is invoked at a fixed interval while an execution is waiting
// for output, so the caller can signal progress
type Keepalive func()

// Result is a successful execution
type Result struct {
	Output            string
	ContinuationToken string // empty if the backend did not hand one back
	Elapsed           time.Duration
}

// Bridge runs claude CLI invocations. Exactly one execution may be in
// flight per session; different sessions run fully in parallel.
type Bridge struct {
	config RunnerConfig

	mu       sync.Mutex
	inflight map[string]bool // session key -> execution running
}

// New creates a bridge
func New(cfg RunnerConfig) *Bridge {
	cfg.applyDefaults()
	return &Bridge{
		config:   cfg,
		inflight: make(map[string]bool),
	}
}

func sessionKey(sess session.Session) string {
	return fmt.Sprintf("%d/%s", sess.Owner, sess.Name)
}

// acquire marks the session as executing. Returns false if already busy.
func (b *Bridge) acquire(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight[key] {
		return false
	}
	b.inflight[key] = true
	return true
}

func (b *Bridge) release(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, key)
}

// Busy reports whether the session has an execution in flight
func (b *Bridge) Busy(sess session.Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight[sessionKey(sess)]
}

// Execute runs one backend invocation for the session. The input travels
// over stdin; each stdout line goes to sink before being accumulated.
// Every exit path closes stdin, reaps the process, and joins the stdin
// writer, pipe readers and keepalive timer before returning.
//
// Errors: ErrSessionBusy, ErrEmptyInput, *TimeoutError (carrying partial
// output), *LaunchError, *CrashError, *BackendError, or the caller's
// context error.
func (b *Bridge) Execute(ctx context.Context, sess session.Session, input string, sink Sink, keepalive Keepalive) (*Result, error) {
	input = b.sanitizeInput(input)
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}

	key := sessionKey(sess)
	if !b.acquire(key) {
		return nil, ErrSessionBusy
	}
	defer b.release(key)

	invocationID := uuid.NewString()[:8]
	start := time.Now()

	// The deadline governs the whole invocation. External cancellation
	// takes the same path: terminate, reap, join, then return.
	execCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	args := b.buildArgs(sess)
	cmd := exec.CommandContext(execCtx, b.config.Binary, args...)
	// Graceful termination first, forceful after the grace period
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Binary: b.config.Binary, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Binary: b.config.Binary, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{Binary: b.config.Binary, Err: err}
	}

	L_debug("bridge: executing",
		"invocation", invocationID,
		"session", key,
		"inputLength", len(input),
		"resume", sess.ContinuationToken != "",
		"timeout", b.config.Timeout)

	if err := cmd.Start(); err != nil {
		L_error("bridge: launch failed", "invocation", invocationID, "binary", b.config.Binary, "error", err)
		return nil, &LaunchError{Binary: b.config.Binary, Err: err}
	}

	var wg sync.WaitGroup

	// Stdin writer: close even if the write fails or the process exits
	// early. A killed process surfaces EPIPE here, which is fine.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stdin.Close()
		if _, err := io.WriteString(stdin, input); err != nil {
			L_debug("bridge: stdin write interrupted", "invocation", invocationID, "error", err)
		}
	}()

	// Stderr reader: keep only a bounded excerpt for diagnostics
	var stderrBuf strings.Builder
	wg.Add(1)
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, io.LimitReader(stderr, int64(b.config.StderrExcerptMax)))
		io.Copy(io.Discard, stderr)
	}()

	// Stdout reader: line-at-a-time into a channel the main loop drains.
	// Bails out on cancellation so it never blocks past the deadline.
	lines := make(chan string, 64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-execCtx.Done():
				return
			}
		}
	}()

	// Keepalive ticker owned here, stopped on every path. A nil channel
	// never fires, which disables keepalive cleanly.
	var keepCh <-chan time.Time
	if keepalive != nil && b.config.KeepaliveInterval > 0 {
		ticker := time.NewTicker(b.config.KeepaliveInterval)
		defer ticker.Stop()
		keepCh = ticker.C
	}

	var out strings.Builder
	streaming := true
	for streaming {
		select {
		case line, ok := <-lines:
			if !ok {
				streaming = false
				break
			}
			out.WriteString(line)
			out.WriteByte('\n')
			if sink != nil && strings.TrimSpace(line) != "" {
				sink(line)
			}
		case <-keepCh:
			keepalive()
		case <-execCtx.Done():
			streaming = false
		}
	}

	// Cancellation (deadline or caller) signals the process, but a child
	// it spawned can keep the pipes open past its death. Reap first:
	// Wait's grace machinery force-closes our pipe ends once the grace
	// period lapses, which unblocks the readers. Then join and drain.
	cancel()
	waitErr := cmd.Wait()
	wg.Wait()

	// Buffered lines that arrived before the pipes closed still flow
	// through the sink before accumulation
	for line := range lines {
		out.WriteString(line)
		out.WriteByte('\n')
		if sink != nil && strings.TrimSpace(line) != "" {
			sink(line)
		}
	}

	elapsed := time.Since(start)
	partial := out.String()

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		L_warn("bridge: timed out",
			"invocation", invocationID,
			"session", key,
			"timeout", b.config.Timeout,
			"partialLength", len(partial))
		return nil, &TimeoutError{Partial: partial, After: b.config.Timeout}
	}

	if ctx.Err() != nil {
		L_warn("bridge: cancelled", "invocation", invocationID, "session", key)
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			excerpt := strings.TrimSpace(stderrBuf.String())
			L_error("bridge: backend crashed",
				"invocation", invocationID,
				"session", key,
				"exitCode", exitErr.ExitCode(),
				"stderr", excerpt)
			return nil, &CrashError{ExitCode: exitErr.ExitCode(), Stderr: excerpt}
		}
		L_error("bridge: execution failed", "invocation", invocationID, "error", waitErr)
		return nil, &LaunchError{Binary: b.config.Binary, Err: waitErr}
	}

	p := parseOutput(partial)
	if p.IsError {
		L_error("bridge: backend reported error", "invocation", invocationID, "error", p.ErrorMsg)
		return nil, &BackendError{Message: p.ErrorMsg}
	}

	L_elapsed(start, "bridge: completed",
		"invocation", invocationID,
		"session", key,
		"outputLength", len(p.Content),
		"hasToken", p.Token != "")

	return &Result{
		Output:            p.Content,
		ContinuationToken: p.Token,
		Elapsed:           elapsed,
	}, nil
}

// HealthCheck probes the backend binary with --version
func (b *Bridge) HealthCheck(ctx context.Context) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, b.config.Binary, "--version").Output()
	if err != nil {
		L_error("bridge: health check failed", "binary", b.config.Binary, "error", err)
		return "", fmt.Errorf("backend unavailable: %w", err)
	}

	version := strings.TrimSpace(string(out))
	L_info("bridge: health check ok", "version", version)
	return version, nil
}
