package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/roelfdiedericks/clawgram/internal/session"
)

func testSession() session.Session {
	return session.Session{Owner: 42, Name: "main"}
}

func TestExecuteEchoesStdin(t *testing.T) {
	// cat emits stdin back untouched, so the parsed plain-text content is
	// the prompt itself
	b := New(RunnerConfig{Binary: "cat", Timeout: 10 * time.Second})

	res, err := b.Execute(context.Background(), testSession(), "hello backend", nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "hello backend" {
		t.Errorf("output = %q, want %q", res.Output, "hello backend")
	}
}

func TestExecuteEmptyInput(t *testing.T) {
	b := New(RunnerConfig{Binary: "cat", Timeout: time.Second})

	if _, err := b.Execute(context.Background(), testSession(), "   \n\x00  ", nil, nil); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("err = %v, want ErrEmptyInput", err)
	}
}

func TestExecuteStreamsLines(t *testing.T) {
	b := New(RunnerConfig{Binary: "cat", Timeout: 10 * time.Second})

	var mu sync.Mutex
	var streamed []string
	sink := func(line string) {
		mu.Lock()
		streamed = append(streamed, line)
		mu.Unlock()
	}

	if _, err := b.Execute(context.Background(), testSession(), "line one\nline two", sink, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(streamed) != 2 {
		t.Fatalf("streamed %d lines, want 2: %v", len(streamed), streamed)
	}
	if streamed[0] != "line one" || streamed[1] != "line two" {
		t.Errorf("streamed = %v", streamed)
	}
}

func TestExecuteTimeoutKeepsPartialOutput(t *testing.T) {
	// Backend prints something, then hangs past the deadline
	b := New(RunnerConfig{Binary: testScript(t, "echo partial output; sleep 30"), Timeout: 300 * time.Millisecond})

	var mu sync.Mutex
	var streamed []string
	sink := func(line string) {
		mu.Lock()
		streamed = append(streamed, line)
		mu.Unlock()
	}

	start := time.Now()
	_, err := b.Execute(context.Background(), testSession(), "ignored", sink, nil)
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if !strings.Contains(te.Partial, "partial output") {
		t.Errorf("partial = %q, want it to contain the streamed text", te.Partial)
	}
	if elapsed > 10*time.Second {
		t.Errorf("took %s, termination grace not honored", elapsed)
	}

	// Every line retained as partial output went through the sink first
	mu.Lock()
	defer mu.Unlock()
	if len(streamed) != 1 || streamed[0] != "partial output" {
		t.Errorf("streamed = %v, want the partial line forwarded", streamed)
	}
}

func TestExecuteCrashReportsStderr(t *testing.T) {
	b := New(RunnerConfig{Binary: testScript(t, "echo boom >&2; exit 3"), Timeout: 10 * time.Second})

	_, err := b.Execute(context.Background(), testSession(), "ignored", nil, nil)

	var ce *CrashError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *CrashError", err)
	}
	if ce.ExitCode != 3 {
		t.Errorf("exitCode = %d, want 3", ce.ExitCode)
	}
	if !strings.Contains(ce.Stderr, "boom") {
		t.Errorf("stderr = %q, want it to contain %q", ce.Stderr, "boom")
	}
}

func TestExecuteMissingBinary(t *testing.T) {
	b := New(RunnerConfig{Binary: "/nonexistent/claude-binary", Timeout: time.Second})

	_, err := b.Execute(context.Background(), testSession(), "hello", nil, nil)

	var le *LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("err = %v, want *LaunchError", err)
	}
}

func TestExecuteBackendError(t *testing.T) {
	b := New(RunnerConfig{
		Binary:  testScript(t, `echo '[{"type":"result","is_error":true,"error":"overloaded"}]'`),
		Timeout: 10 * time.Second,
	})

	_, err := b.Execute(context.Background(), testSession(), "hello", nil, nil)

	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BackendError", err)
	}
	if be.Message != "overloaded" {
		t.Errorf("message = %q", be.Message)
	}
}

func TestExecuteParsesStructuredResult(t *testing.T) {
	b := New(RunnerConfig{
		Binary:  testScript(t, `echo '[{"type":"result","result":"done","session_id":"tok-9"}]'`),
		Timeout: 10 * time.Second,
	})

	res, err := b.Execute(context.Background(), testSession(), "hello", nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "done" {
		t.Errorf("output = %q", res.Output)
	}
	if res.ContinuationToken != "tok-9" {
		t.Errorf("token = %q, want %q", res.ContinuationToken, "tok-9")
	}
}

func TestExecuteSingleFlight(t *testing.T) {
	b := New(RunnerConfig{Binary: testScript(t, "sleep 2; echo done"), Timeout: 10 * time.Second})
	sess := testSession()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := b.Execute(context.Background(), sess, "first", nil, nil)
		done <- err
	}()

	<-started
	time.Sleep(200 * time.Millisecond) // let the first execution acquire

	if _, err := b.Execute(context.Background(), sess, "second", nil, nil); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("err = %v, want ErrSessionBusy", err)
	}

	// A different session is unaffected
	other := session.Session{Owner: 42, Name: "side"}
	if _, err := b.Execute(context.Background(), other, "hello", nil, nil); errors.Is(err, ErrSessionBusy) {
		t.Error("different session must not be blocked")
	}

	if err := <-done; err != nil {
		t.Fatalf("first execution: %v", err)
	}

	// Slot is released after completion
	if _, err := b.Execute(context.Background(), sess, "third", nil, nil); err != nil {
		t.Errorf("after release: %v", err)
	}
}

func TestExecuteKeepalive(t *testing.T) {
	b := New(RunnerConfig{
		Binary:            testScript(t, "sleep 1; echo done"),
		Timeout:           10 * time.Second,
		KeepaliveInterval: 200 * time.Millisecond,
	})

	var mu sync.Mutex
	count := 0
	keepalive := func() {
		mu.Lock()
		count++
		mu.Unlock()
	}

	if _, err := b.Execute(context.Background(), testSession(), "hello", nil, keepalive); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count < 2 {
		t.Errorf("keepalive fired %d times, want at least 2", count)
	}
}

func TestExecuteCallerCancellation(t *testing.T) {
	b := New(RunnerConfig{Binary: testScript(t, "sleep 30"), Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := b.Execute(ctx, testSession(), "hello", nil, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		t.Errorf("caller cancellation must not be reported as a timeout: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want wrapped context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("took %s after cancel", elapsed)
	}
}

func TestBuildArgs(t *testing.T) {
	b := New(RunnerConfig{
		Binary:       "claude",
		DefaultModel: "sonnet",
		WorkspaceDir: "/work",
		SystemPrompt: "be brief",
	})

	tests := []struct {
		name string
		sess session.Session
		want []string
	}{
		{
			name: "fresh session",
			sess: session.Session{Owner: 1, Name: "main"},
			want: []string{"--output-format", "json", "--model", "sonnet", "--add-dir", "/work", "--system-prompt", "be brief", "--print", "-"},
		},
		{
			name: "resumed session with model override",
			sess: session.Session{Owner: 1, Name: "main", Model: "opus", ContinuationToken: "tok-1"},
			want: []string{"--output-format", "json", "--model", "opus", "--add-dir", "/work", "--system-prompt", "be brief", "--resume", "tok-1", "--print", "-"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.buildArgs(tt.sess)
			if len(got) != len(tt.want) {
				t.Fatalf("args = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("args[%d] = %q, want %q (full: %v)", i, got[i], tt.want[i], got)
				}
			}
		})
	}
}

func TestSanitizeInput(t *testing.T) {
	b := New(RunnerConfig{Binary: "cat", MaxInputLength: 10})

	if got := b.sanitizeInput("ab\x00cd"); got != "abcd" {
		t.Errorf("null bytes survived: %q", got)
	}
	if got := b.sanitizeInput("0123456789abcdef"); got != "0123456789" {
		t.Errorf("truncation: got %q", got)
	}

	// A rune straddling the cap is dropped whole, never split
	if got := b.sanitizeInput("012345678щ"); got != "012345678" {
		t.Errorf("rune boundary: got %q", got)
	}
	if got := b.sanitizeInput(strings.Repeat("€", 4)); !utf8.ValidString(got) || got != "€€€" {
		t.Errorf("rune boundary: got %q", got)
	}
}

// testScript writes a shell script to a temp file and returns its path,
// so the bridge can exec it as the backend binary regardless of the argv
// it appends.
func testScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backend.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write test script: %v", err)
	}
	return path
}
