package bridge

import (
	"strings"
	"time"
	"unicode/utf8"

	. "github.com/roelfdiedericks/clawgram/internal/logging"
	"github.com/roelfdiedericks/clawgram/internal/session"
)

// RunnerConfig tunes the bridge
type RunnerConfig struct {
	Binary       string
	DefaultModel string
	WorkspaceDir string
	SystemPrompt string // loaded prompt text, may be empty

	Timeout           time.Duration
	KeepaliveInterval time.Duration
	MaxInputLength    int
	StderrExcerptMax  int
}

func (c *RunnerConfig) applyDefaults() {
	if c.Binary == "" {
		c.Binary = "claude"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.MaxInputLength <= 0 {
		c.MaxInputLength = 50000
	}
	if c.StderrExcerptMax <= 0 {
		c.StderrExcerptMax = 2000
	}
}

// sanitizeInput strips null bytes and caps length on a rune boundary. The
// prompt travels over stdin, never argv, so no shell escaping is needed
// here.
func (b *Bridge) sanitizeInput(input string) string {
	sanitized := strings.ReplaceAll(input, "\x00", "")
	if len(sanitized) > b.config.MaxInputLength {
		cut := b.config.MaxInputLength
		for cut > 0 && !utf8.RuneStart(sanitized[cut]) {
			cut--
		}
		L_warn("bridge: input truncated", "originalLength", len(input), "max", b.config.MaxInputLength)
		sanitized = sanitized[:cut]
	}
	return sanitized
}

// buildArgs assembles the claude CLI argv (without the binary itself).
// The continuation token only appears as --resume when non-empty, and the
// prompt is read from stdin via "--print -".
func (b *Bridge) buildArgs(sess session.Session) []string {
	args := []string{"--output-format", "json"}

	model := sess.Model
	if model == "" {
		model = b.config.DefaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if b.config.WorkspaceDir != "" {
		args = append(args, "--add-dir", b.config.WorkspaceDir)
	}

	if b.config.SystemPrompt != "" {
		args = append(args, "--system-prompt", b.config.SystemPrompt)
	}

	if sess.ContinuationToken != "" {
		args = append(args, "--resume", sess.ContinuationToken)
	}

	args = append(args, "--print", "-")
	return args
}
