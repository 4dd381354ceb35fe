// Package session tracks per-user named claude conversations.
package session

import (
	"errors"
	"regexp"
	"time"
)

// Sentinel errors for session operations
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionLimit    = errors.New("session limit exceeded")
	ErrInvalidName     = errors.New("invalid session name")
)

// Validation bounds for names and continuation tokens
const (
	MaxTokenLength = 256
)

var (
	namePattern  = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	tokenPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Session is one named conversation with the claude backend.
// ContinuationToken is the opaque resume ID the CLI hands back; empty
// until the first successful execution.
type Session struct {
	ContinuationToken string
	Name              string
	Owner             int64
	Model             string // execution profile passed as --model
	Active            bool
	CreatedAt         time.Time
	LastUsed          time.Time
}

// Stats summarizes the store for monitoring
type Stats struct {
	ActiveSessions int
	TotalUsers     int
	Created        int
	Evicted        int
	Expired        int
	OldestAge      time.Duration
}

// userSet holds one user's sessions keyed by name, plus the active name
type userSet struct {
	sessions map[string]*Session
	active   string
}

// ValidToken reports whether a continuation token from the backend looks
// sane enough to store
func ValidToken(token string) bool {
	return token != "" && len(token) <= MaxTokenLength && tokenPattern.MatchString(token)
}
