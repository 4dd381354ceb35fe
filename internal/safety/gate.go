package safety

import (
	"sync"
	"time"

	. "github.com/roelfdiedericks/clawgram/internal/logging"
)

// Pending is one dangerous command awaiting user confirmation
type Pending struct {
	UserID      int64
	Level       RiskLevel
	Command     string
	MatchedRule string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Decision classifies the outcome of Evaluate
type Decision int

const (
	// DecisionProceed executes immediately with no message
	DecisionProceed Decision = iota
	// DecisionAdvise executes immediately but the advisory must be shown
	DecisionAdvise
	// DecisionAwait suspends the command until the user confirms
	DecisionAwait
)

// Evaluation is the result of gating one inbound command
type Evaluation struct {
	Decision Decision
	Level    RiskLevel
	Command  string
	Message  string // advisory text or confirmation prompt
}

// Outcome classifies the result of Resolve
type Outcome int

const (
	// OutcomeNoPending means the user had nothing awaiting confirmation
	OutcomeNoPending Outcome = iota
	// OutcomeConfirmed carries the original command, ready to execute
	OutcomeConfirmed
	// OutcomeCancelled means the user declined
	OutcomeCancelled
	// OutcomeExpired means the confirmation TTL elapsed
	OutcomeExpired
	// OutcomeIgnored means a pending confirmation exists but the reply
	// matched neither the required phrase nor a cancellation; the pending
	// entry stays until it expires
	OutcomeIgnored
)

// Resolution is the result of matching a reply against a pending confirmation
type Resolution struct {
	Outcome Outcome
	Level   RiskLevel
	Command string // original command, set when Outcome is OutcomeConfirmed
}

// GateConfig bounds the confirmation gate
type GateConfig struct {
	TTL        time.Duration
	MaxPending int
}

// Gate tracks at most one pending confirmation per user, bounded globally.
// Expiry is checked lazily on access; Cleanup runs as a periodic sweep.
type Gate struct {
	mu      sync.Mutex
	pending map[int64]*Pending
	ttl     time.Duration
	max     int
	now     func() time.Time // swappable for tests
}

// NewGate creates a confirmation gate
func NewGate(cfg GateConfig) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 100
	}
	return &Gate{
		pending: make(map[int64]*Pending),
		ttl:     cfg.TTL,
		max:     cfg.MaxPending,
		now:     time.Now,
	}
}

// Evaluate classifies command and either lets it through or parks it
// behind a confirmation prompt. A new dangerous command replaces any
// previous pending entry for the same user.
func (g *Gate) Evaluate(userID int64, command string) Evaluation {
	check := Classify(command)

	switch check.Level {
	case RiskSafe:
		return Evaluation{Decision: DecisionProceed, Level: RiskSafe, Command: command}
	case RiskModerate:
		return Evaluation{
			Decision: DecisionAdvise,
			Level:    RiskModerate,
			Command:  command,
			Message:  check.Message,
		}
	}

	now := g.now()
	p := &Pending{
		UserID:      userID,
		Level:       check.Level,
		Command:     command,
		MatchedRule: check.MatchedRule,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}

	g.mu.Lock()
	if _, exists := g.pending[userID]; !exists && len(g.pending) >= g.max {
		g.evictOldestLocked()
	}
	g.pending[userID] = p
	g.mu.Unlock()

	L_info("safety: confirmation required",
		"userID", userID,
		"level", check.Level.String(),
		"rule", check.MatchedRule)

	return Evaluation{
		Decision: DecisionAwait,
		Level:    check.Level,
		Command:  command,
		Message:  check.Message,
	}
}

// Resolve matches reply against the user's pending confirmation, if any.
func (g *Gate) Resolve(userID int64, reply string) Resolution {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[userID]
	if !ok {
		return Resolution{Outcome: OutcomeNoPending}
	}

	if g.now().After(p.ExpiresAt) {
		delete(g.pending, userID)
		L_info("safety: confirmation expired", "userID", userID, "level", p.Level.String())
		return Resolution{Outcome: OutcomeExpired, Level: p.Level}
	}

	if IsCancellation(reply) {
		delete(g.pending, userID)
		L_info("safety: command cancelled", "userID", userID, "level", p.Level.String())
		return Resolution{Outcome: OutcomeCancelled, Level: p.Level}
	}

	if IsConfirmationValid(reply, p.Level) {
		delete(g.pending, userID)
		L_info("safety: command confirmed",
			"userID", userID,
			"level", p.Level.String(),
			"commandLength", len(p.Command))
		return Resolution{Outcome: OutcomeConfirmed, Level: p.Level, Command: p.Command}
	}

	// Wrong phrase: the entry stays pending until it expires
	return Resolution{Outcome: OutcomeIgnored, Level: p.Level}
}

// HasPending reports whether the user has an unexpired pending confirmation
func (g *Gate) HasPending(userID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[userID]
	if !ok {
		return false
	}
	if g.now().After(p.ExpiresAt) {
		delete(g.pending, userID)
		return false
	}
	return true
}

// Cleanup removes expired entries. Returns the number removed.
func (g *Gate) Cleanup() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for userID, p := range g.pending {
		if now.After(p.ExpiresAt) {
			delete(g.pending, userID)
			removed++
		}
	}
	if removed > 0 {
		L_debug("safety: cleaned up expired confirmations", "count", removed)
	}
	return removed
}

// PendingCount returns the number of tracked confirmations
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// evictOldestLocked drops the oldest pending entry. Caller holds g.mu.
func (g *Gate) evictOldestLocked() {
	var oldestUser int64
	var oldest time.Time
	first := true
	for userID, p := range g.pending {
		if first || p.CreatedAt.Before(oldest) {
			oldest = p.CreatedAt
			oldestUser = userID
			first = false
		}
	}
	if !first {
		delete(g.pending, oldestUser)
		L_warn("safety: evicted oldest pending confirmation", "evictedUserID", oldestUser, "max", g.max)
	}
}
