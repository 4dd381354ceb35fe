// Package gateway mediates every inbound request: rate limit, safety
// gate, session resolution, then backend execution, short-circuiting on
// the first rejection.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/clawgram/internal/bridge"
	. "github.com/roelfdiedericks/clawgram/internal/logging"
	. "github.com/roelfdiedericks/clawgram/internal/metrics"
	"github.com/roelfdiedericks/clawgram/internal/ratelimit"
	"github.com/roelfdiedericks/clawgram/internal/safety"
	"github.com/roelfdiedericks/clawgram/internal/session"
)

// Executor runs one backend invocation. Satisfied by *bridge.Bridge.
type Executor interface {
	Execute(ctx context.Context, sess session.Session, input string, sink bridge.Sink, keepalive bridge.Keepalive) (*bridge.Result, error)
}

// Inbound is one request from the messaging layer. The gateway knows
// nothing about transport message shapes.
type Inbound struct {
	UserID int64
	Text   string
}

// Kind classifies a gateway response
type Kind int

const (
	// KindIgnored means nothing to do (empty input)
	KindIgnored Kind = iota
	// KindExecuted carries backend output, optionally with advisory text
	KindExecuted
	// KindPrompt asks the user to confirm a gated command
	KindPrompt
	// KindNotice is a state-change message (cancelled, expired, reminder)
	KindNotice
	// KindRateLimited tells the user to slow down
	KindRateLimited
	// KindError carries a user-safe failure description; Output may hold
	// partial results from a timed-out execution
	KindError
)

// Response is what the messaging layer renders back to the user. Output
// is backend-produced text; Text is gateway-produced messaging. Either
// may be empty.
type Response struct {
	Kind    Kind
	Text    string
	Output  string
	Session string
	Elapsed time.Duration
}

// DispatcherConfig tunes the dispatcher
type DispatcherConfig struct {
	RateLimitEnabled bool
}

// Dispatcher wires the mediation pipeline together
type Dispatcher struct {
	config   DispatcherConfig
	gate     *safety.Gate
	sessions *session.Store
	limiter  *ratelimit.Limiter
	executor Executor
}

// New creates a dispatcher
func New(cfg DispatcherConfig, gate *safety.Gate, sessions *session.Store, limiter *ratelimit.Limiter, executor Executor) *Dispatcher {
	return &Dispatcher{
		config:   cfg,
		gate:     gate,
		sessions: sessions,
		limiter:  limiter,
		executor: executor,
	}
}

// Handle processes one inbound message end to end. All failures come
// back as user-safe Response text; internal detail goes to the log only.
func (d *Dispatcher) Handle(ctx context.Context, in Inbound, sink bridge.Sink, keepalive bridge.Keepalive) Response {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Response{Kind: KindIgnored}
	}

	requestID := uuid.NewString()[:8]
	start := time.Now()
	MetricInc("gateway", "messages")

	L_info("gateway: message received",
		"request", requestID,
		"userID", in.UserID,
		"length", len(text))

	if d.config.RateLimitEnabled {
		if decision := d.limiter.TryAcquire(in.UserID); !decision.Allowed {
			MetricInc("gateway", "rate_limited")
			L_warn("gateway: rate limit exceeded",
				"request", requestID,
				"userID", in.UserID,
				"retryAfter", decision.RetryAfter)
			return Response{
				Kind: KindRateLimited,
				Text: fmt.Sprintf("Rate limit exceeded. Please wait %.0f seconds.", decision.RetryAfter.Seconds()),
			}
		}
	}

	// A pending confirmation consumes the whole message
	if d.gate.HasPending(in.UserID) {
		if resp, handled := d.resolveConfirmation(ctx, requestID, in.UserID, text, sink, keepalive); handled {
			MetricDuration("gateway", "latency", time.Since(start))
			return resp
		}
	}

	ev := d.gate.Evaluate(in.UserID, text)
	MetricOutcome("safety", "classify", ev.Level.String())

	var resp Response
	switch ev.Decision {
	case safety.DecisionAwait:
		resp = Response{Kind: KindPrompt, Text: ev.Message}
	case safety.DecisionAdvise:
		resp = d.execute(ctx, requestID, in.UserID, text, sink, keepalive)
		if resp.Kind == KindExecuted && ev.Message != "" {
			resp.Text = ev.Message
		}
	default:
		resp = d.execute(ctx, requestID, in.UserID, text, sink, keepalive)
	}

	MetricDuration("gateway", "latency", time.Since(start))
	return resp
}

// resolveConfirmation matches a reply against the user's pending entry.
// The second return is false only when the pending entry vanished
// between HasPending and Resolve, in which case the caller re-routes the
// message as a fresh command.
func (d *Dispatcher) resolveConfirmation(ctx context.Context, requestID string, userID int64, text string, sink bridge.Sink, keepalive bridge.Keepalive) (Response, bool) {
	res := d.gate.Resolve(userID, text)
	MetricOutcome("safety", "resolve", outcomeName(res.Outcome))

	switch res.Outcome {
	case safety.OutcomeConfirmed:
		L_info("gateway: executing confirmed command", "request", requestID, "userID", userID)
		resp := d.execute(ctx, requestID, userID, res.Command, sink, keepalive)
		if resp.Kind == KindExecuted {
			resp.Text = "Confirmed. Executing command..."
		}
		return resp, true

	case safety.OutcomeCancelled:
		return Response{Kind: KindNotice, Text: "Operation cancelled."}, true

	case safety.OutcomeExpired:
		return Response{Kind: KindNotice, Text: "Confirmation expired. Please send the command again."}, true

	case safety.OutcomeIgnored:
		if res.Level == safety.RiskCritical {
			return Response{
				Kind: KindNotice,
				Text: fmt.Sprintf("Invalid confirmation. Please send exactly:\n%s\n\nOr NO to cancel.", safety.CriticalConfirmationPhrase),
			}, true
		}
		return Response{Kind: KindNotice, Text: "Invalid response. Send YES to confirm or NO to cancel."}, true
	}

	return Response{}, false
}

// execute resolves the user's active session and runs the backend
func (d *Dispatcher) execute(ctx context.Context, requestID string, userID int64, input string, sink bridge.Sink, keepalive bridge.Keepalive) Response {
	name := d.sessions.ActiveName(userID)

	sess, err := d.sessions.ResolveOrCreate(userID, name)
	if err != nil {
		return d.sessionFailure(requestID, err)
	}

	result, err := d.executor.Execute(ctx, sess, input, sink, keepalive)
	if err != nil {
		return d.executionFailure(requestID, sess, err)
	}

	if result.ContinuationToken != "" {
		if err := d.sessions.UpdateAfterExecution(userID, sess.Name, result.ContinuationToken); err != nil {
			// Session was deleted while the backend ran; the output is
			// still worth delivering
			L_warn("gateway: continuation token dropped",
				"request", requestID,
				"session", sess.Name,
				"error", err)
		}
	}

	MetricInc("gateway", "executions")
	return Response{
		Kind:    KindExecuted,
		Output:  result.Output,
		Session: sess.Name,
		Elapsed: result.Elapsed,
	}
}

func (d *Dispatcher) sessionFailure(requestID string, err error) Response {
	L_error("gateway: session resolution failed", "request", requestID, "error", err)
	MetricInc("gateway", "errors")

	switch {
	case errors.Is(err, session.ErrSessionLimit):
		return Response{Kind: KindError, Text: "Session limit reached. Delete a session with /kill and try again."}
	case errors.Is(err, session.ErrInvalidName):
		return Response{Kind: KindError, Text: "Invalid session name. Use letters, digits, dashes and underscores."}
	}
	return Response{Kind: KindError, Text: "Could not prepare a session for this request. Please try again."}
}

func (d *Dispatcher) executionFailure(requestID string, sess session.Session, err error) Response {
	MetricInc("gateway", "errors")

	var timeoutErr *bridge.TimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		MetricInc("bridge", "timeouts")
		resp := Response{
			Kind:    KindError,
			Session: sess.Name,
			Output:  timeoutErr.Partial,
			Text:    fmt.Sprintf("Execution timed out after %s.", timeoutErr.After.Round(time.Second)),
		}
		if timeoutErr.Partial != "" {
			resp.Text += " Partial output included above."
		}
		return resp

	case errors.Is(err, bridge.ErrSessionBusy):
		return Response{Kind: KindError, Session: sess.Name, Text: "Still working on your previous request for this session. Please wait."}

	case errors.Is(err, bridge.ErrEmptyInput):
		return Response{Kind: KindIgnored}
	}

	// Launch failures, crashes and backend errors carry internal detail
	// that must not reach the user
	L_error("gateway: execution failed",
		"request", requestID,
		"session", sess.Name,
		"error", err)
	return Response{Kind: KindError, Session: sess.Name, Text: "Something went wrong while executing your request. Please try again."}
}

func outcomeName(o safety.Outcome) string {
	switch o {
	case safety.OutcomeConfirmed:
		return "confirmed"
	case safety.OutcomeCancelled:
		return "cancelled"
	case safety.OutcomeExpired:
		return "expired"
	case safety.OutcomeIgnored:
		return "ignored"
	}
	return "no_pending"
}
