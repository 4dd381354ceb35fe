package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"
	tele "gopkg.in/telebot.v4"

	. "github.com/roelfdiedericks/clawgram/internal/logging"
	. "github.com/roelfdiedericks/clawgram/internal/metrics"
	"github.com/roelfdiedericks/clawgram/internal/session"
)

const helpText = `clawgram commands

/status - backend health and session summary
/sessions - list your sessions
/new [name] - create a session and switch to it
/switch <name> - switch the active session
/kill [name] - delete a session (active one if no name)
/model <name> - set the model for the active session
/verbose - toggle live progress streaming
/metrics - show runtime metrics
/help - this message

Anything else is sent to the agent in your active session.`

func (b *Bot) setupCommands() {
	b.bot.Handle("/start", b.cmdStart)
	b.bot.Handle("/help", b.cmdHelp)
	b.bot.Handle("/status", b.cmdStatus)
	b.bot.Handle("/sessions", b.cmdSessions)
	b.bot.Handle("/new", b.cmdNew)
	b.bot.Handle("/switch", b.cmdSwitch)
	b.bot.Handle("/kill", b.cmdKill)
	b.bot.Handle("/model", b.cmdModel)
	b.bot.Handle("/verbose", b.cmdVerbose)
	b.bot.Handle("/metrics", b.cmdMetrics)
}

// commandArgs splits the payload after the command name. Quoted strings
// survive as single arguments.
func commandArgs(c tele.Context) ([]string, error) {
	payload := strings.TrimSpace(c.Message().Payload)
	if payload == "" {
		return nil, nil
	}
	args, err := shellwords.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse arguments: %w", err)
	}
	return args, nil
}

func (b *Bot) cmdStart(c tele.Context) error {
	MetricInc("telegram", "commands")
	return c.Send("Hello! I relay your messages to a coding agent. Send a message to get started, or /help for commands.")
}

func (b *Bot) cmdHelp(c tele.Context) error {
	MetricInc("telegram", "commands")
	return c.Send(helpText)
}

func (b *Bot) cmdStatus(c tele.Context) error {
	MetricInc("telegram", "commands")
	userID := c.Sender().ID

	ctx, cancel := context.WithTimeout(b.ctx, 15*time.Second)
	defer cancel()

	backend := "unavailable"
	if version, err := b.bridge.HealthCheck(ctx); err == nil {
		backend = version
	}

	stats := b.sessions.Stats()
	active := b.sessions.ActiveName(userID)
	mine := b.sessions.List(userID)

	status := fmt.Sprintf(`Status

Backend: %s
Active session: %s
Your sessions: %d
All sessions: %d
Uptime: %s
Verbose: %v`,
		backend,
		active,
		len(mine),
		stats.ActiveSessions,
		GetInstance().Uptime().Round(time.Second),
		b.isVerbose(userID))

	return c.Send(status)
}

func (b *Bot) cmdSessions(c tele.Context) error {
	MetricInc("telegram", "commands")
	userID := c.Sender().ID

	list := b.sessions.List(userID)
	if len(list) == 0 {
		return c.Send("No sessions yet. Send a message or use /new to create one.")
	}

	active := b.sessions.ActiveName(userID)
	var sb strings.Builder
	sb.WriteString("Your sessions (most recent first):\n\n")
	for _, s := range list {
		marker := "  "
		if s.Name == active {
			marker = "* "
		}
		state := "fresh"
		if s.ContinuationToken != "" {
			state = "resumable"
		}
		sb.WriteString(fmt.Sprintf("%s%s - %s, last used %s ago", marker, s.Name, state, time.Since(s.LastUsed).Round(time.Second)))
		if s.Model != "" {
			sb.WriteString(", model " + s.Model)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n* = active. /switch <name> to change.")
	return c.Send(sb.String())
}

func (b *Bot) cmdNew(c tele.Context) error {
	MetricInc("telegram", "commands")
	userID := c.Sender().ID

	args, err := commandArgs(c)
	if err != nil {
		return c.Send(err.Error())
	}
	name := ""
	if len(args) > 0 {
		name = args[0]
	}

	sess, err := b.sessions.Create(userID, name, true)
	if err != nil {
		return c.Send(sessionErrorText(err))
	}

	L_info("telegram: session created", "userID", userID, "session", sess.Name)
	return c.Send(fmt.Sprintf("Created session %q and switched to it.", sess.Name))
}

func (b *Bot) cmdSwitch(c tele.Context) error {
	MetricInc("telegram", "commands")
	userID := c.Sender().ID

	args, err := commandArgs(c)
	if err != nil {
		return c.Send(err.Error())
	}
	if len(args) == 0 {
		return c.Send("Usage: /switch <name>")
	}

	if err := b.sessions.Switch(userID, args[0]); err != nil {
		return c.Send(sessionErrorText(err))
	}
	return c.Send(fmt.Sprintf("Switched to session %q.", args[0]))
}

func (b *Bot) cmdKill(c tele.Context) error {
	MetricInc("telegram", "commands")
	userID := c.Sender().ID

	args, err := commandArgs(c)
	if err != nil {
		return c.Send(err.Error())
	}
	name := b.sessions.ActiveName(userID)
	if len(args) > 0 {
		name = args[0]
	}

	if err := b.sessions.Delete(userID, name); err != nil {
		return c.Send(sessionErrorText(err))
	}

	L_info("telegram: session deleted", "userID", userID, "session", name)
	return c.Send(fmt.Sprintf("Session %q deleted. Active session is now %q.", name, b.sessions.ActiveName(userID)))
}

func (b *Bot) cmdModel(c tele.Context) error {
	MetricInc("telegram", "commands")
	userID := c.Sender().ID

	args, err := commandArgs(c)
	if err != nil {
		return c.Send(err.Error())
	}

	active := b.sessions.ActiveName(userID)
	if len(args) == 0 {
		sess, err := b.sessions.ResolveOrCreate(userID, active)
		if err != nil {
			return c.Send(sessionErrorText(err))
		}
		current := sess.Model
		if current == "" {
			current = "(default)"
		}
		return c.Send(fmt.Sprintf("Session %q model: %s\n\nUsage: /model <name>, e.g. /model sonnet", sess.Name, current))
	}

	if _, err := b.sessions.ResolveOrCreate(userID, active); err != nil {
		return c.Send(sessionErrorText(err))
	}
	if err := b.sessions.SetModel(userID, active, args[0]); err != nil {
		return c.Send(sessionErrorText(err))
	}
	return c.Send(fmt.Sprintf("Session %q now uses model %q.", active, args[0]))
}

func (b *Bot) cmdVerbose(c tele.Context) error {
	MetricInc("telegram", "commands")
	if b.toggleVerbose(c.Sender().ID) {
		return c.Send("Verbose mode on: progress lines will stream while the agent works.")
	}
	return c.Send("Verbose mode off.")
}

func (b *Bot) cmdMetrics(c tele.Context) error {
	MetricInc("telegram", "commands")
	report := MetricReport()
	return c.Send("<pre>"+escapeHTML(report)+"</pre>", &tele.SendOptions{ParseMode: tele.ModeHTML})
}

func sessionErrorText(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return "No session with that name. /sessions to list yours."
	case errors.Is(err, session.ErrSessionExists):
		return "A session with that name already exists."
	case errors.Is(err, session.ErrSessionLimit):
		return "Session limit reached. /kill one first."
	case errors.Is(err, session.ErrInvalidName):
		return "Invalid session name. Use letters, digits, dashes and underscores."
	}
	return "Session operation failed. Please try again."
}
