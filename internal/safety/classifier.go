// Package safety implements the tiered command risk classifier and the
// confirmation gate that sits in front of the claude backend.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// RiskLevel orders command risk from harmless to destructive
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskModerate
	RiskDangerous
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskModerate:
		return "moderate"
	case RiskDangerous:
		return "dangerous"
	case RiskCritical:
		return "critical"
	}
	return "unknown"
}

// Confirmation phrases for critical operations
const (
	CriticalConfirmationPhrase   = "CONFIRM CRITICAL OPERATION"
	CriticalConfirmationPhraseRU = "PODTVERZHDAYU KRITICHESKUYU OPERATSIYU"
)

// rule is one risk pattern with a human description
type rule struct {
	re   *regexp.Regexp
	desc string
}

func mustRule(pattern, desc string) rule {
	return rule{re: regexp.MustCompile(`(?i)` + pattern), desc: desc}
}

// Critical patterns - system destruction, requires exact phrase confirmation
var criticalRules = []rule{
	mustRule(`rm\s+-rf\s+/\s*$`, "Deleting root filesystem"),
	mustRule(`rm\s+-rf\s+/\*`, "Deleting all root contents"),
	mustRule(`rm\s+-rf\s+~`, "Deleting home directory"),
	mustRule(`mkfs\.`, "Formatting filesystem"),
	mustRule(`dd\s+if=.+of=/dev/[a-z]+\s*$`, "Writing to block device"),
	mustRule(`dd\s+if=.+of=/dev/sd[a-z]`, "Writing to disk device"),
	mustRule(`>\s*/dev/sd[a-z]`, "Overwriting block device"),
	mustRule(`:\(\)\{\s*:\|:&\s*\};:`, "Fork bomb"),
	mustRule(`DROP\s+DATABASE`, "Dropping database"),
}

// Dangerous patterns - requires YES/NO confirmation
var dangerousRules = []rule{
	mustRule(`rm\s+-rf`, "Recursive file deletion"),
	mustRule(`chmod\s+-R\s+777`, "Opening all permissions recursively"),
	mustRule(`chmod\s+777\s+/`, "Opening permissions on system directories"),
	mustRule(`shutdown`, "System shutdown"),
	mustRule(`reboot`, "System reboot"),
	mustRule(`init\s+[06]`, "Changing runlevel"),
	mustRule(`systemctl\s+(stop|disable)\s+(ssh|sshd|network)`, "Stopping critical services"),
	mustRule(`iptables\s+-F`, "Flushing firewall rules"),
	mustRule(`passwd\s+root`, "Changing root password"),
	mustRule(`userdel`, "Deleting user"),
	mustRule(`DROP\s+TABLE`, "Dropping table"),
	mustRule(`TRUNCATE`, "Truncating table"),
	mustRule(`chown\s+-R\s+root`, "Recursive ownership change to root"),
	mustRule(`curl\s+.+\|\s*(ba)?sh`, "Pipe from URL to shell"),
	mustRule(`wget\s+.+\|\s*(ba)?sh`, "Pipe from URL to shell"),
}

// Moderate patterns - warning only, but execute
var moderateRules = []rule{
	mustRule(`apt\s+(remove|purge)`, "Removing packages"),
	mustRule(`pip\s+uninstall`, "Removing Python packages"),
	mustRule(`npm\s+uninstall\s+-g`, "Removing global npm packages"),
	mustRule(`docker\s+(rm|rmi|system\s+prune)`, "Removing Docker resources"),
	mustRule(`git\s+push\s+.*--force`, "Force push to git"),
	mustRule(`git\s+reset\s+--hard`, "Hard reset in git"),
}

// Check is the result of classifying one command
type Check struct {
	Level                RiskLevel
	RequiresConfirmation bool
	Message              string // warning or confirmation prompt for the user
	MatchedRule          string // description of the matched pattern
}

// Classify maps a command to its risk tier. Tiers are checked from most
// severe to least severe and the first match wins; no match is safe.
// Pure function: same input always yields the same Check.
func Classify(command string) Check {
	for _, r := range criticalRules {
		if r.re.MatchString(command) {
			return Check{
				Level:                RiskCritical,
				RequiresConfirmation: true,
				Message:              criticalMessage(r.desc),
				MatchedRule:          r.desc,
			}
		}
	}

	for _, r := range dangerousRules {
		if r.re.MatchString(command) {
			return Check{
				Level:                RiskDangerous,
				RequiresConfirmation: true,
				Message:              dangerousMessage(r.desc),
				MatchedRule:          r.desc,
			}
		}
	}

	for _, r := range moderateRules {
		if r.re.MatchString(command) {
			return Check{
				Level:       RiskModerate,
				Message:     fmt.Sprintf("INFO: %s - executing...", r.desc),
				MatchedRule: r.desc,
			}
		}
	}

	return Check{Level: RiskSafe}
}

func criticalMessage(desc string) string {
	return fmt.Sprintf(`CRITICAL OPERATION

Detected: %s

This operation may lead to irreversible data loss or system failure.

To confirm, send exactly:
%s

Or in Russian:
%s

Send NO to cancel.`, desc, CriticalConfirmationPhrase, CriticalConfirmationPhraseRU)
}

func dangerousMessage(desc string) string {
	return fmt.Sprintf(`DANGEROUS OPERATION

Detected: %s

Are you sure you want to continue?

Send YES to confirm or NO to cancel.`, desc)
}

// confirmation word sets; matched whole, never by substring, so that an
// ordinary message containing "ok" does not approve a pending command
var (
	dangerousConfirmWords = map[string]bool{
		"yes": true, "y": true, "da": true, "confirm": true, "ok": true,
	}
	cancellationWords = map[string]bool{
		"no": true, "n": true, "net": true, "cancel": true, "otmena": true,
	}
)

// IsConfirmationValid reports whether reply confirms an operation at the
// given risk level. Comparison is exact (after trimming) and
// case-insensitive.
func IsConfirmationValid(reply string, level RiskLevel) bool {
	switch level {
	case RiskCritical:
		upper := strings.ToUpper(strings.TrimSpace(reply))
		return upper == CriticalConfirmationPhrase || upper == CriticalConfirmationPhraseRU
	case RiskDangerous:
		return dangerousConfirmWords[strings.ToLower(strings.TrimSpace(reply))]
	}
	return false
}

// IsCancellation reports whether reply cancels a pending operation
func IsCancellation(reply string) bool {
	return cancellationWords[strings.ToLower(strings.TrimSpace(reply))]
}
