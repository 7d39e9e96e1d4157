package permission

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
)

// DefaultDenialThreshold is how many denials of the same tool-call
// fingerprint are tolerated within one session before the engine asks the
// agent host to abort the run.
const DefaultDenialThreshold = 3

// compoundOperators are shell constructs that make a Bash command
// unanalyzable against word-wise patterns. Commands containing any of them
// are denied outright.
var compoundOperators = []string{"&&", "||", ";", "|", "$(", "`"}

// Decision is the outcome of one permission check.
type Decision struct {
	Allowed bool
	// Interrupt instructs the agent host to abort the run. Set when the
	// same denied call keeps repeating past the threshold, which indicates
	// the agent is stuck in a retry loop.
	Interrupt bool
	// Rule is the pattern that produced the decision, empty for category
	// decisions and the default deny.
	Rule string
	// Message is a human-readable explanation attached to denials.
	Message string
}

// Engine evaluates tool calls against one profile for one session.
// Safe for concurrent use.
type Engine struct {
	profile   Profile
	workspace string
	threshold int

	mu      sync.Mutex
	denials map[string]int
}

// NewEngine builds an engine over the profile. The workspace path is
// substituted for the {workspace} placeholder in patterns and used to
// resolve relative path arguments.
func NewEngine(profile Profile, workspace string) *Engine {
	return &Engine{
		profile:   profile,
		workspace: workspace,
		threshold: DefaultDenialThreshold,
		denials:   make(map[string]int),
	}
}

// WithThreshold overrides the denial-loop threshold. Zero disables the
// interrupt behaviour.
func (e *Engine) WithThreshold(n int) *Engine {
	e.threshold = n
	return e
}

// IsAllowed evaluates a tool call string such as "Bash(git status)" or
// "Write(./out.yaml)". The decision order is fixed:
//
//  1. disabled tool      → deny
//  2. pre-approved tool  → allow, no rule scan
//  3. deny patterns      → first match denies
//  4. allow patterns     → first match allows
//  5. default            → deny
func (e *Engine) IsAllowed(call string) Decision {
	tool, _, _ := splitCall(call)

	if containsTool(e.profile.Tools.Disabled, tool) {
		return e.denied(call, "", fmt.Sprintf("tool %s is disabled", tool))
	}
	if containsTool(e.profile.Tools.PreApproved, tool) {
		return Decision{Allowed: true}
	}

	for _, pattern := range e.profile.Deny {
		matched, err := e.matches(call, pattern)
		if err != nil {
			// An undecidable deny pattern must not silently widen access.
			return e.denied(call, pattern, fmt.Sprintf("undecidable deny pattern %q", pattern))
		}
		if matched {
			return e.denied(call, pattern, e.denialMessage(tool, call))
		}
	}

	for _, pattern := range e.profile.Allow {
		matched, err := e.matches(call, pattern)
		if err != nil {
			continue
		}
		if matched {
			return Decision{Allowed: true, Rule: pattern}
		}
	}

	return e.denied(call, "", e.denialMessage(tool, call))
}

// NeedsConfirmation reports whether the tool routes through host
// confirmation in addition to the rule scan.
func (e *Engine) NeedsConfirmation(call string) bool {
	tool, _, _ := splitCall(call)
	return containsTool(e.profile.Tools.PermissionChecked, tool)
}

// EnabledTools returns the tool names announced to the agent, with the
// disabled set removed.
func (e *Engine) EnabledTools() []string {
	disabled := make(map[string]bool, len(e.profile.Tools.Disabled))
	for _, t := range e.profile.Tools.Disabled {
		disabled[t] = true
	}
	var out []string
	for _, t := range e.profile.Tools.Enabled {
		if !disabled[t] {
			out = append(out, t)
		}
	}
	return out
}

// denied records the denial and decides whether the repeat count crossed
// the interrupt threshold.
func (e *Engine) denied(call, rule, message string) Decision {
	d := Decision{Rule: rule, Message: message}
	if e.threshold <= 0 {
		return d
	}

	e.mu.Lock()
	e.denials[call]++
	count := e.denials[call]
	e.mu.Unlock()

	if count >= e.threshold {
		d.Interrupt = true
		d.Message += " (repeated denial, aborting run)"
	} else if count == e.threshold-1 {
		d.Message += " (final warning before abort)"
	}
	return d
}

// denialMessage lists the allowed patterns for the denied tool so the
// agent can self-correct instead of blindly retrying.
func (e *Engine) denialMessage(tool, call string) string {
	var patterns []string
	for _, p := range e.profile.Allow {
		if name, _, _ := splitCall(p); name == tool || name == "*" {
			patterns = append(patterns, p)
			if len(patterns) == 5 {
				break
			}
		}
	}
	msg := fmt.Sprintf("%s is not permitted", call)
	if len(patterns) > 0 {
		return msg + "; allowed patterns for " + tool + ": " + strings.Join(patterns, ", ")
	}
	return msg + "; no " + tool + " operations are allowed"
}

// matches reports whether call matches pattern.
func (e *Engine) matches(call, pattern string) (bool, error) {
	pattern = strings.ReplaceAll(pattern, "{workspace}", e.workspace)

	callTool, callArg, callHasArg := splitCall(call)
	patTool, patArg, patHasArg := splitCall(pattern)

	// A bare tool-name pattern matches the tool prefix regardless of args.
	if !patHasArg {
		return globName(patTool, callTool), nil
	}
	if patTool != callTool {
		return false, nil
	}
	if !callHasArg {
		return patArg == "*" || patArg == "**", nil
	}

	if callTool == "Bash" {
		return e.matchBash(callArg, patArg)
	}
	if isPathTool(callTool) {
		return e.matchPath(callArg, patArg)
	}
	return globMatch(patArg, callArg, true)
}

// matchBash matches a shell command against a word-wise pattern such as
// "git *" or "rm -rf *". Compound commands never match and are denied by
// the default rule.
func (e *Engine) matchBash(command, pattern string) (bool, error) {
	for _, op := range compoundOperators {
		if strings.Contains(command, op) {
			return false, nil
		}
	}

	cmdWords := strings.Fields(command)
	patWords := strings.Fields(pattern)
	if len(cmdWords) == 0 || len(patWords) == 0 {
		return false, nil
	}

	for i, pw := range patWords {
		if pw == "*" && i == len(patWords)-1 {
			// Trailing * swallows the rest of the command, including none.
			return true, nil
		}
		if i >= len(cmdWords) {
			return false, nil
		}
		ok, err := globMatch(pw, cmdWords[i], true)
		if err != nil || !ok {
			return ok, err
		}
	}
	return len(cmdWords) == len(patWords), nil
}

// matchPath matches a file path argument against a path pattern. Relative
// arguments and patterns resolve against the session workspace; * stays
// within one path segment while ** crosses separators.
func (e *Engine) matchPath(arg, pattern string) (bool, error) {
	if pattern == "*" || pattern == "**" {
		return true, nil
	}
	return globMatch(e.absolute(pattern), e.absolute(arg), false)
}

func (e *Engine) absolute(p string) string {
	if strings.HasPrefix(p, "**") {
		// A pattern rooted at ** matches anywhere, not just under the
		// workspace.
		return p
	}
	if strings.HasPrefix(p, "/") || e.workspace == "" {
		return path.Clean(p)
	}
	p = strings.TrimPrefix(p, "./")
	return path.Join(e.workspace, p)
}

// globMatch compiles a glob into an anchored regexp and applies it.
// When flat is true, * matches any characters; otherwise * stops at path
// separators and only ** crosses them.
func globMatch(pattern, value string, flat bool) (bool, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch {
		case pattern[i] == '*' && i+1 < len(pattern) && pattern[i+1] == '*':
			b.WriteString(".*")
			i++
			// Collapse "**/" so it also matches zero directories.
			if i+1 < len(pattern) && pattern[i+1] == '/' {
				b.WriteString("/?")
				i++
			}
		case pattern[i] == '*':
			if flat {
				b.WriteString(".*")
			} else {
				b.WriteString("[^/]*")
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return false, fmt.Errorf("permission: bad pattern %q: %w", pattern, err)
	}
	return re.MatchString(value), nil
}

// globName matches a tool-name pattern ("Bash", "Web*") against a name.
func globName(pattern, name string) bool {
	ok, err := globMatch(pattern, name, true)
	return err == nil && ok
}

// splitCall parses "Tool(arg)" into its parts. A call without parentheses
// is a bare tool name.
func splitCall(call string) (tool, arg string, hasArg bool) {
	open := strings.IndexByte(call, '(')
	if open < 0 || !strings.HasSuffix(call, ")") {
		return call, "", false
	}
	return call[:open], call[open+1 : len(call)-1], true
}

func containsTool(set []string, tool string) bool {
	for _, t := range set {
		if t == tool {
			return true
		}
	}
	return false
}

// isPathTool reports whether the tool's argument is a filesystem path,
// which switches * to single-segment semantics.
func isPathTool(tool string) bool {
	switch tool {
	case "Read", "Write", "Edit", "MultiEdit", "Glob", "Grep", "LS", "NotebookEdit":
		return true
	}
	return false
}
