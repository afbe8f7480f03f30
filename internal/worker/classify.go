package worker

import (
	stderrors "errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
)

// Cause is the user-facing reason a process failed.
type Cause string

const (
	CausePortConflict   Cause = "port_conflict"
	CauseMissingBinary  Cause = "missing_binary"
	CauseUnresolvedHost Cause = "unresolved_host"
	CausePermission     Cause = "permission_denied"
	CauseNetwork        Cause = "network"
	CauseGeneric        Cause = "generic"
)

var causePatterns = []struct {
	cause    Cause
	patterns []string
}{
	{CausePortConflict, []string{"eaddrinuse", "address already in use"}},
	{CauseMissingBinary, []string{"enoent", "command not found", "executable file not found", "no such file or directory"}},
	{CauseUnresolvedHost, []string{"enotfound", "getaddrinfo"}},
	{CausePermission, []string{"eacces", "permission denied", "eperm"}},
	{CauseNetwork, []string{"etimedout", "econnreset", "econnrefused", "network"}},
}

// Classify maps process output to a Cause. First match wins.
func Classify(output string) Cause {
	lower := strings.ToLower(output)
	for _, cp := range causePatterns {
		for _, p := range cp.patterns {
			if strings.Contains(lower, p) {
				return cp.cause
			}
		}
	}
	return CauseGeneric
}

// Describe returns the message shown to users.
func (c Cause) Describe() string {
	switch c {
	case CausePortConflict:
		return "the preview port is already in use"
	case CauseMissingBinary:
		return "a required command or file is missing"
	case CauseUnresolvedHost:
		return "a host name could not be resolved"
	case CausePermission:
		return "permission denied"
	case CauseNetwork:
		return "a network error occurred while installing dependencies"
	default:
		return "the command exited with an error"
	}
}

// classifyError returns the cause of a process failure, or "" when err is not a process failure.
func classifyError(err error) Cause {
	ce, ok := errors.AsClassified(err)
	if !ok || ce.Category() != errors.CategoryProcess {
		return ""
	}
	text := err.Error()
	if stderr, ok := ce.Context().GetString("stderr"); ok {
		text = stderr + "\n" + text
	}
	return Classify(text)
}

// failureMessage renders err for the job record and notifications.
func failureMessage(err error) string {
	if cause := classifyError(err); cause != "" {
		return fmt.Sprintf("%s (%s)", cause.Describe(), rootMessage(err))
	}
	return rootMessage(err)
}

func rootMessage(err error) string {
	if ce, ok := errors.AsClassified(err); ok {
		return ce.Message()
	}
	return err.Error()
}

// errorStack renders the chain of wrapped errors, outermost first.
func errorStack(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if b.Len() > 0 {
			b.WriteString("\ncaused by: ")
		}
		if ce, ok := e.(*errors.ClassifiedError); ok {
			fmt.Fprintf(&b, "[%s] %s", ce.Category(), ce.Message())
			for _, k := range slices.Sorted(maps.Keys(ce.Context())) {
				if k == "stderr" {
					continue
				}
				fmt.Fprintf(&b, " %s=%v", k, ce.Context()[k])
			}
			if stderr, ok := ce.Context().GetString("stderr"); ok && stderr != "" {
				b.WriteString("\n")
				b.WriteString(stderr)
			}
			continue
		}
		b.WriteString(e.Error())
	}
	return b.String()
}
