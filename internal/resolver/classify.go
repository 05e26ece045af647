package resolver

import (
	"context"
	"errors"
	"strings"

	"github.com/sonroyaalmerol/kumaqueue/internal/playlist"
)

// Ordered; the first needle found in the diagnostic wins. Specific reasons
// come before the generic "unavailable" wording they are usually wrapped in.
var diagnosticPatterns = []struct {
	needle string
	kind   ErrorKind
}{
	{"confirm your age", AgeRestricted},
	{"age-restricted", AgeRestricted},
	{"age restricted", AgeRestricted},
	{"inappropriate for some users", AgeRestricted},
	{"account associated with this video has been terminated", AccountTerminated},
	{"account has been terminated", AccountTerminated},
	{"copyright", Copyright},
	{"not available in your country", RegionBlocked},
	{"available in your country", RegionBlocked},
	{"blocked it in your country", RegionBlocked},
	{"geo restrict", RegionBlocked},
	{"geo-restrict", RegionBlocked},
	{"private video", Private},
	{"video is private", Private},
	{"playlist is private", Private},
	{"members-only", Private},
	{"video unavailable", Unavailable},
	{"is not available", Unavailable},
	{"no longer available", Unavailable},
	{"has been removed", Unavailable},
	{"does not exist", Unavailable},
	{"http error 404", Unavailable},
	{"unable to extract", ParseError},
	{"failed to parse", ParseError},
	{"jsondecodeerror", ParseError},
	{"invalid json", ParseError},
	{"timed out", Timeout},
	{"deadline exceeded", Timeout},
}

// Classify maps a tool diagnostic stream onto the error taxonomy.
func Classify(diagnostic string) ErrorKind {
	d := strings.ToLower(diagnostic)
	for _, p := range diagnosticPatterns {
		if strings.Contains(d, p.needle) {
			return p.kind
		}
	}
	return Unknown
}

// ToolError carries the diagnostic output of a failed out-of-process call.
type ToolError struct {
	Op         string
	Diagnostic string
	Err        error
}

func (e *ToolError) Error() string {
	if e.Diagnostic == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error() + ": " + e.Diagnostic
}

func (e *ToolError) Unwrap() error { return e.Err }

// classifyErr prefers context state over text so a killed subprocess is a
// Timeout rather than whatever it printed while dying.
func classifyErr(ctx context.Context, err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Timeout
	}
	var te *ToolError
	if errors.As(err, &te) {
		if k := Classify(te.Diagnostic); k != Unknown {
			return k
		}
	}
	return Classify(err.Error())
}

var placeholderNames = []string{
	"[deleted video]",
	"[private video]",
	"[unavailable]",
	"deleted video",
	"private video",
	"unknown",
	"n/a",
	"na",
}

func isPlaceholder(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return true
	}
	for _, p := range placeholderNames {
		if s == p {
			return true
		}
	}
	return false
}

// rejectReason reports why a record must not enter the queue. The tool can
// succeed for soft-deleted or blocked entries, so metadata is checked even
// when the exit status was clean.
func rejectReason(t playlist.Track) (string, bool) {
	switch {
	case t.ID == "":
		return "missing id", true
	case isPlaceholder(t.Title):
		return "missing or placeholder title", true
	case isPlaceholder(t.Uploader):
		return "missing or placeholder uploader", true
	case t.Duration <= 0:
		return "zero duration", true
	}
	return "", false
}
