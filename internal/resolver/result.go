package resolver

import (
	"fmt"

	"github.com/sonroyaalmerol/kumaqueue/internal/playlist"
)

type ErrorKind int

const (
	Unknown ErrorKind = iota
	AgeRestricted
	Copyright
	RegionBlocked
	Private
	AccountTerminated
	Unavailable
	ParseError
	EmptyPlaylist
	MaxRetriesExceeded
	Timeout
)

var kindNames = map[ErrorKind]string{
	Unknown:            "Unknown",
	AgeRestricted:      "AgeRestricted",
	Copyright:          "Copyright",
	RegionBlocked:      "RegionBlocked",
	Private:            "Private",
	AccountTerminated:  "AccountTerminated",
	Unavailable:        "Unavailable",
	ParseError:         "ParseError",
	EmptyPlaylist:      "EmptyPlaylist",
	MaxRetriesExceeded: "MaxRetriesExceeded",
	Timeout:            "Timeout",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Failure is a terminal resolution outcome for one reference.
type Failure struct {
	Kind      ErrorKind
	Message   string
	SourceURL string
	Filtered  int // entries dropped by the rejection filter, playlists only
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s (%s)", f.Kind, f.Message, f.SourceURL)
}

// Result is either a resolved track or a Failure. AssetPath is set only by
// ResolveAndFetch.
type Result struct {
	Track   playlist.Track
	Failure *Failure
}

func (r Result) OK() bool { return r.Failure == nil }

func resolved(t playlist.Track) Result { return Result{Track: t} }

func failed(kind ErrorKind, msg, url string) Result {
	return Result{Failure: &Failure{Kind: kind, Message: msg, SourceURL: url}}
}
