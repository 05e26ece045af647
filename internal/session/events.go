package session

import (
	"fmt"
	"time"

	"github.com/sonroyaalmerol/kumaqueue/internal/playlist"
	"github.com/sonroyaalmerol/kumaqueue/internal/resolver"
	"github.com/sonroyaalmerol/kumaqueue/internal/supervisor"
)

type EventKind int

const (
	NowPlaying EventKind = iota
	Resolving
	ResolutionFailed
	QueueEmpty
	Reconnecting
	Reconnected
	GaveUp
	StatusUpdate
)

func (k EventKind) String() string {
	switch k {
	case NowPlaying:
		return "NowPlaying"
	case Resolving:
		return "Resolving"
	case ResolutionFailed:
		return "ResolutionFailed"
	case QueueEmpty:
		return "QueueEmpty"
	case Reconnecting:
		return "Reconnecting"
	case Reconnected:
		return "Reconnected"
	case GaveUp:
		return "GaveUp"
	case StatusUpdate:
		return "StatusUpdate"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is something the operator-facing surface may want to show.
type Event struct {
	Kind      EventKind
	SessionID string
	GuildID   string
	ChannelID string
	Track     playlist.Track
	Failure   *resolver.Failure
	Status    Status
}

// Notifier receives session events on a dedicated goroutine, in order.
// Implementations must not close the session from inside Notify.
type Notifier interface {
	Notify(ev Event)
}

type NotifierFunc func(ev Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Status is a lock-free snapshot of the session.
type Status struct {
	SessionID string
	Channel   string

	Track    playlist.Track
	HasTrack bool
	Playing  bool
	Paused   bool
	Elapsed  time.Duration

	Resolving   bool
	Loop        bool
	Shuffle     bool
	QueueLength int
	Position    int // 1-based cursor, 0 when empty

	Connection  supervisor.State
	Attempt     int
	MaxAttempts int
}

// Added reports what an enqueue or start did.
type Added struct {
	Tracks  []playlist.Track
	Failure *resolver.Failure
	Started bool
}
