package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sonroyaalmerol/kumaqueue/internal/metrics"
	"github.com/sonroyaalmerol/kumaqueue/internal/playlist"
)

type PlayerStatus int

const (
	StatusIdle PlayerStatus = iota
	StatusPlaying
	StatusPaused
)

func (s PlayerStatus) String() string {
	switch s {
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	default:
		return "idle"
	}
}

var (
	ErrNoSink    = errors.New("no audio sink attached")
	ErrNoAsset   = errors.New("track has no local asset")
	ErrNotActive = errors.New("nothing is playing")
)

// Sink is the audio output. onEnd is called once when the stream ends on its
// own, with a nil error on end of data. It is not called after Stop.
type Sink interface {
	Start(assetPath string, offset time.Duration, onEnd func(error)) error
	Pause()
	Resume()
	Stop()
}

// Status is a point-in-time view of the controller.
type Status struct {
	Playing  bool
	Paused   bool
	Track    playlist.Track
	HasTrack bool
	Elapsed  time.Duration
	LastOp   time.Time
}

// Controller owns the single active stream. Completions are delivered through
// the dispatcher, never from the sink's goroutine.
type Controller struct {
	mu   sync.Mutex
	sink Sink

	status      PlayerStatus
	track       *playlist.Track
	epoch       uint64
	startedAt   time.Time
	accumulated time.Duration
	lastStop    time.Time
	lastOp      time.Time

	onComplete func(trackID string)
	dispatch   func(func())
	now        func() time.Time
	after      func(d time.Duration, fn func())
	stopWindow time.Duration
}

type Option func(*Controller)

// WithDispatcher routes completion callbacks onto the caller's serialization
// context.
func WithDispatcher(d func(func())) Option {
	return func(c *Controller) { c.dispatch = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithAfter replaces the timer used to hold back completions that land inside
// the stop window.
func WithAfter(after func(d time.Duration, fn func())) Option {
	return func(c *Controller) { c.after = after }
}

// WithStopWindow sets how long after a manual stop a completion is ignored.
func WithStopWindow(d time.Duration) Option {
	return func(c *Controller) { c.stopWindow = d }
}

func NewController(onComplete func(trackID string), opts ...Option) *Controller {
	c := &Controller{
		onComplete: onComplete,
		dispatch:   func(fn func()) { go fn() },
		now:        time.Now,
		after:      func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
		stopWindow: time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Attach swaps the output sink. The previous sink is stopped.
func (c *Controller) Attach(s Sink) {
	c.mu.Lock()
	old := c.sink
	c.sink = s
	c.epoch++
	c.mu.Unlock()

	if old != nil && old != s {
		old.Stop()
	}
}

func (c *Controller) Detach() {
	c.mu.Lock()
	old := c.sink
	c.sink = nil
	c.epoch++
	c.mu.Unlock()

	if old != nil {
		old.Stop()
	}
}

func (c *Controller) Play(t playlist.Track) error {
	return c.PlayAt(t, 0)
}

// PlayAt starts t at offset, replacing whatever was playing.
func (c *Controller) PlayAt(t playlist.Track, offset time.Duration) error {
	if t.AssetPath == "" {
		return ErrNoAsset
	}
	if offset < 0 {
		offset = 0
	}

	c.mu.Lock()
	sink := c.sink
	if sink == nil {
		c.mu.Unlock()
		return ErrNoSink
	}
	wasActive := c.status != StatusIdle
	c.epoch++
	epoch := c.epoch
	now := c.now()
	tr := t
	c.track = &tr
	c.status = StatusPlaying
	c.startedAt = now
	c.accumulated = offset
	c.lastOp = now
	if wasActive {
		c.lastStop = now
	}
	c.mu.Unlock()

	if wasActive {
		sink.Stop()
	}

	err := sink.Start(t.AssetPath, offset, func(err error) {
		c.ended(epoch, t.ID, err)
	})
	if err != nil {
		c.mu.Lock()
		if c.epoch == epoch {
			c.resetLocked()
		}
		c.mu.Unlock()
		metrics.SetPlaybackState(metrics.StateIdle)
		return err
	}
	metrics.SetPlaybackState(metrics.StatePlaying)
	slog.Debug("playback started", "trackID", t.ID, "offset", offset)
	return nil
}

func (c *Controller) Pause() bool {
	c.mu.Lock()
	if c.status != StatusPlaying {
		c.mu.Unlock()
		return false
	}
	now := c.now()
	c.accumulated += now.Sub(c.startedAt)
	c.status = StatusPaused
	c.lastOp = now
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink.Pause()
	}
	metrics.SetPlaybackState(metrics.StatePaused)
	return true
}

func (c *Controller) Resume() bool {
	c.mu.Lock()
	if c.status != StatusPaused {
		c.mu.Unlock()
		return false
	}
	now := c.now()
	c.startedAt = now
	c.status = StatusPlaying
	c.lastOp = now
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink.Resume()
	}
	metrics.SetPlaybackState(metrics.StatePlaying)
	return true
}

// Stop halts the stream. A completion that still arrives for it is dropped.
func (c *Controller) Stop() {
	c.mu.Lock()
	now := c.now()
	c.epoch++
	c.lastStop = now
	c.lastOp = now
	active := c.status != StatusIdle
	c.resetLocked()
	sink := c.sink
	c.mu.Unlock()

	if active && sink != nil {
		sink.Stop()
	}
	metrics.SetPlaybackState(metrics.StateIdle)
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Playing: c.status != StatusIdle,
		Paused:  c.status == StatusPaused,
		Elapsed: c.elapsedLocked(),
		LastOp:  c.lastOp,
	}
	if c.track != nil {
		st.Track = *c.track
		st.HasTrack = true
	}
	return st
}

func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsedLocked()
}

func (c *Controller) State() PlayerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) elapsedLocked() time.Duration {
	switch c.status {
	case StatusPlaying:
		return c.now().Sub(c.startedAt) + c.accumulated
	case StatusPaused:
		return c.accumulated
	}
	return 0
}

func (c *Controller) resetLocked() {
	c.status = StatusIdle
	c.track = nil
	c.startedAt = time.Time{}
	c.accumulated = 0
}

// ended handles the sink's end of stream. A completion for the current stream
// that lands inside the stop window is held back until the window closes.
func (c *Controller) ended(epoch uint64, trackID string, err error) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		slog.Debug("stale completion ignored", "trackID", trackID)
		return
	}
	wait := time.Duration(0)
	if !c.lastStop.IsZero() {
		wait = c.stopWindow - c.now().Sub(c.lastStop)
	}
	c.mu.Unlock()

	if wait > 0 {
		slog.Debug("completion inside stop window deferred", "trackID", trackID, "wait", wait)
		c.after(wait, func() { c.finish(epoch, trackID, err) })
		return
	}
	c.finish(epoch, trackID, err)
}

func (c *Controller) finish(epoch uint64, trackID string, err error) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		slog.Debug("stale completion ignored", "trackID", trackID)
		return
	}
	// one completion per stream
	c.epoch++
	c.resetLocked()
	c.mu.Unlock()

	metrics.SetPlaybackState(metrics.StateIdle)
	if err != nil {
		slog.Warn("stream ended with error", "trackID", trackID, "err", err)
	}
	if c.onComplete != nil {
		c.dispatch(func() { c.onComplete(trackID) })
	}
}
