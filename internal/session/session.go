package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sonroyaalmerol/kumaqueue/internal/metrics"
	"github.com/sonroyaalmerol/kumaqueue/internal/playback"
	"github.com/sonroyaalmerol/kumaqueue/internal/playlist"
	"github.com/sonroyaalmerol/kumaqueue/internal/repository"
	"github.com/sonroyaalmerol/kumaqueue/internal/resolver"
	"github.com/sonroyaalmerol/kumaqueue/internal/supervisor"
	"github.com/sonroyaalmerol/kumaqueue/internal/transport"
)

var (
	ErrNoSession    = errors.New("no active session")
	ErrOtherGuild   = errors.New("already playing in another server")
	ErrNotConnected = errors.New("not connected to a voice channel")
	ErrEmpty        = errors.New("the queue is empty")
	ErrNoNext       = errors.New("no next track")
	ErrNoPrevious   = errors.New("no previous track")
	ErrBusy         = errors.New("a track is still being prepared")
	ErrOutOfRange   = errors.New("no track at that position")
	ErrNotPlaying   = errors.New("nothing is playing")
	ErrNotPaused    = errors.New("playback is not paused")
	ErrClosed       = errors.New("session closed")
)

// Resolver is the part of resolver.Resolver a session drives.
type Resolver interface {
	IsPlaylistReference(ref string) bool
	ResolveMetadata(ctx context.Context, ref string) resolver.Result
	ResolveAndFetch(ctx context.Context, ref string) resolver.Result
	ResolvePlaylist(ctx context.Context, ref string) ([]playlist.Track, *resolver.Failure)
}

// Sink is a playback sink that can follow the voice connection across
// reconnects.
type Sink interface {
	playback.Sink
	Attach(out transport.Voice)
}

// Assets is the shared asset directory.
type Assets interface {
	Pin(path string)
	Unpin(path string)
	Clear(ctx context.Context) error
}

// Store persists settings and play history.
type Store interface {
	UpsertSettings(ctx context.Context, guildID string, pageSize int) (*repository.Settings, error)
	UpdateSettings(ctx context.Context, s *repository.Settings) error
	RecordPlay(ctx context.Context, e repository.HistoryEntry) error
	RecentHistory(ctx context.Context, guildID string, limit int) ([]repository.HistoryEntry, error)
}

// Deps are the collaborators of one session. Assets, Store and Notifier are
// optional.
type Deps struct {
	Transport transport.Transport
	Resolver  Resolver
	Sink      Sink
	Assets    Assets
	Store     Store
	Notifier  Notifier
}

type Options struct {
	GuildID         string
	GracePeriod     time.Duration
	StopWindow      time.Duration
	RefreshInterval time.Duration
	PageSize        int
	Policy          supervisor.Policy
}

func DefaultOptions() Options {
	return Options{
		GracePeriod:     3 * time.Second,
		StopWindow:      time.Second,
		RefreshInterval: 15 * time.Second,
		PageSize:        5,
		Policy:          supervisor.DefaultPolicy(),
	}
}

type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithSleep replaces every wait: grace periods and reconnect backoff.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Session) { s.sleep = fn }
}

func WithRand(intn func(n int) int) Option {
	return func(s *Session) { s.intn = intn }
}

type resumePoint struct {
	track  playlist.Track
	offset time.Duration
	paused bool
}

// view is the read-only copy of the playlist that Status and ViewPage use.
type view struct {
	tracks  []playlist.Track
	cursor  int
	loop    bool
	shuffle bool
}

// Session is one voice channel's queue and playback. Everything that changes
// which track is active runs under mu.
type Session struct {
	ID string

	deps Deps
	opts Options
	log  *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	intn  func(n int) int

	mu       sync.Mutex
	pl       *playlist.Playlist
	halted   bool
	pinned   string
	resume   *resumePoint
	pageSize int

	ctrl      *playback.Controller
	sup       *supervisor.Supervisor
	resolving atomic.Bool
	view      atomic.Pointer[view]

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	wg     sync.WaitGroup

	noteMu      sync.Mutex
	notes       chan Event
	notesClosed bool
	notesDone   chan struct{}

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// New creates a session and starts its background loops. ctx only bounds
// loading the stored settings.
func New(ctx context.Context, deps Deps, opts Options, extra ...Option) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		deps:      deps,
		opts:      opts,
		now:       time.Now,
		sleep:     sleepCtx,
		intn:      rand.IntN,
		pageSize:  opts.PageSize,
		events:    make(chan func(), 16),
		notes:     make(chan Event, 64),
		notesDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range extra {
		o(s)
	}
	s.log = slog.With("sessionID", s.ID, "guildID", opts.GuildID)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.pl = playlist.NewWithRand(s.intn)
	s.ctrl = playback.NewController(s.completed,
		playback.WithDispatcher(s.post),
		playback.WithClock(s.now),
		playback.WithStopWindow(opts.StopWindow),
	)
	s.ctrl.Attach(deps.Sink)
	s.sup = supervisor.New(opts.Policy, s.reconnect, s.gaveUp, supervisor.WithSleep(s.sleep))

	s.loadSettings(ctx)
	s.publishLocked()

	s.wg.Add(2)
	go s.runEvents()
	go s.watchTransport()
	if opts.RefreshInterval > 0 {
		s.wg.Add(1)
		go s.runRefresh()
	}
	go s.runNotes()

	s.log.Info("session created")
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Session) GuildID() string { return s.opts.GuildID }

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) alive() error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	return nil
}

// scope derives a context that also ends when the session is torn down.
func (s *Session) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) loadSettings(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	st, err := s.deps.Store.UpsertSettings(ctx, s.opts.GuildID, s.opts.PageSize)
	if err != nil {
		s.log.Warn("failed to load settings", "err", err)
		return
	}
	s.pl.Loop = st.Loop
	s.pl.Shuffle = st.Shuffle
	if st.PageSize > 0 {
		s.pageSize = st.PageSize
	}
}

func (s *Session) saveSettings(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	v := s.view.Load()
	err := s.deps.Store.UpdateSettings(ctx, &repository.Settings{
		GuildID:  s.opts.GuildID,
		Loop:     v.loop,
		Shuffle:  v.shuffle,
		PageSize: s.pageSize,
	})
	if err != nil {
		s.log.Warn("failed to save settings", "err", err)
	}
}

func (s *Session) publishLocked() {
	s.view.Store(&view{
		tracks:  s.pl.Tracks(),
		cursor:  s.pl.Cursor(),
		loop:    s.pl.Loop,
		shuffle: s.pl.Shuffle,
	})
	metrics.SetQueueLength(s.pl.Len())
}

func (s *Session) notify(ev Event) {
	if s.deps.Notifier == nil {
		return
	}
	ev.SessionID = s.ID
	ev.GuildID = s.opts.GuildID

	s.noteMu.Lock()
	defer s.noteMu.Unlock()
	if s.notesClosed {
		return
	}
	select {
	case s.notes <- ev:
	default:
		s.log.Warn("notification dropped", "kind", ev.Kind)
	}
}

func (s *Session) runNotes() {
	defer close(s.notesDone)
	for ev := range s.notes {
		if s.deps.Notifier != nil {
			s.deps.Notifier.Notify(ev)
		}
	}
}

// post queues fn on the event loop. Used as the controller's dispatcher.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.ctx.Done():
	}
}

func (s *Session) runEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.events:
			fn()
		}
	}
}

func (s *Session) runRefresh() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.refresh()
		}
	}
}

// refresh pushes a status snapshot. It is skipped, not queued, while an
// advance holds the lock.
func (s *Session) refresh() bool {
	if !s.mu.TryLock() {
		metrics.ObserveRefreshSkipped()
		return false
	}
	st := s.Status()
	s.mu.Unlock()

	if st.HasTrack {
		s.notify(Event{Kind: StatusUpdate, Status: st})
	}
	return true
}

func (s *Session) watchTransport() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ch := <-s.deps.Transport.Lost():
			s.lost(ch)
		case ch := <-s.deps.Transport.Deserted():
			s.log.Info("voice channel is empty, leaving", "channelID", ch)
			s.sup.MarkManual()
			go s.closeAsync()
			return
		}
	}
}

func (s *Session) closeAsync() {
	if err := s.Close(context.Background()); err != nil {
		s.log.Warn("session teardown", "err", err)
	}
}

func (s *Session) ensureConnected(ctx context.Context, channelID string) error {
	if s.sup.Snapshot().State == supervisor.Reconnecting {
		return ErrBusy
	}
	if s.deps.Transport.IsConnected() {
		return nil
	}
	if channelID == "" {
		return ErrNotConnected
	}
	v, err := s.deps.Transport.Connect(ctx, channelID)
	if err != nil {
		return fmt.Errorf("join voice channel: %w", err)
	}
	s.deps.Sink.Attach(v)
	s.sup.Connected(channelID)
	s.log.Info("joined voice channel", "channelID", channelID)
	return nil
}

// Start joins channelID if needed, enqueues ref and starts playback when
// nothing is playing. A failure to materialize the first track is returned in
// Added.Failure and that track is dropped.
func (s *Session) Start(ctx context.Context, channelID, ref string) (Added, error) {
	if err := s.alive(); err != nil {
		return Added{}, err
	}
	ctx, cancel := s.scope(ctx)
	defer cancel()

	if err := s.ensureConnected(ctx, channelID); err != nil {
		return Added{}, err
	}
	added, err := s.Enqueue(ctx, ref)
	if err != nil || added.Failure != nil {
		return added, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctrl.State() != playback.StatusIdle || s.resume != nil {
		return added, nil
	}

	cur, ok := s.pl.Current()
	if s.halted {
		if next, more := s.pl.Advance(); more {
			cur, ok = next, true
		}
	}
	if !ok {
		return added, nil
	}

	fail, err := s.playLocked(ctx, cur, 0)
	if fail != nil {
		s.dropLocked(cur)
		s.publishLocked()
		added.Failure = fail
		return added, nil
	}
	added.Started = err == nil
	return added, err
}

// Enqueue resolves ref without fetching its audio and appends the result.
func (s *Session) Enqueue(ctx context.Context, ref string) (Added, error) {
	if err := s.alive(); err != nil {
		return Added{}, err
	}
	ctx, cancel := s.scope(ctx)
	defer cancel()

	var tracks []playlist.Track
	if s.deps.Resolver.IsPlaylistReference(ref) {
		ts, fail := s.deps.Resolver.ResolvePlaylist(ctx, ref)
		if fail != nil {
			s.log.Warn("playlist failed to resolve", "url", ref, "kind", fail.Kind, "err", fail.Message)
			return Added{Failure: fail}, nil
		}
		tracks = ts
	} else {
		res := s.deps.Resolver.ResolveMetadata(ctx, ref)
		if !res.OK() {
			s.log.Warn("reference failed to resolve", "url", ref, "kind", res.Failure.Kind, "err", res.Failure.Message)
			return Added{Failure: res.Failure}, nil
		}
		tracks = []playlist.Track{res.Track}
	}

	s.mu.Lock()
	added := s.pl.AddMany(tracks)
	s.publishLocked()
	s.mu.Unlock()

	s.log.Info("enqueued", "url", ref, "count", len(added))
	return Added{Tracks: added}, nil
}

func (s *Session) Skip(ctx context.Context) error {
	return s.step(ctx, "skip", ErrNoNext, (*playlist.Playlist).PeekNext, (*playlist.Playlist).Advance)
}

func (s *Session) Previous(ctx context.Context) error {
	return s.step(ctx, "previous", ErrNoPrevious, (*playlist.Playlist).PeekPrevious, (*playlist.Playlist).Retreat)
}

func (s *Session) step(ctx context.Context, reason string, none error,
	peek, move func(*playlist.Playlist) (playlist.Track, bool),
) error {
	if err := s.alive(); err != nil {
		return err
	}
	if s.resolving.Load() {
		return ErrBusy
	}
	ctx, cancel := s.scope(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pl.Len() == 0 {
		return ErrEmpty
	}
	if _, ok := peek(s.pl); !ok {
		return none
	}

	metrics.ObserveAdvance(reason)
	s.ctrl.Stop()
	t, _ := move(s.pl)
	s.publishLocked()
	return s.startLocked(ctx, t)
}

// completed handles a natural end of stream. It runs on the event loop.
func (s *Session) completed(trackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	// a skip that won the lock has already moved on
	if cur, ok := s.pl.Current(); !ok || cur.ID != trackID || s.ctrl.State() != playback.StatusIdle {
		s.log.Debug("completion superseded", "trackID", trackID)
		return
	}
	metrics.ObserveAdvance("natural")
	s.log.Debug("track finished", "trackID", trackID)

	var next playlist.Track
	var ok bool
	switch n := s.pl.Len(); {
	case n == 0:
	case n == 1:
		if s.pl.Loop {
			next, ok = s.pl.Current()
		}
	default:
		next, ok = s.pl.Advance()
	}
	if !ok {
		s.haltLocked()
		return
	}
	s.publishLocked()

	if err := s.startLocked(s.ctx, next); err != nil && s.ctx.Err() == nil {
		s.log.Error("auto-advance failed", "trackID", next.ID, "err", err)
	}
}

// startLocked plays t. A track that fails to materialize is removed, the
// failure is surfaced, and after the grace period the next candidate is tried
// until one plays or the playlist runs out.
func (s *Session) startLocked(ctx context.Context, t playlist.Track) error {
	for {
		fail, err := s.playLocked(ctx, t, 0)
		if fail == nil {
			return err
		}
		if s.ctx.Err() != nil {
			return ErrClosed
		}

		wasLast := t.Index == s.pl.Len()
		s.dropLocked(t)
		s.publishLocked()
		s.notify(Event{Kind: ResolutionFailed, Track: t, Failure: fail})

		if err := s.sleep(ctx, s.opts.GracePeriod); err != nil {
			return err
		}
		next, ok := s.candidateLocked(wasLast)
		if !ok {
			s.haltLocked()
			return nil
		}
		t = next
	}
}

// dropLocked removes the queue entry t was taken from. The same reference can
// be queued more than once, so the position decides, not the id.
func (s *Session) dropLocked(t playlist.Track) {
	ts := s.pl.Tracks()
	if t.Index >= 1 && t.Index <= len(ts) && ts[t.Index-1].ID == t.ID {
		s.pl.RemoveByIndex(t.Index)
		return
	}
	s.pl.RemoveByID(t.ID)
}

// candidateLocked picks the track to try after the one at the cursor was
// removed.
func (s *Session) candidateLocked(removedLast bool) (playlist.Track, bool) {
	switch n := s.pl.Len(); {
	case n == 0:
		return playlist.Track{}, false
	case n == 1:
		if !s.pl.Loop {
			return playlist.Track{}, false
		}
		return s.pl.Current()
	case removedLast:
		return s.pl.Advance()
	default:
		return s.pl.Current()
	}
}

// playLocked makes sure t has a local asset and starts it. Resolution
// failures come back as a Failure, everything else as an error.
func (s *Session) playLocked(ctx context.Context, t playlist.Track, offset time.Duration) (*resolver.Failure, error) {
	if !assetReady(t) {
		s.resolving.Store(true)
		s.notify(Event{Kind: Resolving, Track: t})
		res := s.deps.Resolver.ResolveAndFetch(ctx, t.SourceURL)
		s.resolving.Store(false)
		if !res.OK() {
			s.log.Warn("track failed to resolve", "trackID", t.ID, "url", t.SourceURL, "kind", res.Failure.Kind, "err", res.Failure.Message)
			return res.Failure, nil
		}
		t.AssetPath = res.Track.AssetPath
		s.pl.SetAsset(t.ID, t.AssetPath)
	}

	if err := s.ctrl.PlayAt(t, offset); err != nil {
		return nil, fmt.Errorf("play %s: %w", t.ID, err)
	}
	s.halted = false
	s.resume = nil
	s.pinLocked(t.AssetPath)
	s.publishLocked()
	s.recordPlay(t)
	s.notify(Event{Kind: NowPlaying, Track: t})
	s.log.Info("now playing", "trackID", t.ID, "title", t.Title)
	return nil, nil
}

func assetReady(t playlist.Track) bool {
	if t.AssetPath == "" {
		return false
	}
	st, err := os.Stat(t.AssetPath)
	return err == nil && st.Size() > 0
}

func (s *Session) haltLocked() {
	if s.ctrl.State() != playback.StatusIdle {
		s.ctrl.Stop()
	}
	s.halted = true
	s.publishLocked()
	s.notify(Event{Kind: QueueEmpty})
}

func (s *Session) pinLocked(path string) {
	if s.deps.Assets == nil || s.pinned == path {
		return
	}
	s.unpinLocked()
	s.deps.Assets.Pin(path)
	s.pinned = path
}

func (s *Session) unpinLocked() {
	if s.deps.Assets == nil || s.pinned == "" {
		return
	}
	s.deps.Assets.Unpin(s.pinned)
	s.pinned = ""
}

func (s *Session) recordPlay(t playlist.Track) {
	if s.deps.Store == nil {
		return
	}
	err := s.deps.Store.RecordPlay(s.ctx, repository.HistoryEntry{
		GuildID:   s.opts.GuildID,
		TrackID:   t.ID,
		Title:     t.Title,
		SourceURL: t.SourceURL,
		StartedAt: s.now(),
	})
	if err != nil {
		s.log.Debug("failed to record play", "trackID", t.ID, "err", err)
	}
}

func (s *Session) Pause() error {
	if err := s.alive(); err != nil {
		return err
	}
	if !s.ctrl.Pause() {
		return ErrNotPlaying
	}
	return nil
}

func (s *Session) Resume() error {
	if err := s.alive(); err != nil {
		return err
	}
	if !s.ctrl.Resume() {
		return ErrNotPaused
	}
	return nil
}

func (s *Session) ToggleLoop(ctx context.Context) (bool, error) {
	return s.toggle(ctx, func(p *playlist.Playlist) *bool { return &p.Loop })
}

func (s *Session) ToggleShuffle(ctx context.Context) (bool, error) {
	return s.toggle(ctx, func(p *playlist.Playlist) *bool { return &p.Shuffle })
}

func (s *Session) toggle(ctx context.Context, flag func(*playlist.Playlist) *bool) (bool, error) {
	if err := s.alive(); err != nil {
		return false, err
	}
	s.mu.Lock()
	f := flag(s.pl)
	*f = !*f
	on := *f
	s.publishLocked()
	s.mu.Unlock()

	s.saveSettings(ctx)
	return on, nil
}

// Remove drops the track at the 1-based index. Removing the playing track
// moves playback on to its successor.
func (s *Session) Remove(ctx context.Context, index int) (playlist.Track, error) {
	if err := s.alive(); err != nil {
		return playlist.Track{}, err
	}
	ctx, cancel := s.scope(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, hasCur := s.pl.Current()
	active := hasCur && cur.Index == index && s.ctrl.State() != playback.StatusIdle
	wasLast := index == s.pl.Len()

	removed, ok := s.pl.RemoveByIndex(index)
	if !ok {
		return playlist.Track{}, ErrOutOfRange
	}
	s.publishLocked()
	if !active {
		return removed, nil
	}

	s.ctrl.Stop()
	var next playlist.Track
	switch {
	case s.pl.Len() == 0:
	case wasLast:
		next, ok = s.pl.Advance()
	default:
		next, ok = s.pl.Current()
	}
	if !ok || s.pl.Len() == 0 {
		s.haltLocked()
		return removed, nil
	}
	return removed, s.startLocked(ctx, next)
}

// Clear stops playback and empties the playlist.
func (s *Session) Clear() error {
	if err := s.alive(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrl.Stop()
	s.pl.Clear()
	s.unpinLocked()
	s.resume = nil
	s.halted = false
	s.publishLocked()
	return nil
}

// ViewPage reads from the last published snapshot and never blocks.
func (s *Session) ViewPage(page int) playlist.Page {
	return playlist.PageOf(s.view.Load().tracks, page, s.pageSize)
}

func (s *Session) History(ctx context.Context, limit int) ([]repository.HistoryEntry, error) {
	if s.deps.Store == nil {
		return nil, nil
	}
	return s.deps.Store.RecentHistory(ctx, s.opts.GuildID, limit)
}

// Status reads without taking the session lock.
func (s *Session) Status() Status {
	v := s.view.Load()
	ps := s.ctrl.Status()
	sup := s.sup.Snapshot()
	return Status{
		SessionID:   s.ID,
		Channel:     s.deps.Transport.CurrentChannel(),
		Track:       ps.Track,
		HasTrack:    ps.HasTrack,
		Playing:     ps.Playing,
		Paused:      ps.Paused,
		Elapsed:     ps.Elapsed,
		Resolving:   s.resolving.Load(),
		Loop:        v.loop,
		Shuffle:     v.shuffle,
		QueueLength: len(v.tracks),
		Position:    v.cursor + 1,
		Connection:  sup.State,
		Attempt:     sup.Attempt,
		MaxAttempts: sup.MaxAttempts,
	}
}

// lost remembers where playback was and hands the channel to the supervisor.
func (s *Session) lost(channelID string) {
	s.mu.Lock()
	st := s.ctrl.Status()
	if st.HasTrack {
		s.resume = &resumePoint{track: st.Track, offset: st.Elapsed, paused: st.Paused}
	}
	s.ctrl.Stop()
	s.mu.Unlock()

	if s.sup.Disconnected(channelID) {
		s.notify(Event{Kind: Reconnecting, ChannelID: channelID})
	}
}

// reconnect is the supervisor's attempt hook.
func (s *Session) reconnect(ctx context.Context, channelID string) error {
	if err := s.alive(); err != nil {
		return err
	}
	v, err := s.deps.Transport.Connect(ctx, channelID)
	if err != nil {
		return err
	}
	s.deps.Sink.Attach(v)

	s.mu.Lock()
	rp := s.resume
	s.resume = nil
	if rp != nil {
		if err := s.ctrl.PlayAt(rp.track, rp.offset); err != nil {
			s.log.Warn("failed to resume after reconnect", "trackID", rp.track.ID, "err", err)
		} else if rp.paused {
			s.ctrl.Pause()
		}
	}
	s.mu.Unlock()

	s.notify(Event{Kind: Reconnected, ChannelID: channelID})
	return nil
}

func (s *Session) gaveUp(channelID string) {
	s.notify(Event{Kind: GaveUp, ChannelID: channelID})
	go s.closeAsync()
}

// Close tears the session down: loops, reconnects, playback, voice and the
// asset directory. It is idempotent and safe on a session that never
// connected.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.log.Info("session teardown")
		s.sup.MarkManual()
		s.cancel()
		s.sup.Stop()
		s.wg.Wait()

		s.mu.Lock()
		s.ctrl.Stop()
		s.ctrl.Detach()
		s.unpinLocked()
		s.pl.Clear()
		s.resume = nil
		s.publishLocked()
		s.mu.Unlock()

		var errs []error
		if err := s.deps.Transport.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
		if c, ok := s.deps.Transport.(interface{ Close() }); ok {
			c.Close()
		}
		if s.deps.Assets != nil {
			if err := s.deps.Assets.Clear(ctx); err != nil {
				errs = append(errs, fmt.Errorf("clear assets: %w", err))
			}
		}

		s.noteMu.Lock()
		s.notesClosed = true
		close(s.notes)
		s.noteMu.Unlock()
		<-s.notesDone

		s.closeErr = errors.Join(errs...)
		close(s.done)
	})
	return s.closeErr
}
