package session

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sonroyaalmerol/kumaqueue/internal/playlist"
	"github.com/sonroyaalmerol/kumaqueue/internal/repository"
	"github.com/sonroyaalmerol/kumaqueue/internal/resolver"
	"github.com/sonroyaalmerol/kumaqueue/internal/transport"
)

func ref(id string) string { return "https://example/" + id }

type fakeVoice struct{}

func (fakeVoice) Speaking(bool) error    { return nil }
func (fakeVoice) Frames() chan<- []byte { return nil }

type fakeTransport struct {
	mu          sync.Mutex
	channel     string
	connects    int
	disconnects int
	failConnect func(n int) error

	lost     chan string
	deserted chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{lost: make(chan string, 1), deserted: make(chan string, 1)}
}

func (f *fakeTransport) Connect(_ context.Context, channelID string) (transport.Voice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnect != nil {
		if err := f.failConnect(f.connects); err != nil {
			return nil, err
		}
	}
	f.channel = channelID
	return fakeVoice{}, nil
}

func (f *fakeTransport) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.channel = ""
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channel != ""
}

func (f *fakeTransport) CurrentChannel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channel
}

func (f *fakeTransport) Lost() <-chan string     { return f.lost }
func (f *fakeTransport) Deserted() <-chan string { return f.deserted }

// drop simulates the gateway kicking the bot out of its channel.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	ch := f.channel
	f.channel = ""
	f.mu.Unlock()
	f.lost <- ch
}

func (f *fakeTransport) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

type sinkStart struct {
	path   string
	offset time.Duration
	onEnd  func(error)
}

type fakeSink struct {
	mu      sync.Mutex
	outputs int
	starts  []sinkStart
	stops   int
}

func (f *fakeSink) Attach(transport.Voice) {
	f.mu.Lock()
	f.outputs++
	f.mu.Unlock()
}

func (f *fakeSink) Start(path string, offset time.Duration, onEnd func(error)) error {
	f.mu.Lock()
	f.starts = append(f.starts, sinkStart{path: path, offset: offset, onEnd: onEnd})
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) Pause()  {}
func (f *fakeSink) Resume() {}

func (f *fakeSink) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

// end finishes the i-th started stream on its own.
func (f *fakeSink) end(i int) {
	f.mu.Lock()
	fn := f.starts[i].onEnd
	f.mu.Unlock()
	fn(nil)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeSink) at(i int) sinkStart {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[i]
}

func (f *fakeSink) last() sinkStart {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[len(f.starts)-1]
}

func (f *fakeSink) outputCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs
}

type fakeResolver struct {
	dir string

	mu        sync.Mutex
	metaFail  map[string]resolver.ErrorKind
	fetchFail map[string]resolver.ErrorKind
	fetches   map[string]int
	playlists map[string][]playlist.Track
}

func newFakeResolver(t *testing.T) *fakeResolver {
	return &fakeResolver{
		dir:       t.TempDir(),
		metaFail:  map[string]resolver.ErrorKind{},
		fetchFail: map[string]resolver.ErrorKind{},
		fetches:   map[string]int{},
		playlists: map[string][]playlist.Track{},
	}
}

func failure(kind resolver.ErrorKind, url string) *resolver.Failure {
	return &resolver.Failure{Kind: kind, Message: kind.String(), SourceURL: url}
}

func (f *fakeResolver) IsPlaylistReference(r string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.playlists[r]
	return ok
}

func (f *fakeResolver) ResolveMetadata(_ context.Context, r string) resolver.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind, ok := f.metaFail[r]; ok {
		return resolver.Result{Failure: failure(kind, r)}
	}
	id := path.Base(r)
	return resolver.Result{Track: playlist.Track{ID: id, Title: "Song " + id, Duration: 180, SourceURL: r}}
}

func (f *fakeResolver) ResolveAndFetch(_ context.Context, r string) resolver.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[r]++
	if kind, ok := f.fetchFail[r]; ok {
		return resolver.Result{Failure: failure(kind, r)}
	}
	id := path.Base(r)
	p := filepath.Join(f.dir, id+".opus")
	if err := os.WriteFile(p, []byte("opus"), 0o644); err != nil {
		return resolver.Result{Failure: failure(resolver.Unknown, r)}
	}
	return resolver.Result{Track: playlist.Track{ID: id, Title: "Song " + id, SourceURL: r, AssetPath: p}}
}

func (f *fakeResolver) ResolvePlaylist(_ context.Context, r string) ([]playlist.Track, *resolver.Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.playlists[r]
	if len(ts) == 0 {
		return nil, failure(resolver.EmptyPlaylist, r)
	}
	return slices.Clone(ts), nil
}

func (f *fakeResolver) fetchCount(r string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[r]
}

type fakeAssets struct {
	mu     sync.Mutex
	pinned map[string]int
	clears int
}

func (f *fakeAssets) Pin(p string) {
	f.mu.Lock()
	f.pinned[p]++
	f.mu.Unlock()
}

func (f *fakeAssets) Unpin(p string) {
	f.mu.Lock()
	f.pinned[p]--
	if f.pinned[p] <= 0 {
		delete(f.pinned, p)
	}
	f.mu.Unlock()
}

func (f *fakeAssets) Clear(context.Context) error {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
	return nil
}

func (f *fakeAssets) pins() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.pinned))
	for k, v := range f.pinned {
		out[k] = v
	}
	return out
}

type fakeStore struct {
	mu       sync.Mutex
	settings map[string]repository.Settings
	history  []repository.HistoryEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{settings: map[string]repository.Settings{}}
}

func (f *fakeStore) UpsertSettings(_ context.Context, guildID string, pageSize int) (*repository.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.settings[guildID]
	if !ok {
		st = repository.Settings{GuildID: guildID, PageSize: pageSize}
		f.settings[guildID] = st
	}
	return &st, nil
}

func (f *fakeStore) UpdateSettings(_ context.Context, s *repository.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[s.GuildID] = *s
	return nil
}

func (f *fakeStore) RecordPlay(_ context.Context, e repository.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, e)
	return nil
}

func (f *fakeStore) RecentHistory(_ context.Context, guildID string, limit int) ([]repository.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.HistoryEntry
	for i := len(f.history) - 1; i >= 0 && len(out) < limit; i-- {
		if f.history[i].GuildID == guildID {
			out = append(out, f.history[i])
		}
	}
	return out, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) find(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func (r *recorder) has(kind EventKind) bool {
	_, ok := r.find(kind)
	return ok
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleeps) got() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.delays)
}

type harness struct {
	tr     *fakeTransport
	sink   *fakeSink
	res    *fakeResolver
	assets *fakeAssets
	store  *fakeStore
	notes  *recorder
	clock  *fakeClock
	sleeps *sleeps
}

func newHarness(t *testing.T) *harness {
	return &harness{
		tr:     newFakeTransport(),
		sink:   &fakeSink{},
		res:    newFakeResolver(t),
		assets: &fakeAssets{pinned: map[string]int{}},
		store:  newFakeStore(),
		notes:  &recorder{},
		clock:  &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		sleeps: &sleeps{},
	}
}

func (h *harness) session(t *testing.T, guildID string, mutate func(*Options)) *Session {
	t.Helper()
	opts := DefaultOptions()
	opts.GuildID = guildID
	opts.RefreshInterval = 0
	if mutate != nil {
		mutate(&opts)
	}
	s := New(context.Background(), Deps{
		Transport: h.tr,
		Resolver:  h.res,
		Sink:      h.sink,
		Assets:    h.assets,
		Store:     h.store,
		Notifier:  h.notes,
	}, opts, WithClock(h.clock.Now), WithSleep(h.sleeps.sleep))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// flush waits until every event queued so far has been handled.
func flush(t *testing.T, s *Session) {
	t.Helper()
	done := make(chan struct{})
	s.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop stuck")
	}
}

func ids(ts []playlist.Track) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}
