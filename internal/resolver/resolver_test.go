package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sonroyaalmerol/kumaqueue/internal/spotify"
)

type fakeExtractor struct {
	mu       sync.Mutex
	meta     map[string]Metadata
	flat     map[string][]Metadata
	extractE error
	block    bool
	gate     chan struct{} // holds Extract until closed

	extracts  atomic.Int32
	downloads atomic.Int32
	failDL    int32 // number of leading downloads that fail
}

func (f *fakeExtractor) Extract(ctx context.Context, ref string) (Metadata, error) {
	f.extracts.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Metadata{}, ctx.Err()
		}
	}
	if f.block {
		<-ctx.Done()
		return Metadata{}, ctx.Err()
	}
	if f.extractE != nil {
		return Metadata{}, f.extractE
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	md, ok := f.meta[ref]
	if !ok {
		return Metadata{}, &ToolError{Op: "extract", Diagnostic: "ERROR: [youtube] x: Video unavailable", Err: errors.New("exit status 1")}
	}
	return md, nil
}

func (f *fakeExtractor) ExtractFlat(_ context.Context, ref string) ([]Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, ok := f.flat[ref]
	if !ok {
		return nil, &ToolError{Op: "extract-flat", Diagnostic: "ERROR: This playlist is private", Err: errors.New("exit status 1")}
	}
	return entries, nil
}

func (f *fakeExtractor) Download(_ context.Context, _, dir, id string) (string, error) {
	n := f.downloads.Add(1)
	if n <= f.failDL {
		return "", &ToolError{Op: "download", Diagnostic: "HTTP Error 403: Forbidden", Err: errors.New("exit status 1")}
	}
	p := filepath.Join(dir, id+".src.webm")
	return p, os.WriteFile(p, []byte("webm"), 0o644)
}

type fakeTranscoder struct {
	calls atomic.Int32
	err   error
}

func (f *fakeTranscoder) Transcode(_ context.Context, in, out string, c Codec) error {
	f.calls.Add(1)
	if f.err != nil {
		return f.err
	}
	if _, err := os.Stat(in); err != nil {
		return err
	}
	return os.WriteFile(out, []byte(c.Name), 0o644)
}

type memStore struct {
	mu     sync.Mutex
	dir    string
	assets map[string]string
}

func newMemStore(t *testing.T) *memStore {
	return &memStore{dir: t.TempDir(), assets: map[string]string{}}
}

func (m *memStore) Lookup(_ context.Context, id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.assets[id]
	return p, ok
}

func (m *memStore) TempDir() string { return m.dir }

func (m *memStore) Commit(_ context.Context, id, tmp string) (string, error) {
	final := filepath.Join(m.dir, id+".opus")
	if err := os.Rename(tmp, final); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.assets[id] = final
	m.mu.Unlock()
	return final, nil
}

type mockCatalog struct{ mock.Mock }

func (m *mockCatalog) Lookup(ctx context.Context, ref string, limit int) ([]spotify.Track, error) {
	args := m.Called(ctx, ref, limit)
	return args.Get(0).([]spotify.Track), args.Error(1)
}

func goodMeta(id string) Metadata {
	return Metadata{ID: id, Title: "Song " + id, Uploader: "Artist", Duration: 213.4, WebpageURL: "https://example/" + id}
}

func newTestResolver(t *testing.T, ext *fakeExtractor, tc *fakeTranscoder) (*Resolver, *memStore) {
	store := newMemStore(t)
	opts := DefaultOptions()
	opts.Timeout = time.Second
	return New(ext, tc, store, opts), store
}

func TestResolveMetadata(t *testing.T) {
	ext := &fakeExtractor{meta: map[string]Metadata{"https://example/valid": goodMeta("v1")}}
	r, _ := newTestResolver(t, ext, &fakeTranscoder{})

	res := r.ResolveMetadata(context.Background(), " https://example/valid ")
	require.True(t, res.OK())
	assert.Equal(t, "v1", res.Track.ID)
	assert.Equal(t, 213, res.Track.Duration)
	assert.Empty(t, res.Track.AssetPath)

	res = r.ResolveMetadata(context.Background(), "https://example/gone")
	require.False(t, res.OK())
	assert.Equal(t, Unavailable, res.Failure.Kind)
	assert.Equal(t, "https://example/gone", res.Failure.SourceURL)
}

func TestResolveMetadataRejectsSoftFailures(t *testing.T) {
	cases := map[string]Metadata{
		"title":    {ID: "a", Title: "[Deleted video]", Uploader: "x", Duration: 10},
		"uploader": {ID: "b", Title: "ok", Uploader: " ", Duration: 10},
		"duration": {ID: "c", Title: "ok", Uploader: "x", Duration: 0},
	}
	for name, md := range cases {
		t.Run(name, func(t *testing.T) {
			ext := &fakeExtractor{meta: map[string]Metadata{"ref": md}}
			r, _ := newTestResolver(t, ext, &fakeTranscoder{})
			res := r.ResolveMetadata(context.Background(), "ref")
			require.False(t, res.OK())
			assert.Equal(t, Unavailable, res.Failure.Kind)
		})
	}
}

func TestResolveAndFetchIsIdempotent(t *testing.T) {
	ext := &fakeExtractor{meta: map[string]Metadata{"u": goodMeta("id1")}}
	tc := &fakeTranscoder{}
	r, store := newTestResolver(t, ext, tc)

	first := r.ResolveAndFetch(context.Background(), "u")
	require.True(t, first.OK())
	second := r.ResolveAndFetch(context.Background(), "u")
	require.True(t, second.OK())

	assert.Equal(t, int32(1), ext.downloads.Load())
	assert.Equal(t, int32(1), tc.calls.Load())
	assert.Equal(t, first.Track.AssetPath, second.Track.AssetPath)
	assert.Equal(t, filepath.Join(store.dir, "id1.opus"), first.Track.AssetPath)

	_, err := os.Stat(filepath.Join(store.dir, "id1.src.webm"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "intermediate must be deleted")
}

func TestResolveAndFetchOutlivesCancelledCaller(t *testing.T) {
	ext := &fakeExtractor{meta: map[string]Metadata{"u": goodMeta("id1")}, gate: make(chan struct{})}
	r, _ := newTestResolver(t, ext, &fakeTranscoder{})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan Result, 1)
	go func() { first <- r.ResolveAndFetch(ctx, "u") }()
	require.Eventually(t, func() bool { return ext.extracts.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan Result, 1)
	go func() { second <- r.ResolveAndFetch(context.Background(), "u") }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	res := <-first
	require.False(t, res.OK())

	close(ext.gate)
	res = <-second
	require.True(t, res.OK(), "the shared fetch is not tied to the first caller")
	assert.Equal(t, int32(1), ext.extracts.Load())
	assert.Equal(t, int32(1), ext.downloads.Load())
}

func TestResolveAndFetchRetriesWholeOperation(t *testing.T) {
	ext := &fakeExtractor{meta: map[string]Metadata{"u": goodMeta("id1")}, failDL: 2}
	r, _ := newTestResolver(t, ext, &fakeTranscoder{})

	res := r.ResolveAndFetch(context.Background(), "u")
	require.True(t, res.OK())
	assert.Equal(t, int32(3), ext.downloads.Load())
	assert.Equal(t, int32(3), ext.extracts.Load(), "metadata is re-resolved on every attempt")
}

func TestResolveAndFetchGivesUp(t *testing.T) {
	ext := &fakeExtractor{meta: map[string]Metadata{"u": goodMeta("id1")}}
	tc := &fakeTranscoder{err: &ToolError{Op: "transcode", Diagnostic: "Unknown encoder", Err: errors.New("exit status 1")}}
	r, store := newTestResolver(t, ext, tc)

	res := r.ResolveAndFetch(context.Background(), "u")
	require.False(t, res.OK())
	assert.Equal(t, MaxRetriesExceeded, res.Failure.Kind)
	assert.Equal(t, int32(3), tc.calls.Load())

	left, _ := filepath.Glob(filepath.Join(store.dir, "*"))
	assert.Empty(t, left, "failed attempts leave no files behind")
}

func TestResolveAndFetchMetadataFailureIsTerminal(t *testing.T) {
	ext := &fakeExtractor{extractE: &ToolError{Op: "extract", Diagnostic: "Sign in to confirm your age", Err: errors.New("exit status 1")}}
	r, _ := newTestResolver(t, ext, &fakeTranscoder{})

	res := r.ResolveAndFetch(context.Background(), "u")
	require.False(t, res.OK())
	assert.Equal(t, AgeRestricted, res.Failure.Kind)
	assert.Equal(t, int32(1), ext.extracts.Load())
}

func TestResolveTimeout(t *testing.T) {
	ext := &fakeExtractor{block: true}
	store := newMemStore(t)
	opts := DefaultOptions()
	opts.Timeout = 20 * time.Millisecond
	r := New(ext, &fakeTranscoder{}, store, opts)

	res := r.ResolveMetadata(context.Background(), "slow")
	require.False(t, res.OK())
	assert.Equal(t, Timeout, res.Failure.Kind)
}

func TestResolvePlaylist(t *testing.T) {
	ext := &fakeExtractor{flat: map[string][]Metadata{
		"pl": {
			goodMeta("a"),
			{ID: "b", Title: "[Private video]", Uploader: "", Duration: 0},
			goodMeta("c"),
		},
		"dead": {
			{ID: "x", Title: "[Deleted video]"},
			{ID: "y", Title: "ok", Uploader: "u", Duration: 0},
		},
	}}
	r, _ := newTestResolver(t, ext, &fakeTranscoder{})

	tracks, fail := r.ResolvePlaylist(context.Background(), "pl")
	require.Nil(t, fail)
	require.Len(t, tracks, 2)
	assert.Equal(t, "a", tracks[0].ID)
	assert.Equal(t, "c", tracks[1].ID)

	tracks, fail = r.ResolvePlaylist(context.Background(), "dead")
	assert.Nil(t, tracks)
	require.NotNil(t, fail)
	assert.Equal(t, EmptyPlaylist, fail.Kind)
	assert.Equal(t, 2, fail.Filtered)

	_, fail = r.ResolvePlaylist(context.Background(), "missing")
	require.NotNil(t, fail)
	assert.Equal(t, Private, fail.Kind)
}

func TestResolvePlaylistLimit(t *testing.T) {
	var entries []Metadata
	for _, id := range []string{"1", "2", "3", "4"} {
		entries = append(entries, goodMeta(id))
	}
	ext := &fakeExtractor{flat: map[string][]Metadata{"pl": entries}}
	store := newMemStore(t)
	opts := DefaultOptions()
	opts.PlaylistLimit = 3
	r := New(ext, &fakeTranscoder{}, store, opts)

	tracks, fail := r.ResolvePlaylist(context.Background(), "pl")
	require.Nil(t, fail)
	assert.Len(t, tracks, 3)
}

func TestSpotifyReferences(t *testing.T) {
	cat := &mockCatalog{}
	cat.On("Lookup", mock.Anything, "spotify:track:t1", 1).
		Return([]spotify.Track{{ID: "t1", Name: "Song", Artist: "Band", DurationMs: 180000}}, nil)
	cat.On("Lookup", mock.Anything, "spotify:album:a1", 100).
		Return([]spotify.Track{{ID: "t1", Name: "Song", Artist: "Band", DurationMs: 180000}, {ID: "t2", Name: "Intro", Artist: "Band"}}, nil)

	ext := &fakeExtractor{meta: map[string]Metadata{"ytsearch1:Band - Song": goodMeta("yt1")}}
	store := newMemStore(t)
	r := New(ext, &fakeTranscoder{}, store, DefaultOptions(), WithCatalog(cat))

	res := r.ResolveMetadata(context.Background(), "spotify:track:t1")
	require.True(t, res.OK())
	assert.Equal(t, "yt1", res.Track.ID)

	tracks, fail := r.ResolvePlaylist(context.Background(), "spotify:album:a1")
	require.Nil(t, fail)
	require.Len(t, tracks, 1, "zero-duration catalog entries are filtered")
	assert.Equal(t, "spotify:t1", tracks[0].ID)
	assert.Equal(t, "ytsearch1:Band - Song", tracks[0].SourceURL)
	assert.Equal(t, 180, tracks[0].Duration)
	cat.AssertExpectations(t)

	noCatalog := New(ext, &fakeTranscoder{}, store, DefaultOptions())
	res = noCatalog.ResolveMetadata(context.Background(), "spotify:track:t1")
	require.False(t, res.OK())
	assert.Equal(t, Unavailable, res.Failure.Kind)
}

func TestFFmpegArgs(t *testing.T) {
	args := ffmpegArgs("in.webm", "out.opus", Opus)
	assert.Contains(t, args, "libopus")
	assert.Contains(t, args, "128k")
	assert.Contains(t, args, "48000")
	assert.Equal(t, "out.opus", args[len(args)-1])
}
