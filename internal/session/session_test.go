package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sonroyaalmerol/kumaqueue/internal/playlist"
	"github.com/sonroyaalmerol/kumaqueue/internal/repository"
	"github.com/sonroyaalmerol/kumaqueue/internal/resolver"
	"github.com/sonroyaalmerol/kumaqueue/internal/supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const wait = 2 * time.Second

func queueIDs(s *Session) []string {
	return ids(s.ViewPage(1).Items)
}

func TestStartOnEmptyPlaylist(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)

	added, err := s.Start(context.Background(), "c1", ref("a"))
	require.NoError(t, err)
	assert.True(t, added.Started)
	assert.Nil(t, added.Failure)
	require.Len(t, added.Tracks, 1)
	assert.Equal(t, 1, added.Tracks[0].Index)

	st := s.Status()
	assert.True(t, st.Playing)
	assert.False(t, st.Paused)
	assert.Zero(t, st.Elapsed)
	assert.Equal(t, "a", st.Track.ID)
	assert.Equal(t, 1, st.Position)
	assert.Equal(t, 1, st.QueueLength)
	assert.Equal(t, "c1", st.Channel)
	assert.Equal(t, supervisor.Stable, st.Connection)

	assert.Equal(t, 1, h.sink.count())
	assert.Equal(t, 1, h.sink.outputCount())
	require.Eventually(t, func() bool { return h.notes.has(NowPlaying) }, wait, time.Millisecond)
	ev, _ := h.notes.find(NowPlaying)
	assert.Equal(t, "a", ev.Track.ID)
	assert.Equal(t, "g1", ev.GuildID)
}

func TestStartWhilePlayingOnlyEnqueues(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	added, err := s.Start(ctx, "c1", ref("b"))
	require.NoError(t, err)

	assert.False(t, added.Started)
	assert.Equal(t, "a", s.Status().Track.ID)
	assert.Equal(t, []string{"a", "b"}, queueIDs(s))
	assert.Zero(t, h.res.fetchCount(ref("b")), "enqueue resolves metadata only")
	connects, _ := h.tr.counts()
	assert.Equal(t, 1, connects)
}

func TestStartSurfacesResolutionFailure(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	h.res.metaFail[ref("x")] = resolver.Private

	added, err := s.Start(context.Background(), "c1", ref("x"))
	require.NoError(t, err)
	require.NotNil(t, added.Failure)
	assert.Equal(t, resolver.Private, added.Failure.Kind)
	assert.Empty(t, added.Tracks)
	assert.Zero(t, s.Status().QueueLength)
	assert.False(t, s.Status().Playing)
}

func TestStartDropsTrackThatCannotBeFetched(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	h.res.fetchFail[ref("x")] = resolver.Copyright

	added, err := s.Start(context.Background(), "c1", ref("x"))
	require.NoError(t, err)
	require.NotNil(t, added.Failure)
	assert.Equal(t, resolver.Copyright, added.Failure.Kind)
	assert.False(t, added.Started)
	assert.Zero(t, s.Status().QueueLength)
	assert.Zero(t, h.sink.count())
}

func TestStartWithPlaylistReference(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	h.res.playlists["https://example/list"] = []playlist.Track{
		{ID: "p1", Title: "One", SourceURL: ref("p1")},
		{ID: "p2", Title: "Two", SourceURL: ref("p2")},
		{ID: "p3", Title: "Three", SourceURL: ref("p3")},
	}

	added, err := s.Start(context.Background(), "c1", "https://example/list")
	require.NoError(t, err)
	assert.True(t, added.Started)
	assert.Equal(t, []string{"p1", "p2", "p3"}, ids(added.Tracks))
	assert.Equal(t, "p1", s.Status().Track.ID)
}

func TestSingleTrackCompletionHalts(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	h.sink.end(0)

	require.Eventually(t, func() bool { return h.notes.has(QueueEmpty) }, wait, time.Millisecond)
	st := s.Status()
	assert.False(t, st.Playing)
	assert.Equal(t, 1, st.Position, "cursor unchanged")
	assert.Equal(t, []string{"a"}, queueIDs(s))
	assert.Equal(t, 1, h.sink.count())

	// a new request after the halt plays the new track, not the finished one
	added, err := s.Start(ctx, "c1", ref("b"))
	require.NoError(t, err)
	assert.True(t, added.Started)
	assert.Equal(t, "b", s.Status().Track.ID)
	assert.Equal(t, 2, s.Status().Position)
}

func TestSingleTrackLoopReplays(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	on, err := s.ToggleLoop(ctx)
	require.NoError(t, err)
	require.True(t, on)

	h.sink.end(0)
	require.Eventually(t, func() bool { return h.sink.count() == 2 }, wait, time.Millisecond)
	assert.Equal(t, h.sink.at(0).path, h.sink.last().path)
	assert.Equal(t, 1, h.res.fetchCount(ref("a")), "the asset is reused")
	assert.True(t, s.Status().Playing)
}

func TestCompletionAdvances(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, ref("b"))
	require.NoError(t, err)

	h.sink.end(0)
	require.Eventually(t, func() bool { return s.Status().Track.ID == "b" }, wait, time.Millisecond)
	assert.Equal(t, 2, s.Status().Position)
	assert.Equal(t, 1, h.res.fetchCount(ref("b")))
}

func TestFailedAdvanceRemovesTrackAndRetries(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	for _, id := range []string{"b", "c"} {
		_, err = s.Enqueue(ctx, ref(id))
		require.NoError(t, err)
	}
	h.res.mu.Lock()
	h.res.fetchFail[ref("b")] = resolver.Unavailable
	h.res.mu.Unlock()

	h.sink.end(0)
	require.Eventually(t, func() bool { return s.Status().Track.ID == "c" }, wait, time.Millisecond)

	if diff := cmp.Diff([]string{"a", "c"}, queueIDs(s)); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, s.Status().Position)
	assert.Contains(t, h.sleeps.got(), 3*time.Second, "grace period before retrying")

	require.Eventually(t, func() bool { return h.notes.has(ResolutionFailed) }, wait, time.Millisecond)
	ev, _ := h.notes.find(ResolutionFailed)
	assert.Equal(t, "b", ev.Track.ID)
	assert.Equal(t, resolver.Unavailable, ev.Failure.Kind)
}

func TestFailedAdvanceOnLastTrackHalts(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, ref("b"))
	require.NoError(t, err)
	h.res.mu.Lock()
	h.res.fetchFail[ref("b")] = resolver.RegionBlocked
	h.res.mu.Unlock()

	h.sink.end(0)
	require.Eventually(t, func() bool { return h.notes.has(QueueEmpty) }, wait, time.Millisecond)
	assert.False(t, s.Status().Playing)
	assert.Equal(t, []string{"a"}, queueIDs(s))
	assert.Equal(t, 1, h.sink.count())
}

func TestFailedDuplicateRemovesOnlyThatEntry(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	for _, id := range []string{"b", "a"} {
		_, err = s.Enqueue(ctx, ref(id))
		require.NoError(t, err)
	}
	h.res.mu.Lock()
	h.res.fetchFail[ref("a")] = resolver.Unavailable
	h.res.mu.Unlock()

	h.sink.end(0)
	require.Eventually(t, func() bool { return s.Status().Track.ID == "b" }, wait, time.Millisecond)
	h.sink.end(1)
	require.Eventually(t, func() bool { return h.notes.has(QueueEmpty) }, wait, time.Millisecond)

	if diff := cmp.Diff([]string{"a", "b"}, queueIDs(s)); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
	ev, _ := h.notes.find(ResolutionFailed)
	assert.Equal(t, "a", ev.Track.ID)
	assert.Equal(t, 3, ev.Track.Index)
	assert.Equal(t, 2, h.sink.count())
}

func TestSkipAndPrevious(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Skip(ctx), ErrNoNext)
	assert.ErrorIs(t, s.Previous(ctx), ErrNoPrevious)
	assert.Equal(t, "a", s.Status().Track.ID, "still playing")

	_, err = s.Enqueue(ctx, ref("b"))
	require.NoError(t, err)
	require.NoError(t, s.Skip(ctx))
	assert.Equal(t, "b", s.Status().Track.ID)
	require.NoError(t, s.Previous(ctx))
	assert.Equal(t, "a", s.Status().Track.ID)

	assert.Equal(t, 3, h.sink.count())
	assert.Equal(t, 1, h.res.fetchCount(ref("a")))
}

func TestSkipOnEmptyQueue(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	assert.ErrorIs(t, s.Skip(context.Background()), ErrEmpty)
}

func TestSkipInvalidatesPendingCompletion(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	for _, id := range []string{"b", "c"} {
		_, err = s.Enqueue(ctx, ref(id))
		require.NoError(t, err)
	}

	require.NoError(t, s.Skip(ctx))
	h.clock.Add(5 * time.Second)
	h.sink.end(0)
	flush(t, s)

	assert.Equal(t, "b", s.Status().Track.ID)
	assert.Equal(t, 2, s.Status().Position)
	assert.Equal(t, 2, h.sink.count())
}

func TestSkipRacingCompletionAdvancesOncePerIntent(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	for _, id := range []string{"b", "c", "d"} {
		_, err = s.Enqueue(ctx, ref(id))
		require.NoError(t, err)
	}
	h.clock.Add(5 * time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.sink.end(0)
	}()
	go func() {
		defer wg.Done()
		_ = s.Skip(ctx)
	}()
	wg.Wait()
	flush(t, s)

	pos := s.Status().Position
	assert.Contains(t, []int{2, 3}, pos)
	assert.Equal(t, pos, h.sink.count(), "one stream per advance")
}

func TestRemoveActiveTrackPlaysSuccessor(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	for _, id := range []string{"b", "c"} {
		_, err = s.Enqueue(ctx, ref(id))
		require.NoError(t, err)
	}

	removed, err := s.Remove(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", removed.ID)
	assert.Equal(t, "b", s.Status().Track.ID)
	assert.Equal(t, []string{"b", "c"}, queueIDs(s))

	removed, err = s.Remove(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "c", removed.ID)
	assert.Equal(t, "b", s.Status().Track.ID, "removing a queued track leaves playback alone")

	_, err = s.Remove(ctx, 7)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestRemoveLastPlayingTrackHalts(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, ref("b"))
	require.NoError(t, err)
	require.NoError(t, s.Skip(ctx))

	_, err = s.Remove(ctx, 2)
	require.NoError(t, err)
	assert.False(t, s.Status().Playing)
	assert.Equal(t, []string{"a"}, queueIDs(s))
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	assert.ErrorIs(t, s.Pause(), ErrNotPlaying)
	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)

	h.clock.Add(10 * time.Second)
	require.NoError(t, s.Pause())
	assert.ErrorIs(t, s.Pause(), ErrNotPlaying)
	h.clock.Add(time.Minute)
	st := s.Status()
	assert.True(t, st.Paused)
	assert.Equal(t, 10*time.Second, st.Elapsed)

	require.NoError(t, s.Resume())
	assert.ErrorIs(t, s.Resume(), ErrNotPaused)
	h.clock.Add(5 * time.Second)
	assert.Equal(t, 15*time.Second, s.Status().Elapsed)
}

func TestClear(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	require.NoError(t, s.Clear())

	st := s.Status()
	assert.False(t, st.Playing)
	assert.Zero(t, st.QueueLength)
	assert.Zero(t, st.Position)
	assert.Empty(t, h.assets.pins())
}

func TestRefreshSkippedWhileLocked(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)

	_, err := s.Start(context.Background(), "c1", ref("a"))
	require.NoError(t, err)

	s.mu.Lock()
	assert.False(t, s.refresh(), "refresh does not wait for the lock")
	s.mu.Unlock()

	assert.True(t, s.refresh())
	require.Eventually(t, func() bool { return h.notes.has(StatusUpdate) }, wait, time.Millisecond)
	ev, _ := h.notes.find(StatusUpdate)
	assert.Equal(t, "a", ev.Status.Track.ID)
}

func TestSettingsAndHistory(t *testing.T) {
	h := newHarness(t)
	h.store.settings["g1"] = repository.Settings{GuildID: "g1", Loop: true, PageSize: 2}
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	assert.True(t, s.Status().Loop)
	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	for _, id := range []string{"b", "c"} {
		_, err = s.Enqueue(ctx, ref(id))
		require.NoError(t, err)
	}
	pg := s.ViewPage(2)
	assert.Equal(t, 2, pg.TotalPages)
	assert.Equal(t, []string{"c"}, ids(pg.Items))

	on, err := s.ToggleLoop(ctx)
	require.NoError(t, err)
	assert.False(t, on)
	on, err = s.ToggleShuffle(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, repository.Settings{GuildID: "g1", Shuffle: true, PageSize: 2}, h.store.settings["g1"])

	hist, err := s.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "a", hist[0].TrackID)
	assert.True(t, hist[0].StartedAt.Equal(h.clock.Now()))
}

func TestPlayingAssetIsPinned(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "c1", ref("a"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, ref("b"))
	require.NoError(t, err)
	pathA := h.sink.last().path
	assert.Equal(t, map[string]int{pathA: 1}, h.assets.pins())

	require.NoError(t, s.Skip(ctx))
	assert.Equal(t, map[string]int{h.sink.last().path: 1}, h.assets.pins())

	require.NoError(t, s.Close(ctx))
	assert.Empty(t, h.assets.pins())
	assert.Equal(t, 1, h.assets.clears)
}

func TestVoiceLossResumesAtOffset(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)

	_, err := s.Start(context.Background(), "c1", ref("a"))
	require.NoError(t, err)
	h.clock.Add(30 * time.Second)
	h.tr.drop()

	require.Eventually(t, func() bool { return h.sink.count() == 2 }, wait, time.Millisecond)
	last := h.sink.last()
	assert.Equal(t, 30*time.Second, last.offset)
	assert.Equal(t, h.sink.at(0).path, last.path)

	require.Eventually(t, func() bool { return h.notes.has(Reconnected) }, wait, time.Millisecond)
	assert.True(t, h.notes.has(Reconnecting))
	require.Eventually(t, func() bool { return s.Status().Connection == supervisor.Stable }, wait, time.Millisecond)
	connects, disconnects := h.tr.counts()
	assert.Equal(t, 2, connects)
	assert.Zero(t, disconnects)
	assert.Equal(t, 2, h.sink.outputCount())
	assert.Contains(t, h.sleeps.got(), 15*time.Second)
}

func TestGiveUpTearsDown(t *testing.T) {
	h := newHarness(t)
	h.tr.failConnect = func(n int) error {
		if n > 1 {
			return errors.New("gateway unavailable")
		}
		return nil
	}
	s := h.session(t, "g1", func(o *Options) { o.Policy.MaxAttempts = 2 })

	_, err := s.Start(context.Background(), "c1", ref("a"))
	require.NoError(t, err)
	h.tr.drop()

	select {
	case <-s.Done():
	case <-time.After(wait):
		t.Fatal("session was not torn down")
	}
	assert.True(t, h.notes.has(GaveUp))
	connects, disconnects := h.tr.counts()
	assert.Equal(t, 3, connects)
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, h.assets.clears)
	assert.ErrorIs(t, s.Skip(context.Background()), ErrClosed)
}

func TestDesertedChannelLeaves(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)

	_, err := s.Start(context.Background(), "c1", ref("a"))
	require.NoError(t, err)
	h.tr.deserted <- "c1"

	select {
	case <-s.Done():
	case <-time.After(wait):
		t.Fatal("session was not torn down")
	}
	connects, disconnects := h.tr.counts()
	assert.Equal(t, 1, connects, "leaving an empty channel never reconnects")
	assert.Equal(t, 1, disconnects)
	assert.False(t, h.notes.has(Reconnecting))
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, "g1", nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Close(context.Background()))
		}()
	}
	wg.Wait()

	_, disconnects := h.tr.counts()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, h.assets.clears)

	_, err := s.Start(context.Background(), "c1", ref("a"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Clear(), ErrClosed)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "ResolutionFailed", ResolutionFailed.String())
	assert.Equal(t, "EventKind(42)", EventKind(42).String())
}
