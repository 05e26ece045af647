package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/sonroyaalmerol/kumaqueue/internal/metrics"
	"github.com/sonroyaalmerol/kumaqueue/internal/playlist"
	"github.com/sonroyaalmerol/kumaqueue/internal/spotify"
)

// Metadata is what the extraction tool reports for one entry.
type Metadata struct {
	ID          string
	Title       string
	Uploader    string
	UploaderURL string
	Duration    float64
	Thumbnail   string
	WebpageURL  string
	IsLive      bool
}

func (m Metadata) track(fallbackURL string) playlist.Track {
	src := m.WebpageURL
	if src == "" {
		src = fallbackURL
	}
	return playlist.Track{
		ID:          m.ID,
		Title:       strings.TrimSpace(m.Title),
		Uploader:    strings.TrimSpace(m.Uploader),
		UploaderURL: m.UploaderURL,
		Duration:    int(math.Round(m.Duration)),
		Thumbnail:   m.Thumbnail,
		SourceURL:   src,
	}
}

// Extractor is the out-of-process metadata and download tool.
type Extractor interface {
	Extract(ctx context.Context, ref string) (Metadata, error)
	ExtractFlat(ctx context.Context, ref string) ([]Metadata, error)
	// Download stores the best audio of ref under dir using id as the file
	// stem and returns the written path.
	Download(ctx context.Context, ref, dir, id string) (string, error)
}

type Transcoder interface {
	Transcode(ctx context.Context, in, out string, c Codec) error
}

// AssetStore is the shared local asset directory, keyed by track id.
type AssetStore interface {
	Lookup(ctx context.Context, id string) (string, bool)
	TempDir() string
	Commit(ctx context.Context, id, tmpPath string) (string, error)
}

// Catalog maps third-party catalog references to artist/title pairs.
type Catalog interface {
	Lookup(ctx context.Context, ref string, limit int) ([]spotify.Track, error)
}

// Codec is the canonical encoding every fetched asset is normalized to.
type Codec struct {
	Name        string
	Encoder     string
	Ext         string
	BitrateKbps int
	SampleRate  int
	Channels    int
}

var Opus = Codec{Name: "opus", Encoder: "libopus", Ext: ".opus", BitrateKbps: 128, SampleRate: 48000, Channels: 2}

type Options struct {
	Timeout       time.Duration
	Retries       int
	PlaylistLimit int
	Codec         Codec
	// Limiter paces extraction tool invocations; nil disables pacing.
	Limiter *rate.Limiter
}

func DefaultOptions() Options {
	return Options{
		Timeout:       2 * time.Minute,
		Retries:       3,
		PlaylistLimit: 100,
		Codec:         Opus,
	}
}

type Resolver struct {
	ext     Extractor
	tc      Transcoder
	assets  AssetStore
	catalog Catalog
	opts    Options

	inflight singleflight.Group
}

type Option func(*Resolver)

func WithCatalog(c Catalog) Option {
	return func(r *Resolver) { r.catalog = c }
}

func New(ext Extractor, tc Transcoder, assets AssetStore, opts Options, extra ...Option) *Resolver {
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.Codec.Ext == "" {
		opts.Codec = Opus
	}
	r := &Resolver{ext: ext, tc: tc, assets: assets, opts: opts}
	for _, o := range extra {
		o(r)
	}
	return r
}

func (r *Resolver) IsPlaylistReference(ref string) bool { return IsPlaylistReference(ref) }

// ResolveMetadata extracts and validates metadata without materializing an asset.
func (r *Resolver) ResolveMetadata(ctx context.Context, ref string) Result {
	res := r.resolveMetadata(ctx, strings.TrimSpace(ref))
	observe("metadata", res)
	return res
}

func (r *Resolver) resolveMetadata(ctx context.Context, ref string) Result {
	query := ref
	if isSpotifyReference(ref) {
		q, fail := r.catalogQuery(ctx, ref)
		if fail != nil {
			return Result{Failure: fail}
		}
		query = q
	}

	var md Metadata
	err := r.call(ctx, "extract", true, func(ctx context.Context) error {
		var err error
		md, err = r.ext.Extract(ctx, query)
		return err
	})
	if err != nil {
		kind := classifyErr(ctx, err)
		slog.Warn("metadata resolution failed", "url", ref, "kind", kind.String(), "err", err)
		return failed(kind, err.Error(), ref)
	}

	t := md.track(ref)
	if reason, bad := rejectReason(t); bad {
		slog.Warn("metadata rejected", "url", ref, "trackID", t.ID, "reason", reason)
		return failed(Unavailable, reason, ref)
	}
	return resolved(t)
}

// ResolveAndFetch resolves metadata and makes sure the canonical asset exists
// locally. Concurrent calls for the same reference share one execution, which
// keeps running when a caller gives up; only that caller sees the failure.
func (r *Resolver) ResolveAndFetch(ctx context.Context, ref string) Result {
	ref = strings.TrimSpace(ref)
	ch := r.inflight.DoChan(ref, func() (any, error) {
		return r.resolveAndFetch(context.WithoutCancel(ctx), ref), nil
	})

	var res Result
	select {
	case v := <-ch:
		res = v.Val.(Result)
	case <-ctx.Done():
		err := ctx.Err()
		res = failed(classifyErr(ctx, err), err.Error(), ref)
	}
	observe("fetch", res)
	return res
}

func (r *Resolver) resolveAndFetch(ctx context.Context, ref string) Result {
	var lastErr error
	for attempt := 1; attempt <= r.opts.Retries; attempt++ {
		// remote state may change between attempts, so metadata is re-read
		res := r.resolveMetadata(ctx, ref)
		if !res.OK() {
			return res
		}
		t := res.Track

		if p, ok := r.assets.Lookup(ctx, t.ID); ok {
			metrics.ObserveCacheHit()
			t.AssetPath = p
			return resolved(t)
		}

		p, err := r.fetch(ctx, t)
		metrics.ObserveFetch(err == nil)
		if err == nil {
			t.AssetPath = p
			return resolved(t)
		}
		if ctx.Err() != nil {
			return failed(classifyErr(ctx, err), err.Error(), ref)
		}
		lastErr = err
		slog.Warn("asset fetch failed", "url", ref, "trackID", t.ID, "attempt", attempt, "max", r.opts.Retries, "err", err)
	}
	return failed(MaxRetriesExceeded, fmt.Sprintf("gave up after %d attempts: %v", r.opts.Retries, lastErr), ref)
}

func (r *Resolver) fetch(ctx context.Context, t playlist.Track) (string, error) {
	dir := r.assets.TempDir()

	var downloaded string
	err := r.call(ctx, "download", true, func(ctx context.Context) error {
		var err error
		downloaded, err = r.ext.Download(ctx, t.SourceURL, dir, t.ID)
		return err
	})
	if err != nil {
		return "", err
	}

	out := filepath.Join(dir, t.ID+".canonical"+r.opts.Codec.Ext)
	err = r.call(ctx, "transcode", false, func(ctx context.Context) error {
		return r.tc.Transcode(ctx, downloaded, out, r.opts.Codec)
	})
	if rmErr := os.Remove(downloaded); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		slog.Debug("remove intermediate", "path", downloaded, "err", rmErr)
	}
	if err != nil {
		_ = os.Remove(out)
		return "", err
	}
	return r.assets.Commit(ctx, t.ID, out)
}

// ResolvePlaylist enumerates a playlist without fetching assets. Entries
// failing the rejection filter are dropped.
func (r *Resolver) ResolvePlaylist(ctx context.Context, ref string) ([]playlist.Track, *Failure) {
	ref = strings.TrimSpace(ref)
	tracks, fail := r.resolvePlaylist(ctx, ref)
	if fail != nil {
		observe("playlist", Result{Failure: fail})
	} else {
		observe("playlist", Result{})
	}
	return tracks, fail
}

func (r *Resolver) resolvePlaylist(ctx context.Context, ref string) ([]playlist.Track, *Failure) {
	var candidates []playlist.Track
	if isSpotifyReference(ref) {
		if r.catalog == nil {
			return nil, &Failure{Kind: Unavailable, Message: "spotify references are not enabled", SourceURL: ref}
		}
		items, err := r.catalog.Lookup(ctx, ref, r.opts.PlaylistLimit)
		if err != nil {
			return nil, &Failure{Kind: classifyErr(ctx, err), Message: err.Error(), SourceURL: ref}
		}
		for _, it := range items {
			candidates = append(candidates, catalogTrack(it))
		}
	} else {
		var entries []Metadata
		err := r.call(ctx, "extract-flat", true, func(ctx context.Context) error {
			var err error
			entries, err = r.ext.ExtractFlat(ctx, ref)
			return err
		})
		if err != nil {
			kind := classifyErr(ctx, err)
			slog.Warn("playlist resolution failed", "url", ref, "kind", kind.String(), "err", err)
			return nil, &Failure{Kind: kind, Message: err.Error(), SourceURL: ref}
		}
		for _, e := range entries {
			candidates = append(candidates, e.track(""))
		}
	}

	out := make([]playlist.Track, 0, len(candidates))
	filtered := 0
	for _, t := range candidates {
		if reason, bad := rejectReason(t); bad {
			filtered++
			slog.Debug("playlist entry rejected", "url", ref, "trackID", t.ID, "reason", reason)
			continue
		}
		if r.opts.PlaylistLimit > 0 && len(out) >= r.opts.PlaylistLimit {
			break
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, &Failure{
			Kind:      EmptyPlaylist,
			Message:   fmt.Sprintf("no playable entries, %d filtered", filtered),
			SourceURL: ref,
			Filtered:  filtered,
		}
	}
	if filtered > 0 {
		slog.Info("playlist entries filtered", "url", ref, "kept", len(out), "filtered", filtered)
	}
	return out, nil
}

func (r *Resolver) catalogQuery(ctx context.Context, ref string) (string, *Failure) {
	if r.catalog == nil {
		return "", &Failure{Kind: Unavailable, Message: "spotify references are not enabled", SourceURL: ref}
	}
	items, err := r.catalog.Lookup(ctx, ref, 1)
	if err != nil {
		return "", &Failure{Kind: classifyErr(ctx, err), Message: err.Error(), SourceURL: ref}
	}
	if len(items) == 0 {
		return "", &Failure{Kind: Unavailable, Message: "catalog returned no tracks", SourceURL: ref}
	}
	return searchQuery(items[0]), nil
}

// call runs one out-of-process step under the per-call timeout. A step cut
// off by that timeout reports context.DeadlineExceeded.
func (r *Resolver) call(ctx context.Context, op string, paced bool, fn func(context.Context) error) error {
	if paced && r.opts.Limiter != nil {
		if err := r.opts.Limiter.Wait(ctx); err != nil {
			return &ToolError{Op: op, Err: err}
		}
	}
	cctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	err := fn(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return &ToolError{
			Op:         op,
			Diagnostic: fmt.Sprintf("timed out after %s", r.opts.Timeout),
			Err:        context.DeadlineExceeded,
		}
	}
	return err
}

func searchQuery(t spotify.Track) string {
	if t.Artist == "" {
		return "ytsearch1:" + t.Name
	}
	return "ytsearch1:" + t.Artist + " - " + t.Name
}

// catalogTrack keeps the catalog id; the playable source is the search query
// resolved when the track is about to play.
func catalogTrack(t spotify.Track) playlist.Track {
	return playlist.Track{
		ID:        "spotify:" + t.ID,
		Title:     t.Name,
		Uploader:  t.Artist,
		Duration:  int(math.Round(float64(t.DurationMs) / 1000)),
		Thumbnail: t.ImageURL,
		SourceURL: searchQuery(t),
	}
}

func observe(op string, res Result) {
	if res.OK() {
		metrics.ObserveResolution(op, "ok")
		return
	}
	metrics.ObserveResolution(op, res.Failure.Kind.String())
}
