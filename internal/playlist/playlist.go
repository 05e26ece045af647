package playlist

import (
	"fmt"
	"math/rand/v2"
)

// Playlist is the ordered queue plus cursor. It has no locking of its own;
// the owning session serializes access.
type Playlist struct {
	tracks []Track
	cursor int

	Loop    bool
	Shuffle bool

	intn        func(n int) int
	shuffleNext int
}

func New() *Playlist {
	return NewWithRand(rand.IntN)
}

// NewWithRand uses intn as the random source for shuffle mode.
func NewWithRand(intn func(n int) int) *Playlist {
	return &Playlist{cursor: -1, intn: intn, shuffleNext: -1}
}

func (p *Playlist) Len() int    { return len(p.tracks) }
func (p *Playlist) Cursor() int { return p.cursor }

// Tracks returns a copy of the queue in order.
func (p *Playlist) Tracks() []Track {
	out := make([]Track, len(p.tracks))
	copy(out, p.tracks)
	return out
}

func (p *Playlist) Add(t Track) Track {
	t.Index = len(p.tracks) + 1
	p.tracks = append(p.tracks, t)
	if len(p.tracks) == 1 {
		p.cursor = 0
	}
	p.shuffleNext = -1
	p.check()
	return t
}

func (p *Playlist) AddMany(ts []Track) []Track {
	out := make([]Track, 0, len(ts))
	for _, t := range ts {
		out = append(out, p.Add(t))
	}
	return out
}

// RemoveByIndex removes the track with the given 1-based index. Missing
// indices are ignored so racing removals stay harmless.
func (p *Playlist) RemoveByIndex(i int) (Track, bool) {
	if i < 1 || i > len(p.tracks) {
		return Track{}, false
	}
	return p.removeAt(i - 1), true
}

func (p *Playlist) RemoveByID(id string) (Track, bool) {
	for pos, t := range p.tracks {
		if t.ID == id {
			return p.removeAt(pos), true
		}
	}
	return Track{}, false
}

func (p *Playlist) removeAt(pos int) Track {
	removed := p.tracks[pos]
	p.tracks = append(p.tracks[:pos], p.tracks[pos+1:]...)

	switch {
	case len(p.tracks) == 0:
		p.cursor = -1
	case pos < p.cursor:
		p.cursor--
	case pos == p.cursor:
		p.cursor = min(p.cursor, len(p.tracks)-1)
	}
	p.reindex()
	p.shuffleNext = -1
	p.check()
	return removed
}

// Clear drops every track and resets the cursor.
func (p *Playlist) Clear() {
	p.tracks = nil
	p.cursor = -1
	p.shuffleNext = -1
}

func (p *Playlist) Current() (Track, bool) {
	if p.cursor < 0 {
		return Track{}, false
	}
	return p.tracks[p.cursor], true
}

func (p *Playlist) PeekNext() (Track, bool) {
	i, ok := p.nextIndex()
	if !ok {
		return Track{}, false
	}
	return p.tracks[i], true
}

func (p *Playlist) PeekPrevious() (Track, bool) {
	i, ok := p.prevIndex()
	if !ok {
		return Track{}, false
	}
	return p.tracks[i], true
}

func (p *Playlist) Advance() (Track, bool) {
	i, ok := p.nextIndex()
	if !ok {
		return Track{}, false
	}
	p.cursor = i
	p.shuffleNext = -1
	p.check()
	return p.tracks[i], true
}

func (p *Playlist) Retreat() (Track, bool) {
	i, ok := p.prevIndex()
	if !ok {
		return Track{}, false
	}
	p.cursor = i
	p.shuffleNext = -1
	p.check()
	return p.tracks[i], true
}

// SetAsset records the materialized asset for every track with the given id.
func (p *Playlist) SetAsset(id, path string) bool {
	found := false
	for i := range p.tracks {
		if p.tracks[i].ID == id {
			p.tracks[i].AssetPath = path
			found = true
		}
	}
	return found
}

// Paginate returns a window of the queue. page is clamped into
// [1, TotalPages] and TotalPages is at least 1.
func (p *Playlist) Paginate(page, perPage int) Page {
	return PageOf(p.tracks, page, perPage)
}

// PageOf slices tracks into 1-based pages, clamping page into range.
func PageOf(tracks []Track, page, perPage int) Page {
	if perPage < 1 {
		perPage = 1
	}
	total := len(tracks)
	pages := max(1, (total+perPage-1)/perPage)
	page = max(1, min(page, pages))

	start := (page - 1) * perPage
	end := min(start+perPage, total)
	items := make([]Track, 0, max(0, end-start))
	if start < end {
		items = append(items, tracks[start:end]...)
	}
	return Page{Items: items, CurrentPage: page, TotalPages: pages, TotalCount: total}
}

// single-track playlists never navigate; replay is the controller's job
func (p *Playlist) nextIndex() (int, bool) {
	n := len(p.tracks)
	if n <= 1 {
		return 0, false
	}
	if p.Shuffle {
		if p.shuffleNext < 0 {
			// pick among the n-1 other slots
			j := p.intn(n - 1)
			if j >= p.cursor {
				j++
			}
			p.shuffleNext = j
		}
		return p.shuffleNext, true
	}
	if p.cursor+1 < n {
		return p.cursor + 1, true
	}
	if p.Loop {
		return 0, true
	}
	return 0, false
}

func (p *Playlist) prevIndex() (int, bool) {
	n := len(p.tracks)
	if n <= 1 {
		return 0, false
	}
	if p.cursor > 0 {
		return p.cursor - 1, true
	}
	if p.Loop {
		return n - 1, true
	}
	return 0, false
}

func (p *Playlist) reindex() {
	for i := range p.tracks {
		p.tracks[i].Index = i + 1
	}
}

func (p *Playlist) check() {
	n := len(p.tracks)
	if (n == 0) != (p.cursor == -1) {
		panic(fmt.Sprintf("playlist: cursor %d with %d tracks", p.cursor, n))
	}
	if n > 0 && (p.cursor < 0 || p.cursor >= n) {
		panic(fmt.Sprintf("playlist: cursor %d out of range [0,%d)", p.cursor, n))
	}
	for i, t := range p.tracks {
		if t.Index != i+1 {
			panic(fmt.Sprintf("playlist: track %q has index %d at position %d", t.ID, t.Index, i+1))
		}
	}
}
