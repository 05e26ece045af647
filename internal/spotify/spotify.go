package spotify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"
)

type Track struct {
	ID         string
	Name       string
	Artist     string
	DurationMs int
	ImageURL   string
}

type Client struct {
	raw    *spotify.Client
	market string
}

func NewClientCredentials(clientID, clientSecret string) *Client {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}
	httpClient := cfg.Client(context.Background())
	cl := spotify.New(httpClient, spotify.WithRetry(true))
	return &Client{raw: cl, market: "US"}
}

func ParseID(raw string) (typ string, id spotify.ID, err error) {
	if strings.HasPrefix(raw, "spotify:") {
		parts := strings.Split(raw, ":")
		if len(parts) == 3 {
			return parts[1], spotify.ID(parts[2]), nil
		}
		return "", "", fmt.Errorf("invalid spotify URI")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Host != "open.spotify.com" && u.Host != "www.open.spotify.com" {
		return "", "", fmt.Errorf("not a spotify URL")
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// localized links look like /intl-de/track/<id>
	if len(parts) > 0 && strings.HasPrefix(parts[0], "intl-") {
		parts = parts[1:]
	}
	if len(parts) < 2 {
		return "", "", fmt.Errorf("invalid spotify URL path")
	}
	switch parts[0] {
	case "album", "playlist", "track", "artist":
		return parts[0], spotify.ID(parts[1]), nil
	}
	return "", "", fmt.Errorf("unsupported spotify type %q", parts[0])
}

// Lookup expands a track, album, playlist or artist reference into at most
// limit tracks (0 means no limit).
func (c *Client) Lookup(ctx context.Context, ref string, limit int) ([]Track, error) {
	typ, id, err := ParseID(ref)
	if err != nil {
		return nil, err
	}
	switch typ {
	case "track":
		t, err := c.raw.GetTrack(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("spotify track %s: %w", id, err)
		}
		return []Track{fromFull(t)}, nil
	case "album":
		return c.album(ctx, id, limit)
	case "playlist":
		return c.playlist(ctx, id, limit)
	case "artist":
		return c.artistTop(ctx, id, limit)
	}
	return nil, fmt.Errorf("unsupported spotify type %q", typ)
}

func (c *Client) album(ctx context.Context, id spotify.ID, limit int) ([]Track, error) {
	alb, err := c.raw.GetAlbum(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("spotify album %s: %w", id, err)
	}
	image := firstImage(alb.Images)
	page, err := c.raw.GetAlbumTracks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("spotify album tracks %s: %w", id, err)
	}
	var out []Track
	add := func(items []spotify.SimpleTrack) {
		for _, t := range items {
			if limit > 0 && len(out) >= limit {
				return
			}
			tr := fromSimple(t)
			tr.ImageURL = image
			out = append(out, tr)
		}
	}
	add(page.Tracks)
	for page.Next != "" && (limit == 0 || len(out) < limit) {
		if err := c.raw.NextPage(ctx, page); err != nil {
			break
		}
		add(page.Tracks)
	}
	return out, nil
}

func (c *Client) playlist(ctx context.Context, id spotify.ID, limit int) ([]Track, error) {
	page, err := c.raw.GetPlaylistItems(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("spotify playlist %s: %w", id, err)
	}
	var out []Track
	add := func(items []spotify.PlaylistItem) {
		for _, it := range items {
			if limit > 0 && len(out) >= limit {
				return
			}
			if it.Track.Track != nil {
				out = append(out, fromFull(it.Track.Track))
			}
		}
	}
	add(page.Items)
	for page.Next != "" && (limit == 0 || len(out) < limit) {
		if err := c.raw.NextPage(ctx, page); err != nil {
			break
		}
		add(page.Items)
	}
	return out, nil
}

func (c *Client) artistTop(ctx context.Context, id spotify.ID, limit int) ([]Track, error) {
	full, err := c.raw.GetArtistsTopTracks(ctx, id, c.market)
	if err != nil {
		return nil, fmt.Errorf("spotify artist %s: %w", id, err)
	}
	out := make([]Track, 0, len(full))
	for i := range full {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, fromFull(&full[i]))
	}
	return out, nil
}

func fromSimple(t spotify.SimpleTrack) Track {
	return Track{ID: t.ID.String(), Name: t.Name, Artist: firstArtist(t.Artists), DurationMs: int(t.Duration)}
}

func fromFull(t *spotify.FullTrack) Track {
	tr := fromSimple(t.SimpleTrack)
	tr.ImageURL = firstImage(t.Album.Images)
	return tr
}

func firstImage(imgs []spotify.Image) string {
	if len(imgs) == 0 {
		return ""
	}
	return imgs[0].URL
}

// Hit is one catalog search result.
type Hit struct {
	Kind   string // "album" or "track"
	Name   string
	Artist string
	URI    string
}

// Search returns up to limit albums followed by up to limit tracks.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	res, err := c.raw.Search(ctx, query, spotify.SearchTypeAlbum|spotify.SearchTypeTrack, spotify.Limit(limit))
	if err != nil {
		return nil, fmt.Errorf("spotify search: %w", err)
	}
	var out []Hit
	if res.Albums != nil {
		for _, a := range res.Albums.Albums {
			if len(out) >= limit {
				break
			}
			out = append(out, Hit{Kind: "album", Name: a.Name, Artist: firstArtist(a.Artists), URI: "spotify:album:" + a.ID.String()})
		}
	}
	if res.Tracks != nil {
		n := 0
		for _, t := range res.Tracks.Tracks {
			if n >= limit {
				break
			}
			out = append(out, Hit{Kind: "track", Name: t.Name, Artist: firstArtist(t.Artists), URI: "spotify:track:" + t.ID.String()})
			n++
		}
	}
	return out, nil
}

func firstArtist(as []spotify.SimpleArtist) string {
	if len(as) == 0 {
		return ""
	}
	return as[0].Name
}
