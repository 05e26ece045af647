package resolver

import (
	"net/url"
	"strings"
)

// IsPlaylistReference classifies a reference by its shape only.
func IsPlaylistReference(raw string) bool {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "spotify:") {
		parts := strings.Split(raw, ":")
		return len(parts) == 3 && isSpotifyCollection(parts[1])
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(strings.TrimPrefix(u.Host, "www."))
	path := strings.Trim(u.Path, "/")

	switch {
	case host == "open.spotify.com":
		first, _, _ := strings.Cut(path, "/")
		return isSpotifyCollection(first)
	case strings.HasSuffix(host, "soundcloud.com"):
		return strings.Contains(path, "/sets/")
	case strings.HasSuffix(host, "bandcamp.com"):
		return strings.HasPrefix(path, "album/")
	}

	if u.Query().Get("list") != "" {
		return true
	}
	return path == "playlist" || strings.HasPrefix(path, "playlist/")
}

func isSpotifyCollection(typ string) bool {
	switch typ {
	case "album", "playlist", "artist":
		return true
	}
	return false
}

func isSpotifyReference(raw string) bool {
	if strings.HasPrefix(raw, "spotify:") {
		return true
	}
	u, err := url.Parse(raw)
	return err == nil && strings.TrimPrefix(strings.ToLower(u.Host), "www.") == "open.spotify.com"
}
