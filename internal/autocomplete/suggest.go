package autocomplete

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sonroyaalmerol/kumaqueue/internal/spotify"
	"github.com/sonroyaalmerol/kumaqueue/internal/utils"
)

const (
	suggestURL = "https://suggestqueries.google.com/complete/search"
	// discord rejects choice names longer than this
	choiceNameMax = 100
)

// Catalog searches a music catalog for albums and tracks.
type Catalog interface {
	Search(ctx context.Context, query string, limit int) ([]spotify.Hit, error)
}

// Suggester completes the play query from YouTube search suggestions and,
// when a catalog is configured, catalog albums and tracks.
type Suggester struct {
	client   *http.Client
	endpoint string
	catalog  Catalog
}

type Option func(*Suggester)

func WithHTTPClient(c *http.Client) Option { return func(s *Suggester) { s.client = c } }
func WithEndpoint(u string) Option         { return func(s *Suggester) { s.endpoint = u } }

// New builds a Suggester. catalog may be nil.
func New(catalog Catalog, opts ...Option) *Suggester {
	s := &Suggester{
		client:   &http.Client{Timeout: 3 * time.Second},
		endpoint: suggestURL,
		catalog:  catalog,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Suggester) youtube(ctx context.Context, query string) ([]string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("client", "firefox")
	q.Set("ds", "yt")
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("suggest: status %d", resp.StatusCode)
	}

	// ["query", ["suggestion", ...], ...]
	var parsed []any
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("suggest: %w", err)
	}
	if len(parsed) < 2 {
		return nil, nil
	}
	arr, ok := parsed[1].([]any)
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if str, ok := v.(string); ok && str != "" {
			out = append(out, str)
		}
	}
	return out, nil
}

// Suggest returns at most limit choices. Catalog hits take up to half of the
// slots; lookup failures only shrink the result.
func (s *Suggester) Suggest(ctx context.Context, query string, limit int) []*discordgo.ApplicationCommandOptionChoice {
	if limit <= 0 {
		limit = 10
	}
	out := make([]*discordgo.ApplicationCommandOptionChoice, 0, limit)

	var hits []spotify.Hit
	if s.catalog != nil {
		var err error
		hits, err = s.catalog.Search(ctx, query, limit/2)
		if err != nil {
			slog.Debug("catalog suggestions failed", "query", query, "err", err)
		}
		if len(hits) > limit/2 {
			hits = hits[:limit/2]
		}
	}

	yt, err := s.youtube(ctx, query)
	if err != nil {
		slog.Debug("youtube suggestions failed", "query", query, "err", err)
	}
	for _, v := range yt {
		if len(out) >= limit-len(hits) {
			break
		}
		out = append(out, choice("YouTube: "+v, v))
	}

	for _, h := range hits {
		icon := "🎵"
		if h.Kind == "album" {
			icon = "💿"
		}
		name := fmt.Sprintf("Spotify: %s %s", icon, h.Name)
		if h.Artist != "" {
			name += " - " + h.Artist
		}
		out = append(out, choice(name, h.URI))
	}
	return out
}

func choice(name, value string) *discordgo.ApplicationCommandOptionChoice {
	return &discordgo.ApplicationCommandOptionChoice{
		Name:  utils.Truncate(name, choiceNameMax),
		Value: utils.Truncate(value, choiceNameMax),
	}
}
