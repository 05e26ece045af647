package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ytdlp "github.com/lrstanley/go-ytdlp"
)

// YTDLP implements Extractor on top of the yt-dlp binary.
type YTDLP struct {
	cookies     string
	install     bool
	installOnce sync.Once
}

type YTDLPOption func(*YTDLP)

func WithCookies(path string) YTDLPOption {
	return func(y *YTDLP) { y.cookies = path }
}

// WithAutoInstall downloads a yt-dlp build on first use when none is on PATH.
func WithAutoInstall() YTDLPOption {
	return func(y *YTDLP) { y.install = true }
}

func NewYTDLP(opts ...YTDLPOption) *YTDLP {
	y := &YTDLP{}
	for _, o := range opts {
		o(y)
	}
	return y
}

func (y *YTDLP) command() *ytdlp.Command {
	y.installOnce.Do(func() {
		if !y.install {
			return
		}
		if _, err := ytdlp.Install(context.Background(), nil); err != nil {
			slog.Warn("yt-dlp install failed", "err", err)
		}
	})
	cmd := ytdlp.New().NoCheckCertificates().NoWarnings()
	if y.cookies != "" {
		cmd = cmd.Cookies(y.cookies)
	}
	return cmd
}

func (y *YTDLP) Extract(ctx context.Context, ref string) (Metadata, error) {
	res, err := y.command().
		Format("ba[acodec^=opus]/ba[ext=m4a]/bestaudio/best").
		NoPlaylist().
		DumpJSON().
		Run(ctx, ref)
	if err != nil {
		return Metadata{}, toolError("extract", res, err)
	}
	infos, err := res.GetExtractedInfo()
	if err != nil {
		return Metadata{}, &ToolError{Op: "extract", Diagnostic: "invalid json from yt-dlp", Err: err}
	}
	for _, info := range infos {
		if info == nil {
			continue
		}
		// search references come back as a container with one entry
		if len(info.Entries) > 0 {
			for _, e := range info.Entries {
				if e != nil {
					return metadataOf(e), nil
				}
			}
			continue
		}
		return metadataOf(info), nil
	}
	return Metadata{}, &ToolError{Op: "extract", Diagnostic: "video unavailable: no entries returned", Err: errors.New("empty result")}
}

func (y *YTDLP) ExtractFlat(ctx context.Context, ref string) ([]Metadata, error) {
	res, err := y.command().
		FlatPlaylist().
		DumpSingleJSON().
		Run(ctx, ref)
	if err != nil {
		return nil, toolError("extract-flat", res, err)
	}
	infos, err := res.GetExtractedInfo()
	if err != nil {
		return nil, &ToolError{Op: "extract-flat", Diagnostic: "invalid json from yt-dlp", Err: err}
	}

	var out []Metadata
	for _, info := range infos {
		if info == nil {
			continue
		}
		if len(info.Entries) == 0 {
			out = append(out, metadataOf(info))
			continue
		}
		for _, e := range info.Entries {
			if e == nil {
				continue
			}
			out = append(out, metadataOf(e))
		}
	}
	return out, nil
}

func (y *YTDLP) Download(ctx context.Context, ref, dir, id string) (string, error) {
	tmpl := filepath.Join(dir, id+".src.%(ext)s")
	res, err := y.command().
		Format("bestaudio/best").
		NoPlaylist().
		NoPart().
		Output(tmpl).
		Run(ctx, ref)
	if err != nil {
		return "", toolError("download", res, err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, id+".src.*"))
	if err != nil {
		return "", fmt.Errorf("locate download: %w", err)
	}
	for _, m := range matches {
		if st, err := os.Stat(m); err == nil && st.Size() > 0 {
			return m, nil
		}
	}
	return "", &ToolError{Op: "download", Diagnostic: "no output file written", Err: os.ErrNotExist}
}

func toolError(op string, res *ytdlp.Result, err error) error {
	diag := ""
	if res != nil {
		diag = strings.TrimSpace(res.Stderr)
	}
	return &ToolError{Op: op, Diagnostic: diag, Err: err}
}

func metadataOf(e *ytdlp.ExtractedInfo) Metadata {
	md := Metadata{
		ID:          e.ID,
		Title:       str(e.Title),
		Uploader:    str(e.Uploader),
		UploaderURL: str(e.UploaderURL),
		Duration:    num(e.Duration),
		IsLive:      flag(e.IsLive),
		WebpageURL:  str(e.WebpageURL),
	}
	if md.Uploader == "" {
		md.Uploader = str(e.Channel)
	}
	if md.UploaderURL == "" {
		md.UploaderURL = str(e.ChannelURL)
	}
	if md.WebpageURL == "" {
		md.WebpageURL = str(e.URL)
	}
	if md.WebpageURL == "" && md.ID != "" {
		md.WebpageURL = "https://www.youtube.com/watch?v=" + md.ID
	}
	md.Thumbnail = str(e.Thumbnail)
	if md.Thumbnail == "" {
		// flat entries carry only the thumbnail list; the last is the largest
		for i := len(e.Thumbnails) - 1; i >= 0; i-- {
			if t := e.Thumbnails[i]; t != nil && t.URL != "" {
				md.Thumbnail = t.URL
				break
			}
		}
	}
	return md
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func num(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func flag(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}
