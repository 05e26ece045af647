package resolver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sonroyaalmerol/kumaqueue/internal/utils"
)

// FFmpeg transcodes with the ffmpeg binary.
type FFmpeg struct {
	Bin string
}

func NewFFmpeg(bin string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpeg{Bin: bin}
}

func (f *FFmpeg) Transcode(ctx context.Context, in, out string, c Codec) error {
	cmd := utils.ExecWith(ctx, f.Bin, ffmpegArgs(in, out, c)...)
	output, err := utils.CmdCombinedOutput(cmd)
	if err != nil {
		return &ToolError{Op: "transcode", Diagnostic: lastLines(string(output), 5), Err: err}
	}
	return nil
}

func ffmpegArgs(in, out string, c Codec) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-y",
		"-i", in,
		"-vn",
		"-map_metadata", "-1",
		"-c:a", c.Encoder,
		"-b:a", fmt.Sprintf("%dk", c.BitrateKbps),
		"-ar", strconv.Itoa(c.SampleRate),
		"-ac", strconv.Itoa(c.Channels),
		out,
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
