package ui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sonroyaalmerol/kumaqueue/internal/playlist"
	"github.com/sonroyaalmerol/kumaqueue/internal/repository"
	"github.com/sonroyaalmerol/kumaqueue/internal/resolver"
	"github.com/sonroyaalmerol/kumaqueue/internal/session"
	"github.com/sonroyaalmerol/kumaqueue/internal/supervisor"
	"github.com/sonroyaalmerol/kumaqueue/internal/utils"
)

const (
	colorPlaying = 0x006400
	colorPaused  = 0x8B0000
	colorIdle    = 0x992222
	colorWarn    = 0xB8860B

	titleWidth = 80
)

var ErrEmptyQueue = errors.New("queue is empty")

func trackLink(t playlist.Track) string {
	title := utils.EscapeMd(utils.Truncate(t.Title, titleWidth))
	if title == "" {
		title = t.ID
	}
	if t.SourceURL == "" {
		return title
	}
	return fmt.Sprintf("[%s](%s)", title, t.SourceURL)
}

func duration(sec int) string {
	if sec <= 0 {
		return "live"
	}
	return utils.PrettyTime(sec)
}

func modeIcons(st session.Status) string {
	var icons []string
	if st.Loop {
		icons = append(icons, "🔁")
	}
	if st.Shuffle {
		icons = append(icons, "🔀")
	}
	return strings.Join(icons, " ")
}

func progressLine(st session.Status) string {
	pos := int(st.Elapsed.Seconds())
	length := st.Track.Duration
	button := "▶️"
	if st.Paused {
		button = "⏸️"
	}
	elapsed := "live"
	if length > 0 {
		elapsed = fmt.Sprintf("%s/%s", utils.PrettyTime(pos), utils.PrettyTime(length))
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s `[ %s ]` %s", button, ProgressBar(10, st.Elapsed, time.Duration(length)*time.Second), elapsed, modeIcons(st)))
}

func connectionNote(st session.Status) string {
	switch st.Connection {
	case supervisor.Reconnecting:
		return fmt.Sprintf("\n\nReconnecting… attempt %d of %d", st.Attempt, st.MaxAttempts)
	case supervisor.GivenUp:
		return "\n\nVoice connection lost"
	}
	return ""
}

func BuildStatusEmbed(st session.Status) *discordgo.MessageEmbed {
	if !st.HasTrack {
		desc := "No playing song found"
		if st.Resolving {
			desc = "Preparing the next track…"
		}
		return &discordgo.MessageEmbed{
			Title:       "Nothing Playing",
			Description: desc + connectionNote(st),
			Color:       colorIdle,
		}
	}

	title, color := "Now Playing", colorPlaying
	if st.Paused {
		title, color = "Paused", colorPaused
	}
	embed := &discordgo.MessageEmbed{
		Title:       title,
		Description: fmt.Sprintf("**%s**\n\n%s%s", trackLink(st.Track), progressLine(st), connectionNote(st)),
		Color:       color,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Track %d of %d", st.Position, st.QueueLength),
		},
	}
	if st.Track.Uploader != "" {
		embed.Footer.Text = fmt.Sprintf("Source: %s · %s", st.Track.Uploader, embed.Footer.Text)
	}
	if st.Track.Thumbnail != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: st.Track.Thumbnail}
	}
	return embed
}

func BuildQueueEmbed(st session.Status, pg playlist.Page) (*discordgo.MessageEmbed, error) {
	if pg.TotalCount == 0 {
		return nil, ErrEmptyQueue
	}

	var b strings.Builder
	if st.HasTrack {
		fmt.Fprintf(&b, "**%s**\n%s\n\n", trackLink(st.Track), progressLine(st))
	}
	if st.Resolving {
		b.WriteString("Note: preparing the next track…\n\n")
	}
	for _, t := range pg.Items {
		marker := ""
		if t.Index == st.Position {
			marker = " ◀"
		}
		fmt.Fprintf(&b, "`%d.` %s `[ %s ]`%s\n", t.Index, trackLink(t), duration(t.Duration), marker)
	}

	title := "Queue"
	if icons := modeIcons(st); icons != "" {
		title += " " + icons
	}
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: b.String(),
		Color:       colorPlaying,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "In queue", Value: queueInfo(pg.TotalCount), Inline: true},
			{Name: "Page", Value: fmt.Sprintf("%d out of %d", pg.CurrentPage, pg.TotalPages), Inline: true},
		},
	}, nil
}

func queueInfo(n int) string {
	switch n {
	case 0:
		return "-"
	case 1:
		return "1 song"
	}
	return fmt.Sprintf("%d songs", n)
}

func BuildHistoryEmbed(entries []repository.HistoryEntry) *discordgo.MessageEmbed {
	if len(entries) == 0 {
		return &discordgo.MessageEmbed{Title: "Recently Played", Description: "Nothing played yet", Color: colorIdle}
	}
	var b strings.Builder
	for i, e := range entries {
		t := playlist.Track{ID: e.TrackID, Title: e.Title, SourceURL: e.SourceURL}
		fmt.Fprintf(&b, "`%d.` %s <t:%d:R>\n", i+1, trackLink(t), e.StartedAt.Unix())
	}
	return &discordgo.MessageEmbed{Title: "Recently Played", Description: b.String(), Color: colorPlaying}
}

// DescribeFailure turns a resolution failure into a user-facing sentence.
func DescribeFailure(f *resolver.Failure) string {
	switch f.Kind {
	case resolver.AgeRestricted:
		return "that video is age restricted"
	case resolver.Copyright:
		return "that video was taken down for copyright"
	case resolver.RegionBlocked:
		return "that video isn't available in this region"
	case resolver.Private:
		return "that video is private"
	case resolver.AccountTerminated:
		return "the uploader's account was terminated"
	case resolver.Unavailable:
		return "that video is unavailable"
	case resolver.ParseError:
		return "couldn't make sense of that link"
	case resolver.EmptyPlaylist:
		if f.Filtered > 0 {
			return fmt.Sprintf("nothing playable in that playlist (%d entries skipped)", f.Filtered)
		}
		return "that playlist is empty"
	case resolver.MaxRetriesExceeded:
		return "download kept failing, gave up"
	case resolver.Timeout:
		return "took too long to fetch"
	}
	return "couldn't load that"
}

// EventEmbed renders a session event for the text channel. It returns nil for
// events that have nothing to show.
func EventEmbed(ev session.Event) *discordgo.MessageEmbed {
	switch ev.Kind {
	case session.NowPlaying:
		return &discordgo.MessageEmbed{Title: "Now Playing", Description: "**" + trackLink(ev.Track) + "**", Color: colorPlaying}
	case session.ResolutionFailed:
		desc := trackLink(ev.Track)
		if ev.Failure != nil {
			desc += ": " + DescribeFailure(ev.Failure)
		}
		return &discordgo.MessageEmbed{Title: "Skipped", Description: desc, Color: colorWarn}
	case session.QueueEmpty:
		return &discordgo.MessageEmbed{Title: "Queue finished", Description: "Add more with /play", Color: colorIdle}
	case session.Reconnecting:
		return &discordgo.MessageEmbed{Title: "Voice connection lost", Description: "Trying to reconnect…", Color: colorWarn}
	case session.Reconnected:
		return &discordgo.MessageEmbed{Title: "Reconnected", Description: "Picking up where we left off", Color: colorPlaying}
	case session.GaveUp:
		return &discordgo.MessageEmbed{Title: "Disconnected", Description: "Couldn't reconnect to voice, leaving", Color: colorIdle}
	case session.StatusUpdate:
		return BuildStatusEmbed(ev.Status)
	}
	return nil
}
