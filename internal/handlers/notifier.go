package handlers

import (
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/sonroyaalmerol/kumaqueue/internal/session"
	"github.com/sonroyaalmerol/kumaqueue/internal/ui"
)

// Poster is the slice of the discord REST API the notifier uses.
type Poster interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// channelNotifier posts session events to the text channel the last command
// came from. Status refreshes edit a single message per track instead of
// posting a new one.
type channelNotifier struct {
	api Poster

	mu       sync.Mutex
	channels map[string]string // guild -> text channel
	status   map[string]string // guild -> status message
}

func newChannelNotifier(api Poster) *channelNotifier {
	return &channelNotifier{
		api:      api,
		channels: map[string]string{},
		status:   map[string]string{},
	}
}

// Bind routes the guild's events to channelID.
func (n *channelNotifier) Bind(guildID, channelID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channels[guildID] != channelID {
		delete(n.status, guildID)
	}
	n.channels[guildID] = channelID
}

func (n *channelNotifier) Notify(ev session.Event) {
	embed := ui.EventEmbed(ev)
	if embed == nil {
		return
	}

	n.mu.Lock()
	ch := n.channels[ev.GuildID]
	statusID := n.status[ev.GuildID]
	if ev.Kind == session.NowPlaying || ev.Kind == session.GaveUp {
		delete(n.status, ev.GuildID)
	}
	n.mu.Unlock()
	if ch == "" {
		return
	}

	if ev.Kind != session.StatusUpdate {
		if _, err := n.api.ChannelMessageSendEmbed(ch, embed); err != nil {
			slog.Warn("post event failed", "guildID", ev.GuildID, "channelID", ch, "kind", ev.Kind, "err", err)
		}
		return
	}

	if statusID != "" {
		if _, err := n.api.ChannelMessageEditEmbed(ch, statusID, embed); err == nil {
			return
		}
		slog.Debug("status message gone, posting a new one", "guildID", ev.GuildID, "messageID", statusID)
	}
	msg, err := n.api.ChannelMessageSendEmbed(ch, embed)
	if err != nil {
		slog.Warn("post status failed", "guildID", ev.GuildID, "channelID", ch, "err", err)
		return
	}
	n.mu.Lock()
	if n.channels[ev.GuildID] == ch {
		n.status[ev.GuildID] = msg.ID
	}
	n.mu.Unlock()
}
