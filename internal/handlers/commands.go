package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sonroyaalmerol/kumaqueue/internal/autocomplete"
	"github.com/sonroyaalmerol/kumaqueue/internal/config"
	"github.com/sonroyaalmerol/kumaqueue/internal/session"
	"github.com/sonroyaalmerol/kumaqueue/internal/transport"
	"github.com/sonroyaalmerol/kumaqueue/internal/ui"
	"github.com/sonroyaalmerol/kumaqueue/internal/utils"
)

const (
	flagEphemeral = discordgo.MessageFlags(1 << 6)

	historyDefault = 10
	historyMax     = 25
)

type CommandHandler struct {
	cfg     *config.Config
	mgr     *session.Manager
	notes   *channelNotifier
	suggest *autocomplete.Suggester

	routes map[string]func(*discordgo.Session, *discordgo.InteractionCreate)
}

func NewCommandHandler(cfg *config.Config, mgr *session.Manager, notes *channelNotifier, suggest *autocomplete.Suggester) *CommandHandler {
	h := &CommandHandler{cfg: cfg, mgr: mgr, notes: notes, suggest: suggest}
	h.routes = map[string]func(*discordgo.Session, *discordgo.InteractionCreate){
		"play":        h.cmdPlay,
		"next":        h.cmdNext,
		"previous":    h.cmdPrevious,
		"pause":       h.cmdPause,
		"resume":      h.cmdResume,
		"loop":        h.cmdLoop,
		"shuffle":     h.cmdShuffle,
		"queue":       h.cmdQueue,
		"remove":      h.cmdRemove,
		"clear":       h.cmdClear,
		"now-playing": h.cmdNowPlaying,
		"history":     h.cmdHistory,
		"disconnect":  h.cmdDisconnect,
	}
	return h
}

func commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "play",
			Description: "Play a song or playlist (URL, Spotify link, or search)",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "query", Description: "query or URL", Type: discordgo.ApplicationCommandOptionString, Required: true, Autocomplete: true},
			},
		},
		{Name: "next", Description: "skip to the next song"},
		{Name: "previous", Description: "go back in the queue by one song"},
		{Name: "pause", Description: "pause the current song"},
		{Name: "resume", Description: "resume playback"},
		{Name: "loop", Description: "toggle looping the queue"},
		{Name: "shuffle", Description: "toggle shuffle play"},
		{
			Name:        "queue",
			Description: "show the current queue",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "page", Description: "page of queue to show [default: 1]", Type: discordgo.ApplicationCommandOptionInteger},
			},
		},
		{
			Name:        "remove",
			Description: "remove a song from the queue",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "position", Description: "position of the song to remove", Type: discordgo.ApplicationCommandOptionInteger, Required: true},
			},
		},
		{Name: "clear", Description: "stop playback and clear the queue"},
		{Name: "now-playing", Description: "show currently playing"},
		{
			Name:        "history",
			Description: "show recently played songs",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "limit", Description: "how many songs [default: 10, max: 25]", Type: discordgo.ApplicationCommandOptionInteger},
			},
		},
		{Name: "disconnect", Description: "stop playback and leave the voice channel"},
	}
}

func (h *CommandHandler) RegisterCommands(s *discordgo.Session, appID string, guildID string) error {
	start := time.Now()
	slog.Info("registering application commands", "appID", appID, "guildID", guildID)

	cmds := commands()
	if _, err := s.ApplicationCommandBulkOverwrite(appID, guildID, cmds); err != nil {
		slog.Error("failed to register application commands", "guildID", guildID, "err", err)
		return err
	}

	slog.Info("finished registering commands", "guildID", guildID, "count", len(cmds), "took", time.Since(start))
	return nil
}

func (h *CommandHandler) HandleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		slog.Debug("interaction: application command", "guildID", i.GuildID, "userID", userIDOf(i), "command", i.ApplicationCommandData().Name)
		h.handleChatCommand(s, i)
	case discordgo.InteractionApplicationCommandAutocomplete:
		h.handleAutocomplete(s, i)
	default:
		slog.Debug("interaction: ignored type", "type", i.Type, "guildID", i.GuildID)
	}
}

func (h *CommandHandler) handleChatCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	name := i.ApplicationCommandData().Name
	if h.cfg.GuildID != "" && i.GuildID != h.cfg.GuildID {
		h.reply(s, i, "this bot only plays in its home server", true)
		return
	}
	fn, ok := h.routes[name]
	if !ok {
		slog.Debug("unknown command", "name", name, "guildID", i.GuildID, "userID", userIDOf(i))
		return
	}
	fn(s, i)
}

func (h *CommandHandler) handleAutocomplete(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	if data.Name != "play" || h.suggest == nil {
		return
	}
	query := strings.TrimSpace(stringOption(data.Options, "query"))

	choices := []*discordgo.ApplicationCommandOptionChoice{}
	if query != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
		choices = h.suggest.Suggest(ctx, query, 10)
		cancel()
	}
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: choices},
	}); err != nil {
		slog.Debug("autocomplete respond failed", "guildID", i.GuildID, "err", err)
	}
}

func (h *CommandHandler) reply(s *discordgo.Session, i *discordgo.InteractionCreate, content string, ephemeral bool) {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = flagEphemeral
	}
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	}); err != nil {
		slog.Warn("reply failed", "guildID", i.GuildID, "userID", userIDOf(i), "err", err)
	}
}

func (h *CommandHandler) replyEmbed(s *discordgo.Session, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	}); err != nil {
		slog.Warn("reply failed", "guildID", i.GuildID, "userID", userIDOf(i), "err", err)
	}
}

func (h *CommandHandler) deferReply(s *discordgo.Session, i *discordgo.InteractionCreate, ephemeral bool) {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = flagEphemeral
	}
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: flags,
		},
	}); err != nil {
		slog.Warn("defer reply failed", "guildID", i.GuildID, "userID", userIDOf(i), "err", err)
	}
}

func (h *CommandHandler) editReply(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Content: &content,
	}); err != nil {
		slog.Warn("edit reply failed", "guildID", i.GuildID, "userID", userIDOf(i), "err", err)
	}
}

func userInVoice(s *discordgo.Session, guildID, userID string) (channelID string, ok bool) {
	g, _ := s.State.Guild(guildID)
	if g == nil {
		g, _ = s.Guild(guildID)
	}
	if g == nil {
		return "", false
	}
	for _, vs := range g.VoiceStates {
		if vs.UserID == userID && vs.ChannelID != "" {
			return vs.ChannelID, true
		}
	}
	return "", false
}

func userIDOf(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func stringOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	for _, o := range opts {
		if o.Name == name && o.Type == discordgo.ApplicationCommandOptionString {
			return o.StringValue()
		}
	}
	return ""
}

func intOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string, def int) int {
	for _, o := range opts {
		if o.Name == name && o.Type == discordgo.ApplicationCommandOptionInteger {
			return int(o.IntValue())
		}
	}
	return def
}

// errorReply maps an intent error to what the user is told.
func errorReply(err error) string {
	switch {
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrClosed):
		return "not connected"
	case errors.Is(err, session.ErrOtherGuild):
		return "already playing in another server"
	case errors.Is(err, session.ErrNotConnected):
		return "gotta be in a voice channel"
	case errors.Is(err, session.ErrEmpty):
		return "the queue is empty"
	case errors.Is(err, session.ErrNoNext):
		return "no song to skip to"
	case errors.Is(err, session.ErrNoPrevious):
		return "no song to go back to"
	case errors.Is(err, session.ErrBusy):
		return "hang on, still getting a song ready"
	case errors.Is(err, session.ErrOutOfRange):
		return "there's no song at that position"
	case errors.Is(err, session.ErrNotPlaying):
		return "not currently playing"
	case errors.Is(err, session.ErrNotPaused):
		return "not paused"
	case errors.Is(err, transport.ErrAlreadyConnected):
		return "already playing in another voice channel"
	case errors.Is(err, transport.ErrTimeout):
		return "timed out joining the voice channel"
	case errors.Is(err, transport.ErrConnectFailed):
		return "couldn't connect to channel"
	}
	return "internal error"
}

func addedReply(a session.Added) string {
	if a.Failure != nil {
		return "couldn't add that: " + ui.DescribeFailure(a.Failure)
	}
	switch len(a.Tracks) {
	case 0:
		return "nothing was added"
	case 1:
		title := utils.EscapeMd(utils.Truncate(a.Tracks[0].Title, 80))
		if a.Started {
			return fmt.Sprintf("**%s** is now playing", title)
		}
		return fmt.Sprintf("**%s** added to the queue at position %d", title, a.Tracks[0].Index)
	}
	msg := fmt.Sprintf("%d songs added to the queue", len(a.Tracks))
	if a.Started {
		msg += ", starting with **" + utils.EscapeMd(utils.Truncate(a.Tracks[0].Title, 80)) + "**"
	}
	return msg
}

// current replies with the mapped error and returns nil when the guild has no
// session.
func (h *CommandHandler) current(s *discordgo.Session, i *discordgo.InteractionCreate) *session.Session {
	sess, err := h.mgr.Get(i.GuildID)
	if err != nil {
		h.reply(s, i, errorReply(err), true)
		return nil
	}
	return sess
}

func (h *CommandHandler) cmdPlay(s *discordgo.Session, i *discordgo.InteractionCreate) {
	guildID := i.GuildID
	query := strings.TrimSpace(stringOption(i.ApplicationCommandData().Options, "query"))
	if query == "" {
		h.reply(s, i, "give me something to play", true)
		return
	}

	chID := h.cfg.VoiceChannelID
	if chID == "" {
		var ok bool
		chID, ok = userInVoice(s, guildID, userIDOf(i))
		if !ok {
			slog.Debug("user not in voice", "guildID", guildID, "userID", userIDOf(i))
			h.reply(s, i, errorReply(session.ErrNotConnected), true)
			return
		}
	}

	h.deferReply(s, i, false)

	ctx := context.Background()
	sess, err := h.mgr.Acquire(ctx, guildID)
	if err != nil {
		slog.Warn("acquire session failed", "guildID", guildID, "err", err)
		h.editReply(s, i, errorReply(err))
		return
	}
	h.notes.Bind(guildID, i.ChannelID)

	added, err := sess.Start(ctx, chID, query)
	if err != nil {
		slog.Warn("start failed", "guildID", guildID, "channelID", chID, "query", query, "err", err)
		h.editReply(s, i, errorReply(err))
		return
	}
	h.editReply(s, i, addedReply(added))
}

func (h *CommandHandler) cmdNext(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.step(s, i, (*session.Session).Skip, "skipped")
}

func (h *CommandHandler) cmdPrevious(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.step(s, i, (*session.Session).Previous, "back 1 song")
}

// step runs a slow intent behind a deferred reply since it may have to fetch
// the next track first.
func (h *CommandHandler) step(s *discordgo.Session, i *discordgo.InteractionCreate, fn func(*session.Session, context.Context) error, ok string) {
	sess := h.current(s, i)
	if sess == nil {
		return
	}
	h.deferReply(s, i, false)
	if err := fn(sess, context.Background()); err != nil {
		h.editReply(s, i, errorReply(err))
		return
	}
	h.editReply(s, i, ok)
}

func (h *CommandHandler) cmdPause(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.current(s, i)
	if sess == nil {
		return
	}
	if err := sess.Pause(); err != nil {
		h.reply(s, i, errorReply(err), true)
		return
	}
	h.reply(s, i, "the stop-and-go light is now red", false)
}

func (h *CommandHandler) cmdResume(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.current(s, i)
	if sess == nil {
		return
	}
	if err := sess.Resume(); err != nil {
		h.reply(s, i, errorReply(err), true)
		return
	}
	h.reply(s, i, "the stop-and-go light is now green", false)
}

func (h *CommandHandler) cmdLoop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.toggle(s, i, (*session.Session).ToggleLoop, "looping")
}

func (h *CommandHandler) cmdShuffle(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.toggle(s, i, (*session.Session).ToggleShuffle, "shuffle")
}

func (h *CommandHandler) toggle(s *discordgo.Session, i *discordgo.InteractionCreate, fn func(*session.Session, context.Context) (bool, error), what string) {
	sess := h.current(s, i)
	if sess == nil {
		return
	}
	on, err := fn(sess, context.Background())
	if err != nil {
		h.reply(s, i, errorReply(err), true)
		return
	}
	state := "off"
	if on {
		state = "on"
	}
	h.reply(s, i, fmt.Sprintf("%s is now %s", what, state), false)
}

func (h *CommandHandler) cmdQueue(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.current(s, i)
	if sess == nil {
		return
	}
	page := intOption(i.ApplicationCommandData().Options, "page", 1)
	embed, err := ui.BuildQueueEmbed(sess.Status(), sess.ViewPage(page))
	if err != nil {
		h.reply(s, i, errorReply(session.ErrEmpty), true)
		return
	}
	h.replyEmbed(s, i, embed)
}

func (h *CommandHandler) cmdRemove(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.current(s, i)
	if sess == nil {
		return
	}
	pos := intOption(i.ApplicationCommandData().Options, "position", 0)
	h.deferReply(s, i, false)
	removed, err := sess.Remove(context.Background(), pos)
	if err != nil {
		if removed.ID == "" {
			h.editReply(s, i, errorReply(err))
			return
		}
		slog.Warn("remove: successor failed to start", "guildID", i.GuildID, "err", err)
	}
	h.editReply(s, i, fmt.Sprintf(":wastebasket: removed **%s**", utils.EscapeMd(utils.Truncate(removed.Title, 80))))
}

func (h *CommandHandler) cmdClear(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.current(s, i)
	if sess == nil {
		return
	}
	if err := sess.Clear(); err != nil {
		h.reply(s, i, errorReply(err), true)
		return
	}
	h.reply(s, i, "cleared", false)
}

func (h *CommandHandler) cmdNowPlaying(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.current(s, i)
	if sess == nil {
		return
	}
	h.notes.Bind(i.GuildID, i.ChannelID)
	h.replyEmbed(s, i, ui.BuildStatusEmbed(sess.Status()))
}

func (h *CommandHandler) cmdHistory(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.current(s, i)
	if sess == nil {
		return
	}
	limit := max(1, min(intOption(i.ApplicationCommandData().Options, "limit", historyDefault), historyMax))
	entries, err := sess.History(context.Background(), limit)
	if err != nil {
		slog.Error("history lookup failed", "guildID", i.GuildID, "err", err)
		h.reply(s, i, "internal error", true)
		return
	}
	h.replyEmbed(s, i, ui.BuildHistoryEmbed(entries))
}

func (h *CommandHandler) cmdDisconnect(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.deferReply(s, i, false)
	if err := h.mgr.Leave(context.Background(), i.GuildID); err != nil {
		if errors.Is(err, session.ErrNoSession) || errors.Is(err, session.ErrOtherGuild) {
			h.editReply(s, i, errorReply(err))
			return
		}
		slog.Warn("leave finished with errors", "guildID", i.GuildID, "err", err)
	}
	h.editReply(s, i, "bye")
}
