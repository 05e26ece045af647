package handlers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sonroyaalmerol/kumaqueue/internal/autocomplete"
	"github.com/sonroyaalmerol/kumaqueue/internal/cache"
	"github.com/sonroyaalmerol/kumaqueue/internal/config"
	"github.com/sonroyaalmerol/kumaqueue/internal/repository"
	"github.com/sonroyaalmerol/kumaqueue/internal/resolver"
	"github.com/sonroyaalmerol/kumaqueue/internal/session"
	"github.com/sonroyaalmerol/kumaqueue/internal/stream"
	"github.com/sonroyaalmerol/kumaqueue/internal/supervisor"
	"github.com/sonroyaalmerol/kumaqueue/internal/transport"
)

const shutdownTimeout = 10 * time.Second

type Bot struct {
	cfg     *config.Config
	repo    *repository.Repo
	assets  *cache.AssetCache
	res     *resolver.Resolver
	suggest *autocomplete.Suggester

	dg    *discordgo.Session
	mgr   *session.Manager
	notes *channelNotifier
	cmd   *CommandHandler
}

func NewBot(cfg *config.Config, repo *repository.Repo, assets *cache.AssetCache, res *resolver.Resolver, suggest *autocomplete.Suggester) *Bot {
	b := &Bot{cfg: cfg, repo: repo, assets: assets, res: res, suggest: suggest}
	b.mgr = session.NewManager(b.newSession)
	return b
}

func sessionOptions(cfg *config.Config, guildID string) session.Options {
	opts := session.DefaultOptions()
	opts.GuildID = guildID
	opts.GracePeriod = cfg.GracePeriod
	opts.StopWindow = cfg.StopWindow
	opts.RefreshInterval = cfg.RefreshInterval
	if cfg.PageSize > 0 {
		opts.PageSize = cfg.PageSize
	}
	opts.Policy = supervisor.Policy{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxDelay:    cfg.ReconnectMaxDelay,
		Threshold:   cfg.ReconnectThreshold,
	}
	return opts
}

func (b *Bot) newSession(ctx context.Context, guildID string) (*session.Session, error) {
	if b.dg == nil {
		return nil, errors.New("gateway not open")
	}
	if guildID == "" {
		return nil, errors.New("guild required")
	}
	sess := session.New(ctx, session.Deps{
		Transport: transport.NewDiscord(b.dg, guildID),
		Resolver:  b.res,
		Sink:      stream.NewVoiceSink(),
		Assets:    b.assets,
		Store:     b.repo,
		Notifier:  b.notes,
	}, sessionOptions(b.cfg, guildID))
	slog.Info("session created", "guildID", guildID, "sessionID", sess.ID)
	return sess, nil
}

func presence(cfg *config.Config) discordgo.GatewayStatusUpdate {
	status := cfg.BotStatus
	switch status {
	case "online", "dnd", "idle", "invisible":
	default:
		status = "online"
	}
	p := discordgo.GatewayStatusUpdate{Status: status}
	if cfg.BotActivity != "" {
		p.Game = discordgo.Activity{Name: cfg.BotActivity, Type: discordgo.ActivityTypeListening}
	}
	return p
}

func (b *Bot) Run(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + b.cfg.DiscordToken)
	if err != nil {
		return err
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	dg.Identify.Presence = presence(b.cfg)

	b.dg = dg
	b.notes = newChannelNotifier(dg)
	b.cmd = NewCommandHandler(b.cfg, b.mgr, b.notes, b.suggest)

	// On ready: register commands depending on configuration
	dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		slog.Info("connected", "user", s.State.User.Username)
		appID := s.State.User.ID

		if b.cfg.RegisterCommandsOnBot {
			if err := b.cmd.RegisterCommands(s, appID, ""); err != nil {
				slog.Error("register global commands", "err", err)
			} else {
				slog.Info("registered global application commands")
			}
			return
		}

		var wg sync.WaitGroup
		for _, g := range s.State.Guilds {
			wg.Add(1)
			go func(guildID string) {
				defer wg.Done()
				if err := b.cmd.RegisterCommands(s, appID, guildID); err != nil {
					slog.Error("register guild commands", "guild", guildID, "err", err)
				}
			}(g.ID)
		}
		wg.Wait()

		if _, err := s.ApplicationCommandBulkOverwrite(appID, "", []*discordgo.ApplicationCommand{}); err != nil {
			slog.Error("clear global commands", "err", err)
		} else {
			slog.Info("cleared global application commands")
		}
		slog.Info("registered commands on all guilds")
	})

	// If registering per-guild, register on new guilds too
	dg.AddHandler(func(s *discordgo.Session, g *discordgo.GuildCreate) {
		if b.cfg.RegisterCommandsOnBot {
			return
		}
		if err := b.cmd.RegisterCommands(s, s.State.User.ID, g.ID); err != nil {
			slog.Error("register guild commands on join", "guild", g.ID, "err", err)
		}
	})

	dg.AddHandler(b.cmd.HandleInteraction)

	if err := dg.Open(); err != nil {
		return err
	}
	defer dg.Close()

	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.mgr.Shutdown(sctx); err != nil {
		slog.Warn("session shutdown finished with errors", "err", err)
	}
	return nil
}
