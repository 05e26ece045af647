package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ErrConfig string

func (e ErrConfig) Error() string { return string(e) }

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func Defaults() Config {
	return Config{
		BotStatus:            "online",
		BotActivity:          "music",
		DataDir:              "./data",
		CacheLimitBytes:      1 << 30,
		ResolveTimeout:       120 * time.Second,
		ResolveRetries:       3,
		ResolveRate:          2,
		PlaylistLimit:        100,
		FFmpegPath:           "ffmpeg",
		GracePeriod:          3 * time.Second,
		StopWindow:           time.Second,
		RefreshInterval:      15 * time.Second,
		PageSize:             5,
		ReconnectMaxAttempts: 15,
		ReconnectBaseDelay:   15 * time.Second,
		ReconnectMaxDelay:    300 * time.Second,
		ReconnectThreshold:   5,
		MetricsAddr:          ":9090",
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// LoadConfig reads .env, then the YAML file named by CONFIG_FILE, then the
// environment. Later sources win.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not read .env", "err", err)
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MusicDir == "" {
		cfg.MusicDir = filepath.Join(cfg.DataDir, "music")
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return ErrConfig(fmt.Sprintf("parse %s: %v", path, err))
	}
	return nil
}

func applyEnv(cfg *Config) error {
	p := envParser{}

	p.str("DISCORD_TOKEN", &cfg.DiscordToken)
	p.str("GUILD_ID", &cfg.GuildID)
	p.str("VOICE_CHANNEL_ID", &cfg.VoiceChannelID)
	p.boolean("REGISTER_COMMANDS_ON_BOT", &cfg.RegisterCommandsOnBot)
	p.str("BOT_STATUS", &cfg.BotStatus)
	p.str("BOT_ACTIVITY", &cfg.BotActivity)

	p.str("DATA_DIR", &cfg.DataDir)
	p.str("MUSIC_DIR", &cfg.MusicDir)
	p.integer64("CACHE_LIMIT", &cfg.CacheLimitBytes)

	p.duration("RESOLVE_TIMEOUT", &cfg.ResolveTimeout)
	p.integer("RESOLVE_RETRIES", &cfg.ResolveRetries)
	p.float("RESOLVE_RATE", &cfg.ResolveRate)
	p.integer("PLAYLIST_LIMIT", &cfg.PlaylistLimit)
	p.str("YTDLP_COOKIES", &cfg.YTDLPCookies)
	p.boolean("YTDLP_INSTALL", &cfg.YTDLPInstall)
	p.str("FFMPEG_PATH", &cfg.FFmpegPath)

	p.str("SPOTIFY_CLIENT_ID", &cfg.SpotifyClientID)
	p.str("SPOTIFY_CLIENT_SECRET", &cfg.SpotifyClientSecret)

	p.duration("GRACE_PERIOD", &cfg.GracePeriod)
	p.duration("STOP_WINDOW", &cfg.StopWindow)
	p.duration("REFRESH_INTERVAL", &cfg.RefreshInterval)
	p.integer("PAGE_SIZE", &cfg.PageSize)

	p.integer("RECONNECT_MAX_ATTEMPTS", &cfg.ReconnectMaxAttempts)
	p.duration("RECONNECT_BASE_DELAY", &cfg.ReconnectBaseDelay)
	p.duration("RECONNECT_MAX_DELAY", &cfg.ReconnectMaxDelay)
	p.integer("RECONNECT_THRESHOLD", &cfg.ReconnectThreshold)

	if v, ok := os.LookupEnv("METRICS_ADDR"); ok {
		cfg.MetricsAddr = v // empty disables the server
	}
	p.str("LOG_LEVEL", &cfg.LogLevel)
	p.str("LOG_FORMAT", &cfg.LogFormat)

	return errors.Join(p.errs...)
}

func (c *Config) validate() error {
	switch {
	case c.DiscordToken == "":
		return ErrConfig("DISCORD_TOKEN required")
	case c.ResolveRetries < 1:
		return ErrConfig("RESOLVE_RETRIES must be at least 1")
	case c.ResolveTimeout <= 0:
		return ErrConfig("RESOLVE_TIMEOUT must be positive")
	case c.PageSize < 1:
		return ErrConfig("PAGE_SIZE must be at least 1")
	case c.ReconnectMaxAttempts < 1:
		return ErrConfig("RECONNECT_MAX_ATTEMPTS must be at least 1")
	case c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay:
		return ErrConfig("RECONNECT_MAX_DELAY must be at least RECONNECT_BASE_DELAY")
	}
	return nil
}

// SlogLevel maps LogLevel onto slog; unknown names mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type envParser struct {
	errs []error
}

func (p *envParser) fail(key, val string, err error) {
	p.errs = append(p.errs, ErrConfig(fmt.Sprintf("%s=%q: %v", key, val, err)))
}

func (p *envParser) str(key string, dst *string) {
	*dst = getenv(key, *dst)
}

func (p *envParser) integer(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

func (p *envParser) integer64(key string, dst *int64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

func (p *envParser) float(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = f
}

// duration accepts Go duration strings or a bare number of seconds.
func (p *envParser) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = d
}

func (p *envParser) boolean(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = b
}
