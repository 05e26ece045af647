package config

import "time"

type Config struct {
	DiscordToken          string `yaml:"discord_token"`
	GuildID               string `yaml:"guild_id"`
	VoiceChannelID        string `yaml:"voice_channel_id"`
	RegisterCommandsOnBot bool   `yaml:"register_commands_on_bot"`
	BotStatus             string `yaml:"bot_status"` // online/dnd/idle
	BotActivity           string `yaml:"bot_activity"`

	DataDir         string `yaml:"data_dir"`
	MusicDir        string `yaml:"music_dir"`
	CacheLimitBytes int64  `yaml:"cache_limit"`

	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
	ResolveRetries int           `yaml:"resolve_retries"`
	ResolveRate    float64       `yaml:"resolve_rate"`
	PlaylistLimit  int           `yaml:"playlist_limit"`
	YTDLPCookies   string        `yaml:"ytdlp_cookies"`
	YTDLPInstall   bool          `yaml:"ytdlp_install"`
	FFmpegPath     string        `yaml:"ffmpeg_path"`

	SpotifyClientID     string `yaml:"spotify_client_id"`
	SpotifyClientSecret string `yaml:"spotify_client_secret"`

	GracePeriod     time.Duration `yaml:"grace_period"`
	StopWindow      time.Duration `yaml:"stop_window"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	PageSize        int           `yaml:"page_size"`

	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectThreshold   int           `yaml:"reconnect_threshold"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}
