package repository

import (
	"database/sql"
	"time"
)

type Repo struct {
	db *sql.DB
}

type Settings struct {
	GuildID  string
	Loop     bool
	Shuffle  bool
	PageSize int
}

type HistoryEntry struct {
	ID        int64
	GuildID   string
	TrackID   string
	Title     string
	SourceURL string
	StartedAt time.Time
}
