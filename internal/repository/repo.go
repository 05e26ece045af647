package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

func NewRepo(db *sql.DB) *Repo { return &Repo{db: db} }

func (r *Repo) UpsertSettings(ctx context.Context, guild string, pageSize int) (*Settings, error) {
	if _, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO settings(guild_id, page_size) VALUES (?, ?)`, guild, pageSize,
	); err != nil {
		return nil, err
	}
	return r.GetSettings(ctx, guild)
}

func (r *Repo) GetSettings(ctx context.Context, guild string) (*Settings, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT guild_id, loop, shuffle, page_size FROM settings WHERE guild_id = ?`, guild)

	var s Settings
	var loop, shuffle int
	if err := row.Scan(&s.GuildID, &loop, &shuffle, &s.PageSize); err != nil {
		return nil, err
	}
	s.Loop = loop != 0
	s.Shuffle = shuffle != 0
	return &s, nil
}

func (r *Repo) UpdateSettings(ctx context.Context, s *Settings) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings(guild_id, loop, shuffle, page_size) VALUES (?,?,?,?)
		ON CONFLICT(guild_id) DO UPDATE SET
		  loop=excluded.loop,
		  shuffle=excluded.shuffle,
		  page_size=excluded.page_size`,
		s.GuildID, boolToInt(s.Loop), boolToInt(s.Shuffle), s.PageSize,
	)
	return err
}

func (r *Repo) RecordPlay(ctx context.Context, e HistoryEntry) error {
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO history(guild_id, track_id, title, source_url, started_at) VALUES (?,?,?,?,?)`,
		e.GuildID, e.TrackID, e.Title, e.SourceURL, e.StartedAt.UnixNano(),
	)
	return err
}

// RecentHistory returns the newest entries first.
func (r *Repo) RecentHistory(ctx context.Context, guild string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, guild_id, track_id, title, source_url, started_at
		FROM history WHERE guild_id=? ORDER BY started_at DESC, id DESC LIMIT ?`, guild, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var started int64
		if err := rows.Scan(&e.ID, &e.GuildID, &e.TrackID, &e.Title, &e.SourceURL, &started); err != nil {
			return nil, err
		}
		e.StartedAt = time.Unix(0, started)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repo) AssetTouch(ctx context.Context, trackID, path string, size int64, created bool) error {
	now := time.Now().UnixNano()
	if created {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO assets(track_id, path, bytes, accessed_at, created_at) VALUES (?,?,?,?,?)
			ON CONFLICT(track_id) DO UPDATE SET
			  path=excluded.path, bytes=excluded.bytes, accessed_at=excluded.accessed_at`,
			trackID, path, size, now, now)
		return err
	}
	_, err := r.db.ExecContext(ctx, `UPDATE assets SET accessed_at=? WHERE track_id=?`, now, trackID)
	return err
}

func (r *Repo) AssetRemove(ctx context.Context, trackID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM assets WHERE track_id=?`, trackID)
	return err
}

func (r *Repo) AssetTotalBytes(ctx context.Context) (int64, error) {
	row := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(bytes),0) FROM assets`)
	var v int64
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// AssetOldest returns the least recently used asset whose path is not in
// exclude, or sql.ErrNoRows.
func (r *Repo) AssetOldest(ctx context.Context, exclude []string) (string, string, error) {
	q := `SELECT track_id, path FROM assets`
	args := make([]any, 0, len(exclude))
	if len(exclude) > 0 {
		q += ` WHERE path NOT IN (?` + strings.Repeat(",?", len(exclude)-1) + `)`
		for _, p := range exclude {
			args = append(args, p)
		}
	}
	q += ` ORDER BY accessed_at ASC, rowid ASC LIMIT 1`

	var id, path string
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&id, &path); err != nil {
		return "", "", err
	}
	return id, path, nil
}

func (r *Repo) AssetClear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM assets`)
	return err
}

// IsNotFound reports a missing row.
func IsNotFound(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
