package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open initializes the sqlite store and applies migrations.
func Open(cfg Config, log zerolog.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- chats and subscriptions ----

func (s *sqliteStore) EnsureChat(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats(id, created_at) VALUES(?, ?) ON CONFLICT(id) DO NOTHING`,
		id, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ChatsByIDs(ctx context.Context, ids []int64) ([]Chat, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT id, data, send_timeout_expires_at FROM chats WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		var sendTimeout sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Data, &sendTimeout); err != nil {
			return nil, err
		}
		c.SendTimeoutExpiresAt = timePtr(sendTimeout)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ChatIDsPage(ctx context.Context, offset, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chats ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInt64s(rows)
}

func (s *sqliteStore) DeleteChatsByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	q := `DELETE FROM chats WHERE id IN (` + placeholders(len(ids)) + `)`
	_, err := s.db.ExecContext(ctx, q, int64Args(ids)...)
	return err
}

func (s *sqliteStore) SetChatsSendTimeout(ctx context.Context, ids []int64, d time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	expires := time.Now().Add(d).UnixMilli()
	q := `UPDATE chats SET send_timeout_expires_at = ? WHERE id IN (` + placeholders(len(ids)) + `)`
	args := append([]any{expires}, int64Args(ids)...)
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

func (s *sqliteStore) AddSubscription(ctx context.Context, chatID int64, ch Channel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channels(id, service, title) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET title = CASE WHEN excluded.title != '' THEN excluded.title ELSE channels.title END`,
		ch.ID, ch.Service, ch.Title,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscriptions(chat_id, channel_id) VALUES(?,?) ON CONFLICT DO NOTHING`,
		chatID, ch.ID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) RemoveSubscription(ctx context.Context, chatID int64, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE chat_id = ? AND channel_id = ?`, chatID, channelID)
	return err
}

func (s *sqliteStore) Subscriptions(ctx context.Context, chatID int64) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.service, c.title, c.last_sync_at, c.sync_timeout_expires_at
		 FROM subscriptions s JOIN channels c ON c.id = s.channel_id
		 WHERE s.chat_id = ? ORDER BY c.id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChannels(rows)
}

// ---- channels ----

func (s *sqliteStore) ChannelsForSync(ctx context.Context) ([]Channel, error) {
	now := time.Now().UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service, title, last_sync_at, sync_timeout_expires_at FROM channels
		 WHERE sync_timeout_expires_at IS NULL OR sync_timeout_expires_at < ?
		 ORDER BY last_sync_at IS NOT NULL, last_sync_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChannels(rows)
}

func (s *sqliteStore) SetChannelsSyncTimeout(ctx context.Context, ids []string, d time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	expires := time.Now().Add(d).UnixMilli()
	q := `UPDATE channels SET sync_timeout_expires_at = ? WHERE id IN (` + placeholders(len(ids)) + `)`
	args := append([]any{expires}, stringArgs(ids)...)
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

func (s *sqliteStore) SetChannelsLastSyncAt(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	q := `UPDATE channels SET last_sync_at = ? WHERE id IN (` + placeholders(len(ids)) + `)`
	args := append([]any{at.UnixMilli()}, stringArgs(ids)...)
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

func (s *sqliteStore) CleanUnusedChannels(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM channels WHERE id NOT IN (SELECT DISTINCT channel_id FROM subscriptions)`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- videos and pending deliveries ----

// AddVideoWithDeliveries inserts a newly discovered video and fans out one
// pending delivery per subscriber of its channel, in one transaction. It
// reports false when the video was already known (no fan-out happens, which
// makes checker re-runs after a fence expiry idempotent).
func (s *sqliteStore) AddVideoWithDeliveries(ctx context.Context, v Video) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO videos(id, channel_id, title, url, preview_url, published_at)
		 VALUES(?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		v.ID, v.ChannelID, v.Title, v.URL, v.PreviewURL, v.PublishedAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Rollback()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending_deliveries(chat_id, video_id, created_at)
		 SELECT chat_id, ?, ? FROM subscriptions WHERE channel_id = ?
		 ON CONFLICT DO NOTHING`,
		v.ID, time.Now().UnixMilli(), v.ChannelID,
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) VideoByID(ctx context.Context, id string) (Video, error) {
	var v Video
	var publishedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, title, url, preview_url, published_at FROM videos WHERE id = ?`, id,
	).Scan(&v.ID, &v.ChannelID, &v.Title, &v.URL, &v.PreviewURL, &publishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Video{}, ErrNotFound
	}
	if err != nil {
		return Video{}, err
	}
	v.PublishedAt = time.UnixMilli(publishedAt)
	return v, nil
}

func (s *sqliteStore) VideoWithChannelByID(ctx context.Context, id string) (Video, error) {
	var v Video
	var publishedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT v.id, v.channel_id, c.title, v.title, v.url, v.preview_url, v.published_at
		 FROM videos v JOIN channels c ON c.id = v.channel_id
		 WHERE v.id = ?`, id,
	).Scan(&v.ID, &v.ChannelID, &v.ChannelTitle, &v.Title, &v.URL, &v.PreviewURL, &publishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Video{}, ErrNotFound
	}
	if err != nil {
		return Video{}, err
	}
	v.PublishedAt = time.UnixMilli(publishedAt)
	return v, nil
}

func (s *sqliteStore) ChatIDsWithPending(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT chat_id FROM pending_deliveries ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInt64s(rows)
}

// PendingVideoIDs returns one page of undelivered video ids for a chat in
// insertion order. rowid breaks ties between rows created in the same
// millisecond.
func (s *sqliteStore) PendingVideoIDs(ctx context.Context, chatID int64, limit, offset int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT video_id FROM pending_deliveries WHERE chat_id = ?
		 ORDER BY created_at, rowid LIMIT ? OFFSET ?`, chatID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeletePendingDelivery(ctx context.Context, chatID int64, videoID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_deliveries WHERE chat_id = ? AND video_id = ?`, chatID, videoID)
	return err
}

// ---- scan helpers ----

func scanChannels(rows *sql.Rows) ([]Channel, error) {
	var out []Channel
	for rows.Next() {
		var c Channel
		var lastSync, syncTimeout sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Service, &c.Title, &lastSync, &syncTimeout); err != nil {
			return nil, err
		}
		c.LastSyncAt = timePtr(lastSync)
		c.SyncTimeoutExpiresAt = timePtr(syncTimeout)
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanInt64s(rows *sql.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func stringArgs(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
