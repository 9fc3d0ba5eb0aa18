package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig SQLite 後端設定
type SQLiteConfig struct {
	Path            string
	TabID           string
	PollInterval    time.Duration
	BusyTimeout     time.Duration
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteStore 以 SQLite 檔案作為 Origin 的儲存
//
// 每次寫入都以單一 upsert 陳述式完成，並配發全域遞增的 version；
// Watch 以 version 輪詢，並略過 writer 為自己的列。
type SQLiteStore struct {
	db       *sql.DB
	id       string
	interval time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// OpenSQLite 開啟（必要時建立並遷移）SQLite 儲存
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.TabID == "" {
		cfg.TabID = NewTabID()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	// Busy timeout helps when several tabs write at once.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path,
		int(cfg.BusyTimeout.Milliseconds()),
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{
		db:       db,
		id:       cfg.TabID,
		interval: cfg.PollInterval,
		done:     make(chan struct{}),
	}, nil
}

// ID 回傳分頁 ID
func (s *SQLiteStore) ID() string { return s.id }

func (s *SQLiteStore) checkOpen(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get 讀取鍵值
func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	if err := s.checkOpen(key); err != nil {
		return nil, false, err
	}

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ? AND deleted = 0;`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

// Set 以單一陳述式原子替換鍵值
func (s *SQLiteStore) Set(key string, value []byte) error {
	if err := s.checkOpen(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.Exec(`
INSERT INTO kv(key, value, deleted, version, writer, updated_at_ns)
VALUES(?, ?, 0, (SELECT COALESCE(MAX(version), 0) + 1 FROM kv), ?, ?)
ON CONFLICT(key) DO UPDATE SET
  value = excluded.value,
  deleted = 0,
  version = excluded.version,
  writer = excluded.writer,
  updated_at_ns = excluded.updated_at_ns;`,
		key, value, s.id, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Remove 將鍵標記為刪除（保留列以便其他分頁偵測到移除）
func (s *SQLiteStore) Remove(key string) error {
	if err := s.checkOpen(key); err != nil {
		return err
	}

	_, err := s.db.Exec(`
UPDATE kv SET
  value = NULL,
  deleted = 1,
  version = (SELECT COALESCE(MAX(version), 0) + 1 FROM kv),
  writer = ?,
  updated_at_ns = ?
WHERE key = ? AND deleted = 0;`,
		s.id, time.Now().UnixNano(), key)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// Watch 依 version 輪詢其他分頁的變更
func (s *SQLiteStore) Watch(ctx context.Context) (<-chan Change, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM kv;`).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to read store version: %w", err)
	}

	ch := make(chan Change, watchBuffer)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		version := last.Int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				next, err := s.poll(ctx, version, ch)
				if err != nil {
					log.Error("Failed to poll sqlite store", "error", err)
					continue
				}
				version = next
			}
		}
	}()

	return ch, nil
}

func (s *SQLiteStore) poll(ctx context.Context, since int64, ch chan<- Change) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, writer, deleted, version FROM kv WHERE version > ? ORDER BY version;`, since)
	if err != nil {
		return since, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key, writer string
			deleted     bool
			version     int64
		)
		if err := rows.Scan(&key, &writer, &deleted, &version); err != nil {
			return since, err
		}
		since = version
		if writer == s.id {
			continue
		}
		sendChange(ch, Change{Key: key, Writer: writer, Removed: deleted})
	}
	return since, rows.Err()
}

// Close 關閉資料庫並停止所有 watcher
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	return s.db.Close()
}
