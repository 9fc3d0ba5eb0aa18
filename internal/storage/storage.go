// ============================================================================
// oxmon-sync Durable Store - 持久化鍵值儲存
// ============================================================================
//
// Package: internal/storage
// 文件: storage.go
// 功能: 模擬瀏覽器 per-origin 持久化儲存（localStorage + storage 事件）
//
// 模型:
//   - Origin: 多個執行環境（分頁）共享的儲存空間
//   - Tab:    一個執行環境對 Origin 的存取把手，以 uuid 識別
//   - Set:    單鍵原子替換，永遠不會部分寫入
//   - Watch:  只回報「其他」分頁造成的變更；寫入者自己不會收到
//
// 後端:
//   - memory: 同一行程內共享的 Origin，用於測試與示範
//   - file:   每個鍵一個 JSON 檔，temp file + rename 原子寫入，輪詢偵測變更
//   - sqlite: 單一 kv 表，以版本號輪詢偵測變更
//
// ============================================================================

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrClosed 儲存已關閉
	ErrClosed = errors.New("storage: store is closed")
	// ErrEmptyKey 鍵不可為空
	ErrEmptyKey = errors.New("storage: key must not be empty")
	// ErrUnknownBackend 不支援的後端
	ErrUnknownBackend = errors.New("storage: unknown backend")
)

// 後端名稱
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// DefaultPollInterval 檔案與 SQLite 後端的預設輪詢間隔
const DefaultPollInterval = 250 * time.Millisecond

// watchBuffer Watch 通道的緩衝大小
const watchBuffer = 64

// Change 其他分頁造成的鍵變更通知
//
// 消費者不應信任此通知攜帶的內容，應重新讀取儲存並驗證。
type Change struct {
	Key     string // 變更的鍵
	Writer  string // 寫入者分頁 ID（可能為空）
	Removed bool   // 鍵已被移除
}

// Store 一個分頁對持久化儲存的存取介面
type Store interface {
	// Get 讀取鍵值，不存在時 ok=false
	Get(key string) (value []byte, ok bool, err error)
	// Set 原子替換鍵值
	Set(key string, value []byte) error
	// Remove 移除鍵，不存在時不視為錯誤
	Remove(key string) error
	// Watch 訂閱其他分頁的變更，ctx 結束或儲存關閉時通道關閉
	Watch(ctx context.Context) (<-chan Change, error)
	// ID 回傳此分頁的識別碼
	ID() string
	// Close 釋放資源
	Close() error
}

// Config 儲存設定
type Config struct {
	Backend      string        `yaml:"backend"`       // memory | file | sqlite
	Dir          string        `yaml:"dir"`           // file 後端目錄
	Path         string        `yaml:"path"`          // sqlite 資料庫路徑
	PollInterval time.Duration `yaml:"poll_interval"` // 變更輪詢間隔
	TabID        string        `yaml:"tab_id"`        // 分頁 ID，空值時自動產生
}

// Open 依設定開啟儲存
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.TabID == "" {
		cfg.TabID = NewTabID()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryOrigin().OpenTab(cfg.TabID), nil
	case BackendFile:
		return NewFileStore(cfg.Dir, cfg.TabID, cfg.PollInterval)
	case BackendSQLite:
		return OpenSQLite(ctx, SQLiteConfig{
			Path:         cfg.Path,
			TabID:        cfg.TabID,
			PollInterval: cfg.PollInterval,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// NewTabID 產生新的分頁 ID
func NewTabID() string {
	return uuid.NewString()
}

// sendChange 非阻塞送出變更
//
// 通道已滿時丟棄：佇列中尚未處理的通知會觸發重新讀取，讀到的必定是最新值。
func sendChange(ch chan<- Change, c Change) {
	select {
	case ch <- c:
	default:
		log.Warn("Dropping change notification, watcher is behind", "key", c.Key)
	}
}
