// ============================================================================
// oxmon-sync Config Cache - 共享設定快取
// ============================================================================
//
// Package: internal/configcache
// 文件: cache.go
// 功能: 將伺服器設定快照持久化到分頁共享的儲存，並通知同分頁與其他分頁
//
// 操作:
//   - Read():    同步讀取並驗證持久化記錄；不存在或損壞回傳 nil，永不 panic
//   - Refresh(): 從 Source 取得設定，組成新快照（updatedAt=now），原子寫入並發布
//   - Clear():   移除記錄並發布 nil（例如登出）
//   - Listen():  監聽其他分頁的寫入，收到後重新 Read()（不信任通知內容）
//
// 通知模型:
//   1. 同分頁：寫入成功後立即透過 Bus 同步發布（儲存不會通知寫入者自己）
//   2. 跨分頁：Store.Watch 在其他分頁觸發，由 Listen 轉成 Bus 事件
//
// 順序保證:
//   寫入與發布在同一把鎖內完成，本分頁觀察到的事件順序與寫入順序一致。
//   跨分頁沒有鎖或交易，以最後一次實體寫入為準（last-writer-wins）。
//
// ============================================================================

package configcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/skingford/oxmon-web-sub003/internal/metrics"
	"github.com/skingford/oxmon-web-sub003/internal/storage"
	"github.com/skingford/oxmon-web-sub003/internal/tracing"
	"github.com/skingford/oxmon-web-sub003/pkg/types"
)

var log = slog.Default()

var (
	// ErrCleared 刷新期間快取被清除，結果不會寫入
	ErrCleared = errors.New("config cache was cleared during refresh")
	// ErrSuperseded 較晚發出的刷新已先寫入，本次結果不會寫入
	ErrSuperseded = errors.New("config refresh was superseded by a newer refresh")
)

// Config 快取設定
type Config struct {
	Key     string             // 持久化鍵，預設 types.ConfigCacheKey
	Clock   func() time.Time   // 時間來源，預設 time.Now
	Metrics *metrics.Collector // 指標收集器（可為 nil）
}

// Cache 共享設定快取
type Cache struct {
	store   storage.Store
	source  Source
	bus     *Bus
	key     string
	now     func() time.Time
	metrics *metrics.Collector

	mu          sync.Mutex
	lastWritten int64  // 本分頁最後寫入的 updatedAt
	epoch       uint64 // 每次 Clear 遞增
	issued      uint64 // 最後發出的刷新序號
	committed   uint64 // 最後寫入的刷新序號
}

// NewCache 建立快取
func NewCache(store storage.Store, source Source, cfg Config) *Cache {
	if cfg.Key == "" {
		cfg.Key = types.ConfigCacheKey
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Cache{
		store:   store,
		source:  source,
		bus:     NewBus(),
		key:     cfg.Key,
		now:     cfg.Clock,
		metrics: cfg.Metrics,
	}
}

// Bus 回傳同分頁事件匯流排
func (c *Cache) Bus() *Bus { return c.bus }

// Key 回傳持久化鍵
func (c *Cache) Key() string { return c.key }

// Read 同步讀取最後已知快照
//
// 記錄不存在、儲存錯誤、JSON 損壞或形狀不符都回傳 nil。
func (c *Cache) Read() *types.ConfigSnapshot {
	raw, ok, err := c.store.Get(c.key)
	if err != nil {
		log.Warn("Failed to read config cache", "key", c.key, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	snap, err := decodeSnapshot(raw)
	if err != nil {
		c.metrics.RecordCorruptRead()
		log.Warn("Ignoring invalid config cache record", "key", c.key, "error", err)
		return nil
	}
	return snap
}

// Write 原子寫入快照
//
// 同一分頁內 updatedAt 不會倒退：比上次寫入更舊的時間會被提升到上次的值。
//
// 快照以 JSON 儲存，回傳值是寫入內容重新解碼的結果，與之後 Read() 的結果相同。
// 輸入為 JSON 形狀（map[string]interface{}、[]interface{}、float64、string、bool、nil）
// 時回傳值與輸入相同；其他 Go 型別會被正規化，例如 int 變成 float64，
// nil 的 RuntimeConfig / SystemConfigs 變成空物件 / 空陣列。
func (c *Cache) Write(snap types.ConfigSnapshot) (*types.ConfigSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(snap)
}

func (c *Cache) writeLocked(snap types.ConfigSnapshot) (*types.ConfigSnapshot, error) {
	if snap.UpdatedAt < c.lastWritten {
		snap.UpdatedAt = c.lastWritten
	}

	raw, err := encodeSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config snapshot: %w", err)
	}
	if err := c.store.Set(c.key, raw); err != nil {
		return nil, fmt.Errorf("failed to persist config snapshot: %w", err)
	}
	c.lastWritten = snap.UpdatedAt
	c.metrics.SetUpdatedAt(snap.UpdatedAt)

	// 回傳重新解碼後的值，與其他分頁 Read() 看到的完全一致
	out, err := decodeSnapshot(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode written snapshot: %w", err)
	}
	return out, nil
}

// Refresh 從設定服務取得最新設定並寫入快取
//
// 失敗時不動到已存在的快照。同一分頁內，較早發出的刷新若比較晚發出的刷新
// 更晚完成，其結果會被丟棄（ErrSuperseded），儲存不會倒退回舊資料。
func (c *Cache) Refresh(ctx context.Context) (snap *types.ConfigSnapshot, err error) {
	ctx, span := tracing.StartSpan(ctx, "configcache.refresh", attribute.String("cache.key", c.key))
	defer func() { tracing.End(span, err) }()
	start := time.Now()

	c.mu.Lock()
	epoch := c.epoch
	c.issued++
	gen := c.issued
	c.mu.Unlock()

	runtimeCfg, systemCfgs, err := c.fetch(ctx)
	if err != nil {
		c.metrics.RecordRefresh(false, time.Since(start).Seconds())
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if epoch != c.epoch {
		c.metrics.RecordRefresh(false, time.Since(start).Seconds())
		return nil, ErrCleared
	}
	if gen < c.committed {
		c.metrics.RecordRefresh(false, time.Since(start).Seconds())
		return nil, ErrSuperseded
	}

	snap, err = c.writeLocked(types.ConfigSnapshot{
		RuntimeConfig: runtimeCfg,
		SystemConfigs: systemCfgs,
		UpdatedAt:     c.now().UnixMilli(),
	})
	if err != nil {
		c.metrics.RecordRefresh(false, time.Since(start).Seconds())
		return nil, err
	}
	c.committed = gen
	span.SetAttributes(
		attribute.Int64("config.updated_at", snap.UpdatedAt),
		attribute.Int("config.system_configs", len(snap.SystemConfigs)))

	c.metrics.RecordRefresh(true, time.Since(start).Seconds())
	log.Info("Config cache refreshed",
		"updatedAt", snap.UpdatedAt,
		"systemConfigs", len(snap.SystemConfigs),
		"duration", time.Since(start))

	c.bus.Publish(Update{Snapshot: snap, Origin: OriginLocal})
	return snap, nil
}

// fetch 並行取得兩份設定
func (c *Cache) fetch(ctx context.Context) (map[string]interface{}, []map[string]interface{}, error) {
	var (
		wg         sync.WaitGroup
		runtimeCfg map[string]interface{}
		systemCfgs []map[string]interface{}
		runtimeErr error
		systemErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		runtimeCfg, runtimeErr = c.source.RuntimeConfig(ctx)
	}()
	go func() {
		defer wg.Done()
		systemCfgs, systemErr = c.source.SystemConfigs(ctx)
	}()
	wg.Wait()

	if runtimeErr != nil {
		return nil, nil, fmt.Errorf("failed to fetch runtime config: %w", runtimeErr)
	}
	if systemErr != nil {
		return nil, nil, fmt.Errorf("failed to fetch system configs: %w", systemErr)
	}
	return runtimeCfg, systemCfgs, nil
}

// Clear 移除持久化記錄並發布 nil
//
// 進行中的 Refresh 完成後不會再寫入。
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	if err := c.store.Remove(c.key); err != nil {
		return fmt.Errorf("failed to clear config cache: %w", err)
	}
	c.lastWritten = 0
	c.metrics.SetUpdatedAt(0)
	log.Info("Config cache cleared", "key", c.key)

	c.bus.Publish(Update{Snapshot: nil, Origin: OriginLocal})
	return nil
}

// Listen 開始監聽其他分頁的寫入，ctx 結束時停止
//
// 收到變更後重新 Read()，並以 OriginRemote 發布到 Bus。
func (c *Cache) Listen(ctx context.Context) error {
	changes, err := c.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch config cache: %w", err)
	}

	go func() {
		for change := range changes {
			if change.Key != c.key {
				continue
			}
			c.metrics.RecordRemoteUpdate()

			c.mu.Lock()
			snap := c.Read()
			if snap != nil && snap.UpdatedAt > c.lastWritten {
				c.lastWritten = snap.UpdatedAt
			}
			log.Debug("Config cache changed in another tab",
				"writer", change.Writer,
				"removed", change.Removed,
				"present", snap != nil)
			c.bus.Publish(Update{Snapshot: snap, Origin: OriginRemote})
			c.mu.Unlock()
		}
	}()

	return nil
}

// withRead 在快取鎖內讀取並交給 fn，期間不會有本分頁的寫入或發布插入
func (c *Cache) withRead(fn func(*types.ConfigSnapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.Read())
}
