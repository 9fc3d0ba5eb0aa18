// ============================================================================
// oxmon-sync Config Provider - 設定快照提供者
// ============================================================================
//
// Package: internal/configcache
// 文件: provider.go
// 功能: 持有唯一一份記憶體中的設定快照，供整個分頁讀取
//
// 生命週期:
//   1. Mount()    從儲存讀取最後已知快照，立即可用（不等網路）
//   2. 已登入時在背景刷新：已有快照用 silent，沒有快照用 normal（阻塞畫面）
//   3. 監聽 Bus，同分頁與其他分頁的更新都會反映到記憶體
//   4. Unmount()  停止監聽，使進行中的刷新失效
//
// 一致性:
//   記憶體快照只由 Bus 事件更新，事件順序與儲存寫入順序一致，
//   因此記憶體最終與儲存中的最後一次寫入相同。
//   刷新失敗只更新錯誤訊息，永遠不會清掉已有的快照。
//
// 忙碌旗標:
//   由 guard.Guard 管理，只有最後發出的刷新能清除旗標。
//
// ============================================================================

package configcache

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/skingford/oxmon-web-sub003/internal/auth"
	"github.com/skingford/oxmon-web-sub003/internal/guard"
	"github.com/skingford/oxmon-web-sub003/internal/metrics"
	"github.com/skingford/oxmon-web-sub003/pkg/types"
)

var (
	// ErrAlreadyMounted 重複 Mount
	ErrAlreadyMounted = errors.New("config provider is already mounted")
)

const refreshFallbackMessage = "failed to refresh config"

// ProviderState 對外可見的狀態
type ProviderState struct {
	Config     *types.ConfigSnapshot `json:"config"`
	Loading    bool                  `json:"loading"`
	Refreshing bool                  `json:"refreshing"`
	Blocking   bool                  `json:"blocking"` // 沒有快照且刷新中
	Error      string                `json:"error,omitempty"`
}

// Provider 設定快照提供者
type Provider struct {
	cache   *Cache
	session auth.Session
	guard   *guard.Guard[*types.ConfigSnapshot]

	mu          sync.RWMutex
	config      *types.ConfigSnapshot
	mounted     bool
	cancel      context.CancelFunc
	unsubscribe func()
}

// NewProvider 建立 Provider
func NewProvider(cache *Cache, session auth.Session, collector *metrics.Collector) *Provider {
	if session == nil {
		session = auth.Static(false)
	}
	return &Provider{
		cache:   cache,
		session: session,
		guard:   guard.New[*types.ConfigSnapshot]("config", nil, collector),
	}
}

// Mount 載入快取並開始監聽
//
// 返回值：
//   - <-chan bool: 背景刷新完成時送出是否提交；未登入時立即送出 false
//   - error: 已掛載或無法監聽儲存
func (p *Provider) Mount(ctx context.Context) (<-chan bool, error) {
	p.mu.Lock()
	if p.mounted {
		p.mu.Unlock()
		return nil, ErrAlreadyMounted
	}

	listenCtx, cancel := context.WithCancel(ctx)
	p.unsubscribe = p.cache.Bus().Subscribe(p.onUpdate)
	if err := p.cache.Listen(listenCtx); err != nil {
		p.unsubscribe()
		p.unsubscribe = nil
		cancel()
		p.mu.Unlock()
		return nil, err
	}
	p.cancel = cancel
	p.mounted = true
	p.mu.Unlock()

	// 監聽開始後才讀取，避免漏掉中間的寫入
	p.cache.withRead(func(snap *types.ConfigSnapshot) {
		p.mu.Lock()
		p.config = snap
		p.mu.Unlock()
	})

	if !p.session.Valid() {
		log.Debug("Skipping config refresh, session is not valid")
		done := make(chan bool, 1)
		done <- false
		return done, nil
	}

	return p.guard.Go(listenCtx, p.refresh, p.refreshOptions(nil)), nil
}

// Unmount 停止監聽並使進行中的刷新失效
func (p *Provider) Unmount() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.mounted {
		return
	}
	p.cancel()
	p.unsubscribe()
	p.cancel = nil
	p.unsubscribe = nil
	p.mounted = false
	p.guard.Reset(nil)
}

// Config 目前的快照，沒有時為 nil
func (p *Provider) Config() *types.ConfigSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// State 回傳目前狀態
func (p *Provider) State() ProviderState {
	gs := p.guard.State()
	config := p.Config()
	return ProviderState{
		Config:     config,
		Loading:    gs.Loading,
		Refreshing: gs.Refreshing,
		Blocking:   config == nil && gs.Busy(),
		Error:      gs.Error,
	}
}

// RefreshConfig 立即刷新
//
// 成功時回傳新快照；失敗或被較新的刷新取代時回傳目前的快照（可能為 nil）。
func (p *Provider) RefreshConfig(ctx context.Context) *types.ConfigSnapshot {
	var result *types.ConfigSnapshot
	committed := p.guard.Execute(ctx, p.refresh, p.refreshOptions(func(s *types.ConfigSnapshot) {
		result = s
	}))
	if committed && result != nil {
		return result
	}
	return p.Config()
}

// Reconcile 重新讀取儲存，與記憶體不同時採用儲存的版本
//
// 用於分頁重新取得焦點時，補上可能漏掉的跨分頁通知。
//
// 返回值：
//   - bool: 記憶體快照是否被替換
func (p *Provider) Reconcile() bool {
	changed := false
	p.cache.withRead(func(stored *types.ConfigSnapshot) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !reflect.DeepEqual(stored, p.config) {
			p.config = stored
			changed = true
		}
	})
	if changed {
		log.Info("Adopted config snapshot from storage")
	}
	return changed
}

// Clear 清除快取（登出時使用），進行中的刷新不會再寫入
func (p *Provider) Clear() error {
	p.guard.Reset(nil)
	return p.cache.Clear()
}

// refresh 守衛執行的操作
//
// 守衛與快取各自為請求編號，並發時兩者的先後可能不同。快取以 ErrSuperseded
// 拒絕的刷新代表較新的結果已寫入並發布，因此以目前的快照視為成功。
func (p *Provider) refresh(ctx context.Context) (*types.ConfigSnapshot, error) {
	snap, err := p.cache.Refresh(ctx)
	if errors.Is(err, ErrSuperseded) {
		return p.Config(), nil
	}
	return snap, err
}

// onUpdate Bus handler；在快取鎖內被呼叫，不可回頭呼叫 Cache
func (p *Provider) onUpdate(u Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config = u.Snapshot
}

func (p *Provider) refreshOptions(onSuccess func(*types.ConfigSnapshot)) guard.Options[*types.ConfigSnapshot] {
	return guard.Options[*types.ConfigSnapshot]{
		Silent:          p.Config() != nil,
		OnSuccess:       onSuccess,
		FallbackMessage: refreshFallbackMessage,
	}
}
