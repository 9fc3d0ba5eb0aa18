// ============================================================================
// oxmon-sync Request Guard - 請求生命週期守衛
// ============================================================================
//
// Package: internal/guard
// 文件: guard.go
// 功能: 包裝單一非同步取得操作，只允許「最後發出」的請求提交結果
//
// 新鮮度規則 (single-flight-with-preemption):
//   - 每次 Execute 分配一個嚴格遞增的請求序號（generation）
//   - 操作完成時，只有序號仍等於最新序號的請求才會提交結果或錯誤
//   - 較舊的完成（成功或失敗）一律靜默丟棄，不觸發任何回呼
//   - 忙碌旗標也只由最新請求清除，過期請求不能關掉新請求設定的旗標
//
//   判斷依據是發出順序而非完成順序，因此亂序回應不會覆蓋較新的結果。
//
// 取消:
//   守衛不會中止進行中的操作，只抑制其對狀態的影響。
//   底層呼叫皆為冪等讀取，丟棄結果即可。
//
// 並發安全:
//   序號與可見狀態由同一把 sync.Mutex 保護；操作本身在鎖外執行。
//
// ============================================================================

package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/skingford/oxmon-web-sub003/internal/metrics"
	"github.com/skingford/oxmon-web-sub003/pkg/types"
)

var log = slog.Default()

// DefaultErrorMessage 錯誤沒有訊息且呼叫端未提供 fallback 時使用
const DefaultErrorMessage = "request failed"

// Operation 一個無參數（除 context 外）的非同步取得操作
type Operation[T any] func(ctx context.Context) (T, error)

// State 對 UI 可見的狀態
type State[T any] struct {
	Data       T      // 最後一次提交的資料
	Loading    bool   // 一般請求進行中
	Refreshing bool   // 靜默請求進行中
	Error      string // 最後一次提交的錯誤訊息，空字串表示沒有錯誤
}

// Busy 任一忙碌旗標為真
func (s State[T]) Busy() bool {
	return s.Loading || s.Refreshing
}

// Options Execute 的選項
type Options[T any] struct {
	Silent          bool                            // 使用 refreshing 而非 loading
	OnSuccess       func(data T)                    // 僅在結果被提交時呼叫
	OnError         func(message string, err error) // 僅在錯誤被提交時呼叫
	FallbackMessage string                          // 錯誤沒有訊息時顯示的文字
}

// Mode 回傳選項對應的請求模式
func (o Options[T]) Mode() types.RequestMode {
	if o.Silent {
		return types.ModeSilent
	}
	return types.ModeNormal
}

// Guard 請求生命週期守衛
type Guard[T any] struct {
	name    string
	metrics *metrics.Collector

	mu      sync.Mutex
	seq     uint64 // 最新發出的請求序號
	state   State[T]
	subs    map[int]chan State[T]
	nextSub int
}

// New 建立守衛
//
// 參數：
//   - name: 用於日誌與指標標籤
//   - initial: 初始資料
//   - collector: 指標收集器（可為 nil）
func New[T any](name string, initial T, collector *metrics.Collector) *Guard[T] {
	return &Guard[T]{
		name:    name,
		metrics: collector,
		state:   State[T]{Data: initial},
		subs:    make(map[int]chan State[T]),
	}
}

// Name 回傳守衛名稱
func (g *Guard[T]) Name() string {
	return g.name
}

// State 回傳目前可見狀態的副本
func (g *Guard[T]) State() State[T] {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Execute 執行操作並在仍為最新請求時提交結果
//
// 呼叫會阻塞直到 op 完成；並發的 Execute 彼此獨立。
// 錯誤永遠不會回傳給呼叫端，只會轉成 State.Error。
//
// 返回值：
//   - bool: 結果（成功或錯誤）是否被提交；false 表示請求已被取代
func (g *Guard[T]) Execute(ctx context.Context, op Operation[T], opts Options[T]) bool {
	id := g.begin(opts)
	return g.complete(ctx, id, op, opts)
}

// complete 執行操作並依序號決定提交或丟棄
func (g *Guard[T]) complete(ctx context.Context, id uint64, op Operation[T], opts Options[T]) bool {
	data, err := run(ctx, op)

	g.mu.Lock()
	if id != g.seq {
		g.mu.Unlock()
		g.metrics.RecordStale(g.name)
		log.Debug("Discarding stale result", "guard", g.name, "request", id, "error", err)
		return false
	}

	var message string
	if err != nil {
		message = errorMessage(err, opts.FallbackMessage)
		g.state.Error = message
	} else {
		g.state.Data = data
	}
	g.state.Loading = false
	g.state.Refreshing = false
	g.publishLocked()
	g.mu.Unlock()

	g.metrics.RecordCommit(g.name, err == nil)

	if err != nil {
		log.Warn("Request failed", "guard", g.name, "request", id, "error", err)
		if opts.OnError != nil {
			opts.OnError(message, err)
		}
		return true
	}
	if opts.OnSuccess != nil {
		opts.OnSuccess(data)
	}
	return true
}

// Go 在新的 goroutine 中執行操作，完成後送出是否提交
//
// 序號與忙碌旗標在返回前就已設定，多次呼叫 Go 的發出順序即為呼叫順序。
func (g *Guard[T]) Go(ctx context.Context, op Operation[T], opts Options[T]) <-chan bool {
	id := g.begin(opts)
	done := make(chan bool, 1)
	go func() {
		done <- g.complete(ctx, id, op, opts)
	}()
	return done
}

// Reset 重設可見狀態並使所有進行中的請求失效
func (g *Guard[T]) Reset(next T) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++
	g.state = State[T]{Data: next}
	g.publishLocked()
}

// ResetEmpty 以零值重設
func (g *Guard[T]) ResetEmpty() {
	var zero T
	g.Reset(zero)
}

// Subscribe 訂閱狀態變更
//
// 通道緩衝為 1 且只保留最新狀態，慢速訂閱者不會阻塞守衛。
// 呼叫回傳的 cancel 取消訂閱並關閉通道。
func (g *Guard[T]) Subscribe() (<-chan State[T], func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextSub
	g.nextSub++
	ch := make(chan State[T], 1)
	g.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// begin 分配新序號並設定忙碌旗標
func (g *Guard[T]) begin(opts Options[T]) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++
	if opts.Silent {
		g.state.Refreshing = true
	} else {
		g.state.Loading = true
	}
	g.state.Error = ""
	g.publishLocked()

	g.metrics.RecordRequest(g.name)
	return g.seq
}

// publishLocked 將目前狀態送給所有訂閱者（呼叫端須持有鎖）
func (g *Guard[T]) publishLocked() {
	for _, ch := range g.subs {
		select {
		case <-ch:
		default:
		}
		ch <- g.state
	}
}

// run 執行操作，將 panic 轉為錯誤
func run[T any](ctx context.Context, op Operation[T]) (data T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

func errorMessage(err error, fallback string) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	if fallback != "" {
		return fallback
	}
	return DefaultErrorMessage
}
