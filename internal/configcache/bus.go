package configcache

import (
	"sort"
	"sync"

	"github.com/skingford/oxmon-web-sub003/pkg/types"
)

// UpdateOrigin 更新來源
type UpdateOrigin string

const (
	// OriginLocal 本分頁的 Refresh/Clear
	OriginLocal UpdateOrigin = "local"
	// OriginRemote 其他分頁寫入後重新讀取的結果
	OriginRemote UpdateOrigin = "remote"
)

// Update 快照更新事件，Snapshot 為 nil 表示快取已清除或記錄無效
type Update struct {
	Snapshot *types.ConfigSnapshot
	Origin   UpdateOrigin
}

// Bus 同分頁內的事件分發
//
// 與瀏覽器的 dispatchEvent 相同，Publish 會同步呼叫所有 handler。
// handler 不可回頭呼叫發布它的 Cache（會造成死鎖）。
type Bus struct {
	mu       sync.Mutex
	handlers map[int]func(Update)
	nextID   int
}

// NewBus 建立事件匯流排
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]func(Update))}
}

// Subscribe 註冊 handler，回傳取消函式
func (b *Bus) Subscribe(handler func(Update)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Publish 依註冊順序同步呼叫所有 handler
func (b *Bus) Publish(u Update) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	handlers := make([]func(Update), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(u)
	}
}

// Len 目前的訂閱數
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}
