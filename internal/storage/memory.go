package storage

import (
	"context"
	"sync"
)

// MemoryOrigin 同一行程內由多個分頁共享的儲存空間
type MemoryOrigin struct {
	mu       sync.Mutex
	data     map[string][]byte
	watchers map[int]*memoryWatcher
	nextID   int
}

type memoryWatcher struct {
	tab string
	ch  chan Change
}

// NewMemoryOrigin 建立空的 Origin
func NewMemoryOrigin() *MemoryOrigin {
	return &MemoryOrigin{
		data:     make(map[string][]byte),
		watchers: make(map[int]*memoryWatcher),
	}
}

// OpenTab 開啟一個新分頁，tabID 為空時自動產生
func (o *MemoryOrigin) OpenTab(tabID string) Store {
	if tabID == "" {
		tabID = NewTabID()
	}
	return &memoryTab{origin: o, id: tabID, done: make(chan struct{})}
}

// notifyLocked 通知寫入者以外的所有 watcher（呼叫端須持有鎖）
func (o *MemoryOrigin) notifyLocked(c Change) {
	for _, w := range o.watchers {
		if w.tab == c.Writer {
			continue
		}
		sendChange(w.ch, c)
	}
}

// memoryTab MemoryOrigin 上的一個分頁
type memoryTab struct {
	origin *MemoryOrigin
	id     string

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (t *memoryTab) ID() string { return t.id }

func (t *memoryTab) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *memoryTab) Get(key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	if t.isClosed() {
		return nil, false, ErrClosed
	}

	o := t.origin
	o.mu.Lock()
	defer o.mu.Unlock()

	v, ok := o.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (t *memoryTab) Set(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if t.isClosed() {
		return ErrClosed
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	o := t.origin
	o.mu.Lock()
	defer o.mu.Unlock()

	o.data[key] = stored
	o.notifyLocked(Change{Key: key, Writer: t.id})
	return nil
}

func (t *memoryTab) Remove(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if t.isClosed() {
		return ErrClosed
	}

	o := t.origin
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.data[key]; !ok {
		return nil
	}
	delete(o.data, key)
	o.notifyLocked(Change{Key: key, Writer: t.id, Removed: true})
	return nil
}

func (t *memoryTab) Watch(ctx context.Context) (<-chan Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	o := t.origin
	ch := make(chan Change, watchBuffer)

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.watchers[id] = &memoryWatcher{tab: t.id, ch: ch}
	o.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-t.done:
		}
		o.mu.Lock()
		delete(o.watchers, id)
		o.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (t *memoryTab) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}
