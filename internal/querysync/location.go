package querysync

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
)

var log = slog.Default()

// Location 目前的路徑與查詢參數
type Location struct {
	Path  string
	Query url.Values
}

// ParseHref 解析 "/path?a=b" 形式的 href
func ParseHref(href string) (Location, error) {
	u, err := url.Parse(href)
	if err != nil {
		return Location{}, fmt.Errorf("failed to parse href %q: %w", href, err)
	}
	return Location{Path: u.Path, Query: u.Query()}, nil
}

// Href 以排序後的查詢字串組成 href；沒有參數時只回傳路徑
func (l Location) Href() string {
	if qs := l.Query.Encode(); qs != "" {
		return l.Path + "?" + qs
	}
	return l.Path
}

// Clone 深拷貝查詢參數
func (l Location) Clone() Location {
	q := make(url.Values, len(l.Query))
	for k, vs := range l.Query {
		q[k] = append([]string(nil), vs...)
	}
	return Location{Path: l.Path, Query: q}
}

// Equal 路徑與查詢參數（不計順序）相同
func (l Location) Equal(other Location) bool {
	return l.Path == other.Path && l.Query.Encode() == other.Query.Encode()
}

// NavigateOptions replace 的選項
type NavigateOptions struct {
	Scroll bool
}

// Navigator URL 導覽原語，只替換目前歷史記錄，不新增
type Navigator interface {
	Replace(href string, opts NavigateOptions)
}

// Replacement 一次 Replace 呼叫的紀錄
type Replacement struct {
	Href   string
	Scroll bool
}

// MemoryRouter 記憶體中的路由器，模擬瀏覽器的網址列
//
// Replace 與 Navigate 都會通知監聽者（如同 searchParams 變更），
// 監聽者在鎖外被呼叫。
type MemoryRouter struct {
	mu           sync.Mutex
	loc          Location
	replacements []Replacement
	listeners    map[int]func(Location)
	nextID       int
}

// NewMemoryRouter 以初始 href 建立路由器
func NewMemoryRouter(href string) (*MemoryRouter, error) {
	loc, err := ParseHref(href)
	if err != nil {
		return nil, err
	}
	return &MemoryRouter{loc: loc, listeners: make(map[int]func(Location))}, nil
}

// Location 目前位置
func (r *MemoryRouter) Location() Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loc.Clone()
}

// Replace 實作 Navigator
func (r *MemoryRouter) Replace(href string, opts NavigateOptions) {
	loc, err := ParseHref(href)
	if err != nil {
		log.Warn("Ignoring invalid replace target", "href", href, "error", err)
		return
	}

	r.mu.Lock()
	r.replacements = append(r.replacements, Replacement{Href: href, Scroll: opts.Scroll})
	r.mu.Unlock()

	r.move(loc)
}

// Navigate 外部導覽（例如上一頁/下一頁），不計入 Replacements
func (r *MemoryRouter) Navigate(href string) error {
	loc, err := ParseHref(href)
	if err != nil {
		return err
	}
	r.move(loc)
	return nil
}

// Replacements 所有 Replace 呼叫的紀錄
func (r *MemoryRouter) Replacements() []Replacement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Replacement(nil), r.replacements...)
}

// Listen 註冊位置變更監聽，回傳取消函式
func (r *MemoryRouter) Listen(fn func(Location)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *MemoryRouter) move(loc Location) {
	r.mu.Lock()
	r.loc = loc
	listeners := make([]func(Location), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(loc.Clone())
	}
}
