// ============================================================================
// oxmon-sync Query Synchronizer - 查詢參數狀態同步
// ============================================================================
//
// Package: internal/querysync
// 文件: synchronizer.go
// 功能: 讓一個頁面的篩選/分頁狀態與 URL 查詢參數雙向保持一致
//
// 狀態機（每個頁面實例）:
//   Idle → 使用者修改欄位 → 出站同步 → 比對不同才 Replace → Idle
//   Idle → 外部 URL 變更（上一頁/下一頁）→ 入站同步 → 逐欄比對 → Idle
//
//   兩條路徑不會因同一次變更同時觸發：入站更新後狀態等於 URL，
//   出站導覽後 URL 等於狀態，由值比較而非旗標保證。
//
// 欄位連動:
//   主要欄位（關鍵字、狀態）改變時，依附欄位（offset）在同一次更新中重設，
//   兩者合併為一次導覽。
//
// 並發安全:
//   狀態由 sync.Mutex 保護；Navigator.Replace 在鎖外呼叫，
//   路由器可以同步回呼 OnLocationChange。
//
// ============================================================================

package querysync

import (
	"fmt"
	"sync"

	"github.com/skingford/oxmon-web-sub003/internal/metrics"
)

// Config 同步器設定
type Config struct {
	Page      string             // 用於日誌與指標標籤
	Fields    []Field            // 欄位定義
	Navigator Navigator          // URL 導覽
	Metrics   *metrics.Collector // 可為 nil
}

// Synchronizer 一個頁面實例的查詢參數同步器
type Synchronizer struct {
	page    string
	fields  []Field
	byName  map[string]Field
	nav     Navigator
	metrics *metrics.Collector

	mu    sync.Mutex
	loc   Location
	state Values
}

// New 建立同步器並從目前位置初始化狀態
func New(cfg Config, loc Location) (*Synchronizer, error) {
	if cfg.Navigator == nil {
		return nil, fmt.Errorf("%w: navigator is required", ErrInvalidField)
	}

	byName := make(map[string]Field, len(cfg.Fields))
	params := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		if err := f.validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %s", ErrInvalidField, f.Name)
		}
		if params[f.Param] {
			return nil, fmt.Errorf("%w: duplicate param %s", ErrInvalidField, f.Param)
		}
		byName[f.Name] = f
		params[f.Param] = true
	}
	for _, f := range cfg.Fields {
		for _, dep := range f.Resets {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("%w: %s resets unknown field %s", ErrInvalidField, f.Name, dep)
			}
		}
	}

	loc = loc.Clone()
	return &Synchronizer{
		page:    cfg.Page,
		fields:  cfg.Fields,
		byName:  byName,
		nav:     cfg.Navigator,
		metrics: cfg.Metrics,
		loc:     loc,
		state:   Parse(loc, cfg.Fields),
	}, nil
}

// State 目前狀態的副本
func (s *Synchronizer) State() Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Get 單一欄位的值
func (s *Synchronizer) Get(name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[name]
}

// Location 同步器所知的目前位置
func (s *Synchronizer) Location() Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc.Clone()
}

// Fields 欄位定義
func (s *Synchronizer) Fields() []Field {
	return s.fields
}

// OnLocationChange 入站同步：外部位置改變時更新不同的欄位，永不導覽
//
// 返回值：
//   - []string: 被更新的欄位名稱
func (s *Synchronizer) OnLocationChange(loc Location) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	action := Reconcile(
		Snapshot{Location: s.loc, State: s.state},
		Snapshot{Location: loc, State: s.state},
		s.fields,
	)
	s.loc = loc.Clone()

	if action.Kind != ActionUpdateState {
		return nil
	}
	s.state = action.State
	s.metrics.RecordInboundUpdate(s.page)
	log.Debug("Query state updated from location", "page", s.page, "fields", action.Changed)
	return action.Changed
}

// Set 使用者觸發的更新；套用欄位連動後執行一次出站同步
//
// 返回值：
//   - bool: 是否呼叫了 Replace
//   - error: 未知欄位
func (s *Synchronizer) Set(changes Values) (bool, error) {
	for name := range changes {
		if _, ok := s.byName[name]; !ok {
			return false, fmt.Errorf("%w: unknown field %s", ErrInvalidField, name)
		}
	}

	s.mu.Lock()
	next := s.state.Clone()
	for _, f := range s.fields {
		v, ok := changes[f.Name]
		if !ok {
			continue
		}
		v = f.normalize(v)
		if equal(v, s.state[f.Name]) {
			continue
		}
		next[f.Name] = v
		for _, dep := range f.Resets {
			if _, explicit := changes[dep]; !explicit {
				next[dep] = s.byName[dep].Default()
			}
		}
	}

	action := Reconcile(
		Snapshot{Location: s.loc, State: s.state},
		Snapshot{Location: s.loc, State: next},
		s.fields,
	)
	s.state = next
	return s.finishLocked(action), nil
}

// Sync 出站同步：以目前狀態比對 URL，不同時 Replace
func (s *Synchronizer) Sync() bool {
	s.mu.Lock()
	return s.finishLocked(outbound(s.state, s.loc, s.fields))
}

// Reset 所有欄位回到預設值，合併為一次導覽
func (s *Synchronizer) Reset() bool {
	s.mu.Lock()
	next := make(Values, len(s.fields))
	for _, f := range s.fields {
		next[f.Name] = f.Default()
	}
	s.state = next
	return s.finishLocked(outbound(s.state, s.loc, s.fields))
}

// finishLocked 在持有鎖時呼叫；釋放鎖後才 Replace
func (s *Synchronizer) finishLocked(action Action) bool {
	if action.Kind != ActionNavigate {
		s.mu.Unlock()
		return false
	}
	s.loc = action.Target
	s.mu.Unlock()

	s.metrics.RecordNavigation(s.page)
	log.Debug("Replacing location", "page", s.page, "href", action.Href)
	s.nav.Replace(action.Href, NavigateOptions{Scroll: false})
	return true
}
