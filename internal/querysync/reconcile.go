package querysync

// ============================================================================
// 職責說明：
// 1. 以純函式決定一次變更要做什麼：不動作、更新狀態、或替換 URL
// 2. 入站（URL → 狀態）只更新值真的不同的欄位
// 3. 出站（狀態 → URL）只在查詢字串真的不同時導覽
//
// 兩個方向互斥：位置變了走入站，否則狀態變了才走出站。
// 入站更新後的狀態與 URL 一致，出站比對必定相等，不會再導覽。
// ============================================================================

import "net/url"

// ActionKind 動作種類
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionUpdateState
	ActionNavigate
)

func (k ActionKind) String() string {
	switch k {
	case ActionUpdateState:
		return "update-state"
	case ActionNavigate:
		return "navigate"
	default:
		return "none"
	}
}

// Snapshot 一次 render 的輸入：外部位置與內部狀態
type Snapshot struct {
	Location Location
	State    Values
}

// Action Reconcile 的結果
type Action struct {
	Kind    ActionKind
	State   Values   // ActionUpdateState 時的新狀態
	Changed []string // ActionUpdateState 時改變的欄位
	Href    string   // ActionNavigate 時的目標
	Target  Location // Href 對應的位置
}

// Reconcile 比較前後兩個 Snapshot 並決定動作
func Reconcile(prev, next Snapshot, fields []Field) Action {
	if !prev.Location.Equal(next.Location) {
		return inbound(next.State, next.Location, fields)
	}
	if !statesEqual(prev.State, next.State, fields) {
		return outbound(next.State, next.Location, fields)
	}
	return Action{Kind: ActionNone}
}

// inbound 從 URL 重新計算每個欄位，只保留不同的欄位變更
func inbound(current Values, loc Location, fields []Field) Action {
	parsed := Parse(loc, fields)

	var changed []string
	state := current.Clone()
	for _, f := range fields {
		if equal(current[f.Name], parsed[f.Name]) {
			continue
		}
		state[f.Name] = parsed[f.Name]
		changed = append(changed, f.Name)
	}
	if len(changed) == 0 {
		return Action{Kind: ActionNone}
	}
	return Action{Kind: ActionUpdateState, State: state, Changed: changed}
}

// outbound 將狀態疊加到目前的參數上，與目前查詢字串比對
func outbound(state Values, loc Location, fields []Field) Action {
	target := Apply(state, loc, fields)
	if target.Query.Encode() == loc.Query.Encode() {
		return Action{Kind: ActionNone}
	}
	return Action{Kind: ActionNavigate, Href: target.Href(), Target: target}
}

// Parse 從位置解析所有欄位
func Parse(loc Location, fields []Field) Values {
	out := make(Values, len(fields))
	for _, f := range fields {
		raw, present := "", false
		if vs, ok := loc.Query[f.Param]; ok && len(vs) > 0 {
			raw, present = vs[0], true
		}
		out[f.Name] = f.Parse(raw, present)
	}
	return out
}

// Apply 將欄位值寫入位置的副本，不屬於任何欄位的參數保持不變
func Apply(state Values, loc Location, fields []Field) Location {
	out := loc.Clone()
	if out.Query == nil {
		out.Query = url.Values{}
	}
	for _, f := range fields {
		v, ok := state[f.Name]
		if !ok {
			v = f.Default()
		}
		if s, write := f.Format(v); write {
			out.Query.Set(f.Param, s)
		} else {
			out.Query.Del(f.Param)
		}
	}
	return out
}

// Canonical 位置的正規形式：欄位經過一次解析再序列化
func Canonical(loc Location, fields []Field) (Location, Values) {
	state := Parse(loc, fields)
	return Apply(state, loc, fields), state
}

func statesEqual(a, b Values, fields []Field) bool {
	for _, f := range fields {
		if !equal(a[f.Name], b[f.Name]) {
			return false
		}
	}
	return true
}
