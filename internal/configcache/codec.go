package configcache

// ============================================================================
// 職責說明：
// 1. 將快照序列化為單一 JSON 文件
// 2. 讀取時做防禦性驗證：持久化儲存是程式無法控制的共享狀態
//    （其他分頁、舊版 schema、手動竄改）
// 3. 任何不符形狀的記錄都視同「不存在」
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/skingford/oxmon-web-sub003/pkg/types"
)

var (
	// ErrCorruptedRecord 記錄不是合法 JSON
	ErrCorruptedRecord = errors.New("config cache record is corrupted")
	// ErrInvalidShape 記錄是合法 JSON 但形狀不符
	ErrInvalidShape = errors.New("config cache record has an invalid shape")
)

// encodeSnapshot 序列化快照，nil 欄位輸出為空物件/空陣列以維持形狀
func encodeSnapshot(s types.ConfigSnapshot) ([]byte, error) {
	if s.RuntimeConfig == nil {
		s.RuntimeConfig = map[string]interface{}{}
	}
	items := make([]map[string]interface{}, len(s.SystemConfigs))
	for i, cfg := range s.SystemConfigs {
		if cfg == nil {
			cfg = map[string]interface{}{}
		}
		items[i] = cfg
	}
	s.SystemConfigs = items
	return json.Marshal(s)
}

// decodeSnapshot 反序列化並驗證快照
//
// 驗證規則：
//   - 頂層必須是物件
//   - runtimeConfig 必須是物件（非陣列、非 null）
//   - systemConfigs 必須是陣列，元素皆為物件
//   - updatedAt 必須是有限數值（不接受字串形式的數字）
func decodeSnapshot(raw []byte) (*types.ConfigSnapshot, error) {
	if !isJSONKind(raw, '{') {
		return nil, fmt.Errorf("%w: top level is not an object", ErrInvalidShape)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedRecord, err)
	}

	var snap types.ConfigSnapshot

	runtimeRaw, ok := doc["runtimeConfig"]
	if !ok || !isJSONKind(runtimeRaw, '{') {
		return nil, fmt.Errorf("%w: runtimeConfig must be an object", ErrInvalidShape)
	}
	if err := json.Unmarshal(runtimeRaw, &snap.RuntimeConfig); err != nil {
		return nil, fmt.Errorf("%w: runtimeConfig: %v", ErrCorruptedRecord, err)
	}

	systemRaw, ok := doc["systemConfigs"]
	if !ok || !isJSONKind(systemRaw, '[') {
		return nil, fmt.Errorf("%w: systemConfigs must be an array", ErrInvalidShape)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(systemRaw, &items); err != nil {
		return nil, fmt.Errorf("%w: systemConfigs: %v", ErrCorruptedRecord, err)
	}
	snap.SystemConfigs = make([]map[string]interface{}, 0, len(items))
	for i, item := range items {
		if !isJSONKind(item, '{') {
			return nil, fmt.Errorf("%w: systemConfigs[%d] must be an object", ErrInvalidShape, i)
		}
		var cfg map[string]interface{}
		if err := json.Unmarshal(item, &cfg); err != nil {
			return nil, fmt.Errorf("%w: systemConfigs[%d]: %v", ErrCorruptedRecord, i, err)
		}
		snap.SystemConfigs = append(snap.SystemConfigs, cfg)
	}

	updatedRaw, ok := doc["updatedAt"]
	if !ok {
		return nil, fmt.Errorf("%w: updatedAt is missing", ErrInvalidShape)
	}
	updatedAt, err := parseTimestamp(updatedRaw)
	if err != nil {
		return nil, err
	}
	snap.UpdatedAt = updatedAt

	return &snap, nil
}

// parseTimestamp 驗證 updatedAt 為有限數值並轉為毫秒
func parseTimestamp(raw json.RawMessage) (int64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !(trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9')) {
		return 0, fmt.Errorf("%w: updatedAt must be a number", ErrInvalidShape)
	}

	f, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: updatedAt is not finite: %v", ErrInvalidShape, err)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%w: updatedAt is not finite", ErrInvalidShape)
	}
	return int64(f), nil
}

// isJSONKind 檢查 JSON 值的第一個非空白字元
func isJSONKind(raw []byte, open byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == open
}
