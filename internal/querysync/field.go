package querysync

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
)

// ErrInvalidField 欄位定義錯誤或引用了不存在的欄位
var ErrInvalidField = errors.New("invalid query field")

// Values 以欄位名稱為鍵的型別化值
type Values map[string]any

// Clone 淺拷貝
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Field 一個與查詢參數綁定的狀態欄位
//
// Parse 必須對缺少或無效的輸入回傳預設值；Format 回傳 false 表示不寫入 URL。
// 兩者必須互為反函數：Parse(Format(v)) == v 對所有合法 v 成立。
type Field struct {
	Name   string
	Param  string
	Parse  func(raw string, present bool) any
	Format func(v any) (string, bool)
	// Resets 此欄位改變時要一併重設為預設值的欄位（例如 offset）
	Resets []string
}

// Default 欄位的預設值
func (f Field) Default() any {
	return f.Parse("", false)
}

// normalize 讓值經過一次 URL 投影，保證狀態與查詢字串是不動點
func (f Field) normalize(v any) any {
	s, ok := f.Format(v)
	return f.Parse(s, ok)
}

func (f Field) validate() error {
	switch {
	case f.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidField)
	case f.Param == "":
		return fmt.Errorf("%w: %s has no param", ErrInvalidField, f.Name)
	case f.Parse == nil || f.Format == nil:
		return fmt.Errorf("%w: %s needs both Parse and Format", ErrInvalidField, f.Name)
	}
	return nil
}

// StringField 字串欄位，空字串不寫入 URL
func StringField(name, param string) Field {
	return Field{
		Name:  name,
		Param: param,
		Parse: func(raw string, present bool) any {
			if !present {
				return ""
			}
			return raw
		},
		Format: func(v any) (string, bool) {
			s, _ := v.(string)
			return s, s != ""
		},
	}
}

// EnumField 列舉欄位；未知值回到 def，等於 def 時不寫入 URL
func EnumField(name, param, def string, allowed ...string) Field {
	set := make(map[string]bool, len(allowed)+1)
	set[def] = true
	for _, a := range allowed {
		set[a] = true
	}
	return Field{
		Name:  name,
		Param: param,
		Parse: func(raw string, present bool) any {
			if present && set[raw] {
				return raw
			}
			return def
		},
		Format: func(v any) (string, bool) {
			s, _ := v.(string)
			if s == def || !set[s] {
				return "", false
			}
			return s, true
		},
	}
}

// OffsetField 分頁偏移；非數字或非正數視為 0，0 不寫入 URL
func OffsetField(name, param string) Field {
	return Field{
		Name:  name,
		Param: param,
		Parse: func(raw string, present bool) any {
			if !present {
				return 0
			}
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return 0
			}
			return n
		},
		Format: func(v any) (string, bool) {
			n, _ := v.(int)
			if n <= 0 {
				return "", false
			}
			return strconv.Itoa(n), true
		},
	}
}

func equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
