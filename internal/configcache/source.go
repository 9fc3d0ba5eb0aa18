package configcache

import (
	"context"
	"errors"
	"fmt"
)

// Source 外部設定服務
type Source interface {
	// RuntimeConfig 取得執行期設定
	RuntimeConfig(ctx context.Context) (map[string]interface{}, error)
	// SystemConfigs 取得系統設定列表
	SystemConfigs(ctx context.Context) ([]map[string]interface{}, error)
}

// APIError 傳輸層失敗，帶有類 HTTP 狀態碼
type APIError struct {
	Status  int    // HTTP 狀態碼語意（401, 503...）
	Message string // 伺服器回傳的訊息
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("config service returned status %d", e.Status)
	}
	return fmt.Sprintf("config service returned status %d: %s", e.Status, e.Message)
}

// StatusOf 取出錯誤鏈中的 APIError 狀態碼，沒有時回傳 0
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
