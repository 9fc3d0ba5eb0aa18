// Package types 定義了 oxmon-sync 系統中使用的核心領域模型
package types

// RequestMode 請求模式，決定對 UI 顯示哪一個忙碌旗標
type RequestMode string

// 定義請求模式常數
const (
	ModeNormal RequestMode = "normal" // 一般模式：設定 loading
	ModeSilent RequestMode = "silent" // 靜默模式：設定 refreshing（背景刷新）
)

// ConfigCacheKey 快取記錄在持久化儲存中的唯一鍵
const ConfigCacheKey = "oxmon:config-cache"

// ConfigSnapshot 共享設定快照，代表一份完整、原子寫入的伺服器設定
//
// 持久化格式（單一 JSON 文件）：
//
//	{"runtimeConfig": {...}, "systemConfigs": [{...}], "updatedAt": 1700000000000}
type ConfigSnapshot struct {
	RuntimeConfig map[string]interface{}   `json:"runtimeConfig"` // 執行期設定（伺服器形狀，不透明）
	SystemConfigs []map[string]interface{} `json:"systemConfigs"` // 系統設定列表，以字串 id 欄位識別
	UpdatedAt     int64                    `json:"updatedAt"`     // 最後一次成功刷新時間（Unix 毫秒）
}

// SystemConfig 依 id 查找系統設定，找不到回傳 nil
func (s *ConfigSnapshot) SystemConfig(id string) map[string]interface{} {
	if s == nil {
		return nil
	}
	for _, cfg := range s.SystemConfigs {
		if SystemConfigID(cfg) == id {
			return cfg
		}
	}
	return nil
}

// SystemConfigID 取得系統設定的識別字串（id 欄位），非字串時回傳空字串
func SystemConfigID(cfg map[string]interface{}) string {
	id, _ := cfg["id"].(string)
	return id
}

// CertificateStatus 憑證網域列表的狀態篩選值
type CertificateStatus string

// 定義憑證狀態篩選常數
const (
	CertStatusAll      CertificateStatus = "all"      // 不篩選（預設，URL 中省略）
	CertStatusEnabled  CertificateStatus = "enabled"  // 僅啟用
	CertStatusDisabled CertificateStatus = "disabled" // 僅停用
)

// AlertSeverity 告警列表的嚴重度篩選值
type AlertSeverity string

// 定義告警嚴重度篩選常數
const (
	SeverityAll      AlertSeverity = "all"
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)
