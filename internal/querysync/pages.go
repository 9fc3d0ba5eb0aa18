package querysync

import (
	"github.com/skingford/oxmon-web-sub003/internal/metrics"
	"github.com/skingford/oxmon-web-sub003/pkg/types"
)

// ============================================================================
// 憑證網域列表
// ============================================================================

const (
	FieldDomainKeyword = "domainKeyword"
	FieldStatusFilter  = "statusFilter"
	FieldOffset        = "offset"
)

// DomainFilterFields 憑證網域列表的欄位：domain, status, offset
func DomainFilterFields() []Field {
	keyword := StringField(FieldDomainKeyword, "domain")
	keyword.Resets = []string{FieldOffset}

	status := EnumField(FieldStatusFilter, "status",
		string(types.CertStatusAll),
		string(types.CertStatusEnabled),
		string(types.CertStatusDisabled))
	status.Resets = []string{FieldOffset}

	return []Field{keyword, status, OffsetField(FieldOffset, "offset")}
}

// DomainFilterState 憑證網域列表的篩選狀態
type DomainFilterState struct {
	DomainKeyword string                  `json:"domainKeyword"`
	StatusFilter  types.CertificateStatus `json:"statusFilter"`
	Offset        int                     `json:"offset"`
}

// DomainFiltersFromValues 轉為型別化狀態
func DomainFiltersFromValues(v Values) DomainFilterState {
	keyword, _ := v[FieldDomainKeyword].(string)
	status, _ := v[FieldStatusFilter].(string)
	offset, _ := v[FieldOffset].(int)
	return DomainFilterState{
		DomainKeyword: keyword,
		StatusFilter:  types.CertificateStatus(status),
		Offset:        offset,
	}
}

// DomainFilters 憑證網域列表頁面的同步器綁定
type DomainFilters struct {
	sync *Synchronizer
}

// NewDomainFilters 從目前位置初始化，並將非正規的 URL 修正一次
func NewDomainFilters(loc Location, nav Navigator, collector *metrics.Collector) (*DomainFilters, error) {
	s, err := New(Config{
		Page:      "certificate-domains",
		Fields:    DomainFilterFields(),
		Navigator: nav,
		Metrics:   collector,
	}, loc)
	if err != nil {
		return nil, err
	}
	s.Sync()
	return &DomainFilters{sync: s}, nil
}

// State 目前狀態
func (d *DomainFilters) State() DomainFilterState {
	return DomainFiltersFromValues(d.sync.State())
}

// HandleDomainKeywordChange 修改關鍵字，offset 重設為 0
func (d *DomainFilters) HandleDomainKeywordChange(keyword string) bool {
	navigated, _ := d.sync.Set(Values{FieldDomainKeyword: keyword})
	return navigated
}

// HandleStatusFilterChange 修改狀態篩選，offset 重設為 0
func (d *DomainFilters) HandleStatusFilterChange(status types.CertificateStatus) bool {
	navigated, _ := d.sync.Set(Values{FieldStatusFilter: string(status)})
	return navigated
}

// SetOffset 換頁
func (d *DomainFilters) SetOffset(offset int) bool {
	navigated, _ := d.sync.Set(Values{FieldOffset: offset})
	return navigated
}

// HandleResetFilters 所有篩選回到預設值
func (d *DomainFilters) HandleResetFilters() bool {
	return d.sync.Reset()
}

// OnLocationChange 外部導覽
func (d *DomainFilters) OnLocationChange(loc Location) []string {
	return d.sync.OnLocationChange(loc)
}

// Synchronizer 底層同步器
func (d *DomainFilters) Synchronizer() *Synchronizer {
	return d.sync
}

// ============================================================================
// 告警列表
// ============================================================================

const (
	FieldAlertKeyword = "keyword"
	FieldSeverity     = "severity"
)

// AlertFilterFields 告警列表的欄位：q, severity, offset
func AlertFilterFields() []Field {
	keyword := StringField(FieldAlertKeyword, "q")
	keyword.Resets = []string{FieldOffset}

	severity := EnumField(FieldSeverity, "severity",
		string(types.SeverityAll),
		string(types.SeverityInfo),
		string(types.SeverityWarning),
		string(types.SeverityCritical))
	severity.Resets = []string{FieldOffset}

	return []Field{keyword, severity, OffsetField(FieldOffset, "offset")}
}

// AlertFilterState 告警列表的篩選狀態
type AlertFilterState struct {
	Keyword  string              `json:"keyword"`
	Severity types.AlertSeverity `json:"severity"`
	Offset   int                 `json:"offset"`
}

// AlertFiltersFromValues 轉為型別化狀態
func AlertFiltersFromValues(v Values) AlertFilterState {
	keyword, _ := v[FieldAlertKeyword].(string)
	severity, _ := v[FieldSeverity].(string)
	offset, _ := v[FieldOffset].(int)
	return AlertFilterState{Keyword: keyword, Severity: types.AlertSeverity(severity), Offset: offset}
}

// AlertFilters 告警列表頁面的同步器綁定
type AlertFilters struct {
	sync *Synchronizer
}

// NewAlertFilters 從目前位置初始化
func NewAlertFilters(loc Location, nav Navigator, collector *metrics.Collector) (*AlertFilters, error) {
	s, err := New(Config{
		Page:      "alerts",
		Fields:    AlertFilterFields(),
		Navigator: nav,
		Metrics:   collector,
	}, loc)
	if err != nil {
		return nil, err
	}
	s.Sync()
	return &AlertFilters{sync: s}, nil
}

// State 目前狀態
func (a *AlertFilters) State() AlertFilterState {
	return AlertFiltersFromValues(a.sync.State())
}

func (a *AlertFilters) HandleKeywordChange(keyword string) bool {
	navigated, _ := a.sync.Set(Values{FieldAlertKeyword: keyword})
	return navigated
}

func (a *AlertFilters) HandleSeverityChange(severity types.AlertSeverity) bool {
	navigated, _ := a.sync.Set(Values{FieldSeverity: string(severity)})
	return navigated
}

func (a *AlertFilters) SetOffset(offset int) bool {
	navigated, _ := a.sync.Set(Values{FieldOffset: offset})
	return navigated
}

func (a *AlertFilters) HandleResetFilters() bool {
	return a.sync.Reset()
}

func (a *AlertFilters) OnLocationChange(loc Location) []string {
	return a.sync.OnLocationChange(loc)
}
