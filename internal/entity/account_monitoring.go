package entity

import "time"

// AccountMonitoringState is one row per account; it is created on the first
// monitoring start and only ever cleared by explicit user action.
type AccountMonitoringState struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	AccountID uint `gorm:"not null;uniqueIndex" json:"account_id"`

	IsMonitoring bool `gorm:"not null" json:"is_monitoring"`

	TotalTradesExecuted int     `gorm:"not null" json:"total_trades_executed"`
	TotalRealizedPnL    float64 `gorm:"not null" json:"total_realized_pnl"`

	LastCycleStartedAt  *time.Time `json:"last_cycle_started_at"`
	LastCycleFinishedAt *time.Time `json:"last_cycle_finished_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AccountMonitoringState) TableName() string {
	return "account_monitoring_states"
}
