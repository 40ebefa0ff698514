package entity

import "time"

// InstrumentMeta is the injected lookup table for per-instrument contract
// attributes, replacing any symbol string matching in trading logic.
type InstrumentMeta struct {
	ID       uint    `gorm:"primaryKey" json:"id"`
	Symbol   string  `gorm:"not null;uniqueIndex" json:"symbol"`
	Exchange string  `gorm:"not null" json:"exchange"`
	LotSize  int     `gorm:"not null;default:1" json:"lot_size"`
	TickSize float64 `gorm:"not null;default:0.05" json:"tick_size"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (InstrumentMeta) TableName() string {
	return "instrument_metas"
}
