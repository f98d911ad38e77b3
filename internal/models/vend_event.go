package models

import (
	"time"
)

// VendEvent 售货流水（只追加，不回读到积分）
type VendEvent struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Type          string    `gorm:"type:varchar(32);index;not null" json:"type"`
	SlotID        int       `gorm:"index" json:"slot_id,omitempty"`
	Channel       int       `json:"channel,omitempty"`
	CreditsBefore int       `json:"credits_before"`
	CreditsAfter  int       `json:"credits_after"`
	DurationMs    int64     `json:"duration_ms,omitempty"`
	ErrorCode     int       `json:"error_code,omitempty"`
	Detail        string    `gorm:"type:varchar(512)" json:"detail,omitempty"`
	Driver        string    `gorm:"type:varchar(32)" json:"driver,omitempty"`
	OccurredAt    time.Time `gorm:"index;not null" json:"occurred_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName 表名
func (VendEvent) TableName() string {
	return "vend_events"
}
