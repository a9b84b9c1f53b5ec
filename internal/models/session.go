package models

import "time"

// SessionModel is one paid connectivity window for a device.
//
// PausedAccumulated is tracked in seconds. Version increments on every
// persisted mutation; updates are rejected when the stored version has
// moved on.
type SessionModel struct {
	Base
	DeviceID          string     `json:"device_id"          gorm:"size:17;not null;index"`
	LastKnownAddress  string     `json:"last_known_address" gorm:"size:45;index"`
	StartTime         time.Time  `json:"start_time"         gorm:"not null"`
	EndTime           time.Time  `json:"end_time"           gorm:"not null;index"`
	PaidAmount        float64    `json:"paid_amount"        gorm:"not null"`
	GrantedMinutes    int        `json:"granted_minutes"    gorm:"not null"`
	Active            bool       `json:"active"             gorm:"not null;index"`
	Paused            bool       `json:"paused"             gorm:"not null"`
	PausedAt          *time.Time `json:"paused_at"`
	PausedAccumulated int64      `json:"paused_accumulated" gorm:"not null;default:0"`
	Version           int64      `json:"-"                  gorm:"not null;default:0"`
}

func (SessionModel) TableName() string {
	return "sessions"
}
