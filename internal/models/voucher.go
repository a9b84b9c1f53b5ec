package models

import "time"

// VoucherModel is a one-time credit credential. Generation happens in
// the operator tooling; this service only redeems.
type VoucherModel struct {
	Base
	Code    string     `json:"code"    gorm:"size:32;not null;uniqueIndex"`
	Pesos   float64    `json:"pesos"   gorm:"not null"`
	Used    bool       `json:"used"    gorm:"not null;default:false;index"`
	UsedBy  string     `json:"used_by" gorm:"size:17"`
	UsedAt  *time.Time `json:"used_at"`
	Version int64      `json:"-"       gorm:"not null;default:0"`
}

func (VoucherModel) TableName() string {
	return "vouchers"
}
