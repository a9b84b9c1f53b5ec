package models

import "time"

// UserModel is the single operator account.
type UserModel struct {
	Base
	Username      string     `json:"username" gorm:"size:64;not null;uniqueIndex"`
	Password      string     `json:"-"        gorm:"not null"`
	LastLoginTime *time.Time `json:"last_login_time"`
	LastLoginIP   string     `json:"last_login_ip" gorm:"size:45"`
}

func (UserModel) TableName() string {
	return "users"
}
