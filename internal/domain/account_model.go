package domain

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Account is a registered player account in the authoritative store.
type Account struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	// Username is the lowercased account name; RealName keeps the original casing.
	Username string `gorm:"size:64;uniqueIndex;not null" json:"username"`
	RealName string `gorm:"size:64;not null;default:''" json:"real_name"`

	LastIP         string `gorm:"column:last_ip;size:45;index;not null;default:''" json:"last_ip"`
	RegistrationIP string `gorm:"column:registration_ip;size:45;not null;default:''" json:"registration_ip"`

	IsLogged     bool      `gorm:"not null;default:false" json:"is_logged"`
	RegisteredAt time.Time `gorm:"autoCreateTime" json:"registered_at"`
}

func (a *Account) BeforeCreate(_ *gorm.DB) error {
	if a.RealName == "" {
		a.RealName = strings.TrimSpace(a.Username)
	}
	a.Username = strings.ToLower(strings.TrimSpace(a.Username))
	a.LastIP = strings.ToLower(strings.TrimSpace(a.LastIP))
	a.RegistrationIP = strings.ToLower(strings.TrimSpace(a.RegistrationIP))
	return nil
}
