package model

import (
	"time"
)

const (
	EntitlementSourcePurchase = "PURCHASE"
	EntitlementSourceGrant    = "GRANT"
)

// Entitlement 内容权益表
// (account_id, content_id) 唯一，记录一旦创建永不删除，同时充当购买的幂等记录
type Entitlement struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	AccountID   string    `gorm:"type:varchar(64);uniqueIndex:uk_entitlement_account_content,priority:1;not null" json:"account_id"`
	ContentID   string    `gorm:"type:varchar(64);uniqueIndex:uk_entitlement_account_content,priority:2;not null" json:"content_id"`
	Title       string    `gorm:"type:varchar(256)" json:"title"`
	Cost        int64     `gorm:"not null" json:"cost"`
	Source      string    `gorm:"type:varchar(16);not null" json:"source"`
	Archived    bool      `gorm:"not null;default:false" json:"archived"` // 用户删除了本地副本，但仍拥有该内容
	PurchasedAt time.Time `gorm:"not null" json:"purchased_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Entitlement) TableName() string {
	return "entitlement"
}
