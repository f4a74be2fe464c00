package model

import (
	"time"
)

// CatalogItem 内容目录，记录内容的存储位置以及是否加密
type CatalogItem struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	ContentID   string    `gorm:"type:varchar(64);uniqueIndex:uk_catalog_content_id;not null" json:"content_id"`
	Title       string    `gorm:"type:varchar(256)" json:"title"`
	StoragePath string    `gorm:"type:varchar(512);not null" json:"storage_path"`
	Premium     bool      `gorm:"not null;default:false" json:"premium"` // 付费内容的 blob 是加密的
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CatalogItem) TableName() string {
	return "content_catalog"
}
