package repository

import (
	"context"
	"errors"

	"coinledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrCatalogItemNotFound = errors.New("内容目录中不存在")

type CatalogRepository struct {
	db *gorm.DB
}

func NewCatalogRepository(db *gorm.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

func (r *CatalogRepository) GetByContentID(ctx context.Context, contentID string) (*model.CatalogItem, error) {
	var item model.CatalogItem
	err := r.db.WithContext(ctx).Where("content_id = ?", contentID).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCatalogItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

// Upsert 写入或更新目录项（内容发布流程调用）
func (r *CatalogRepository) Upsert(ctx context.Context, item *model.CatalogItem) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "content_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "storage_path", "premium", "updated_at"}),
		}).
		Create(item).Error
}
