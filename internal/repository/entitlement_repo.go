package repository

import (
	"context"
	"errors"

	"coinledger/internal/model"

	"gorm.io/gorm"
)

type EntitlementRepository struct {
	db *gorm.DB
}

func NewEntitlementRepository(db *gorm.DB) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

func (r *EntitlementRepository) Create(ctx context.Context, tx *gorm.DB, ent *model.Entitlement) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(ent).Error
}

// Get 查询单个权益，不存在返回 nil, nil
func (r *EntitlementRepository) Get(ctx context.Context, tx *gorm.DB, accountID, contentID string) (*model.Entitlement, error) {
	if tx == nil {
		tx = r.db
	}
	var ent model.Entitlement
	err := tx.WithContext(ctx).
		Where("account_id = ? AND content_id = ?", accountID, contentID).
		First(&ent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ent, nil
}

func (r *EntitlementRepository) UpdateArchived(ctx context.Context, tx *gorm.DB, ent *model.Entitlement) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Entitlement{}).
		Where("account_id = ? AND content_id = ?", ent.AccountID, ent.ContentID).
		Update("archived", ent.Archived).Error
}

// ListByAccountID 账户的全部权益，按购买时间排序
func (r *EntitlementRepository) ListByAccountID(ctx context.Context, accountID string) ([]*model.Entitlement, error) {
	var ents []*model.Entitlement
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("purchased_at ASC").
		Find(&ents).Error
	return ents, err
}
