package repository

import (
	"context"
	"errors"

	"coinledger/internal/model"

	"gorm.io/gorm"
)

// AuditRepository 审计流水只有追加和查询，没有更新和删除
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Create(ctx context.Context, tx *gorm.DB, rec *model.AuditRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(rec).Error
}

// GetByRequestID 按外部支付流水号查询，不存在返回 nil, nil
func (r *AuditRepository) GetByRequestID(ctx context.Context, tx *gorm.DB, requestID string) (*model.AuditRecord, error) {
	if tx == nil {
		tx = r.db
	}
	var rec model.AuditRecord
	err := tx.WithContext(ctx).Where("request_id = ?", requestID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// LatestByAccountID 账户最近一条流水，没有流水返回 nil, nil
func (r *AuditRepository) LatestByAccountID(ctx context.Context, tx *gorm.DB, accountID string) (*model.AuditRecord, error) {
	if tx == nil {
		tx = r.db
	}
	var rec model.AuditRecord
	err := tx.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *AuditRepository) ListByAccountID(ctx context.Context, accountID string, page, pageSize int) ([]*model.AuditRecord, int64, error) {
	var records []*model.AuditRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.AuditRecord{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}
