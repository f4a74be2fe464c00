package repository

import (
	"context"
	"errors"
	"time"

	"coinledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound = errors.New("账户不存在")
	ErrOptimisticLock  = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// Create 首次登录时创建账户，account_id 冲突时什么都不做（并发的首次登录）
func (r *AccountRepository) Create(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Create(account).Error
}

func (r *AccountRepository) GetByAccountID(ctx context.Context, tx *gorm.DB, accountID string) (*model.Account, error) {
	var account model.Account
	err := r.conn(tx).WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetByReferralCode 按公开推荐码查找账户，不存在返回 nil, nil
func (r *AccountRepository) GetByReferralCode(ctx context.Context, tx *gorm.DB, code string) (*model.Account, error) {
	var account model.Account
	err := r.conn(tx).WithContext(ctx).Where("referral_code = ?", code).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// UpdateWithVersion 按读取时的版本号写回账户
//
// 【关键点】WHERE version = ? 是乐观锁：
// 两个事务读到同一个版本，先提交的成功，后提交的影响行数为 0，
// 返回 ErrOptimisticLock，由 TxManager 回滚并重新执行整个事务
func (r *AccountRepository) UpdateWithVersion(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ? AND version = ?", account.AccountID, account.Version).
		Updates(map[string]interface{}{
			"email":                 account.Email,
			"display_name":          account.DisplayName,
			"coins":                 account.Coins,
			"login_count":           account.LoginCount,
			"last_seen":             account.LastSeen,
			"last_bonus_at":         account.LastBonusAt,
			"referred_by":           account.ReferredBy,
			"referrer_id":           account.ReferrerID,
			"referral_status":       account.ReferralStatus,
			"referral_applied_at":   account.ReferralAppliedAt,
			"referral_completed_at": account.ReferralCompletedAt,
			"completed_lessons":     account.CompletedLessons,
			"version":               gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}

	return nil
}

// ListUpdatedSince 查询最近有变更的账户，供余额核对任务使用
//
// 按主键分页：afterID 是上一页最后一个账户的 ID，第一页传 0
func (r *AccountRepository) ListUpdatedSince(ctx context.Context, since time.Time, afterID int64, limit int) ([]*model.Account, error) {
	var accounts []*model.Account
	err := r.db.WithContext(ctx).
		Where("updated_at >= ? AND id > ?", since, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}
