package model

import (
	"time"

	"gorm.io/datatypes"
)

// ============================================================================
// 审计类型常量
// ============================================================================

const (
	AuditTypeGrantCoins          = "GRANT_COINS"
	AuditTypePurchase            = "PURCHASE"
	AuditTypeGrantContent        = "GRANT_CONTENT"
	AuditTypeDailyBonus          = "DAILY_BONUS"
	AuditTypeReferralApplied     = "REFERRAL_APPLIED"
	AuditTypeReferralBonus       = "REFERRAL_BONUS"
	AuditTypeEntitlementArchived = "ENTITLEMENT_ARCHIVED"
	AuditTypeEntitlementRestored = "ENTITLEMENT_RESTORED"
)

// ============================================================================
// 审计流水实体
// ============================================================================

// AuditRecord 账本审计流水表
// 每次成功的账本变更写一条，是对账和纠纷处理的依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除
// 2. 记录变更前后余额，便于校验余额一致性
// 3. RequestID 非空时唯一，用于外部已确认支付的入账幂等
type AuditRecord struct {
	ID            int64             `gorm:"primaryKey;autoIncrement" json:"-"`
	TransactionNo string            `gorm:"type:varchar(64);uniqueIndex:uk_audit_transaction_no;not null" json:"transaction_no"`
	Type          string            `gorm:"type:varchar(32);not null" json:"type"`
	AccountID     string            `gorm:"type:varchar(64);index:idx_audit_account_created,priority:1;not null" json:"account_id"` // 余额发生变化的账户
	ActorID       string            `gorm:"type:varchar(64);not null" json:"actor_id"`                                            // 发起操作的账户
	Amount        int64             `gorm:"not null" json:"amount"`                                                               // 正数入账，负数出账
	BalanceBefore int64             `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64             `gorm:"not null" json:"balance_after"`
	RequestID     *string           `gorm:"type:varchar(64);uniqueIndex:uk_audit_request_id" json:"request_id,omitempty"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt     time.Time         `gorm:"autoCreateTime;index:idx_audit_account_created,priority:2" json:"created_at"`
}

func (AuditRecord) TableName() string {
	return "audit_record"
}
