package model

import (
	"time"
)

// Account 用户账户表
// 一个账户一行：硬币余额、推荐关系、活跃信息都在这里，所有变更都必须经过账本执行器
type Account struct {
	ID                  int64          `gorm:"primaryKey;autoIncrement" json:"-"`
	AccountID           string         `gorm:"type:varchar(64);uniqueIndex:uk_account_account_id;not null" json:"account_id"` // 身份服务给出的稳定ID
	Email               string         `gorm:"type:varchar(128)" json:"email"`
	DisplayName         string         `gorm:"type:varchar(128)" json:"display_name"`
	Coins               int64          `gorm:"not null;default:0" json:"coins"` // 硬币余额，永远不能为负
	LoginCount          int64          `gorm:"not null;default:0" json:"login_count"`
	LastSeen            time.Time      `gorm:"index" json:"last_seen"`
	LastBonusAt         *time.Time     `json:"last_bonus_at,omitempty"` // 上次领取每日奖励的时间
	ReferralCode        string         `gorm:"type:varchar(16);uniqueIndex:uk_account_referral_code;not null" json:"referral_code"` // 对外公开的推荐码
	ReferredBy          string         `gorm:"type:varchar(16)" json:"referred_by,omitempty"`
	ReferrerID          string         `gorm:"type:varchar(64)" json:"referrer_id,omitempty"`
	ReferralStatus      ReferralStatus `gorm:"type:varchar(16);not null;default:NONE" json:"referral_status"`
	ReferralAppliedAt   *time.Time     `json:"referral_applied_at,omitempty"`
	ReferralCompletedAt *time.Time     `json:"referral_completed_at,omitempty"`
	CompletedLessons    int64          `gorm:"not null;default:0" json:"completed_lessons"`
	Version             int            `gorm:"not null;default:0" json:"-"` // 乐观锁版本号
	CreatedAt           time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
