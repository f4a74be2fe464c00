// Package ledger 定义账本的业务规则。
//
// 每个具名操作都是一个纯函数：(读到的状态, 参数) -> (变更, 结果)。
// 这里不碰数据库，变更由 service 层在 repository.TxManager 提供的原子事务里落库，
// 所以规则本身可以脱离存储单独测试。
package ledger

import (
	"math"
	"sort"
	"strings"
	"time"

	"coinledger/internal/model"

	"gorm.io/datatypes"
)

// Mutation 一次账本操作产生的全部写入，必须在同一个事务里整体生效
type Mutation struct {
	// 需要写回的账户，Version 保持读取时的值，写入时用于乐观锁校验
	Accounts []model.Account
	// 新建的权益
	NewEntitlement *model.Entitlement
	// 更新的权益（归档状态切换）
	UpdatedEntitlement *model.Entitlement
	// 审计流水，每条会同时产生一条发件箱事件
	Audits []model.AuditRecord
}

func (m *Mutation) addAccount(acc model.Account) {
	m.Accounts = append(m.Accounts, acc)
	// 多账户写入按账户ID排序，保证不同事务的写入顺序一致
	sort.Slice(m.Accounts, func(i, j int) bool {
		return m.Accounts[i].AccountID < m.Accounts[j].AccountID
	})
}

// addCoins 入账，结果超出 int64 范围时拒绝，不能让余额回绕成负数
func addCoins(balance, amount int64) (int64, error) {
	if amount > 0 && balance > math.MaxInt64-amount {
		return 0, ErrInvalidAmount
	}
	return balance + amount, nil
}

func audit(typ string, acc model.Account, actorID string, amount, before, after int64, meta datatypes.JSONMap) model.AuditRecord {
	return model.AuditRecord{
		Type:          typ,
		AccountID:     acc.AccountID,
		ActorID:       actorID,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Metadata:      meta,
	}
}

// ============================================================================
// 发放硬币
// ============================================================================

type GrantInput struct {
	Amount     int64
	ActorID    string
	Reason     string
	RequestID  string // 外部已确认支付的流水号，非空时用于幂等
	Corrective bool   // 管理员纠错，只有纠错才允许负数
}

type GrantResult struct {
	NewBalance int64 `json:"new_balance"`
	Duplicate  bool  `json:"duplicate,omitempty"`
}

// ValidateGrant 在访问存储之前校验参数
func ValidateGrant(in GrantInput) error {
	if in.Amount == 0 {
		return ErrInvalidAmount
	}
	if in.Amount < 0 && !in.Corrective {
		return ErrInvalidAmount
	}
	return nil
}

func Grant(acc model.Account, in GrantInput) (*Mutation, GrantResult, error) {
	if err := ValidateGrant(in); err != nil {
		return nil, GrantResult{}, err
	}

	before := acc.Coins
	after, err := addCoins(before, in.Amount)
	if err != nil {
		return nil, GrantResult{}, err
	}
	if after < 0 {
		return nil, GrantResult{}, ErrInsufficientFunds
	}

	acc.Coins = after
	meta := datatypes.JSONMap{}
	if in.Reason != "" {
		meta["reason"] = in.Reason
	}
	if in.Corrective {
		meta["corrective"] = true
	}
	rec := audit(model.AuditTypeGrantCoins, acc, in.ActorID, in.Amount, before, after, meta)
	if in.RequestID != "" {
		requestID := in.RequestID
		rec.RequestID = &requestID
	}

	m := &Mutation{Audits: []model.AuditRecord{rec}}
	m.addAccount(acc)
	return m, GrantResult{NewBalance: after}, nil
}

// ============================================================================
// 购买内容
// ============================================================================

type PurchaseInput struct {
	ContentID string
	Title     string
	Cost      int64
}

type PurchaseResult struct {
	NewBalance   int64 `json:"new_balance"`
	AlreadyOwned bool  `json:"already_owned"`
}

func ValidatePurchase(in PurchaseInput) error {
	if strings.TrimSpace(in.ContentID) == "" {
		return ErrInvalidContentID
	}
	if in.Cost < 0 {
		return ErrInvalidCost
	}
	return nil
}

// Purchase 购买内容
//
// 【关键点】已经拥有（无论是否归档）直接返回 AlreadyOwned，不扣款，
// 这是重复购买的幂等保护
func Purchase(acc model.Account, owned *model.Entitlement, in PurchaseInput, now time.Time) (*Mutation, PurchaseResult, error) {
	if err := ValidatePurchase(in); err != nil {
		return nil, PurchaseResult{}, err
	}
	if owned != nil {
		return nil, PurchaseResult{NewBalance: acc.Coins, AlreadyOwned: true}, nil
	}
	if acc.Coins < in.Cost {
		return nil, PurchaseResult{}, ErrInsufficientFunds
	}

	before := acc.Coins
	after := before - in.Cost
	if after < 0 {
		after = 0
	}
	acc.Coins = after

	ent := &model.Entitlement{
		AccountID:   acc.AccountID,
		ContentID:   in.ContentID,
		Title:       in.Title,
		Cost:        in.Cost,
		Source:      model.EntitlementSourcePurchase,
		Archived:    false,
		PurchasedAt: now,
	}
	meta := datatypes.JSONMap{"content_id": in.ContentID, "title": in.Title}

	m := &Mutation{
		NewEntitlement: ent,
		Audits:         []model.AuditRecord{audit(model.AuditTypePurchase, acc, acc.AccountID, -in.Cost, before, after, meta)},
	}
	m.addAccount(acc)
	return m, PurchaseResult{NewBalance: after}, nil
}

// ============================================================================
// 赠送内容
// ============================================================================

type GrantContentInput struct {
	ContentID string
	Title     string
	ActorID   string
	Reason    string
}

type GrantContentResult struct {
	AlreadyOwned bool `json:"already_owned"`
}

func ValidateGrantContent(in GrantContentInput) error {
	if strings.TrimSpace(in.ContentID) == "" {
		return ErrInvalidContentID
	}
	return nil
}

// GrantContent 管理员直接赠送内容，不扣款，权益来源记为 GRANT
//
// 已经拥有时和购买一样直接返回 AlreadyOwned
func GrantContent(acc model.Account, owned *model.Entitlement, in GrantContentInput, now time.Time) (*Mutation, GrantContentResult, error) {
	if err := ValidateGrantContent(in); err != nil {
		return nil, GrantContentResult{}, err
	}
	if owned != nil {
		return nil, GrantContentResult{AlreadyOwned: true}, nil
	}

	ent := &model.Entitlement{
		AccountID:   acc.AccountID,
		ContentID:   in.ContentID,
		Title:       in.Title,
		Cost:        0,
		Source:      model.EntitlementSourceGrant,
		PurchasedAt: now,
	}
	meta := datatypes.JSONMap{"content_id": in.ContentID, "title": in.Title}
	if in.Reason != "" {
		meta["reason"] = in.Reason
	}

	m := &Mutation{
		NewEntitlement: ent,
		Audits:         []model.AuditRecord{audit(model.AuditTypeGrantContent, acc, in.ActorID, 0, acc.Coins, acc.Coins, meta)},
	}
	m.addAccount(acc)
	return m, GrantContentResult{}, nil
}

// ============================================================================
// 每日奖励
// ============================================================================

// DailyBonusPolicy 每日奖励规则
//
// 【关键点】按参考时区的自然日零点判断，而不是滑动 24 小时窗口：
// 上次领取时间早于"今天零点"才可以再领
type DailyBonusPolicy struct {
	Amount   int64
	Location *time.Location
}

// DayStart 返回 now 所在自然日的零点（参考时区）
func (p DailyBonusPolicy) DayStart(now time.Time) time.Time {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	n := now.In(loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
}

func (p DailyBonusPolicy) Eligible(lastBonusAt *time.Time, now time.Time) bool {
	if lastBonusAt == nil {
		return true
	}
	return lastBonusAt.Before(p.DayStart(now))
}

type DailyBonusResult struct {
	Awarded    bool  `json:"awarded"`
	Bonus      int64 `json:"bonus,omitempty"`
	NewBalance int64 `json:"new_balance,omitempty"`
}

func ClaimDailyBonus(acc model.Account, policy DailyBonusPolicy, now time.Time) (*Mutation, DailyBonusResult, error) {
	if !policy.Eligible(acc.LastBonusAt, now) {
		return nil, DailyBonusResult{Awarded: false}, nil
	}

	before := acc.Coins
	after, err := addCoins(before, policy.Amount)
	if err != nil {
		return nil, DailyBonusResult{}, err
	}
	acc.Coins = after
	claimedAt := now
	acc.LastBonusAt = &claimedAt

	meta := datatypes.JSONMap{"day": policy.DayStart(now).Format("2006-01-02")}
	m := &Mutation{
		Audits: []model.AuditRecord{audit(model.AuditTypeDailyBonus, acc, acc.AccountID, policy.Amount, before, after, meta)},
	}
	m.addAccount(acc)
	return m, DailyBonusResult{Awarded: true, Bonus: policy.Amount, NewBalance: after}, nil
}

// ============================================================================
// 推荐码
// ============================================================================

// NormalizeCode 推荐码大小写不敏感，两端空白忽略
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ApplyReferralCode 绑定推荐人
//
// 校验顺序：
//  1. 已经绑定过推荐码 -> AlreadyExists
//  2. 已有学习记录（老用户刷奖励） -> FailedPrecondition
//  3. 推荐码不存在 -> NotFound
//  4. 推荐人是自己 -> InvalidArgument
//
// 绑定后状态变为 PENDING，奖励延后到被推荐人完成第一节正式课程时发放
func ApplyReferralCode(acc model.Account, referrer *model.Account, code string, now time.Time) (*Mutation, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrInvalidCode
	}
	if acc.ReferredBy != "" || acc.ReferrerID != "" {
		return nil, ErrReferralUsed
	}
	if acc.CompletedLessons > 0 {
		return nil, ErrReferralNotEligible
	}
	if referrer == nil {
		return nil, ErrReferrerNotFound
	}
	if referrer.AccountID == acc.AccountID {
		return nil, ErrSelfReferral
	}
	if !model.CanReferralTransitionTo(acc.ReferralStatus, model.ReferralStatusPending) {
		return nil, ErrReferralUsed
	}

	acc.ReferredBy = code
	acc.ReferrerID = referrer.AccountID
	acc.ReferralStatus = model.ReferralStatusPending
	appliedAt := now
	acc.ReferralAppliedAt = &appliedAt

	meta := datatypes.JSONMap{"code": code, "referrer_id": referrer.AccountID}
	m := &Mutation{
		Audits: []model.AuditRecord{audit(model.AuditTypeReferralApplied, acc, acc.AccountID, 0, acc.Coins, acc.Coins, meta)},
	}
	m.addAccount(acc)
	return m, nil
}

const (
	ReasonNotPending       = "not_pending"
	ReasonDemoContent      = "demo_content"
	ReasonUserCreated      = "user_created_content"
	ReasonReferrerNotFound = "referrer_not_found"
)

type CompletionInput struct {
	ContentID     string
	IsDemo        bool
	IsUserCreated bool
}

type CompletionResult struct {
	Rewarded bool   `json:"rewarded"`
	Bonus    int64  `json:"bonus,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// CompleteReferral 被推荐人完成符合条件的课程后，给推荐人发奖励
//
// 不满足条件属于正常业务结果，返回 Rewarded=false 和原因，不是错误。
// 满足条件时推荐人的余额和被推荐人的状态在同一个 Mutation 里，必须一起落库
func CompleteReferral(acc model.Account, referrer *model.Account, in CompletionInput, bonus int64, now time.Time) (*Mutation, CompletionResult, error) {
	if acc.ReferralStatus != model.ReferralStatusPending {
		return nil, CompletionResult{Reason: ReasonNotPending}, nil
	}
	if in.IsDemo {
		return nil, CompletionResult{Reason: ReasonDemoContent}, nil
	}
	if in.IsUserCreated {
		return nil, CompletionResult{Reason: ReasonUserCreated}, nil
	}
	if referrer == nil || referrer.AccountID != acc.ReferrerID {
		return nil, CompletionResult{Reason: ReasonReferrerNotFound}, nil
	}

	ref := *referrer
	before := ref.Coins
	after, err := addCoins(before, bonus)
	if err != nil {
		return nil, CompletionResult{}, err
	}
	ref.Coins = after

	acc.ReferralStatus = model.ReferralStatusCompleted
	completedAt := now
	acc.ReferralCompletedAt = &completedAt

	meta := datatypes.JSONMap{"referred_user_id": acc.AccountID, "content_id": in.ContentID}
	m := &Mutation{
		Audits: []model.AuditRecord{audit(model.AuditTypeReferralBonus, ref, acc.AccountID, bonus, before, after, meta)},
	}
	m.addAccount(acc)
	m.addAccount(ref)
	return m, CompletionResult{Rewarded: true, Bonus: bonus}, nil
}

// RecordLessonCompleted 累计学习记录，只影响推荐码的防刷判断，不产生审计流水
func RecordLessonCompleted(acc model.Account) *Mutation {
	acc.CompletedLessons++
	m := &Mutation{}
	m.addAccount(acc)
	return m
}

// ============================================================================
// 归档
// ============================================================================

// SetArchived 切换权益的归档状态。归档只表示本地副本被删除，所有权不变
func SetArchived(acc model.Account, ent *model.Entitlement, archived bool) (*Mutation, error) {
	if ent == nil {
		return nil, ErrEntitlementNotFound
	}
	if ent.Archived == archived {
		return nil, nil
	}

	updated := *ent
	updated.Archived = archived
	typ := model.AuditTypeEntitlementRestored
	if archived {
		typ = model.AuditTypeEntitlementArchived
	}

	meta := datatypes.JSONMap{"content_id": ent.ContentID}
	m := &Mutation{
		UpdatedEntitlement: &updated,
		Audits:             []model.AuditRecord{audit(typ, acc, acc.AccountID, 0, acc.Coins, acc.Coins, meta)},
	}
	m.addAccount(acc)
	return m, nil
}
