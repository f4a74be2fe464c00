package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/infrastructure/identity"
	"coinledger/internal/ledger"
	"coinledger/internal/metrics"
	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/pkg/idgen"

	"gorm.io/gorm"
)

// ============================================================================
// 账本执行器
// ============================================================================
//
// 每个操作都是同一个套路：
//
//	RunInTx(func(tx) {
//	    1. 通过 tx 读取账户（和权益 / 推荐人）
//	    2. 调用 ledger 包里的纯函数，得到 Mutation
//	    3. apply：按版本号写回账户、写权益、写审计流水、写发件箱
//	})
//
// 参数校验在进入事务之前完成，不合法的请求不会访问数据库。
// 乐观锁冲突由 RunInTx 整体重试，这里没有自己的重试循环。
// ============================================================================

type LedgerService struct {
	txm             *repository.TxManager
	accountRepo     *repository.AccountRepository
	entitlementRepo *repository.EntitlementRepository
	auditRepo       *repository.AuditRepository
	outboxRepo      *repository.OutboxRepository
	ids             *idgen.Snowflake
	cfg             *config.Config
	bonusPolicy     ledger.DailyBonusPolicy
	now             func() time.Time
}

func NewLedgerService(db *gorm.DB, ids *idgen.Snowflake, cfg *config.Config) (*LedgerService, error) {
	loc, err := cfg.Ledger.Location()
	if err != nil {
		return nil, err
	}
	return &LedgerService{
		txm:             repository.NewTxManager(db, cfg.Ledger.TxMaxRetries),
		accountRepo:     repository.NewAccountRepository(db),
		entitlementRepo: repository.NewEntitlementRepository(db),
		auditRepo:       repository.NewAuditRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		ids:             ids,
		cfg:             cfg,
		bonusPolicy:     ledger.DailyBonusPolicy{Amount: cfg.Ledger.DailyBonus, Location: loc},
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

// observe 记录操作结果，outcome 为空表示成功
func observe(op, outcome string, err error) {
	switch {
	case err != nil:
		outcome = strings.ToLower(string(ledger.CodeOf(err)))
	case outcome == "":
		outcome = "ok"
	}
	metrics.LedgerOpsTotal.WithLabelValues(op, outcome).Inc()
}

func (s *LedgerService) loadAccount(ctx context.Context, tx *gorm.DB, accountID string) (*model.Account, error) {
	acc, err := s.accountRepo.GetByAccountID(ctx, tx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}
	return acc, nil
}

// ledgerEvent 发件箱消息体，每条审计流水对应一条
type ledgerEvent struct {
	EventType     string                 `json:"event_type"`
	TransactionNo string                 `json:"transaction_no"`
	AccountID     string                 `json:"account_id"`
	ActorID       string                 `json:"actor_id"`
	Amount        int64                  `json:"amount"`
	BalanceAfter  int64                  `json:"balance_after"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	OccurredAt    string                 `json:"occurred_at"`
}

// apply 在当前事务里落库一个 Mutation
//
// 【关键点】账户写入带版本号，任何一个账户版本不匹配都会让整个事务回滚重试，
// 所以余额、权益、流水、事件要么全部可见，要么全部不可见
func (s *LedgerService) apply(ctx context.Context, tx *gorm.DB, m *ledger.Mutation) error {
	for i := range m.Accounts {
		if err := s.accountRepo.UpdateWithVersion(ctx, tx, &m.Accounts[i]); err != nil {
			return err
		}
	}

	if m.NewEntitlement != nil {
		if err := s.entitlementRepo.Create(ctx, tx, m.NewEntitlement); err != nil {
			return fmt.Errorf("写入权益失败: %w", err)
		}
	}
	if m.UpdatedEntitlement != nil {
		if err := s.entitlementRepo.UpdateArchived(ctx, tx, m.UpdatedEntitlement); err != nil {
			return fmt.Errorf("更新权益失败: %w", err)
		}
	}

	now := s.now()
	msgs := make([]*model.OutboxMessage, 0, len(m.Audits))
	for i := range m.Audits {
		rec := &m.Audits[i]
		rec.TransactionNo = s.ids.TransactionNo()
		if err := s.auditRepo.Create(ctx, tx, rec); err != nil {
			return fmt.Errorf("记录审计流水失败: %w", err)
		}

		payload, err := json.Marshal(ledgerEvent{
			EventType:     rec.Type,
			TransactionNo: rec.TransactionNo,
			AccountID:     rec.AccountID,
			ActorID:       rec.ActorID,
			Amount:        rec.Amount,
			BalanceAfter:  rec.BalanceAfter,
			Metadata:      rec.Metadata,
			OccurredAt:    now.Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("序列化事件失败: %w", err)
		}
		msgs = append(msgs, &model.OutboxMessage{
			MessageKey: rec.AccountID,
			EventType:  rec.Type,
			Topic:      s.cfg.Kafka.Topic.LedgerEvents,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		})
	}
	if err := s.outboxRepo.Create(ctx, tx, msgs...); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}

// ============================================================================
// 账户
// ============================================================================

// EnsureAccount 首次验证通过时创建账户，之后每次登录更新活跃信息
func (s *LedgerService) EnsureAccount(ctx context.Context, id identity.Identity) (*model.Account, error) {
	if id.AccountID == "" {
		return nil, ledger.ErrUnauthenticated
	}

	var result *model.Account
	err := s.txm.RunInTx(ctx, func(tx *gorm.DB) error {
		now := s.now()
		acc, err := s.accountRepo.GetByAccountID(ctx, tx, id.AccountID)
		if errors.Is(err, repository.ErrAccountNotFound) {
			acc = &model.Account{
				AccountID:      id.AccountID,
				Email:          id.Email,
				DisplayName:    id.DisplayName,
				LoginCount:     1,
				LastSeen:       now,
				ReferralCode:   idgen.ReferralCode(),
				ReferralStatus: model.ReferralStatusNone,
			}
			if err := s.accountRepo.Create(ctx, tx, acc); err != nil {
				return fmt.Errorf("创建账户失败: %w", err)
			}
			// 推荐码撞车时 MySQL 的 ON DUPLICATE 会静默忽略插入，重新读一次确认
			created, err := s.accountRepo.GetByAccountID(ctx, tx, id.AccountID)
			if errors.Is(err, repository.ErrAccountNotFound) {
				return repository.ErrOptimisticLock
			}
			if err != nil {
				return err
			}
			result = created
			return nil
		}
		if err != nil {
			return fmt.Errorf("查询账户失败: %w", err)
		}

		acc.LoginCount++
		acc.LastSeen = now
		if id.Email != "" {
			acc.Email = id.Email
		}
		if id.DisplayName != "" {
			acc.DisplayName = id.DisplayName
		}
		if err := s.accountRepo.UpdateWithVersion(ctx, tx, acc); err != nil {
			return err
		}
		acc.Version++
		result = acc
		return nil
	})
	observe("ensure_account", "", err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *LedgerService) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	acc, err := s.loadAccount(ctx, nil, accountID)
	if err != nil {
		return nil, ledger.Internal(err)
	}
	return acc, nil
}

// ============================================================================
// 发放硬币
// ============================================================================

type GrantRequest struct {
	AccountID  string `json:"account_id" binding:"required"`
	Amount     int64  `json:"amount" binding:"required"`
	ActorID    string `json:"-"`
	Reason     string `json:"reason"`
	RequestID  string `json:"request_id"`
	Corrective bool   `json:"corrective"`
}

// GrantCoins 发放（或纠错扣回）硬币
//
// RequestID 是外部已确认支付的流水号，非空时幂等：重复请求返回 Duplicate=true，不再入账
func (s *LedgerService) GrantCoins(ctx context.Context, req *GrantRequest) (ledger.GrantResult, error) {
	in := ledger.GrantInput{
		Amount:     req.Amount,
		ActorID:    req.ActorID,
		Reason:     req.Reason,
		RequestID:  strings.TrimSpace(req.RequestID),
		Corrective: req.Corrective,
	}
	if err := ledger.ValidateGrant(in); err != nil {
		observe("grant_coins", "", err)
		return ledger.GrantResult{}, err
	}

	var result ledger.GrantResult
	err := s.txm.RunInTx(ctx, func(tx *gorm.DB) error {
		acc, err := s.loadAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}

		if in.RequestID != "" {
			existing, err := s.auditRepo.GetByRequestID(ctx, tx, in.RequestID)
			if err != nil {
				return fmt.Errorf("查询流水失败: %w", err)
			}
			if existing != nil {
				if existing.AccountID != acc.AccountID {
					return ledger.Wrap(ledger.CodeInvalidArgument, "request_id 已用于其他账户", nil)
				}
				result = ledger.GrantResult{NewBalance: acc.Coins, Duplicate: true}
				return nil
			}
		}

		m, res, err := ledger.Grant(*acc, in)
		if err != nil {
			return err
		}
		if err := s.apply(ctx, tx, m); err != nil {
			return err
		}
		result = res
		return nil
	})

	outcome := ""
	if result.Duplicate {
		outcome = "duplicate"
	}
	observe("grant_coins", outcome, err)
	if err != nil {
		return ledger.GrantResult{}, err
	}

	log.Printf("[Ledger] 发放硬币: account=%s, actor=%s, amount=%d, balance=%d, duplicate=%v",
		req.AccountID, req.ActorID, req.Amount, result.NewBalance, result.Duplicate)
	return result, nil
}

// ============================================================================
// 购买内容
// ============================================================================

type PurchaseRequest struct {
	ContentID string `json:"content_id" binding:"required"`
	Title     string `json:"title"`
	Cost      int64  `json:"cost"`
}

func (s *LedgerService) PurchaseContent(ctx context.Context, accountID string, req *PurchaseRequest) (ledger.PurchaseResult, error) {
	in := ledger.PurchaseInput{ContentID: strings.TrimSpace(req.ContentID), Title: req.Title, Cost: req.Cost}
	if err := ledger.ValidatePurchase(in); err != nil {
		observe("purchase", "", err)
		return ledger.PurchaseResult{}, err
	}

	var result ledger.PurchaseResult
	err := s.txm.RunInTx(ctx, func(tx *gorm.DB) error {
		acc, err := s.loadAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		owned, err := s.entitlementRepo.Get(ctx, tx, accountID, in.ContentID)
		if err != nil {
			return fmt.Errorf("查询权益失败: %w", err)
		}

		m, res, err := ledger.Purchase(*acc, owned, in, s.now())
		if err != nil {
			return err
		}
		if m != nil {
			if err := s.apply(ctx, tx, m); err != nil {
				return err
			}
		}
		result = res
		return nil
	})

	outcome := ""
	if result.AlreadyOwned {
		outcome = "already_owned"
	}
	observe("purchase", outcome, err)
	if err != nil {
		return ledger.PurchaseResult{}, err
	}

	if !result.AlreadyOwned {
		log.Printf("[Ledger] 购买成功: account=%s, content=%s, cost=%d, balance=%d",
			accountID, in.ContentID, in.Cost, result.NewBalance)
	}
	return result, nil
}

// ============================================================================
// 赠送内容
// ============================================================================

type GrantContentRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	ContentID string `json:"content_id" binding:"required"`
	Title     string `json:"title"`
	ActorID   string `json:"-"`
	Reason    string `json:"reason"`
}

// GrantContent 管理员赠送内容（补偿、活动），不扣款
func (s *LedgerService) GrantContent(ctx context.Context, req *GrantContentRequest) (ledger.GrantContentResult, error) {
	in := ledger.GrantContentInput{
		ContentID: strings.TrimSpace(req.ContentID),
		Title:     req.Title,
		ActorID:   req.ActorID,
		Reason:    req.Reason,
	}
	if err := ledger.ValidateGrantContent(in); err != nil {
		observe("grant_content", "", err)
		return ledger.GrantContentResult{}, err
	}

	var result ledger.GrantContentResult
	err := s.txm.RunInTx(ctx, func(tx *gorm.DB) error {
		acc, err := s.loadAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		owned, err := s.entitlementRepo.Get(ctx, tx, req.AccountID, in.ContentID)
		if err != nil {
			return fmt.Errorf("查询权益失败: %w", err)
		}

		m, res, err := ledger.GrantContent(*acc, owned, in, s.now())
		if err != nil {
			return err
		}
		if m != nil {
			if err := s.apply(ctx, tx, m); err != nil {
				return err
			}
		}
		result = res
		return nil
	})

	outcome := ""
	if result.AlreadyOwned {
		outcome = "already_owned"
	}
	observe("grant_content", outcome, err)
	if err != nil {
		return ledger.GrantContentResult{}, err
	}

	log.Printf("[Ledger] 赠送内容: account=%s, actor=%s, content=%s, already_owned=%v",
		req.AccountID, req.ActorID, in.ContentID, result.AlreadyOwned)
	return result, nil
}

// ============================================================================
// 每日奖励
// ============================================================================

func (s *LedgerService) ClaimDailyBonus(ctx context.Context, accountID string) (ledger.DailyBonusResult, error) {
	var result ledger.DailyBonusResult
	err := s.txm.RunInTx(ctx, func(tx *gorm.DB) error {
		acc, err := s.loadAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		m, res, err := ledger.ClaimDailyBonus(*acc, s.bonusPolicy, s.now())
		if err != nil {
			return err
		}
		if m != nil {
			if err := s.apply(ctx, tx, m); err != nil {
				return err
			}
		}
		result = res
		return nil
	})

	outcome := ""
	if err == nil && !result.Awarded {
		outcome = "not_awarded"
	}
	observe("daily_bonus", outcome, err)
	if err != nil {
		return ledger.DailyBonusResult{}, err
	}
	return result, nil
}

// ============================================================================
// 推荐
// ============================================================================

type ApplyReferralResult struct {
	Message string `json:"message"`
}

func (s *LedgerService) ApplyReferralCode(ctx context.Context, accountID, code string) (*ApplyReferralResult, error) {
	code = ledger.NormalizeCode(code)
	if code == "" {
		observe("apply_referral", "", ledger.ErrInvalidCode)
		return nil, ledger.ErrInvalidCode
	}

	var referrerID string
	err := s.txm.RunInTx(ctx, func(tx *gorm.DB) error {
		acc, err := s.loadAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		referrer, err := s.accountRepo.GetByReferralCode(ctx, tx, code)
		if err != nil {
			return fmt.Errorf("查询推荐人失败: %w", err)
		}

		m, err := ledger.ApplyReferralCode(*acc, referrer, code, s.now())
		if err != nil {
			return err
		}
		referrerID = referrer.AccountID
		return s.apply(ctx, tx, m)
	})
	observe("apply_referral", "", err)
	if err != nil {
		return nil, err
	}

	log.Printf("[Ledger] 绑定推荐人: account=%s, referrer=%s, code=%s", accountID, referrerID, code)
	return &ApplyReferralResult{Message: "推荐码使用成功，完成第一节课后推荐人将获得奖励"}, nil
}

// CompleteReferral 被推荐人完成一节课后调用，满足条件时给推荐人发奖励
func (s *LedgerService) CompleteReferral(ctx context.Context, accountID string, in ledger.CompletionInput) (ledger.CompletionResult, error) {
	var result ledger.CompletionResult
	err := s.txm.RunInTx(ctx, func(tx *gorm.DB) error {
		acc, err := s.loadAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		var referrer *model.Account
		if acc.ReferralStatus == model.ReferralStatusPending && acc.ReferrerID != "" {
			referrer, err = s.accountRepo.GetByAccountID(ctx, tx, acc.ReferrerID)
			if err != nil && !errors.Is(err, repository.ErrAccountNotFound) {
				return fmt.Errorf("查询推荐人失败: %w", err)
			}
		}

		m, res, err := ledger.CompleteReferral(*acc, referrer, in, s.cfg.Ledger.ReferralBonus, s.now())
		if err != nil {
			return err
		}
		if m != nil {
			if err := s.apply(ctx, tx, m); err != nil {
				return err
			}
		}
		result = res
		return nil
	})

	outcome := result.Reason
	observe("complete_referral", outcome, err)
	if err != nil {
		return ledger.CompletionResult{}, err
	}
	if result.Rewarded {
		log.Printf("[Ledger] 推荐奖励已发放: account=%s, bonus=%d", accountID, result.Bonus)
	}
	return result, nil
}

// RecordLessonCompleted 累计学习记录
func (s *LedgerService) RecordLessonCompleted(ctx context.Context, accountID, contentID string) error {
	err := s.txm.RunInTx(ctx, func(tx *gorm.DB) error {
		acc, err := s.loadAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		return s.apply(ctx, tx, ledger.RecordLessonCompleted(*acc))
	})
	observe("lesson_completed", "", err)
	return err
}

// ============================================================================
// 权益
// ============================================================================

// SetArchived 归档或恢复权益，已经是目标状态时什么都不做
func (s *LedgerService) SetArchived(ctx context.Context, accountID, contentID string, archived bool) error {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		observe("set_archived", "", ledger.ErrInvalidContentID)
		return ledger.ErrInvalidContentID
	}

	err := s.txm.RunInTx(ctx, func(tx *gorm.DB) error {
		acc, err := s.loadAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		ent, err := s.entitlementRepo.Get(ctx, tx, accountID, contentID)
		if err != nil {
			return fmt.Errorf("查询权益失败: %w", err)
		}

		m, err := ledger.SetArchived(*acc, ent, archived)
		if err != nil || m == nil {
			return err
		}
		return s.apply(ctx, tx, m)
	})
	observe("set_archived", "", err)
	return err
}

func (s *LedgerService) ListEntitlements(ctx context.Context, accountID string) ([]*model.Entitlement, error) {
	ents, err := s.entitlementRepo.ListByAccountID(ctx, accountID)
	if err != nil {
		return nil, ledger.Internal(fmt.Errorf("查询权益失败: %w", err))
	}
	return ents, nil
}

// AuditPage 一页流水，Page 和 PageSize 是实际生效的分页参数
type AuditPage struct {
	List     []*model.AuditRecord `json:"list"`
	Total    int64                `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

// ListAudit 分页查询账户流水，最新的在前
//
// page 小于 1 按第 1 页处理，page_size 不在 [1,100] 内按 20 处理
func (s *LedgerService) ListAudit(ctx context.Context, accountID string, page, pageSize int) (*AuditPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	records, total, err := s.auditRepo.ListByAccountID(ctx, accountID, page, pageSize)
	if err != nil {
		return nil, ledger.Internal(fmt.Errorf("查询流水失败: %w", err))
	}
	return &AuditPage{List: records, Total: total, Page: page, PageSize: pageSize}, nil
}
