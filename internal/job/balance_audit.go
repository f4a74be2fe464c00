package job

import (
	"context"
	"errors"
	"log"
	"time"

	"coinledger/internal/metrics"
	"coinledger/internal/model"
	"coinledger/internal/repository"

	"gorm.io/gorm"
)

// BalanceAuditJob 余额核对任务
//
// 每条审计流水都记录了变更后的余额，账户当前余额应当等于最近一条流水的 balance_after。
// 不相等说明有绕过账本执行器的写入（手工改库、迁移脚本等），只记录告警，不自动修复
//
// 【关键点】
//  1. 每轮按主键分页走完窗口内的全部账户，变更的账户再多也不会有账户一直轮不到
//  2. 账户余额和最近一条流水在同一个事务里读取，看到的是同一个快照，
//     不会因为两次查询之间落了一笔账而误报
type BalanceAuditJob struct {
	txm         *repository.TxManager
	accountRepo *repository.AccountRepository
	auditRepo   *repository.AuditRepository
	stopCh      chan struct{}
	interval    time.Duration
	lookback    time.Duration
	batchSize   int
	now         func() time.Time
}

func NewBalanceAuditJob(txm *repository.TxManager, accountRepo *repository.AccountRepository, auditRepo *repository.AuditRepository,
	interval, lookback time.Duration, batchSize int) *BalanceAuditJob {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BalanceAuditJob{
		txm:         txm,
		accountRepo: accountRepo,
		auditRepo:   auditRepo,
		stopCh:      make(chan struct{}),
		interval:    interval,
		lookback:    lookback,
		batchSize:   batchSize,
		now:         time.Now,
	}
}

func (j *BalanceAuditJob) Start(ctx context.Context) {
	log.Println("[BalanceAuditJob] 余额核对任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[BalanceAuditJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[BalanceAuditJob] 任务停止")
			return
		case <-ticker.C:
			j.checkRecentAccounts(ctx)
		}
	}
}

func (j *BalanceAuditJob) Stop() {
	close(j.stopCh)
}

// checkRecentAccounts 核对最近有变更的账户，返回发现的不一致数量
func (j *BalanceAuditJob) checkRecentAccounts(ctx context.Context) int {
	since := j.now().UTC().Add(-j.lookback)

	drift, checked := 0, 0
	var afterID int64
	for {
		accounts, err := j.accountRepo.ListUpdatedSince(ctx, since, afterID, j.batchSize)
		if err != nil {
			log.Printf("[BalanceAuditJob] 查询账户失败: after_id=%d, err=%v", afterID, err)
			break
		}
		for _, acc := range accounts {
			if j.checkAccount(ctx, acc.AccountID) {
				drift++
			}
		}
		checked += len(accounts)
		if len(accounts) < j.batchSize || ctx.Err() != nil {
			break
		}
		afterID = accounts[len(accounts)-1].ID
	}

	if drift > 0 {
		log.Printf("[BalanceAuditJob] 本轮核对 %d 个账户，发现 %d 个余额不一致", checked, drift)
	}
	return drift
}

func (j *BalanceAuditJob) checkAccount(ctx context.Context, accountID string) bool {
	var acc *model.Account
	var latest *model.AuditRecord
	err := j.txm.RunInTx(ctx, func(tx *gorm.DB) error {
		var err error
		acc, err = j.accountRepo.GetByAccountID(ctx, tx, accountID)
		if err != nil {
			return err
		}
		latest, err = j.auditRepo.LatestByAccountID(ctx, tx, accountID)
		return err
	})
	if errors.Is(err, repository.ErrAccountNotFound) {
		return false
	}
	if err != nil {
		log.Printf("[BalanceAuditJob] 查询账户和流水失败: account=%s, err=%v", accountID, err)
		return false
	}

	expected := int64(0)
	if latest != nil {
		expected = latest.BalanceAfter
	}
	if acc.Coins == expected {
		return false
	}

	metrics.BalanceDriftTotal.Inc()
	log.Printf("[BalanceAuditJob] 余额与流水不一致: account=%s, coins=%d, balance_after=%d, last_txn=%s",
		acc.AccountID, acc.Coins, expected, transactionNo(latest))
	return true
}

func transactionNo(rec *model.AuditRecord) string {
	if rec == nil {
		return "-"
	}
	return rec.TransactionNo
}
