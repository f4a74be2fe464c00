package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"coinledger/internal/ledger"
	"coinledger/internal/metrics"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"
)

// ============================================================================
// 原子事务 + 乐观锁重试
// ============================================================================
//
// 所有账本变更都通过 RunInTx 执行：
//
//	RunInTx(ctx, func(tx) error {
//	    读账户（带 version） -> 纯函数计算变更 -> 按 version 写回 + 写权益 + 写流水 + 写发件箱
//	})
//
// 同一账户的两个并发事务，后提交的一方在 UpdateWithVersion 时影响行数为 0，
// 整个事务回滚后重新执行（重新读取最新状态，重新计算），重试次数有上限，
// 用完后返回 ledger.ErrTxConflict（Internal，调用方可以安全重试）。
//
// 不同账户之间没有任何共享锁。
// ============================================================================

// TxManager 原子事务执行器
type TxManager struct {
	db         *gorm.DB
	maxRetries int
	newBackOff func() backoff.BackOff
}

func NewTxManager(db *gorm.DB, maxRetries int) *TxManager {
	return &TxManager{
		db:         db,
		maxRetries: maxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			b.MaxInterval = 200 * time.Millisecond
			return b
		},
	}
}

// isConflict 可以通过重新执行事务解决的冲突
func isConflict(err error) bool {
	return errors.Is(err, ErrOptimisticLock) || errors.Is(err, gorm.ErrDuplicatedKey)
}

// RunInTx 在事务中执行 fn，遇到并发冲突时回滚并重新执行
//
// fn 可能被执行多次，只能通过 tx 读写数据库，不能有其他副作用
func (m *TxManager) RunInTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := m.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return struct{}{}, nil
		}
		if isConflict(err) {
			metrics.TxConflictsTotal.Inc()
			log.Printf("[TxManager] 并发冲突，准备重试: attempt=%d, err=%v", attempt, err)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(m.newBackOff()), backoff.WithMaxTries(uint(m.maxRetries+1)))

	if err == nil {
		return nil
	}
	if isConflict(err) {
		return fmt.Errorf("%w: %v", ledger.ErrTxConflict, err)
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return ledger.Internal(err)
}
