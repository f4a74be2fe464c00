package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 权益对账互斥
// ============================================================================
//
// 同一账户同一时刻只允许一次对账在处理文件，并且"最新的请求说了算"：
//
//   Begin:
//     1. INCR reconcile:gen:<account>            拿到本次对账的代次号
//     2. ZADD reconcile:waiting:<account> 代次号  登记为等待者
//     3. 等待 reconcile:lock:account:<account>（有上限）
//     4. 拿到锁或者等待超时，都把自己从等待集合里移除
//
//   处理每个条目之前调用 Checkpoint：
//     1. 等待集合里有比自己代次更大的 -> 有更新的对账在排队，当前这次停止并释放锁
//     2. 否则续期锁，锁已经不属于自己时也停止
//
// 【关键点】只有"正在等待"的新请求才会让旧的对账停下。
// 新请求等待超时后会退出等待集合，旧的对账继续把剩下的内容恢复完，
// 不会出现新请求失败、旧对账也放弃的情况
// ============================================================================

const (
	reconcileGenKeyFmt     = "reconcile:gen:%s"
	reconcileWaitingKeyFmt = "reconcile:waiting:%s"
	reconcileLockKeyFmt    = "reconcile:lock:account:%s"
	reconcileGenTTL        = 24 * time.Hour
	lockRetryInterval      = 100 * time.Millisecond
)

// ReconcileGuard 创建按账户互斥的对账运行
type ReconcileGuard struct {
	client  *redis.Client
	lockTTL time.Duration
	wait    time.Duration
	token   func() string
}

func NewReconcileGuard(client *redis.Client, lockTTL, wait time.Duration, token func() string) *ReconcileGuard {
	return &ReconcileGuard{client: client, lockTTL: lockTTL, wait: wait, token: token}
}

// ReconcileRun 一次持有锁的对账
type ReconcileRun struct {
	client     *redis.Client
	waitingKey string
	generation int64
	lock       *DistributedLock
}

// Begin 登记一次新的对账并等待锁
//
// 等待超时返回 ErrLockFailed，同时撤销等待登记，正在运行的旧对账不受影响
func (g *ReconcileGuard) Begin(ctx context.Context, accountID string) (*ReconcileRun, error) {
	genKey := fmt.Sprintf(reconcileGenKeyFmt, accountID)
	waitingKey := fmt.Sprintf(reconcileWaitingKeyFmt, accountID)

	generation, err := g.client.Incr(ctx, genKey).Result()
	if err != nil {
		return nil, fmt.Errorf("登记对账代次失败: %w", err)
	}
	member := strconv.FormatInt(generation, 10)

	pipe := g.client.TxPipeline()
	pipe.Expire(ctx, genKey, reconcileGenTTL)
	pipe.ZAdd(ctx, waitingKey, &redis.Z{Score: float64(generation), Member: member})
	pipe.Expire(ctx, waitingKey, reconcileGenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("登记对账等待失败: %w", err)
	}

	l := NewDistributedLock(g.client, fmt.Sprintf(reconcileLockKeyFmt, accountID), g.token(), g.lockTTL)
	maxRetries := int(g.wait/lockRetryInterval) + 1
	lockErr := l.Lock(ctx, lockRetryInterval, maxRetries)

	// 不管有没有拿到锁都退出等待集合；请求被取消时也要清理
	if err := g.client.ZRem(context.WithoutCancel(ctx), waitingKey, member).Err(); err != nil {
		log.Printf("[Reconcile] 撤销对账等待失败: key=%s, generation=%d, err=%v", waitingKey, generation, err)
	}
	if lockErr != nil {
		return nil, lockErr
	}

	return &ReconcileRun{
		client:     g.client,
		waitingKey: waitingKey,
		generation: generation,
		lock:       l,
	}, nil
}

// Generation 本次对账的代次号
func (r *ReconcileRun) Generation() int64 {
	return r.generation
}

// Superseded 是否已经有更新的对账在等待
//
// 读取失败时保守地继续执行，锁仍然保证互斥
func (r *ReconcileRun) Superseded(ctx context.Context) bool {
	newer, err := r.client.ZCount(ctx, r.waitingKey, "("+strconv.FormatInt(r.generation, 10), "+inf").Result()
	if err != nil {
		log.Printf("[Reconcile] 读取对账等待者失败: key=%s, err=%v", r.waitingKey, err)
		return false
	}
	return newer > 0
}

// Checkpoint 处理下一个条目之前调用，返回 false 表示本次对账应该停止
//
// 有更新的对账在等待，或者锁已经不属于自己（过期后被别人拿走），都要停止；
// 否则把锁续期一个 TTL。Redis 暂时不可用时和 Superseded 一样继续执行
func (r *ReconcileRun) Checkpoint(ctx context.Context) bool {
	if r.Superseded(ctx) {
		return false
	}
	if err := r.lock.Refresh(ctx); err != nil {
		log.Printf("[Reconcile] 对账锁续期失败: key=%s, err=%v", r.lock.key, err)
		return !errors.Is(err, ErrLockExpired)
	}
	return true
}

// Release 释放锁
func (r *ReconcileRun) Release(ctx context.Context) {
	if err := r.lock.Unlock(ctx); err != nil {
		log.Printf("[Reconcile] 释放对账锁失败: key=%s, err=%v", r.lock.key, err)
	}
}
