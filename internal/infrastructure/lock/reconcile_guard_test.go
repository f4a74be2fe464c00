package lock

import (
	"context"
	"testing"
	"time"

	"coinledger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributedLock_Exclusive(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	ctx := context.Background()

	a := NewDistributedLock(client, "k", "a", time.Minute)
	b := NewDistributedLock(client, "k", "b", time.Minute)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 不是自己的锁不能删
	assert.ErrorIs(t, b.Unlock(ctx), ErrLockExpired)
	require.NoError(t, a.Unlock(ctx))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedLock_LockGivesUp(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	ctx := context.Background()

	holder := NewDistributedLock(client, "k", "holder", time.Minute)
	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	waiter := NewDistributedLock(client, "k", "waiter", time.Minute)
	assert.ErrorIs(t, waiter.Lock(ctx, time.Millisecond, 3), ErrLockFailed)
}

func TestReconcileGuard_NewerRunSupersedesOlder(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	ctx := context.Background()
	guard := NewReconcileGuard(client, time.Minute, 2*time.Second, uuid.NewString)

	first, err := guard.Begin(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, first.Superseded(ctx))

	type result struct {
		run *ReconcileRun
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := guard.Begin(ctx, "acc-1")
		done <- result{run, err}
	}()

	// 新的对账登记后，旧的对账能感知到
	require.Eventually(t, func() bool { return first.Superseded(ctx) }, time.Second, 5*time.Millisecond)

	first.Release(ctx)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.False(t, r.run.Superseded(ctx))
		assert.Greater(t, r.run.Generation(), first.Generation())
		r.run.Release(ctx)
	case <-time.After(2 * time.Second):
		t.Fatal("second run never acquired the lock")
	}
}

func TestReconcileGuard_AccountsAreIndependent(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	ctx := context.Background()
	guard := NewReconcileGuard(client, time.Minute, 0, uuid.NewString)

	a, err := guard.Begin(ctx, "acc-1")
	require.NoError(t, err)
	b, err := guard.Begin(ctx, "acc-2")
	require.NoError(t, err)

	assert.False(t, a.Superseded(ctx))
	assert.False(t, b.Superseded(ctx))
	a.Release(ctx)
	b.Release(ctx)
}

func TestReconcileGuard_WaitTimeout(t *testing.T) {
	_, client := testutil.NewTestRedis(t)
	ctx := context.Background()
	guard := NewReconcileGuard(client, time.Minute, 0, uuid.NewString)

	held, err := guard.Begin(ctx, "acc-1")
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = guard.Begin(ctx, "acc-1")
	assert.ErrorIs(t, err, ErrLockFailed)

	// 等待超时的请求撤销了登记，正在运行的对账继续
	assert.False(t, held.Superseded(ctx))
	assert.True(t, held.Checkpoint(ctx))
}

func TestReconcileGuard_StaleWaiterDoesNotStopNewerRuns(t *testing.T) {
	mr, client := testutil.NewTestRedis(t)
	ctx := context.Background()
	guard := NewReconcileGuard(client, time.Minute, 0, uuid.NewString)

	// 进程崩溃留下的等待登记只会影响比它更早的对账
	_, err := mr.ZAdd("reconcile:waiting:acc-1", 1, "1")
	require.NoError(t, err)
	require.NoError(t, mr.Set("reconcile:gen:acc-1", "1"))

	run, err := guard.Begin(ctx, "acc-1")
	require.NoError(t, err)
	defer run.Release(ctx)
	assert.Equal(t, int64(2), run.Generation())
	assert.False(t, run.Superseded(ctx))
}

func TestReconcileRun_CheckpointRenewsLock(t *testing.T) {
	mr, client := testutil.NewTestRedis(t)
	ctx := context.Background()
	guard := NewReconcileGuard(client, time.Minute, 0, uuid.NewString)

	run, err := guard.Begin(ctx, "acc-1")
	require.NoError(t, err)

	mr.FastForward(50 * time.Second)
	require.True(t, run.Checkpoint(ctx))
	assert.Greater(t, mr.TTL("reconcile:lock:account:acc-1"), 50*time.Second)

	// 锁过期后被别人拿走，续期失败，当前对账必须停止
	mr.FastForward(2 * time.Minute)
	require.NoError(t, mr.Set("reconcile:lock:account:acc-1", "someone-else"))
	assert.False(t, run.Checkpoint(ctx))

	run.Release(ctx)
	got, err := mr.Get("reconcile:lock:account:acc-1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got, "release never deletes a lock held by another run")
}

func TestDistributedLock_Refresh(t *testing.T) {
	mr, client := testutil.NewTestRedis(t)
	ctx := context.Background()

	l := NewDistributedLock(client, "k", "me", time.Minute)
	ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(40 * time.Second)
	require.NoError(t, l.Refresh(ctx))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	other := NewDistributedLock(client, "k", "other", time.Minute)
	assert.ErrorIs(t, other.Refresh(ctx), ErrLockExpired)
}
