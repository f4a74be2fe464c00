package idgen

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsInvalidWorkerID(t *testing.T) {
	_, err := New(-1)
	assert.Error(t, err)

	_, err = New(maxWorkerID + 1)
	assert.Error(t, err)

	s, err := New(maxWorkerID)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestGenerate_UniqueAcrossGoroutines(t *testing.T) {
	s, err := New(3)
	require.NoError(t, err)

	const workers, perWorker = 8, 2000
	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]int64, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				ids = append(ids, s.Generate())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestGenerate_MonotonicWithFrozenClock(t *testing.T) {
	s, err := New(1)
	require.NoError(t, err)
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	// 超过单毫秒序列号上限时仍然严格递增
	prev := s.Generate()
	for i := 0; i < maxSequence+10; i++ {
		id := s.Generate()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestGenerate_ClockBackwards(t *testing.T) {
	s, err := New(1)
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	first := s.Generate()

	now = now.Add(-time.Second)
	assert.Greater(t, s.Generate(), first)
}

func TestTransactionNoAndCodes(t *testing.T) {
	s, err := New(1)
	require.NoError(t, err)

	no := s.TransactionNo()
	assert.True(t, strings.HasPrefix(no, "TXN"))
	assert.NotEqual(t, no, s.TransactionNo())

	code := ReferralCode()
	assert.Len(t, code, referralCodeLen)
	assert.Equal(t, strings.ToUpper(code), code)

	assert.NotEqual(t, Token(), Token())
}
