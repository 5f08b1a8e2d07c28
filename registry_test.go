package x402

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscrowRegistryRejectsDuplicates(t *testing.T) {
	r := NewEscrowRegistry()

	require.NoError(t, r.Reserve("tx-1"))
	err := r.Reserve("tx-1")
	assert.ErrorIs(t, err, ErrInvalidInput)

	r.Commit(EscrowRecord{TransactionID: "tx-1", Status: EscrowActive, Amount: 10})
	err = r.Reserve("tx-1")
	assert.ErrorIs(t, err, ErrInvalidInput)

	rec, ok := r.Get("tx-1")
	require.True(t, ok)
	assert.Equal(t, EscrowActive, rec.Status)
}

func TestEscrowRegistryAbandonFreesReservation(t *testing.T) {
	r := NewEscrowRegistry()

	require.NoError(t, r.Reserve("tx-2"))
	r.Abandon("tx-2")
	assert.NoError(t, r.Reserve("tx-2"))
	assert.Equal(t, 0, r.Len())
}

func TestEscrowRegistryClaimAndFinish(t *testing.T) {
	r := NewEscrowRegistry()
	r.Commit(EscrowRecord{TransactionID: "tx-3", Status: EscrowActive})

	rec, err := r.Claim("tx-3")
	require.NoError(t, err)
	assert.Equal(t, EscrowActive, rec.Status)

	_, err = r.Claim("tx-3")
	assert.ErrorIs(t, err, ErrInvalidInput)

	rec, err = r.Finish("tx-3", EscrowDisputed)
	require.NoError(t, err)
	assert.Equal(t, EscrowDisputed, rec.Status)

	// Settled escrows cannot be claimed again.
	_, err = r.Claim("tx-3")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = r.Claim("missing")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
	_, err = r.Finish("missing", EscrowReleased)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestEscrowRegistryUnclaimAllowsRetry(t *testing.T) {
	r := NewEscrowRegistry()
	r.Commit(EscrowRecord{TransactionID: "tx-4", Status: EscrowActive})

	_, err := r.Claim("tx-4")
	require.NoError(t, err)
	r.Unclaim("tx-4")

	_, err = r.Claim("tx-4")
	assert.NoError(t, err)
}

func TestEscrowRegistryConcurrentClaim(t *testing.T) {
	r := NewEscrowRegistry()
	r.Commit(EscrowRecord{TransactionID: "contested", Status: EscrowActive})

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Claim("contested"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestEscrowRegistryConcurrentReserve(t *testing.T) {
	r := NewEscrowRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Reserve("same") == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestEscrowRegistryListOrdered(t *testing.T) {
	r := NewEscrowRegistry()
	base := time.Unix(1_700_000_000, 0)
	r.Commit(EscrowRecord{TransactionID: "b", CreatedAt: base.Add(time.Minute)})
	r.Commit(EscrowRecord{TransactionID: "a", CreatedAt: base})

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].TransactionID)
	assert.Equal(t, "b", list[1].TransactionID)
}

func TestMemorySignatureStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySignatureStore()
	now := time.Now()

	first, err := s.MarkUsed(ctx, "sig", now)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.MarkUsed(ctx, "sig", now)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestSweepJobRemovesExpiredSignatures(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySignatureStore()
	now := time.Unix(1_700_000_000, 0)

	_, _ = s.MarkUsed(ctx, "old", now.Add(-11*time.Minute))
	_, _ = s.MarkUsed(ctx, "fresh", now.Add(-time.Minute))

	job := NewSweepJob(s, 0, 0, nil)
	job.now = func() time.Time { return now }

	assert.Equal(t, 1, job.RunOnce(ctx))
	n, _ := s.Len(ctx)
	assert.Equal(t, 1, n)

	fresh, _ := s.MarkUsed(ctx, "fresh", now)
	assert.False(t, fresh)
}

func TestSweepJobStartStop(t *testing.T) {
	s := NewMemorySignatureStore()
	_, _ = s.MarkUsed(context.Background(), "old", time.Now().Add(-time.Hour))

	job := NewSweepJob(s, 5*time.Millisecond, time.Minute, nil)
	job.Start(context.Background())

	assert.Eventually(t, func() bool {
		n, _ := s.Len(context.Background())
		return n == 0
	}, time.Second, 5*time.Millisecond)

	job.Stop()
	job.Stop()
}
