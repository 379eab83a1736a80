package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eaglebank/transactional-ms/shared/apperr"
	"github.com/eaglebank/transactional-ms/shared/models"
)

func newTx(accountID string, amount int64) *models.Transaction {
	return &models.Transaction{
		AccountID:       accountID,
		TransactionType: models.Deposit,
		InitialBalance:  decimal.NewFromInt(100),
		Amount:          decimal.NewFromInt(amount),
		FinalBalance:    decimal.NewFromInt(100 + amount),
		ActorID:         "usr-001",
		Timestamp:       time.Now().UTC(),
	}
}

func nextWithin(t *testing.T, sub Subscription, d time.Duration) (*models.Transaction, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return sub.Next(ctx)
}

func TestMemoryRepository_SaveAssignsIDs(t *testing.T) {
	repo := NewMemoryTransactionRepository()
	ctx := context.Background()

	a, err := repo.Save(ctx, newTx("acc-1", 10))
	require.NoError(t, err)
	b, err := repo.Save(ctx, newTx("acc-1", 20))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	_, err = uuid.Parse(a.ID)
	assert.NoError(t, err)

	found, err := repo.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, found.Amount.Equal(decimal.NewFromInt(10)))

	_, err = repo.FindByID(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestMemoryRepository_ExistsAndList(t *testing.T) {
	repo := NewMemoryTransactionRepository()
	ctx := context.Background()

	exists, err := repo.ExistsByAccountID(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, exists)

	_, _ = repo.Save(ctx, newTx("acc-1", 1))
	_, _ = repo.Save(ctx, newTx("acc-2", 2))
	_, _ = repo.Save(ctx, newTx("acc-1", 3))

	exists, err = repo.ExistsByAccountID(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, exists)

	list, err := repo.ListByAccountID(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Amount.Equal(decimal.NewFromInt(3)), "newest first")
	assert.True(t, list[1].Amount.Equal(decimal.NewFromInt(1)))
}

func TestMemoryRepository_SubscribeSkipsHistory(t *testing.T) {
	repo := NewMemoryTransactionRepository()
	ctx := context.Background()

	_, _ = repo.Save(ctx, newTx("acc-1", 1))

	sub, err := repo.SubscribeByAccountID(ctx, "acc-1")
	require.NoError(t, err)
	defer sub.Close()

	_, err = nextWithin(t, sub, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	saved, _ := repo.Save(ctx, newTx("acc-1", 2))
	got, err := nextWithin(t, sub, time.Second)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, got.ID)
}

func TestMemoryRepository_SubscribeIsolatesAccounts(t *testing.T) {
	repo := NewMemoryTransactionRepository()
	ctx := context.Background()

	subA, err := repo.SubscribeByAccountID(ctx, "acc-a")
	require.NoError(t, err)
	defer subA.Close()
	subB, err := repo.SubscribeByAccountID(ctx, "acc-b")
	require.NoError(t, err)
	defer subB.Close()

	savedA, _ := repo.Save(ctx, newTx("acc-a", 5))

	got, err := nextWithin(t, subA, time.Second)
	require.NoError(t, err)
	assert.Equal(t, savedA.ID, got.ID)

	_, err = nextWithin(t, subB, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryRepository_SubscribeKeepsOrderUnderBurst(t *testing.T) {
	repo := NewMemoryTransactionRepository()
	ctx := context.Background()

	sub, err := repo.SubscribeByAccountID(ctx, "acc-1")
	require.NoError(t, err)
	defer sub.Close()

	const n = 250
	var ids []string
	for i := 0; i < n; i++ {
		saved, err := repo.Save(ctx, newTx("acc-1", int64(i+1)))
		require.NoError(t, err)
		ids = append(ids, saved.ID)
	}

	for i := 0; i < n; i++ {
		got, err := nextWithin(t, sub, time.Second)
		require.NoError(t, err)
		assert.Equal(t, ids[i], got.ID)
	}
}

func TestMemoryRepository_ConcurrentWritersAllDelivered(t *testing.T) {
	repo := NewMemoryTransactionRepository()
	ctx := context.Background()

	sub, err := repo.SubscribeByAccountID(ctx, "acc-1")
	require.NoError(t, err)
	defer sub.Close()

	const writers, each = 8, 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, _ = repo.Save(ctx, newTx("acc-1", 1))
			}
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < writers*each; i++ {
		got, err := nextWithin(t, sub, time.Second)
		require.NoError(t, err)
		assert.False(t, seen[got.ID], "duplicate delivery of %s", got.ID)
		seen[got.ID] = true
	}
	wg.Wait()
}

func TestMemoryRepository_CloseEndsSubscriptions(t *testing.T) {
	repo := NewMemoryTransactionRepository()
	ctx := context.Background()

	sub, err := repo.SubscribeByAccountID(ctx, "acc-1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		done <- err
	}()

	require.NoError(t, repo.Close(ctx))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, apperr.ErrSubscriptionLost)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after store close")
	}

	late, err := repo.SubscribeByAccountID(ctx, "acc-1")
	require.NoError(t, err)
	_, err = nextWithin(t, late, time.Second)
	assert.ErrorIs(t, err, apperr.ErrSubscriptionLost)
}

func TestSubscription_CloseUnblocksAndUnregisters(t *testing.T) {
	repo := NewMemoryTransactionRepository()
	ctx := context.Background()

	sub, err := repo.SubscribeByAccountID(ctx, "acc-1")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	repo.hub.mu.Lock()
	_, registered := repo.hub.waiters["acc-1"]
	repo.hub.mu.Unlock()
	assert.False(t, registered)
}
