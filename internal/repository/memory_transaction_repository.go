package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/eaglebank/transactional-ms/shared/apperr"
	"github.com/eaglebank/transactional-ms/shared/models"
)

// MemoryTransactionRepository keeps records in process. Used for local runs
// and tests; records do not survive a restart.
type MemoryTransactionRepository struct {
	mu        sync.RWMutex
	records   []sequencedTransaction
	byID      map[string]int
	byAccount map[string][]int
	hub       *tailHub
}

func NewMemoryTransactionRepository() *MemoryTransactionRepository {
	return &MemoryTransactionRepository{
		byID:      make(map[string]int),
		byAccount: make(map[string][]int),
		hub:       newTailHub(),
	}
}

func (r *MemoryTransactionRepository) Save(_ context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transaction", apperr.ErrPersistence)
	}
	saved := *tx
	saved.ID = uuid.New().String()

	r.mu.Lock()
	idx := len(r.records)
	seq := int64(len(r.byAccount[saved.AccountID]) + 1)
	r.records = append(r.records, sequencedTransaction{seq: seq, tx: saved})
	r.byID[saved.ID] = idx
	r.byAccount[saved.AccountID] = append(r.byAccount[saved.AccountID], idx)
	r.mu.Unlock()

	r.hub.notify(saved.AccountID)
	return &saved, nil
}

func (r *MemoryTransactionRepository) ExistsByAccountID(_ context.Context, accountID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAccount[accountID]) > 0, nil
}

func (r *MemoryTransactionRepository) FindByID(_ context.Context, id string) (*models.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", apperr.ErrNotFound, id)
	}
	tx := r.records[idx].tx
	return &tx, nil
}

func (r *MemoryTransactionRepository) ListByAccountID(_ context.Context, accountID string) ([]models.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idxs := r.byAccount[accountID]
	var out []models.Transaction
	for i := len(idxs) - 1; i >= 0; i-- {
		out = append(out, r.records[idxs[i]].tx)
	}
	return out, nil
}

func (r *MemoryTransactionRepository) SubscribeByAccountID(_ context.Context, accountID string) (Subscription, error) {
	// Register before reading the high-water mark so an insert racing the
	// subscribe is either below the mark or leaves a pending wake-up.
	waiter := r.hub.register(accountID)

	r.mu.RLock()
	lastSeq := int64(len(r.byAccount[accountID]))
	r.mu.RUnlock()

	return newCursorSubscription(r.hub, waiter, accountID, lastSeq, r.fetchAfter), nil
}

func (r *MemoryTransactionRepository) fetchAfter(_ context.Context, accountID string, afterSeq int64, limit int) ([]sequencedTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idxs := r.byAccount[accountID]
	var out []sequencedTransaction
	for i := int(afterSeq); i < len(idxs) && len(out) < limit; i++ {
		out = append(out, r.records[idxs[i]])
	}
	return out, nil
}

func (r *MemoryTransactionRepository) Close(context.Context) error {
	r.hub.close()
	return nil
}
