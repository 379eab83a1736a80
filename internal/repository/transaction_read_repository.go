package repository

import (
	"context"

	"github.com/eaglebank/transactional-ms/shared/models"
	sharedredis "github.com/eaglebank/transactional-ms/shared/redis"
)

const TransactionViewKeyPrefix = "transaction:view:"

// TransactionReadRepository serves single-record reads from Redis, falling
// back to the store on a miss. Records are immutable once saved, so cached
// entries never go stale. Lists always hit the store.
type TransactionReadRepository struct {
	store TransactionStore
	cache *sharedredis.ViewCache[models.Transaction]
}

// NewTransactionReadRepository accepts a nil cache, in which case every read
// goes to the store.
func NewTransactionReadRepository(store TransactionStore, cache *sharedredis.ViewCache[models.Transaction]) *TransactionReadRepository {
	return &TransactionReadRepository{store: store, cache: cache}
}

func (r *TransactionReadRepository) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	if r.cache == nil {
		return r.store.FindByID(ctx, id)
	}
	return r.cache.GetOrLoad(ctx, id, r.store.FindByID)
}

func (r *TransactionReadRepository) ListByAccountID(ctx context.Context, accountID string) ([]models.Transaction, error) {
	return r.store.ListByAccountID(ctx, accountID)
}

func (r *TransactionReadRepository) ExistsByAccountID(ctx context.Context, accountID string) (bool, error) {
	return r.store.ExistsByAccountID(ctx, accountID)
}

func (r *TransactionReadRepository) SubscribeByAccountID(ctx context.Context, accountID string) (Subscription, error) {
	return r.store.SubscribeByAccountID(ctx, accountID)
}

// CacheTransaction warms the cache with a freshly saved record. Called by the
// command service right after Save.
func (r *TransactionReadRepository) CacheTransaction(ctx context.Context, tx *models.Transaction) {
	if r.cache == nil || tx == nil {
		return
	}
	r.cache.Set(ctx, tx.ID, tx)
}
