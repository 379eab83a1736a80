package query

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/eaglebank/transactional-ms/internal/repository"
	"github.com/eaglebank/transactional-ms/shared/apperr"
	"github.com/eaglebank/transactional-ms/shared/cqrs"
	"github.com/eaglebank/transactional-ms/shared/logging"
	"github.com/eaglebank/transactional-ms/shared/metrics"
	"github.com/eaglebank/transactional-ms/shared/models"
)

// TransactionReader is the read side of the transaction store.
type TransactionReader interface {
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	ListByAccountID(ctx context.Context, accountID string) ([]models.Transaction, error)
	ExistsByAccountID(ctx context.Context, accountID string) (bool, error)
	SubscribeByAccountID(ctx context.Context, accountID string) (repository.Subscription, error)
}

// TransactionQueryService serves transaction reads and live per-account feeds.
type TransactionQueryService struct {
	reader TransactionReader
	logger *zap.Logger
}

func NewTransactionQueryService(reader TransactionReader, logger *zap.Logger) *TransactionQueryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionQueryService{reader: reader, logger: logger}
}

func (s *TransactionQueryService) GetTransaction(ctx context.Context, q cqrs.GetTransactionQuery) (*models.Transaction, error) {
	if strings.TrimSpace(q.TransactionID) == "" {
		return nil, fmt.Errorf("%w: transactionId is required", apperr.ErrValidation)
	}
	return s.reader.GetByID(ctx, q.TransactionID)
}

// ListTransactions returns the account's history, newest first.
func (s *TransactionQueryService) ListTransactions(ctx context.Context, q cqrs.ListTransactionsQuery) ([]models.Transaction, error) {
	if strings.TrimSpace(q.AccountID) == "" {
		return nil, fmt.Errorf("%w: accountId is required", apperr.ErrValidation)
	}
	txs, err := s.reader.ListByAccountID(ctx, q.AccountID)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	return txs, nil
}

func (s *TransactionQueryService) ExistsByAccountID(ctx context.Context, accountID string) (bool, error) {
	return s.reader.ExistsByAccountID(ctx, accountID)
}

// StreamTransactions opens a live feed of the account's new transactions.
// Accounts without any recorded transaction are rejected with
// apperr.ErrNotFound. The caller must Close the returned subscription.
func (s *TransactionQueryService) StreamTransactions(ctx context.Context, q cqrs.StreamTransactionsQuery) (repository.Subscription, error) {
	if strings.TrimSpace(q.AccountID) == "" {
		return nil, fmt.Errorf("%w: accountId is required", apperr.ErrValidation)
	}

	exists, err := s.reader.ExistsByAccountID(ctx, q.AccountID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: no transactions recorded for account %s", apperr.ErrNotFound, q.AccountID)
	}

	sub, err := s.reader.SubscribeByAccountID(ctx, q.AccountID)
	if err != nil {
		return nil, err
	}

	metrics.ActiveSubscriptions.Inc()
	logging.WithTrace(ctx, s.logger).Debug("transaction stream opened", zap.String("account_id", q.AccountID))
	return &trackedSubscription{Subscription: sub}, nil
}

// trackedSubscription keeps the active-subscription gauge in step with Close.
type trackedSubscription struct {
	repository.Subscription
	once sync.Once
}

func (t *trackedSubscription) Close() error {
	err := t.Subscription.Close()
	t.once.Do(metrics.ActiveSubscriptions.Dec)
	return err
}
