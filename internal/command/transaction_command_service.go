package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eaglebank/transactional-ms/shared/apperr"
	"github.com/eaglebank/transactional-ms/shared/cqrs"
	"github.com/eaglebank/transactional-ms/shared/events"
	"github.com/eaglebank/transactional-ms/shared/logging"
	"github.com/eaglebank/transactional-ms/shared/metrics"
	"github.com/eaglebank/transactional-ms/shared/models"
)

var minimumAmount = decimal.RequireFromString("0.01")

const defaultPublishTimeout = 5 * time.Second

// BalanceSource is the account service as seen by the command side.
type BalanceSource interface {
	GetBalance(ctx context.Context, accountID, token string) (*models.Account, error)
	SetBalance(ctx context.Context, accountID string, balance decimal.Decimal, token string) error
}

type TransactionWriter interface {
	Save(ctx context.Context, tx *models.Transaction) (*models.Transaction, error)
}

// TransactionViewCache receives every saved record so reads by ID are warm.
type TransactionViewCache interface {
	CacheTransaction(ctx context.Context, tx *models.Transaction)
}

type Option func(*TransactionCommandService)

// WithClock replaces time.Now as the source of record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *TransactionCommandService) { s.clock.now = now }
}

// WithPublishTimeout bounds each notification publish.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *TransactionCommandService) { s.publishTimeout = d }
}

// TransactionCommandService applies deposits and withdrawals: it reads the
// balance from the account service, records the transaction, pushes the new
// balance back and emits a notification.
//
// There is no cross-request locking and no compensation. Two concurrent
// requests on one account may both read the same balance, and a failed
// balance push leaves a recorded transaction whose balance never landed.
type TransactionCommandService struct {
	store          TransactionWriter
	cache          TransactionViewCache
	accounts       BalanceSource
	publisher      events.Publisher
	clock          *clock
	publishTimeout time.Duration
	logger         *zap.Logger
}

// NewTransactionCommandService wires the command side. cache may be nil.
func NewTransactionCommandService(
	store TransactionWriter,
	cache TransactionViewCache,
	accounts BalanceSource,
	publisher events.Publisher,
	logger *zap.Logger,
	opts ...Option,
) *TransactionCommandService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &TransactionCommandService{
		store:          store,
		cache:          cache,
		accounts:       accounts,
		publisher:      publisher,
		clock:          &clock{now: time.Now},
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TransactionCommandService) PerformTransaction(ctx context.Context, cmd cqrs.PerformTransactionCommand) (*models.TransactionResult, error) {
	timer := metrics.StartTimer()
	defer timer.ObserveDuration()

	typeLabel := "unknown"
	if cmd.Type.Valid() {
		typeLabel = cmd.Type.String()
	}
	logger := logging.WithTrace(ctx, s.logger).With(
		zap.String("account_id", cmd.AccountID),
		zap.String("transaction_type", typeLabel),
		zap.String("actor_id", cmd.ActorID),
	)

	if err := validateCommand(cmd); err != nil {
		metrics.RecordTransaction(typeLabel, metrics.OutcomeInvalid)
		logger.Info("transaction rejected", zap.Error(err))
		return nil, err
	}

	account, err := s.accounts.GetBalance(ctx, cmd.AccountID, cmd.Token)
	if err != nil {
		metrics.RecordTransaction(typeLabel, metrics.OutcomeUpstreamError)
		logger.Warn("failed to fetch account balance", zap.Error(err))
		return nil, asUpstream(err)
	}

	finalBalance, err := computeFinalBalance(cmd.Type, account.Balance, cmd.Amount)
	if err != nil {
		outcome := metrics.OutcomeInvalid
		if errors.Is(err, apperr.ErrInsufficientFunds) {
			outcome = metrics.OutcomeInsufficientFunds
		}
		metrics.RecordTransaction(typeLabel, outcome)
		logger.Info("transaction rejected",
			zap.String("balance", account.Balance.String()),
			zap.String("amount", cmd.Amount.String()),
			zap.Error(err),
		)
		return nil, err
	}

	saved, err := s.store.Save(ctx, &models.Transaction{
		AccountID:       cmd.AccountID,
		TransactionType: cmd.Type,
		InitialBalance:  account.Balance,
		Amount:          cmd.Amount,
		FinalBalance:    finalBalance,
		ActorID:         cmd.ActorID,
		Timestamp:       s.clock.Now(),
	})
	if err != nil {
		metrics.RecordTransaction(typeLabel, metrics.OutcomePersistenceError)
		logger.Error("failed to record transaction", zap.Error(err))
		if !errors.Is(err, apperr.ErrPersistence) {
			err = fmt.Errorf("%w: %w", apperr.ErrPersistence, err)
		}
		return nil, err
	}
	logger = logger.With(zap.String("transaction_id", saved.ID))

	if s.cache != nil {
		s.cache.CacheTransaction(ctx, saved)
	}

	if err := s.accounts.SetBalance(ctx, cmd.AccountID, finalBalance, cmd.Token); err != nil {
		metrics.RecordTransaction(typeLabel, metrics.OutcomeUpstreamError)
		logger.Error("balance update failed after transaction was recorded",
			zap.String("final_balance", finalBalance.String()),
			zap.Error(err),
		)
		s.notify(ctx, logger, saved, false)
		return nil, asUpstream(err)
	}

	s.notify(ctx, logger, saved, true)
	metrics.RecordTransaction(typeLabel, metrics.OutcomeSuccess)
	logger.Info("transaction completed", zap.String("final_balance", finalBalance.String()))
	return models.NewTransactionResult(saved), nil
}

// notify publishes on a context detached from the request so a client
// disconnect does not drop the event. Failures are logged only.
func (s *TransactionCommandService) notify(ctx context.Context, logger *zap.Logger, tx *models.Transaction, status bool) {
	event := events.NewTransactionNotification(
		tx.TransactionType.String(), tx.AccountID, tx.ActorID, status,
		tx.Amount, tx.FinalBalance, s.clock.Now(),
	)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	statusLabel := fmt.Sprintf("%t", status)
	if err := s.publisher.Publish(pubCtx, event); err != nil {
		metrics.NotificationsPublished.WithLabelValues(statusLabel, "error").Inc()
		logger.Error("failed to publish transaction notification", zap.Bool("status", status), zap.Error(err))
		return
	}
	metrics.NotificationsPublished.WithLabelValues(statusLabel, "ok").Inc()
}

func validateCommand(cmd cqrs.PerformTransactionCommand) error {
	switch {
	case strings.TrimSpace(cmd.AccountID) == "":
		return fmt.Errorf("%w: accountId is required", apperr.ErrValidation)
	case strings.TrimSpace(cmd.ActorID) == "":
		return fmt.Errorf("%w: actorId is required", apperr.ErrValidation)
	case cmd.Amount.LessThan(minimumAmount):
		return fmt.Errorf("%w: amount must be at least %s", apperr.ErrValidation, minimumAmount)
	case !cmd.Type.Valid():
		return fmt.Errorf("%w: Invalid transaction type", apperr.ErrValidation)
	}
	return nil
}

func computeFinalBalance(txType models.TransactionType, initial, amount decimal.Decimal) (decimal.Decimal, error) {
	switch txType {
	case models.Deposit:
		return initial.Add(amount), nil
	case models.Withdrawal:
		if amount.GreaterThan(initial) {
			return decimal.Decimal{}, apperr.ErrInsufficientFunds
		}
		return initial.Sub(amount), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: Invalid transaction type", apperr.ErrValidation)
	}
}

func asUpstream(err error) error {
	if errors.Is(err, apperr.ErrUpstream) {
		return err
	}
	return fmt.Errorf("%w: %w", apperr.ErrUpstream, err)
}

// clock hands out non-decreasing UTC timestamps even if the wall clock steps back.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}
