package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/eaglebank/transactional-ms/shared/apperr"
	"github.com/eaglebank/transactional-ms/shared/models"
)

//go:embed schema.sql
var postgresSchema string

const (
	insertNotifyChannel = "transactions_inserted"
	listenerPingEvery   = 90 * time.Second
)

const transactionColumns = `account_seq, id, account_id, transaction_type, initial_balance, amount, final_balance, actor_id, created_at`

// PostgresTransactionRepository stores transactions in PostgreSQL. Inserts
// fire a NOTIFY per account (see schema.sql), which wakes local subscribers
// no matter which process wrote the row.
//
// Each record carries account_seq, its position in the account's history.
// Writers to one account are serialized by an advisory lock held until
// commit, so positions become visible in order and without holes.
type PostgresTransactionRepository struct {
	db       *sql.DB
	listener *pq.Listener
	hub      *tailHub
	logger   *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// MigratePostgres applies the transactions schema. It is idempotent.
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// NewPostgresTransactionRepository opens a dedicated LISTEN connection on dsn.
func NewPostgresTransactionRepository(db *sql.DB, dsn string, logger *zap.Logger) (*PostgresTransactionRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &PostgresTransactionRepository{
		db:     db,
		hub:    newTailHub(),
		logger: logger,
		done:   make(chan struct{}),
	}

	r.listener = pq.NewListener(dsn, time.Second, time.Minute, r.onListenerEvent)
	if err := r.listener.Listen(insertNotifyChannel); err != nil {
		r.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", insertNotifyChannel, err)
	}

	go r.dispatch()
	return r, nil
}

func (r *PostgresTransactionRepository) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		r.logger.Warn("postgres listener disconnected, dropping subscriptions", zap.Error(err))
		r.hub.fail()
	case pq.ListenerEventReconnected:
		r.logger.Info("postgres listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		r.logger.Warn("postgres listener connection attempt failed", zap.Error(err))
	}
}

func (r *PostgresTransactionRepository) dispatch() {
	for {
		select {
		case <-r.done:
			return
		case n, ok := <-r.listener.Notify:
			if !ok {
				return
			}
			// nil is sent after a reconnect; notifications may have been missed.
			if n == nil {
				r.hub.notifyAll()
				continue
			}
			r.hub.notify(n.Extra)
		case <-time.After(listenerPingEvery):
			go func() {
				if err := r.listener.Ping(); err != nil {
					r.logger.Warn("postgres listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

func (r *PostgresTransactionRepository) Save(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transaction", apperr.ErrPersistence)
	}
	saved := *tx
	saved.ID = uuid.New().String()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %w", apperr.ErrPersistence, err)
	}
	defer dbTx.Rollback()

	if err := insertTransaction(ctx, dbTx, &saved); err != nil {
		return nil, fmt.Errorf("%w: failed to create transaction: %w", apperr.ErrPersistence, err)
	}
	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit transaction: %w", apperr.ErrPersistence, err)
	}
	return &saved, nil
}

// insertTransaction takes the account's lock and appends t at the next
// account_seq. The lock is released when dbTx ends.
func insertTransaction(ctx context.Context, dbTx *sql.Tx, t *models.Transaction) error {
	if _, err := dbTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, t.AccountID); err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}
	query := `
		INSERT INTO transactions (id, account_id, account_seq, transaction_type, initial_balance, amount, final_balance, actor_id, created_at)
		VALUES ($1, $2, (SELECT COALESCE(MAX(account_seq), 0) + 1 FROM transactions WHERE account_id = $2), $3, $4, $5, $6, $7, $8)
	`
	_, err := dbTx.ExecContext(ctx, query,
		t.ID, t.AccountID, t.TransactionType.String(),
		t.InitialBalance, t.Amount, t.FinalBalance,
		t.ActorID, t.Timestamp,
	)
	return err
}

func (r *PostgresTransactionRepository) ExistsByAccountID(ctx context.Context, accountID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE account_id = $1)`, accountID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: failed to check transactions: %w", apperr.ErrPersistence, err)
	}
	return exists, nil
}

func (r *PostgresTransactionRepository) FindByID(ctx context.Context, id string) (*models.Transaction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: transaction %s", apperr.ErrNotFound, id)
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	rec, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get transaction: %w", apperr.ErrPersistence, err)
	}
	return &rec.tx, nil
}

func (r *PostgresTransactionRepository) ListByAccountID(ctx context.Context, accountID string) ([]models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = $1 ORDER BY account_seq DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list transactions: %w", apperr.ErrPersistence, err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan transaction: %w", apperr.ErrPersistence, err)
		}
		out = append(out, rec.tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to list transactions: %w", apperr.ErrPersistence, err)
	}
	return out, nil
}

func (r *PostgresTransactionRepository) SubscribeByAccountID(ctx context.Context, accountID string) (Subscription, error) {
	waiter := r.hub.register(accountID)

	var lastSeq int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(account_seq), 0) FROM transactions WHERE account_id = $1`, accountID,
	).Scan(&lastSeq)
	if err != nil {
		r.hub.unregister(accountID, waiter)
		return nil, fmt.Errorf("%w: failed to open subscription: %w", apperr.ErrPersistence, err)
	}
	return newCursorSubscription(r.hub, waiter, accountID, lastSeq, r.fetchAfter), nil
}

func (r *PostgresTransactionRepository) fetchAfter(ctx context.Context, accountID string, afterSeq int64, limit int) ([]sequencedTransaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = $1 AND account_seq > $2 ORDER BY account_seq LIMIT $3`,
		accountID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sequencedTransaction
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresTransactionRepository) Close(context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.hub.close()
		err = r.listener.Close()
	})
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (sequencedTransaction, error) {
	var (
		rec    sequencedTransaction
		txType string
	)
	err := row.Scan(
		&rec.seq, &rec.tx.ID, &rec.tx.AccountID, &txType,
		&rec.tx.InitialBalance, &rec.tx.Amount, &rec.tx.FinalBalance,
		&rec.tx.ActorID, &rec.tx.Timestamp,
	)
	if err != nil {
		return rec, err
	}
	rec.tx.TransactionType, err = models.ParseTransactionType(txType)
	return rec, err
}
