package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eaglebank/transactional-ms/shared/apperr"
	"github.com/eaglebank/transactional-ms/shared/models"
)

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("subscription closed")

const defaultTailBatch = 100

// TransactionStore is the durable, append-only home of transaction records.
type TransactionStore interface {
	// Save assigns the record an ID and persists it.
	Save(ctx context.Context, tx *models.Transaction) (*models.Transaction, error)
	ExistsByAccountID(ctx context.Context, accountID string) (bool, error)
	FindByID(ctx context.Context, id string) (*models.Transaction, error)
	// ListByAccountID returns the account's history, newest first.
	ListByAccountID(ctx context.Context, accountID string) ([]models.Transaction, error)
	// SubscribeByAccountID tails the records inserted for accountID after the
	// call returns. History is never replayed.
	SubscribeByAccountID(ctx context.Context, accountID string) (Subscription, error)
	Close(ctx context.Context) error
}

// Subscription is a live, ordered feed of newly inserted transactions. Records
// are produced only as fast as Next is called. Next is not safe for
// concurrent use.
type Subscription interface {
	// Next blocks until the next record arrives, ctx is done, the
	// subscription is closed, or the feed is lost (apperr.ErrSubscriptionLost).
	Next(ctx context.Context) (*models.Transaction, error)
	Close() error
}

// tailHub wakes the subscribers of an account when a record for it lands.
// It carries no data: each subscriber re-reads its own cursor when woken.
type tailHub struct {
	mu      sync.Mutex
	waiters map[string]map[*tailWaiter]struct{}
	closed  bool
}

type tailWaiter struct {
	wake     chan struct{}
	lost     chan struct{}
	lostOnce sync.Once
}

func (w *tailWaiter) markLost() {
	w.lostOnce.Do(func() { close(w.lost) })
}

func newTailHub() *tailHub {
	return &tailHub{waiters: make(map[string]map[*tailWaiter]struct{})}
}

func (h *tailHub) register(accountID string) *tailWaiter {
	w := &tailWaiter{wake: make(chan struct{}, 1), lost: make(chan struct{})}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		w.markLost()
		return w
	}
	set, ok := h.waiters[accountID]
	if !ok {
		set = make(map[*tailWaiter]struct{})
		h.waiters[accountID] = set
	}
	set[w] = struct{}{}
	return w
}

func (h *tailHub) unregister(accountID string, w *tailWaiter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.waiters[accountID]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(h.waiters, accountID)
		}
	}
}

// notify never blocks: a waiter that has not consumed its previous wake-up
// already has a pending re-read.
func (h *tailHub) notify(accountID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.waiters[accountID] {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

func (h *tailHub) notifyAll() {
	h.mu.Lock()
	accounts := make([]string, 0, len(h.waiters))
	for accountID := range h.waiters {
		accounts = append(accounts, accountID)
	}
	h.mu.Unlock()

	for _, accountID := range accounts {
		h.notify(accountID)
	}
}

// fail ends every open subscription with apperr.ErrSubscriptionLost.
func (h *tailHub) fail() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for accountID, set := range h.waiters {
		for w := range set {
			w.markLost()
		}
		delete(h.waiters, accountID)
	}
}

func (h *tailHub) close() {
	h.fail()
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// sequencedTransaction carries the record's position in its account's
// history. Positions start at 1 and have no gaps once every writer has
// committed.
type sequencedTransaction struct {
	seq int64
	tx  models.Transaction
}

// fetchAfter returns up to limit visible records of accountID with
// seq > afterSeq in seq order.
type fetchAfter func(ctx context.Context, accountID string, afterSeq int64, limit int) ([]sequencedTransaction, error)

// cursorSubscription reads its account's records past lastSeq whenever the
// hub signals an insert. A record is only delivered once every record before
// it is visible, so a writer that commits late is never skipped.
type cursorSubscription struct {
	hub       *tailHub
	waiter    *tailWaiter
	accountID string
	lastSeq   int64
	fetch     fetchAfter
	batch     int
	pending   []sequencedTransaction

	done      chan struct{}
	closeOnce sync.Once
}

func newCursorSubscription(hub *tailHub, waiter *tailWaiter, accountID string, lastSeq int64, fetch fetchAfter) *cursorSubscription {
	return &cursorSubscription{
		hub:       hub,
		waiter:    waiter,
		accountID: accountID,
		lastSeq:   lastSeq,
		fetch:     fetch,
		batch:     defaultTailBatch,
		done:      make(chan struct{}),
	}
}

func (s *cursorSubscription) Next(ctx context.Context) (*models.Transaction, error) {
	for {
		if len(s.pending) > 0 {
			rec := s.pending[0]
			s.pending = s.pending[1:]
			s.lastSeq = rec.seq
			tx := rec.tx
			return &tx, nil
		}

		select {
		case <-s.done:
			return nil, ErrSubscriptionClosed
		case <-s.waiter.lost:
			return nil, apperr.ErrSubscriptionLost
		default:
		}

		recs, err := s.fetch(ctx, s.accountID, s.lastSeq, s.batch)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %w", apperr.ErrSubscriptionLost, err)
		}
		if ready := contiguousAfter(s.lastSeq, recs); len(ready) > 0 {
			s.pending = ready
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrSubscriptionClosed
		case <-s.waiter.lost:
			return nil, apperr.ErrSubscriptionLost
		case <-s.waiter.wake:
		}
	}
}

// contiguousAfter returns the leading run of recs that continues lastSeq
// without a hole.
func contiguousAfter(lastSeq int64, recs []sequencedTransaction) []sequencedTransaction {
	n := 0
	for n < len(recs) && recs[n].seq == lastSeq+int64(n)+1 {
		n++
	}
	return recs[:n]
}

func (s *cursorSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.unregister(s.accountID, s.waiter)
	})
	return nil
}
