package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eaglebank/transactional-ms/shared/apperr"
	"github.com/eaglebank/transactional-ms/shared/cqrs"
	"github.com/eaglebank/transactional-ms/shared/events"
	"github.com/eaglebank/transactional-ms/shared/models"
)

// ---- fakes ----

// callLog records the order in which the fakes are reached.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type setCall struct {
	accountID string
	balance   decimal.Decimal
	token     string
}

type fakeAccounts struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	getErr   error
	setErr   error
	getCalls int
	setCalls []setCall
	tokens   []string
	log      *callLog
}

func (f *fakeAccounts) GetBalance(_ context.Context, accountID, token string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	f.log.record("get")
	f.tokens = append(f.tokens, token)
	if f.getErr != nil {
		return nil, f.getErr
	}
	balance, ok := f.balances[accountID]
	if !ok {
		return nil, errors.New("account not found")
	}
	return &models.Account{AccountID: accountID, Balance: balance}, nil
}

func (f *fakeAccounts) SetBalance(_ context.Context, accountID string, balance decimal.Decimal, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls = append(f.setCalls, setCall{accountID: accountID, balance: balance, token: token})
	f.log.record("set")
	f.tokens = append(f.tokens, token)
	if f.setErr != nil {
		return f.setErr
	}
	f.balances[accountID] = balance
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	saveErr error
	saved   []models.Transaction
	log     *callLog
}

func (f *fakeStore) Save(_ context.Context, tx *models.Transaction) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.record("save")
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	out := *tx
	out.ID = "tan-" + string(rune('a'+len(f.saved)))
	f.saved = append(f.saved, out)
	return &out, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	err     error
	events  []events.NotificationEvent
	ctxErrs []error
	log     *callLog
}

func (f *fakePublisher) Publish(ctx context.Context, event events.NotificationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.record("publish")
	f.events = append(f.events, event)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.err
}

func (f *fakePublisher) Close() error { return nil }

type fakeCache struct {
	cached []string
	log    *callLog
}

func (f *fakeCache) CacheTransaction(_ context.Context, tx *models.Transaction) {
	f.log.record("cache")
	f.cached = append(f.cached, tx.ID)
}

// ---- helpers ----

type fixture struct {
	accounts  *fakeAccounts
	store     *fakeStore
	publisher *fakePublisher
	cache     *fakeCache
	calls     *callLog
	svc       *TransactionCommandService
}

func newFixture(balances map[string]string, opts ...Option) *fixture {
	calls := &callLog{}
	f := &fixture{
		accounts:  &fakeAccounts{balances: make(map[string]decimal.Decimal), log: calls},
		store:     &fakeStore{log: calls},
		publisher: &fakePublisher{log: calls},
		cache:     &fakeCache{log: calls},
		calls:     calls,
	}
	for id, b := range balances {
		f.accounts.balances[id] = decimal.RequireFromString(b)
	}
	f.svc = NewTransactionCommandService(f.store, f.cache, f.accounts, f.publisher, nil, opts...)
	return f
}

func command(accountID string, txType models.TransactionType, amount string) cqrs.PerformTransactionCommand {
	return cqrs.PerformTransactionCommand{
		AccountID: accountID,
		Type:      txType,
		Amount:    decimal.RequireFromString(amount),
		ActorID:   "usr-001",
		Token:     "tok-abc",
	}
}

// ---- tests ----

func TestPerformTransaction_Deposit(t *testing.T) {
	f := newFixture(map[string]string{"acc-1": "200"})

	result, err := f.svc.PerformTransaction(context.Background(), command("acc-1", models.Deposit, "100"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, "acc-1", result.AccountID)
	assert.Equal(t, models.Deposit, result.TransactionType)
	assert.True(t, result.InitialBalance.Equal(decimal.NewFromInt(200)))
	assert.True(t, result.Amount.Equal(decimal.NewFromInt(100)))
	assert.True(t, result.FinalBalance.Equal(decimal.NewFromInt(300)))
	assert.NotEmpty(t, result.TransactionID)

	require.Len(t, f.store.saved, 1)
	assert.Equal(t, result.TransactionID, f.store.saved[0].ID)
	assert.Equal(t, "usr-001", f.store.saved[0].ActorID)

	require.Len(t, f.accounts.setCalls, 1)
	assert.True(t, f.accounts.setCalls[0].balance.Equal(decimal.NewFromInt(300)))

	require.Len(t, f.publisher.events, 1)
	event := f.publisher.events[0]
	assert.True(t, event.Status)
	assert.Equal(t, "acc-1", event.EntityID)
	assert.Equal(t, events.ResourceTransaction, event.Resource)
	assert.Contains(t, event.Message, "final balance: 300")

	assert.Equal(t, []string{result.TransactionID}, f.cache.cached)
}

func TestPerformTransaction_CallOrder(t *testing.T) {
	tests := []struct {
		name    string
		cmd     cqrs.PerformTransactionCommand
		setErr  error
		saveErr error
		want    []string
	}{
		{
			name: "success records before pushing the balance",
			cmd:  command("acc-1", models.Deposit, "100"),
			want: []string{"get", "save", "cache", "set", "publish"},
		},
		{
			name:   "push failure still records first",
			cmd:    command("acc-1", models.Withdrawal, "50"),
			setErr: errors.New("account service down"),
			want:   []string{"get", "save", "cache", "set", "publish"},
		},
		{
			name:    "persistence failure never pushes",
			cmd:     command("acc-1", models.Deposit, "100"),
			saveErr: errors.New("disk full"),
			want:    []string{"get", "save"},
		},
		{
			name: "insufficient funds stops after the read",
			cmd:  command("acc-1", models.Withdrawal, "500"),
			want: []string{"get"},
		},
		{
			name: "invalid input makes no calls",
			cmd:  command("acc-1", models.TransactionType("TRANSFER"), "10"),
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(map[string]string{"acc-1": "200"})
			f.accounts.setErr = tt.setErr
			f.store.saveErr = tt.saveErr

			_, _ = f.svc.PerformTransaction(context.Background(), tt.cmd)
			assert.Equal(t, tt.want, f.calls.snapshot())
		})
	}
}

func TestPerformTransaction_KeepsFullScale(t *testing.T) {
	f := newFixture(map[string]string{"acc-1": "100.00001"})

	result, err := f.svc.PerformTransaction(context.Background(), command("acc-1", models.Deposit, "0.12345"))
	require.NoError(t, err)

	want := decimal.RequireFromString("100.12346")
	assert.True(t, result.FinalBalance.Equal(want), "final balance %s", result.FinalBalance)
	require.Len(t, f.accounts.setCalls, 1)
	assert.True(t, f.accounts.setCalls[0].balance.Equal(want))
	assert.True(t, f.store.saved[0].FinalBalance.Equal(f.store.saved[0].InitialBalance.Add(f.store.saved[0].Amount)))
}

func TestPerformTransaction_Withdrawal(t *testing.T) {
	tests := []struct {
		name    string
		balance string
		amount  string
		want    string
	}{
		{name: "partial", balance: "200", amount: "50.25", want: "149.75"},
		{name: "entire balance", balance: "200", amount: "200", want: "0"},
		{name: "smallest amount", balance: "0.01", amount: "0.01", want: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(map[string]string{"acc-1": tt.balance})
			result, err := f.svc.PerformTransaction(context.Background(), command("acc-1", models.Withdrawal, tt.amount))
			require.NoError(t, err)
			assert.True(t, result.FinalBalance.Equal(decimal.RequireFromString(tt.want)), "got %s", result.FinalBalance)
			assert.Len(t, f.publisher.events, 1)
		})
	}
}

func TestPerformTransaction_InsufficientFunds(t *testing.T) {
	f := newFixture(map[string]string{"acc-1": "200"})

	_, err := f.svc.PerformTransaction(context.Background(), command("acc-1", models.Withdrawal, "3000"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Equal(t, "insufficient balance", err.Error())

	assert.Empty(t, f.store.saved)
	assert.Empty(t, f.accounts.setCalls)
	assert.Empty(t, f.publisher.events)
	assert.True(t, f.accounts.balances["acc-1"].Equal(decimal.NewFromInt(200)))
}

func TestPerformTransaction_ValidationHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name string
		cmd  cqrs.PerformTransactionCommand
	}{
		{name: "unknown type", cmd: command("acc-1", models.TransactionType("TRANSFER"), "10")},
		{name: "empty type", cmd: command("acc-1", "", "10")},
		{name: "zero amount", cmd: command("acc-1", models.Deposit, "0")},
		{name: "below minimum", cmd: command("acc-1", models.Deposit, "0.001")},
		{name: "negative amount", cmd: command("acc-1", models.Withdrawal, "-5")},
		{name: "blank account", cmd: command("  ", models.Deposit, "10")},
		{name: "blank actor", cmd: func() cqrs.PerformTransactionCommand {
			c := command("acc-1", models.Deposit, "10")
			c.ActorID = ""
			return c
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(map[string]string{"acc-1": "200"})
			_, err := f.svc.PerformTransaction(context.Background(), tt.cmd)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Zero(t, f.accounts.getCalls)
			assert.Empty(t, f.store.saved)
			assert.Empty(t, f.accounts.setCalls)
			assert.Empty(t, f.publisher.events)
		})
	}
}

func TestPerformTransaction_InvalidTypeMessage(t *testing.T) {
	f := newFixture(map[string]string{"acc-1": "200"})
	_, err := f.svc.PerformTransaction(context.Background(), command("acc-1", "TRANSFER", "10"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid transaction type")
}

func TestPerformTransaction_FetchFailure(t *testing.T) {
	f := newFixture(nil)
	f.accounts.getErr = errors.New("connection refused")

	_, err := f.svc.PerformTransaction(context.Background(), command("acc-1", models.Deposit, "10"))
	assert.ErrorIs(t, err, apperr.ErrUpstream)
	assert.Empty(t, f.store.saved)
	assert.Empty(t, f.publisher.events)
}

func TestPerformTransaction_PersistenceFailure(t *testing.T) {
	f := newFixture(map[string]string{"acc-1": "200"})
	f.store.saveErr = errors.New("disk full")

	_, err := f.svc.PerformTransaction(context.Background(), command("acc-1", models.Deposit, "10"))
	assert.ErrorIs(t, err, apperr.ErrPersistence)
	assert.Empty(t, f.accounts.setCalls)
	assert.Empty(t, f.publisher.events)
	assert.Empty(t, f.cache.cached)
}

func TestPerformTransaction_PushFailureKeepsRecord(t *testing.T) {
	f := newFixture(map[string]string{"acc-1": "200"})
	f.accounts.setErr = errors.New("503 service unavailable")

	result, err := f.svc.PerformTransaction(context.Background(), command("acc-1", models.Deposit, "100"))
	assert.Nil(t, result)
	assert.ErrorIs(t, err, apperr.ErrUpstream)

	require.Len(t, f.store.saved, 1)
	assert.True(t, f.store.saved[0].FinalBalance.Equal(decimal.NewFromInt(300)))

	require.Len(t, f.publisher.events, 1)
	assert.False(t, f.publisher.events[0].Status)
	assert.Contains(t, f.publisher.events[0].Message, "could not be completed")
}

func TestPerformTransaction_PublishFailureDoesNotFail(t *testing.T) {
	f := newFixture(map[string]string{"acc-1": "200"})
	f.publisher.err = errors.New("broker down")

	result, err := f.svc.PerformTransaction(context.Background(), command("acc-1", models.Deposit, "1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Len(t, f.publisher.events, 1)
}

func TestPerformTransaction_PublishOutlivesRequest(t *testing.T) {
	f := newFixture(map[string]string{"acc-1": "200"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.PerformTransaction(ctx, command("acc-1", models.Deposit, "1"))
	require.NoError(t, err)
	require.Len(t, f.publisher.ctxErrs, 1)
	assert.NoError(t, f.publisher.ctxErrs[0])
}

func TestPerformTransaction_ForwardsToken(t *testing.T) {
	f := newFixture(map[string]string{"acc-1": "200"})

	_, err := f.svc.PerformTransaction(context.Background(), command("acc-1", models.Deposit, "1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-abc", "tok-abc"}, f.accounts.tokens)
}

func TestPerformTransaction_TimestampsNeverGoBack(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(-time.Minute), base.Add(-time.Hour), base.Add(time.Second)}
	var i int
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := ticks[i%len(ticks)]
		i++
		return t
	}
	f := newFixture(map[string]string{"acc-1": "1000"}, WithClock(now))

	for n := 0; n < 4; n++ {
		_, err := f.svc.PerformTransaction(context.Background(), command("acc-1", models.Deposit, "1"))
		require.NoError(t, err)
	}
	for n := 1; n < len(f.store.saved); n++ {
		assert.False(t, f.store.saved[n].Timestamp.Before(f.store.saved[n-1].Timestamp))
	}
}

func TestPerformTransaction_Sequential(t *testing.T) {
	f := newFixture(map[string]string{"acc-1": "200"})
	ctx := context.Background()

	_, err := f.svc.PerformTransaction(ctx, command("acc-1", models.Deposit, "100"))
	require.NoError(t, err)
	result, err := f.svc.PerformTransaction(ctx, command("acc-1", models.Withdrawal, "250"))
	require.NoError(t, err)

	assert.True(t, result.InitialBalance.Equal(decimal.NewFromInt(300)))
	assert.True(t, result.FinalBalance.Equal(decimal.NewFromInt(50)))
}

func TestClock_NonDecreasing(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	seq := []time.Time{base, base.Add(-time.Second), base.Add(time.Second)}
	var i int
	c := &clock{now: func() time.Time { t := seq[i]; i++; return t }}

	first := c.Now()
	second := c.Now()
	third := c.Now()
	assert.Equal(t, time.UTC, first.Location())
	assert.Equal(t, first, second)
	assert.True(t, third.After(second))
}
