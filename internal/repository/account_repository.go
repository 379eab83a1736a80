package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/eaglebank/transactional-ms/shared/apperr"
	"github.com/eaglebank/transactional-ms/shared/models"
)

var errAccountNotFound = errors.New("account not found")

type AccountRepositoryConfig struct {
	BaseURL            string
	Timeout            time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// AccountRepository reads and writes balances on the account service over
// HTTP, forwarding the caller's bearer token. Failures of any kind surface
// as apperr.ErrUpstream.
type AccountRepository struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

type setBalanceRequest struct {
	NewBalance decimal.Decimal `json:"newBalance"`
}

func NewAccountRepository(cfg AccountRepositoryConfig, logger *zap.Logger) *AccountRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "account-service",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		// A missing account is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errAccountNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &AccountRepository{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: breaker,
		logger:  logger,
	}
}

// GetBalance fetches the current balance of accountID.
func (r *AccountRepository) GetBalance(ctx context.Context, accountID, token string) (*models.Account, error) {
	endpoint := r.baseURL + "/" + url.PathEscape(accountID)
	r.logger.Debug("fetching account balance", zap.String("account_id", accountID), zap.String("url", endpoint))

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.getAccount(ctx, endpoint, token)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get balance of %s: %w", apperr.ErrUpstream, accountID, err)
	}
	account := result.(*models.Account)
	if account.AccountID == "" {
		account.AccountID = accountID
	}
	return account, nil
}

// SetBalance overwrites the balance of accountID.
func (r *AccountRepository) SetBalance(ctx context.Context, accountID string, balance decimal.Decimal, token string) error {
	endpoint := r.baseURL + "/" + url.PathEscape(accountID) + "/balance"
	r.logger.Debug("updating account balance", zap.String("account_id", accountID), zap.String("url", endpoint))

	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.postBalance(ctx, endpoint, balance, token)
	})
	if err != nil {
		return fmt.Errorf("%w: set balance of %s: %w", apperr.ErrUpstream, accountID, err)
	}
	return nil
}

func (r *AccountRepository) getAccount(ctx context.Context, endpoint, token string) (*models.Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	setHeaders(req, token)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errAccountNotFound
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var account models.Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}
	return &account, nil
}

func (r *AccountRepository) postBalance(ctx context.Context, endpoint string, balance decimal.Decimal, token string) error {
	body, err := json.Marshal(setBalanceRequest{NewBalance: balance})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	setHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

func setHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("account service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}
