package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eaglebank/transactional-ms/internal/repository"
	"github.com/eaglebank/transactional-ms/shared/apperr"
	"github.com/eaglebank/transactional-ms/shared/cqrs"
	"github.com/eaglebank/transactional-ms/shared/logging"
	"github.com/eaglebank/transactional-ms/shared/middleware"
	"github.com/eaglebank/transactional-ms/shared/models"
)

const defaultHeartbeat = 15 * time.Second

// TransactionCommander defines the write-side operations used by TransactionHandler.
type TransactionCommander interface {
	PerformTransaction(context.Context, cqrs.PerformTransactionCommand) (*models.TransactionResult, error)
}

// TransactionQuerier defines the read-side operations used by TransactionHandler.
type TransactionQuerier interface {
	GetTransaction(context.Context, cqrs.GetTransactionQuery) (*models.Transaction, error)
	ListTransactions(context.Context, cqrs.ListTransactionsQuery) ([]models.Transaction, error)
	StreamTransactions(context.Context, cqrs.StreamTransactionsQuery) (repository.Subscription, error)
}

type TransactionHandler struct {
	commands  TransactionCommander
	queries   TransactionQuerier
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	shutdown  context.Context
}

type PerformTransactionRequest struct {
	AccountID       string          `json:"accountId" validate:"required,notblank"`
	TransactionType string          `json:"transactionType" validate:"required,notblank"`
	Amount          decimal.Decimal `json:"amount" validate:"required,decimal_gte=0.01"`
	ActorID         string          `json:"actorId" validate:"required,notblank"`
}

type ListTransactionsResponse struct {
	Transactions []models.Transaction `json:"transactions"`
}

type HandlerOption func(*TransactionHandler)

// WithHeartbeat sets how often an idle stream sends a keep-alive.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(h *TransactionHandler) { h.heartbeat = d }
}

// WithShutdown ends every open stream once ctx is done.
func WithShutdown(ctx context.Context) HandlerOption {
	return func(h *TransactionHandler) { h.shutdown = ctx }
}

// WithAllowedOrigins restricts WebSocket upgrades to the given origins. An
// empty list accepts any origin.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *TransactionHandler) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
}

func NewTransactionHandler(commands TransactionCommander, queries TransactionQuerier, logger *zap.Logger, opts ...HandlerOption) *TransactionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &TransactionHandler{
		commands:  commands,
		queries:   queries,
		logger:    logger,
		heartbeat: defaultHeartbeat,
		shutdown:  context.Background(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *TransactionHandler) PerformTransaction(c *gin.Context) {
	var req PerformTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return
	}
	txType, err := models.ParseTransactionType(req.TransactionType)
	if err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid transaction type")
		return
	}
	token, _ := middleware.GetToken(c)

	result, err := h.commands.PerformTransaction(c.Request.Context(), cqrs.PerformTransactionCommand{
		AccountID: req.AccountID,
		Type:      txType,
		Amount:    req.Amount,
		ActorID:   req.ActorID,
		Token:     token,
	})
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrValidation):
			middleware.RespondWithError(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, apperr.ErrInsufficientFunds):
			middleware.RespondWithError(c, http.StatusUnprocessableEntity, "Insufficient balance")
		case errors.Is(err, apperr.ErrUpstream):
			middleware.RespondWithError(c, http.StatusBadGateway, "Account service request failed")
		default:
			middleware.RespondWithError(c, http.StatusInternalServerError, "Failed to record transaction")
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *TransactionHandler) ListTransactions(c *gin.Context) {
	accountID := c.Query("accountId")
	if strings.TrimSpace(accountID) == "" {
		middleware.RespondWithError(c, http.StatusBadRequest, "accountId query parameter is required")
		return
	}

	txs, err := h.queries.ListTransactions(c.Request.Context(), cqrs.ListTransactionsQuery{AccountID: accountID})
	if err != nil {
		middleware.RespondWithAppError(c, err, "Failed to list transactions")
		return
	}

	c.JSON(http.StatusOK, ListTransactionsResponse{Transactions: txs})
}

func (h *TransactionHandler) GetTransaction(c *gin.Context) {
	transactionID := c.Param("transactionId")

	tx, err := h.queries.GetTransaction(c.Request.Context(), cqrs.GetTransactionQuery{TransactionID: transactionID})
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			middleware.RespondWithError(c, http.StatusNotFound, "Transaction not found")
		default:
			middleware.RespondWithAppError(c, err, "Failed to get transaction")
		}
		return
	}

	c.JSON(http.StatusOK, tx)
}

// openStream resolves the accountId query parameter and opens the feed,
// writing the error response itself when that fails.
func (h *TransactionHandler) openStream(c *gin.Context) (repository.Subscription, string, bool) {
	accountID := c.Query("accountId")
	if strings.TrimSpace(accountID) == "" {
		middleware.RespondWithError(c, http.StatusBadRequest, "accountId query parameter is required")
		return nil, "", false
	}

	sub, err := h.queries.StreamTransactions(c.Request.Context(), cqrs.StreamTransactionsQuery{AccountID: accountID})
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			middleware.RespondWithError(c, http.StatusNotFound, "No transactions found for account "+accountID)
		case errors.Is(err, apperr.ErrValidation):
			middleware.RespondWithError(c, http.StatusBadRequest, err.Error())
		default:
			logging.WithTrace(c.Request.Context(), h.logger).Error("failed to open transaction stream",
				zap.String("account_id", accountID), zap.Error(err))
			middleware.RespondWithError(c, http.StatusInternalServerError, "Failed to open transaction stream")
		}
		return nil, "", false
	}
	return sub, accountID, true
}

func (h *TransactionHandler) streamContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(h.shutdown, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// nextOrIdle waits up to the heartbeat interval for the next record. It
// returns (nil, nil) when the interval passed without one.
func (h *TransactionHandler) nextOrIdle(ctx context.Context, sub repository.Subscription) (*models.Transaction, error) {
	waitCtx, cancel := context.WithTimeout(ctx, h.heartbeat)
	defer cancel()
	tx, err := sub.Next(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return tx, err
}

// StreamTransactions pushes the account's new transactions as server-sent
// events until the client disconnects or the feed is lost.
func (h *TransactionHandler) StreamTransactions(c *gin.Context) {
	sub, accountID, ok := h.openStream(c)
	if !ok {
		return
	}
	defer sub.Close()

	ctx, cancel := h.streamContext(c.Request.Context())
	defer cancel()
	logger := logging.WithTrace(ctx, h.logger).With(zap.String("account_id", accountID))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		tx, err := h.nextOrIdle(ctx, sub)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("transaction stream ended", zap.Error(err))
			c.SSEvent("error", gin.H{"message": "Transaction stream interrupted"})
			c.Writer.Flush()
			return
		}
		if tx == nil {
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
			continue
		}
		c.SSEvent("transaction", tx)
		c.Writer.Flush()
	}
}

// StreamTransactionsWS serves the same feed as StreamTransactions over a
// WebSocket, one JSON message per transaction.
func (h *TransactionHandler) StreamTransactionsWS(c *gin.Context) {
	sub, accountID, ok := h.openStream(c)
	if !ok {
		return
	}
	defer sub.Close()

	logger := logging.WithTrace(c.Request.Context(), h.logger).With(zap.String("account_id", accountID))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The request context does not end when a hijacked connection closes, so
	// a reader watches for the client going away.
	ctx, cancel := h.streamContext(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		tx, err := h.nextOrIdle(ctx, sub)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("transaction stream ended", zap.Error(err))
			msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "Transaction stream interrupted")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
		if tx == nil {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(tx); err != nil {
			logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}
