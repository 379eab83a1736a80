package cqrs

import (
	"github.com/eaglebank/transactional-ms/shared/models"
	"github.com/shopspring/decimal"
)

// PerformTransactionCommand asks the command side to apply one deposit or
// withdrawal. Token is the caller's bearer credential; it is forwarded to the
// account service as-is and never retained.
type PerformTransactionCommand struct {
	AccountID string
	Type      models.TransactionType
	Amount    decimal.Decimal
	ActorID   string
	Token     string
}
