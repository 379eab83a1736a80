package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the closed set of operations the service accepts.
type TransactionType string

const (
	Deposit    TransactionType = "DEPOSIT"
	Withdrawal TransactionType = "WITHDRAWAL"
)

// ParseTransactionType accepts any letter case of DEPOSIT or WITHDRAWAL.
func ParseTransactionType(s string) (TransactionType, error) {
	switch t := TransactionType(strings.ToUpper(strings.TrimSpace(s))); t {
	case Deposit, Withdrawal:
		return t, nil
	default:
		return "", fmt.Errorf("unknown transaction type %q", s)
	}
}

func (t TransactionType) Valid() bool {
	return t == Deposit || t == Withdrawal
}

func (t TransactionType) String() string {
	return string(t)
}

// Account is the balance snapshot served by the account service. It is fetched
// for every transaction and never cached.
type Account struct {
	AccountID string          `json:"accountId"`
	Balance   decimal.Decimal `json:"balance"`
}

// Transaction is the persisted record of one applied deposit or withdrawal.
// ID is assigned by the store on insert.
type Transaction struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"accountId"`
	TransactionType TransactionType `json:"transactionType"`
	InitialBalance  decimal.Decimal `json:"initialBalance"`
	Amount          decimal.Decimal `json:"amount"`
	FinalBalance    decimal.Decimal `json:"finalBalance"`
	ActorID         string          `json:"actorId"`
	Timestamp       time.Time       `json:"timestamp"`
}
