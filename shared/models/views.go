package models

import "github.com/shopspring/decimal"

// StatusSuccess is the only status a TransactionResult is ever built with;
// failures are reported as errors instead.
const StatusSuccess = "SUCCESS"

// TransactionResult is the response projection of a persisted transaction.
// It is derived on the way out and never stored.
type TransactionResult struct {
	TransactionID   string          `json:"transactionId"`
	AccountID       string          `json:"accountId"`
	TransactionType TransactionType `json:"transactionType"`
	InitialBalance  decimal.Decimal `json:"initialBalance"`
	Amount          decimal.Decimal `json:"amount"`
	FinalBalance    decimal.Decimal `json:"finalBalance"`
	Status          string          `json:"status"`
}

// NewTransactionResult converts the write model to the response view.
func NewTransactionResult(t *Transaction) *TransactionResult {
	return &TransactionResult{
		TransactionID:   t.ID,
		AccountID:       t.AccountID,
		TransactionType: t.TransactionType,
		InitialBalance:  t.InitialBalance,
		Amount:          t.Amount,
		FinalBalance:    t.FinalBalance,
		Status:          StatusSuccess,
	}
}
