package cqrs

// GetTransactionQuery fetches a single transaction.
type GetTransactionQuery struct {
	TransactionID string
}

// ListTransactionsQuery fetches the recorded history of an account.
type ListTransactionsQuery struct {
	AccountID string
}

// StreamTransactionsQuery opens a live feed of transactions recorded for an
// account from now on.
type StreamTransactionsQuery struct {
	AccountID string
}
