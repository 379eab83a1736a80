package events

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ResourceTransaction tags every notification emitted by this service.
const ResourceTransaction = "transaction"

// Default channel names per broker.
const (
	TransactionNotificationsQueue  = "transaction.notifications"
	TransactionNotificationsStream = "transaction.notifications"
	TransactionNotificationsTopic  = "transaction-notifications"
)

// NotificationEvent is the human-readable outcome of one transaction attempt.
type NotificationEvent struct {
	EntityID  string `json:"entityId"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Resource  string `json:"resource"`
	Status    bool   `json:"status"`
}

// NewTransactionNotification describes a transaction attempt on accountID.
// status is true when the new balance was confirmed by the account service.
func NewTransactionNotification(transactionType, accountID, actorID string, status bool, amount, finalBalance decimal.Decimal, at time.Time) NotificationEvent {
	var msg string
	if status {
		msg = fmt.Sprintf("A %s was performed on account %s by user %s. Transaction amount: %s, final balance: %s",
			transactionType, accountID, actorID, amount.String(), finalBalance.String())
	} else {
		msg = fmt.Sprintf("A %s on account %s by user %s could not be completed. Transaction amount: %s, final balance: %s",
			transactionType, accountID, actorID, amount.String(), finalBalance.String())
	}
	return NotificationEvent{
		EntityID:  accountID,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Message:   msg,
		Resource:  ResourceTransaction,
		Status:    status,
	}
}
