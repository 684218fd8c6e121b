package ledger

// Channel and event names used on the notification bus.
const (
	ChannelTransaction = "transaction"
	EventCreate        = "create"
	EventReload        = "reload"
	EventPing          = "ping"
	EventOpen          = "open"
)

// EventPublisher fans an event out to all listeners of a channel. Publishing
// is best-effort and never blocks the caller.
type EventPublisher interface {
	Publish(channel, event string, data any, id string)
}

// NopPublisher discards events. Used where no bus is wired.
type NopPublisher struct{}

func (NopPublisher) Publish(string, string, any, string) {}

// TransactionEvent is the payload broadcast for every created transaction.
type TransactionEvent struct {
	ID             TransactionID  `json:"id"`
	Account        AccountID      `json:"account"`
	AccountName    string         `json:"account_name"`
	Balance        Amount         `json:"balance"`
	Amount         Amount         `json:"amount"` // signed
	Reason         string         `json:"reason"`
	Related        *TransactionID `json:"related,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// NewTransactionEvent builds the event payload for a transaction. balance is
// the account's current balance after the transaction was recorded.
func NewTransactionEvent(tx *Transaction, account *Account, balance Amount) TransactionEvent {
	return TransactionEvent{
		ID:             tx.ID,
		Account:        tx.AccountID,
		AccountName:    account.DisplayName,
		Balance:        balance,
		Amount:         tx.SignedAmount(),
		Reason:         tx.Reason,
		Related:        tx.RelatedTransactionID,
		IdempotencyKey: tx.IdempotencyKey,
	}
}
