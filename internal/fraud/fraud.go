// Package fraud implements the transaction fraud detection engine.
//
// Every transaction is stored once (keyed by its transaction ID), fed through
// a per-user windowed state tracker and evaluated by three behavioral rules:
// high frequency, high daily amount and rapid location change. A rule that
// fires produces exactly one FlaggedTransaction per (transaction, rule) pair.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Rule labels. The stats endpoint counts flags by substring match against
// these, so the text is part of the external contract.
const (
	LabelHighFrequency = "High frequency (more than 5 transactions in 1 minute)"
	LabelHighAmount    = "High amount (over $10,000 in a day)"
	LabelRapidLocation = "Rapid location change (different locations within 2 minutes)"
)

const (
	matchHighFrequency = "High frequency"
	matchHighAmount    = "High amount"
	matchRapidLocation = "Rapid location"

	// DefaultFlaggedLimit caps ListFlagged when the caller passes no limit.
	DefaultFlaggedLimit = 1000
)

var (
	ErrTransactionNotFound = errors.New("fraud: transaction not found")
	ErrLanesClosed         = errors.New("fraud: lanes closed")
)

// Transaction is a stored transaction event.
type Transaction struct {
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
	Merchant      string          `json:"merchant"`
	Location      string          `json:"location"`
	IsFlagged     bool            `json:"is_flagged"`
	FraudType     *string         `json:"fraud_type"`
}

// FlaggedTransaction is the immutable audit record of one rule firing for one
// transaction.
type FlaggedTransaction struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	FraudType     string          `json:"fraud_type"`
	Amount        decimal.Decimal `json:"amount"`
	Location      string          `json:"location"`
	Timestamp     time.Time       `json:"timestamp"`
}

// TransactionInput is a normalized, strictly typed transaction ready for the
// engine.
type TransactionInput struct {
	TransactionID string
	UserID        string
	Amount        decimal.Decimal
	Timestamp     time.Time
	Merchant      string
	Location      string
}

// Stats aggregates flag counts by rule kind.
type Stats struct {
	TotalFlagged  int `json:"total_flagged"`
	HighFrequency int `json:"high_frequency"`
	HighAmount    int `json:"high_amount"`
	RapidLocation int `json:"rapid_location"`
}

// Count adds one flag label to the stats.
func (s *Stats) Count(fraudType string) {
	s.TotalFlagged++
	if strings.Contains(fraudType, matchHighFrequency) {
		s.HighFrequency++
	}
	if strings.Contains(fraudType, matchHighAmount) {
		s.HighAmount++
	}
	if strings.Contains(fraudType, matchRapidLocation) {
		s.RapidLocation++
	}
}

// Store persists transactions and their flags.
type Store interface {
	// ResolveTransaction returns the stored record for tx.TransactionID,
	// inserting tx if no record exists. created reports whether it was inserted.
	ResolveTransaction(ctx context.Context, tx *Transaction) (stored *Transaction, created bool, err error)
	GetTransaction(ctx context.Context, transactionID string) (*Transaction, error)
	// ListUserTransactions returns the user's transactions with from <= timestamp <= to.
	ListUserTransactions(ctx context.Context, userID string, from, to time.Time) ([]*Transaction, error)
	// ListTransactionsSince returns all transactions at or after since in
	// ascending timestamp order.
	ListTransactionsSince(ctx context.Context, since time.Time) ([]*Transaction, error)
	LatestTimestamp(ctx context.Context) (time.Time, error)

	// RecordFlag atomically checks the (transaction_id, fraudType) dedup key,
	// inserts the flag and marks the transaction flagged. When the key already
	// exists nothing is written and created is false.
	RecordFlag(ctx context.Context, tx *Transaction, fraudType string) (flag *FlaggedTransaction, created bool, err error)
	ListFlagged(ctx context.Context, userID string, limit int) ([]*FlaggedTransaction, error)
	Stats(ctx context.Context) (*Stats, error)
}

// ValidationError is returned for inputs that are missing required fields or
// carry unusable values. The record is skipped.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

// StoreError wraps a persistence failure for a single transaction.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Validate checks the fields the engine depends on.
func (in *TransactionInput) Validate() error {
	switch {
	case strings.TrimSpace(in.TransactionID) == "":
		return &ValidationError{Field: "transaction_id", Message: "is required"}
	case strings.TrimSpace(in.UserID) == "":
		return &ValidationError{Field: "user_id", Message: "is required"}
	case in.Timestamp.IsZero():
		return &ValidationError{Field: "timestamp", Message: "is required"}
	case in.Amount.IsNegative():
		return &ValidationError{Field: "amount", Message: "must not be negative"}
	}
	return nil
}

func (in *TransactionInput) transaction() *Transaction {
	return &Transaction{
		TransactionID: in.TransactionID,
		UserID:        in.UserID,
		Amount:        in.Amount,
		Timestamp:     in.Timestamp,
		Merchant:      in.Merchant,
		Location:      in.Location,
	}
}

func (t *Transaction) clone() *Transaction {
	c := *t
	if t.FraudType != nil {
		ft := *t.FraudType
		c.FraudType = &ft
	}
	return &c
}

func newFlag(id string, tx *Transaction, fraudType string) *FlaggedTransaction {
	return &FlaggedTransaction{
		ID:            id,
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		FraudType:     fraudType,
		Amount:        tx.Amount,
		Location:      tx.Location,
		Timestamp:     tx.Timestamp,
	}
}
