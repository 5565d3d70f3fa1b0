package ingest

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/validation"
)

// Accepted ISO-8601 timestamp layouts. A fractional second after the seconds
// field is accepted by every layout that has one. Timestamps without a zone
// are read as UTC.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// Normalize converts a record into an engine input. Missing fields, values
// too long to store and unparseable amounts or timestamps yield a
// *fraud.ValidationError. Ids may hold any printable text.
func Normalize(rec Record) (fraud.TransactionInput, error) {
	for _, f := range requiredFields {
		if _, ok := rec.Fields[f]; !ok {
			return fraud.TransactionInput{}, &fraud.ValidationError{Field: f, Message: "is required"}
		}
	}

	get := func(f string) string { return validation.Clean(rec.Fields[f]) }
	var (
		txID     = get("transaction_id")
		userID   = get("user_id")
		amount   = get("amount")
		ts       = get("timestamp")
		merchant = get("merchant")
		location = get("location")
		amt      decimal.Decimal
	)

	if errs := validation.Run(
		validation.Required("transaction_id", txID),
		validation.Required("user_id", userID),
		validation.Required("amount", amount),
		validation.Required("timestamp", ts),
		validation.ID("transaction_id", txID),
		validation.ID("user_id", userID),
		validation.Amount("amount", amount, &amt),
		validation.MaxLength("merchant", merchant, validation.MaxFieldLength),
		validation.MaxLength("location", location, validation.MaxFieldLength),
	); len(errs) > 0 {
		first := errs.First()
		return fraud.TransactionInput{}, &fraud.ValidationError{Field: first.Field, Message: first.Message}
	}

	when, err := ParseTimestamp(ts)
	if err != nil {
		return fraud.TransactionInput{}, &fraud.ValidationError{Field: "timestamp", Message: "is not an ISO-8601 timestamp"}
	}

	return fraud.TransactionInput{
		TransactionID: txID,
		UserID:        userID,
		Amount:        amt,
		Timestamp:     when,
		Merchant:      merchant,
		Location:      location,
	}, nil
}

// Batch is the result of decoding one input document.
type Batch struct {
	Inputs   []fraud.TransactionInput
	Rejected []error // *ParseError or *fraud.ValidationError
}

// Decode parses data and normalizes every record. The returned error is
// non-nil only when the document itself is unreadable.
func Decode(format Format, data []byte) (*Batch, error) {
	records, rejected, err := Parse(format, data)
	if err != nil {
		return nil, err
	}

	b := &Batch{
		Inputs:   make([]fraud.TransactionInput, 0, len(records)),
		Rejected: rejected,
	}
	for _, rec := range records {
		in, err := Normalize(rec)
		if err != nil {
			b.Rejected = append(b.Rejected, err)
			continue
		}
		b.Inputs = append(b.Inputs, in)
	}
	return b, nil
}
