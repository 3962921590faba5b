package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedInput marks a transaction field that could not be parsed.
// The transaction is still usable: the field is replaced by a safe default.
var ErrMalformedInput = errors.New("malformed input")

// Transaction is a single financial event submitted for evaluation.
// It is never mutated after creation.
type Transaction struct {
	ID        string          `json:"transactionId"`
	Timestamp time.Time       `json:"timestamp"`
	AccountID string          `json:"accountId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Type      string          `json:"transactionType"`
	Merchant  string          `json:"merchant,omitempty"`
	Country   string          `json:"country"`

	// Audit only, never read by rules
	DeviceID  string `json:"deviceId,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// LabeledTransaction pairs a transaction with its ground truth.
type LabeledTransaction struct {
	Transaction
	IsFraudulent bool `json:"isFraudulent"`
}

// RawTransaction is the ingestion payload. Timestamp and Amount accept any of
// the shapes collaborators send: formatted strings, epoch numbers or native
// time values.
type RawTransaction struct {
	ID           string `json:"transactionId"`
	Timestamp    any    `json:"timestamp"`
	AccountID    string `json:"accountId"`
	Amount       any    `json:"amount"`
	Currency     string `json:"currency"`
	Type         string `json:"transactionType"`
	Merchant     string `json:"merchant,omitempty"`
	Country      string `json:"country"`
	DeviceID     string `json:"deviceId,omitempty"`
	IPAddress    string `json:"ipAddress,omitempty"`
	IsFraudulent bool   `json:"isFraudulent,omitempty"`
}

// MalformedInputError describes one field that was replaced during Normalize.
type MalformedInputError struct {
	TransactionID string
	Field         string
	Value         any
	Err           error
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("transaction %s: %s %v: %v", e.TransactionID, e.Field, e.Value, e.Err)
}

// Unwrap lets errors.Is match ErrMalformedInput.
func (e *MalformedInputError) Unwrap() []error {
	return []error{ErrMalformedInput, e.Err}
}

// Normalize converts a raw payload into a Transaction. Unparseable fields are
// replaced (timestamp: zero value, amount: 0) and reported in the returned
// error; the Transaction is always usable.
func (r RawTransaction) Normalize() (Transaction, error) {
	tx := Transaction{
		ID:        r.ID,
		AccountID: r.AccountID,
		Currency:  strings.ToUpper(strings.TrimSpace(r.Currency)),
		Type:      r.Type,
		Merchant:  strings.TrimSpace(r.Merchant),
		Country:   strings.ToUpper(strings.TrimSpace(r.Country)),
		DeviceID:  r.DeviceID,
		IPAddress: r.IPAddress,
	}

	var errs []error

	ts, err := ParseTimestamp(r.Timestamp)
	if err != nil {
		errs = append(errs, &MalformedInputError{TransactionID: r.ID, Field: "timestamp", Value: r.Timestamp, Err: err})
	}
	tx.Timestamp = ts

	amount, err := ParseAmount(r.Amount)
	if err != nil {
		errs = append(errs, &MalformedInputError{TransactionID: r.ID, Field: "amount", Value: r.Amount, Err: err})
	}
	if amount.IsNegative() {
		errs = append(errs, &MalformedInputError{TransactionID: r.ID, Field: "amount", Value: r.Amount, Err: errors.New("negative amount")})
		amount = amount.Abs()
	}
	tx.Amount = amount

	return tx, errors.Join(errs...)
}

// Labeled normalises the payload and keeps its ground-truth label.
func (r RawTransaction) Labeled() (LabeledTransaction, error) {
	tx, err := r.Normalize()
	return LabeledTransaction{Transaction: tx, IsFraudulent: r.IsFraudulent}, err
}

// Accepted timestamp layouts, tried in order.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// epochMillisCutoff separates epoch seconds from epoch milliseconds.
const epochMillisCutoff = 1e12

// ParseTimestamp normalises the three timestamp shapes into a time.Time.
// Naive strings are read as UTC. Unparseable input returns the zero time.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, errors.New("missing timestamp")
	case time.Time:
		return t, nil
	case *time.Time:
		if t == nil {
			return time.Time{}, errors.New("missing timestamp")
		}
		return *t, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, errors.New("empty timestamp")
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return fromEpoch(f)
	case float64:
		return fromEpoch(t)
	case float32:
		return fromEpoch(float64(t))
	case int:
		return fromEpoch(float64(t))
	case int64:
		return fromEpoch(float64(t))
	case int32:
		return fromEpoch(float64(t))
	case uint64:
		return fromEpoch(float64(t))
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func fromEpoch(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, fmt.Errorf("invalid epoch %v", f)
	}
	if f >= epochMillisCutoff {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

// ParseAmount converts strings and numbers into a decimal amount.
func ParseAmount(v any) (decimal.Decimal, error) {
	switch a := v.(type) {
	case nil:
		return decimal.Zero, errors.New("missing amount")
	case decimal.Decimal:
		return a, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(a))
		if err != nil {
			return decimal.Zero, err
		}
		return d, nil
	case json.Number:
		d, err := decimal.NewFromString(a.String())
		if err != nil {
			return decimal.Zero, err
		}
		return d, nil
	case float64:
		if math.IsNaN(a) || math.IsInf(a, 0) {
			return decimal.Zero, fmt.Errorf("invalid amount %v", a)
		}
		return decimal.NewFromFloat(a), nil
	case float32:
		return ParseAmount(float64(a))
	case int:
		return decimal.NewFromInt(int64(a)), nil
	case int64:
		return decimal.NewFromInt(a), nil
	case int32:
		return decimal.NewFromInt(int64(a)), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount type %T", v)
	}
}
