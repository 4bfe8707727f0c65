// Package corpus owns each user's transaction set and its version.
package corpus

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction indicates whether money moved into or out of the account.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// PaymentMode is the closed set of payment rails a transaction can use.
type PaymentMode string

const (
	ModeTransfer PaymentMode = "transfer"
	ModeCard     PaymentMode = "card"
	ModeCash     PaymentMode = "cash"
	ModeInstant  PaymentMode = "instant"
	ModeOther    PaymentMode = "other"
)

// Transaction is one normalized transaction. Immutable once ingested.
type Transaction struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Date      time.Time       `json:"date"`
	Amount    decimal.Decimal `json:"amount"` // signed: credit positive, debit negative
	Direction Direction       `json:"direction"`
	Mode      PaymentMode     `json:"mode"`
	Narration string          `json:"narration"`
	Category  string          `json:"category,omitempty"`
}

// Record is a raw ingest record as supplied by upstream collaborators.
// Amount and date arrive as strings and must parse exactly.
type Record struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Date      string `json:"date"` // YYYY-MM-DD
	Amount    string `json:"amount"`
	Direction string `json:"direction"`
	Mode      string `json:"mode"`
	Narration string `json:"narration"`
	Category  string `json:"category,omitempty"`
}

// Validate checks a raw record and converts it to a Transaction.
func (r Record) Validate() (Transaction, error) {
	var tx Transaction

	if strings.TrimSpace(r.ID) == "" {
		return tx, fmt.Errorf("missing required field %q", "id")
	}
	if strings.TrimSpace(r.AccountID) == "" {
		return tx, fmt.Errorf("missing required field %q", "account_id")
	}
	if strings.TrimSpace(r.Narration) == "" {
		return tx, fmt.Errorf("missing required field %q", "narration")
	}

	date, err := time.Parse("2006-01-02", r.Date)
	if err != nil {
		return tx, fmt.Errorf("invalid date %q: %w", r.Date, err)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(r.Amount))
	if err != nil {
		return tx, fmt.Errorf("invalid amount %q: %w", r.Amount, err)
	}

	direction, err := parseDirection(r.Direction)
	if err != nil {
		return tx, err
	}

	mode, err := parseMode(r.Mode)
	if err != nil {
		return tx, err
	}

	// Normalize the sign to the direction so downstream sums stay coherent.
	if direction == DirectionDebit && amount.Sign() > 0 {
		amount = amount.Neg()
	}
	if direction == DirectionCredit && amount.Sign() < 0 {
		amount = amount.Neg()
	}

	return Transaction{
		ID:        r.ID,
		AccountID: r.AccountID,
		Date:      date,
		Amount:    amount,
		Direction: direction,
		Mode:      mode,
		Narration: strings.TrimSpace(r.Narration),
		Category:  strings.TrimSpace(r.Category),
	}, nil
}

func parseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionCredit:
		return DirectionCredit, nil
	case DirectionDebit:
		return DirectionDebit, nil
	default:
		return "", fmt.Errorf("invalid direction %q", s)
	}
}

func parseMode(s string) (PaymentMode, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	// Upstream providers use a few spellings for the instant-payment rail.
	switch normalized {
	case "instant-payment", "instant_payment", "upi", "imps":
		return ModeInstant, nil
	}
	switch PaymentMode(normalized) {
	case ModeTransfer, ModeCard, ModeCash, ModeInstant, ModeOther:
		return PaymentMode(normalized), nil
	default:
		return "", fmt.Errorf("invalid payment mode %q", s)
	}
}

// Magnitude returns the absolute amount, used for magnitude-ranked sampling.
func (t Transaction) Magnitude() decimal.Decimal {
	return t.Amount.Abs()
}
