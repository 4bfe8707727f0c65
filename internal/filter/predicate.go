// Package filter parses query text into a structured transaction predicate.
package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/txnquery/internal/corpus"
)

// Predicate is a conjunctive filter over transactions. Nil/zero fields impose
// no constraint.
type Predicate struct {
	DateFrom  *time.Time
	DateTo    *time.Time
	MinAmount *decimal.Decimal // compared against magnitude
	MaxAmount *decimal.Decimal
	Direction corpus.Direction
	Mode      corpus.PaymentMode
	Terms     []string
}

// IsEmpty reports whether the predicate constrains nothing.
func (p Predicate) IsEmpty() bool {
	return p.DateFrom == nil && p.DateTo == nil &&
		p.MinAmount == nil && p.MaxAmount == nil &&
		p.Direction == "" && p.Mode == "" && len(p.Terms) == 0
}

// Matches reports whether tx satisfies every present constraint.
// Terms are matched against narration and category, any-of.
func (p Predicate) Matches(tx corpus.Transaction) bool {
	if p.DateFrom != nil && tx.Date.Before(*p.DateFrom) {
		return false
	}
	if p.DateTo != nil && tx.Date.After(*p.DateTo) {
		return false
	}
	magnitude := tx.Magnitude()
	if p.MinAmount != nil && magnitude.LessThan(*p.MinAmount) {
		return false
	}
	if p.MaxAmount != nil && magnitude.GreaterThan(*p.MaxAmount) {
		return false
	}
	if p.Direction != "" && tx.Direction != p.Direction {
		return false
	}
	if p.Mode != "" && tx.Mode != p.Mode {
		return false
	}
	if len(p.Terms) > 0 && !p.matchesTerms(tx) {
		return false
	}
	return true
}

func (p Predicate) matchesTerms(tx corpus.Transaction) bool {
	haystack := strings.ToLower(tx.Narration + " " + tx.Category)
	for _, term := range p.Terms {
		if strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}

// Apply filters transactions by the predicate, preserving order.
func Apply(txs []corpus.Transaction, p Predicate) []corpus.Transaction {
	if p.IsEmpty() {
		out := make([]corpus.Transaction, len(txs))
		copy(out, txs)
		return out
	}
	out := make([]corpus.Transaction, 0, len(txs))
	for _, tx := range txs {
		if p.Matches(tx) {
			out = append(out, tx)
		}
	}
	return out
}

// Describe returns human-readable descriptions of the active constraints,
// suitable for the filters_applied response field.
func Describe(p Predicate) []string {
	var desc []string
	if p.DateFrom != nil && p.DateTo != nil {
		desc = append(desc, fmt.Sprintf("date between %s and %s",
			p.DateFrom.Format("2006-01-02"), p.DateTo.Format("2006-01-02")))
	} else if p.DateFrom != nil {
		desc = append(desc, fmt.Sprintf("date from %s", p.DateFrom.Format("2006-01-02")))
	} else if p.DateTo != nil {
		desc = append(desc, fmt.Sprintf("date until %s", p.DateTo.Format("2006-01-02")))
	}
	if p.MinAmount != nil {
		desc = append(desc, fmt.Sprintf("amount >= %s", p.MinAmount.String()))
	}
	if p.MaxAmount != nil {
		desc = append(desc, fmt.Sprintf("amount <= %s", p.MaxAmount.String()))
	}
	if p.Direction != "" {
		desc = append(desc, fmt.Sprintf("direction = %s", p.Direction))
	}
	if p.Mode != "" {
		desc = append(desc, fmt.Sprintf("mode = %s", p.Mode))
	}
	if len(p.Terms) > 0 {
		desc = append(desc, fmt.Sprintf("matching terms: %s", strings.Join(p.Terms, ", ")))
	}
	return desc
}
