// Package aggregate computes statistics and grouped breakdowns over
// transaction subsets. All currency accumulation uses exact decimal
// arithmetic; binary floating point never touches an amount.
package aggregate

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/txnquery/internal/corpus"
)

// Summary holds direct statistics over a transaction subset. Sum and Average
// are over signed amounts; Min and Max are the smallest and largest signed
// amounts observed. Largest and Smallest are the extreme movements by
// magnitude, keeping their sign, so a -20000 debit outranks a +100 credit.
type Summary struct {
	Count    int             `json:"count"`
	Sum      decimal.Decimal `json:"sum"`
	Average  decimal.Decimal `json:"average"`
	Min      decimal.Decimal `json:"min"`
	Max      decimal.Decimal `json:"max"`
	Largest  decimal.Decimal `json:"largest"`
	Smallest decimal.Decimal `json:"smallest"`

	TotalCredit decimal.Decimal `json:"total_credit"`
	TotalDebit  decimal.Decimal `json:"total_debit"` // magnitude of debits
}

// Group is one bucket of a breakdown.
type Group struct {
	Key   string          `json:"key"`
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}

// Breakdowns are grouped totals over the same subset a Summary covers.
type Breakdowns struct {
	ByCategory  []Group `json:"by_category"`
	ByMode      []Group `json:"by_mode"`
	ByDirection []Group `json:"by_direction"`
	ByMonth     []Group `json:"by_month"`
}

const averageScale = 2

// Summarize computes direct statistics over txs.
func Summarize(txs []corpus.Transaction) Summary {
	s := Summary{
		Sum:         decimal.Zero,
		Average:     decimal.Zero,
		TotalCredit: decimal.Zero,
		TotalDebit:  decimal.Zero,
	}
	if len(txs) == 0 {
		return s
	}

	s.Count = len(txs)
	s.Min = txs[0].Amount
	s.Max = txs[0].Amount
	s.Largest = txs[0].Amount
	s.Smallest = txs[0].Amount

	for _, tx := range txs {
		s.Sum = s.Sum.Add(tx.Amount)
		if tx.Amount.LessThan(s.Min) {
			s.Min = tx.Amount
		}
		if tx.Amount.GreaterThan(s.Max) {
			s.Max = tx.Amount
		}
		if tx.Amount.Abs().GreaterThan(s.Largest.Abs()) {
			s.Largest = tx.Amount
		}
		if tx.Amount.Abs().LessThan(s.Smallest.Abs()) {
			s.Smallest = tx.Amount
		}
		switch tx.Direction {
		case corpus.DirectionCredit:
			s.TotalCredit = s.TotalCredit.Add(tx.Amount)
		case corpus.DirectionDebit:
			s.TotalDebit = s.TotalDebit.Add(tx.Amount.Abs())
		}
	}

	s.Average = s.Sum.DivRound(decimal.NewFromInt(int64(s.Count)), averageScale)
	return s
}

// Breakdown groups txs by category, mode, direction and calendar month.
// For any subset, the totals within one grouping sum to the subset's total.
func Breakdown(txs []corpus.Transaction) Breakdowns {
	return Breakdowns{
		ByCategory:  groupBy(txs, func(t corpus.Transaction) string { return categoryKey(t) }),
		ByMode:      groupBy(txs, func(t corpus.Transaction) string { return string(t.Mode) }),
		ByDirection: groupBy(txs, func(t corpus.Transaction) string { return string(t.Direction) }),
		ByMonth:     groupBy(txs, func(t corpus.Transaction) string { return t.Date.Format("2006-01") }),
	}
}

func categoryKey(t corpus.Transaction) string {
	if t.Category == "" {
		return "uncategorized"
	}
	return t.Category
}

func groupBy(txs []corpus.Transaction, key func(corpus.Transaction) string) []Group {
	buckets := make(map[string]*Group)
	for _, tx := range txs {
		k := key(tx)
		g, ok := buckets[k]
		if !ok {
			g = &Group{Key: k, Total: decimal.Zero}
			buckets[k] = g
		}
		g.Count++
		g.Total = g.Total.Add(tx.Amount)
	}

	groups := make([]Group, 0, len(buckets))
	for _, g := range buckets {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })
	return groups
}

// GroupTotal sums the totals of a grouping, used to cross-check against the
// ungrouped Summary.Sum.
func GroupTotal(groups []Group) decimal.Decimal {
	total := decimal.Zero
	for _, g := range groups {
		total = total.Add(g.Total)
	}
	return total
}
