package aggregate

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/txnquery/internal/corpus"
)

func tx(id, amount string, dir corpus.Direction, mode corpus.PaymentMode, category string, date string) corpus.Transaction {
	d, _ := time.Parse("2006-01-02", date)
	return corpus.Transaction{
		ID: id, AccountID: "a1", Date: d,
		Amount:    decimal.RequireFromString(amount),
		Direction: dir, Mode: mode, Category: category, Narration: id,
	}
}

func sampleTxs() []corpus.Transaction {
	return []corpus.Transaction{
		tx("t1", "100", corpus.DirectionCredit, corpus.ModeTransfer, "salary", "2026-07-01"),
		tx("t2", "-5000", corpus.DirectionDebit, corpus.ModeCard, "housing", "2026-07-02"),
		tx("t3", "-20000", corpus.DirectionDebit, corpus.ModeInstant, "education", "2026-08-03"),
		tx("t4", "-33.33", corpus.DirectionDebit, corpus.ModeCash, "", "2026-08-04"),
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleTxs())

	assert.Equal(t, 4, s.Count)
	assert.True(t, s.Sum.Equal(decimal.RequireFromString("-24933.33")), "sum = %s", s.Sum)
	assert.True(t, s.Min.Equal(decimal.RequireFromString("-20000")), "min = %s", s.Min)
	assert.True(t, s.Max.Equal(decimal.RequireFromString("100")), "max = %s", s.Max)
	assert.True(t, s.TotalCredit.Equal(decimal.RequireFromString("100")))
	assert.True(t, s.TotalDebit.Equal(decimal.RequireFromString("25033.33")))
	assert.True(t, s.Largest.Equal(decimal.RequireFromString("-20000")), "largest = %s", s.Largest)
	assert.True(t, s.Smallest.Equal(decimal.RequireFromString("-33.33")), "smallest = %s", s.Smallest)
}

func TestSummarizeExtremesByMagnitude(t *testing.T) {
	// All-debit subset: the biggest purchase is the most negative amount,
	// not the signed maximum.
	txs := []corpus.Transaction{
		tx("t1", "-300", corpus.DirectionDebit, corpus.ModeCard, "", "2026-08-01"),
		tx("t2", "-5000", corpus.DirectionDebit, corpus.ModeTransfer, "housing", "2026-08-02"),
		tx("t3", "-20000", corpus.DirectionDebit, corpus.ModeInstant, "education", "2026-08-03"),
	}
	s := Summarize(txs)
	assert.True(t, s.Largest.Equal(decimal.RequireFromString("-20000")), "largest = %s", s.Largest)
	assert.True(t, s.Smallest.Equal(decimal.RequireFromString("-300")), "smallest = %s", s.Smallest)
	assert.True(t, s.Max.Equal(decimal.RequireFromString("-300")))
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Equal(t, 0, s.Count)
	assert.True(t, s.Sum.IsZero())
	assert.True(t, s.Average.IsZero())
}

func TestSummarizeNoFloatDrift(t *testing.T) {
	// 0.1 summed 1000 times is exactly 100 in decimal arithmetic.
	txs := make([]corpus.Transaction, 1000)
	for i := range txs {
		txs[i] = tx(fmt.Sprintf("t%d", i), "-0.1", corpus.DirectionDebit, corpus.ModeCash, "", "2026-01-01")
	}
	s := Summarize(txs)
	assert.True(t, s.Sum.Equal(decimal.RequireFromString("-100")), "sum = %s", s.Sum)
	assert.True(t, s.TotalDebit.Equal(decimal.RequireFromString("100")))
}

func TestBreakdownTotalsMatchSum(t *testing.T) {
	txs := sampleTxs()
	s := Summarize(txs)
	b := Breakdown(txs)

	for name, groups := range map[string][]Group{
		"category":  b.ByCategory,
		"mode":      b.ByMode,
		"direction": b.ByDirection,
		"month":     b.ByMonth,
	} {
		assert.True(t, GroupTotal(groups).Equal(s.Sum),
			"%s breakdown total %s != sum %s", name, GroupTotal(groups), s.Sum)
	}
}

func TestBreakdownGrouping(t *testing.T) {
	b := Breakdown(sampleTxs())

	require.Len(t, b.ByMonth, 2)
	assert.Equal(t, "2026-07", b.ByMonth[0].Key)
	assert.Equal(t, 2, b.ByMonth[0].Count)
	assert.Equal(t, "2026-08", b.ByMonth[1].Key)

	// Empty category lands in a named bucket.
	var found bool
	for _, g := range b.ByCategory {
		if g.Key == "uncategorized" {
			found = true
			assert.Equal(t, 1, g.Count)
		}
	}
	assert.True(t, found, "uncategorized bucket missing")
}

func TestBreakdownDeterministicOrder(t *testing.T) {
	first := Breakdown(sampleTxs())
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, Breakdown(sampleTxs()))
	}
}
