package filter

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/txnquery/internal/corpus"
)

var refTime = time.Date(2026, time.August, 26, 14, 30, 0, 0, time.UTC)

func newTestExtractor() *Extractor {
	return NewExtractor(decimal.RequireFromString("10000"))
}

func TestExtractDeterministic(t *testing.T) {
	e := newTestExtractor()
	query := "show my instant-payment transactions over 500 last month"

	first := e.Extract(query, refTime)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, e.Extract(query, refTime))
	}
}

func TestExtractDates(t *testing.T) {
	e := newTestExtractor()

	tests := []struct {
		name     string
		query    string
		wantFrom string
		wantTo   string
	}{
		{"last month", "spending last month", "2026-07-01", "2026-07-31"},
		{"this month", "spending this month", "2026-08-01", "2026-08-26"},
		{"this year", "income this year", "2026-01-01", "2026-08-26"},
		{"last year", "income last year", "2025-01-01", "2025-12-31"},
		{"today", "what did I spend today", "2026-08-26", "2026-08-26"},
		{"yesterday", "payments yesterday", "2026-08-25", "2026-08-25"},
		{"last 30 days", "expenses last 30 days", "2026-07-27", "2026-08-26"},
		{"last 3 months", "expenses past 3 months", "2026-05-26", "2026-08-26"},
		{"named month current year", "payments in march", "2026-03-01", "2026-03-31"},
		{"named month future rolls back", "payments in december", "2025-12-01", "2025-12-31"},
		{"named month with year", "payments in january 2025", "2025-01-01", "2025-01-31"},
		{"explicit year", "transactions in 2024", "2024-01-01", "2024-12-31"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := e.Extract(tt.query, refTime)
			require.NotNil(t, p.DateFrom, "DateFrom unset")
			require.NotNil(t, p.DateTo, "DateTo unset")
			assert.Equal(t, tt.wantFrom, p.DateFrom.Format("2006-01-02"))
			assert.Equal(t, tt.wantTo, p.DateTo.Format("2006-01-02"))
		})
	}
}

func TestExtractAmounts(t *testing.T) {
	e := newTestExtractor()

	p := e.Extract("transactions over 5,000", refTime)
	require.NotNil(t, p.MinAmount)
	assert.True(t, p.MinAmount.Equal(decimal.RequireFromString("5000")))
	assert.Nil(t, p.MaxAmount)

	p = e.Extract("payments under 250.50", refTime)
	require.NotNil(t, p.MaxAmount)
	assert.True(t, p.MaxAmount.Equal(decimal.RequireFromString("250.50")))

	p = e.Extract("transactions between 100 and 1000", refTime)
	require.NotNil(t, p.MinAmount)
	require.NotNil(t, p.MaxAmount)
	assert.True(t, p.MinAmount.Equal(decimal.RequireFromString("100")))
	assert.True(t, p.MaxAmount.Equal(decimal.RequireFromString("1000")))

	p = e.Extract("show my high-value transactions", refTime)
	require.NotNil(t, p.MinAmount)
	assert.True(t, p.MinAmount.Equal(decimal.RequireFromString("10000")))

	p = e.Extract("large payments this month", refTime)
	require.NotNil(t, p.MinAmount)
	assert.True(t, p.MinAmount.Equal(decimal.RequireFromString("10000")))
}

func TestExtractDirectionAndMode(t *testing.T) {
	e := newTestExtractor()

	p := e.Extract("how much did I spend", refTime)
	assert.Equal(t, corpus.DirectionDebit, p.Direction)

	p = e.Extract("money received this month", refTime)
	assert.Equal(t, corpus.DirectionCredit, p.Direction)

	p = e.Extract("show my instant-payment transactions last month", refTime)
	assert.Equal(t, corpus.ModeInstant, p.Mode)
	require.NotNil(t, p.DateFrom)
	assert.Equal(t, "2026-07-01", p.DateFrom.Format("2006-01-02"))
	assert.Equal(t, "2026-07-31", p.DateTo.Format("2006-01-02"))

	p = e.Extract("upi payments yesterday", refTime)
	assert.Equal(t, corpus.ModeInstant, p.Mode)

	// "credit card" refers to the rail, not the direction.
	p = e.Extract("credit card transactions", refTime)
	assert.Equal(t, corpus.ModeCard, p.Mode)
	assert.Empty(t, string(p.Direction))
}

func TestExtractTerms(t *testing.T) {
	e := newTestExtractor()

	p := e.Extract("show my starbucks purchases", refTime)
	assert.Equal(t, []string{"starbucks"}, p.Terms)
	assert.Equal(t, corpus.DirectionDebit, p.Direction)

	// Keyword-only query degrades to a loose predicate, never an error.
	p = e.Extract("show me everything weird !!!", refTime)
	assert.NotNil(t, p)
}

func TestPredicateMatches(t *testing.T) {
	e := newTestExtractor()
	p := e.Extract("instant-payment payments over 100 last month", refTime)

	july := time.Date(2026, time.July, 10, 0, 0, 0, 0, time.UTC)
	august := time.Date(2026, time.August, 10, 0, 0, 0, 0, time.UTC)

	match := corpus.Transaction{
		Date: july, Amount: decimal.RequireFromString("-500"),
		Direction: corpus.DirectionDebit, Mode: corpus.ModeInstant, Narration: "rent",
	}
	assert.True(t, p.Matches(match))

	wrongMode := match
	wrongMode.Mode = corpus.ModeCard
	assert.False(t, p.Matches(wrongMode))

	wrongMonth := match
	wrongMonth.Date = august
	assert.False(t, p.Matches(wrongMonth))

	tooSmall := match
	tooSmall.Amount = decimal.RequireFromString("-50")
	assert.False(t, p.Matches(tooSmall))
}

func TestApplyAndDescribe(t *testing.T) {
	e := newTestExtractor()
	p := e.Extract("debits over 1000 last month", refTime)

	txs := []corpus.Transaction{
		{ID: "1", Date: time.Date(2026, 7, 5, 0, 0, 0, 0, time.UTC), Amount: decimal.RequireFromString("-2000"), Direction: corpus.DirectionDebit, Mode: corpus.ModeCard, Narration: "rent"},
		{ID: "2", Date: time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC), Amount: decimal.RequireFromString("-500"), Direction: corpus.DirectionDebit, Mode: corpus.ModeCash, Narration: "food"},
		{ID: "3", Date: time.Date(2026, 7, 7, 0, 0, 0, 0, time.UTC), Amount: decimal.RequireFromString("3000"), Direction: corpus.DirectionCredit, Mode: corpus.ModeTransfer, Narration: "salary"},
	}

	got := Apply(txs, p)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)

	desc := Describe(p)
	assert.NotEmpty(t, desc)
}

func TestApplyEmptyPredicateCopies(t *testing.T) {
	txs := []corpus.Transaction{{ID: "1"}, {ID: "2"}}
	got := Apply(txs, Predicate{})
	require.Len(t, got, 2)
	got[0].ID = "mutated"
	assert.Equal(t, "1", txs[0].ID)
}
