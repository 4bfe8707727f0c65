package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/dvloznov/txnquery/internal/aggregate"
	"github.com/dvloznov/txnquery/internal/classify"
	"github.com/dvloznov/txnquery/internal/corpus"
)

func sampleTxs() []corpus.Transaction {
	return []corpus.Transaction{
		{
			ID:        "tx-1",
			Date:      time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
			Amount:    decimal.NewFromInt(-5000),
			Direction: corpus.DirectionDebit,
			Mode:      corpus.ModeTransfer,
			Narration: "rent july",
			Category:  "housing",
		},
		{
			ID:        "tx-2",
			Date:      time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC),
			Amount:    decimal.NewFromInt(100),
			Direction: corpus.DirectionCredit,
			Mode:      corpus.ModeInstant,
			Narration: "cashback",
		},
	}
}

func TestBuildStatisticalOmitsTransactions(t *testing.T) {
	txs := sampleTxs()
	out := Build(Input{
		Question:     "how much did I spend in july",
		Mode:         classify.ModeStatistical,
		Filters:      []string{"date from 2026-07-01", "date to 2026-07-31"},
		Summary:      aggregate.Summarize(txs),
		MatchedCount: len(txs),
	})

	assert.Contains(t, out, "USER QUESTION: how much did I spend in july")
	assert.Contains(t, out, "Filters Applied: date from 2026-07-01, date to 2026-07-31")
	assert.Contains(t, out, "Total Debited: ₹5000.00")
	assert.NotContains(t, out, "Narration:")
}

func TestBuildStatisticalLargestByMagnitude(t *testing.T) {
	// "biggest purchase" over debits must name the largest movement, not the
	// least-negative signed amount.
	txs := []corpus.Transaction{
		{ID: "tx-1", Date: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(-300), Direction: corpus.DirectionDebit, Mode: corpus.ModeCard, Narration: "coffee"},
		{ID: "tx-2", Date: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC), Amount: decimal.NewFromInt(-20000), Direction: corpus.DirectionDebit, Mode: corpus.ModeInstant, Narration: "tuition"},
	}
	out := Build(Input{
		Question:     "what was my biggest purchase",
		Mode:         classify.ModeStatistical,
		Summary:      aggregate.Summarize(txs),
		MatchedCount: len(txs),
	})

	assert.Contains(t, out, "Largest: ₹20000.00")
	assert.Contains(t, out, "Smallest: ₹300.00")
}

func TestBuildSmartFullListsAll(t *testing.T) {
	txs := sampleTxs()
	out := Build(Input{
		Question:     "show me all transactions",
		Mode:         classify.ModeSmartFull,
		Summary:      aggregate.Summarize(txs),
		Transactions: txs,
		MatchedCount: len(txs),
	})

	assert.Contains(t, out, "TRANSACTIONS (showing 2 of 2):")
	assert.Contains(t, out, "Narration: rent july")
	assert.Contains(t, out, "Category: housing")
	assert.Contains(t, out, "Narration: cashback")
}

func TestBuildVectorSearchIncludesScores(t *testing.T) {
	txs := sampleTxs()
	out := Build(Input{
		Question:     "rent payments",
		Mode:         classify.ModeVectorSearch,
		Summary:      aggregate.Summarize(txs),
		Transactions: txs,
		Scores:       []float64{0.91, 0.42},
		MatchedCount: len(txs),
	})
	assert.Contains(t, out, "[relevance 0.910]")
}

func TestBuildAnalyticalIncludesBreakdowns(t *testing.T) {
	txs := sampleTxs()
	bd := aggregate.Breakdown(txs)
	out := Build(Input{
		Question:     "summarize my spending",
		Mode:         classify.ModeAnalytical,
		Summary:      aggregate.Summarize(txs),
		Breakdowns:   &bd,
		Transactions: txs,
		MatchedCount: len(txs),
	})
	assert.Contains(t, out, "BY DIRECTION:")
	assert.Contains(t, out, "BY MONTH:")
	assert.Contains(t, out, "- 2026-07: 2 transactions,")
}

func TestBuildEmptyResult(t *testing.T) {
	out := Build(Input{
		Question: "anything from 2019",
		Mode:     classify.ModeSmartFull,
	})
	assert.Contains(t, out, "No transactions matched")
	assert.NotContains(t, out, "STATISTICS")
}

func TestBuildTruncatedAndDegradedNotes(t *testing.T) {
	txs := sampleTxs()
	out := Build(Input{
		Question:     "show everything",
		Mode:         classify.ModeSmartFull,
		Summary:      aggregate.Summarize(txs),
		Transactions: txs[:1],
		MatchedCount: 40,
		Truncated:    true,
		Degraded:     true,
	})
	assert.Contains(t, out, "Only 1 of 40 matching transactions are shown")
	assert.Contains(t, out, "semantic search was unavailable")
	assert.True(t, strings.HasSuffix(out, "YOUR RESPONSE:"))
}
