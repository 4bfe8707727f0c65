// Package prompt assembles the generation prompt from retrieval output.
// The prompt is the only channel between retrieval and the model, so it
// carries the question, the applied filters, the statistics, and a bounded
// transaction context in a fixed layout.
package prompt

import (
	"fmt"
	"strings"

	"github.com/dvloznov/txnquery/internal/aggregate"
	"github.com/dvloznov/txnquery/internal/classify"
	"github.com/dvloznov/txnquery/internal/corpus"
)

// sampleCap bounds the transaction preview embedded in analytical prompts.
const sampleCap = 10

// Input is everything the assembler needs from a completed retrieval.
type Input struct {
	Question     string
	Mode         classify.Mode
	Filters      []string
	Summary      aggregate.Summary
	Breakdowns   *aggregate.Breakdowns
	Transactions []corpus.Transaction
	Scores       []float64 // aligned with Transactions when set
	MatchedCount int
	Truncated    bool
	Degraded     bool
}

// Build renders the full prompt for the given retrieval result.
func Build(in Input) string {
	var b strings.Builder

	b.WriteString("You are a financial assistant answering questions about a user's bank transactions.\n")
	b.WriteString("Answer ONLY from the data below. Never invent transactions or amounts.\n\n")

	b.WriteString("USER QUESTION: " + in.Question + "\n\n")

	writeContext(&b, in)

	b.WriteString("RESPONSE RULES:\n")
	b.WriteString("1. Respond in English unless the user explicitly asks for another language.\n")
	b.WriteString("2. Use markdown tables (| columns |) when listing transactions.\n")
	b.WriteString("3. Use bullet points for statistics.\n")
	b.WriteString("4. Structure: short summary, then details, then one or two insights.\n")
	if in.Truncated {
		fmt.Fprintf(&b, "5. Only %d of %d matching transactions are shown above. Say so if the user asked for all of them.\n",
			len(in.Transactions), in.MatchedCount)
	}
	if in.Degraded {
		b.WriteString("NOTE: semantic search was unavailable, results come from a filtered scan.\n")
	}
	b.WriteString("\nYOUR RESPONSE:")

	return b.String()
}

func writeContext(b *strings.Builder, in Input) {
	b.WriteString("TRANSACTION QUERY RESULTS:\n")
	fmt.Fprintf(b, "Total Matching Transactions: %d\n", in.MatchedCount)
	if len(in.Filters) > 0 {
		fmt.Fprintf(b, "Filters Applied: %s\n", strings.Join(in.Filters, ", "))
	} else {
		b.WriteString("Filters Applied: none\n")
	}
	b.WriteString("\n")

	if in.MatchedCount == 0 {
		b.WriteString("No transactions matched. Tell the user nothing was found and suggest loosening the filters.\n\n")
		return
	}

	writeStatistics(b, in.Summary)

	switch in.Mode {
	case classify.ModeStatistical:
		// Aggregates only. The numbers above are the answer material.
	case classify.ModeAnalytical:
		if in.Breakdowns != nil {
			writeBreakdowns(b, in.Breakdowns)
		}
		writeSample(b, in, sampleCap)
	case classify.ModeSmartFull:
		writeSample(b, in, len(in.Transactions))
	case classify.ModeVectorSearch:
		writeSample(b, in, len(in.Transactions))
	}
}

func writeStatistics(b *strings.Builder, s aggregate.Summary) {
	b.WriteString("STATISTICS:\n")
	fmt.Fprintf(b, "- Count: %d\n", s.Count)
	fmt.Fprintf(b, "- Net Total: ₹%s\n", s.Sum.StringFixed(2))
	fmt.Fprintf(b, "- Total Credited: ₹%s\n", s.TotalCredit.StringFixed(2))
	fmt.Fprintf(b, "- Total Debited: ₹%s\n", s.TotalDebit.StringFixed(2))
	fmt.Fprintf(b, "- Average: ₹%s\n", s.Average.StringFixed(2))
	fmt.Fprintf(b, "- Largest: ₹%s\n", s.Largest.Abs().StringFixed(2))
	fmt.Fprintf(b, "- Smallest: ₹%s\n", s.Smallest.Abs().StringFixed(2))
	b.WriteString("\n")
}

func writeBreakdowns(b *strings.Builder, bd *aggregate.Breakdowns) {
	writeGroups(b, "BY DIRECTION", bd.ByDirection)
	writeGroups(b, "BY PAYMENT MODE", bd.ByMode)
	writeGroups(b, "BY CATEGORY", bd.ByCategory)
	writeGroups(b, "BY MONTH", bd.ByMonth)
}

func writeGroups(b *strings.Builder, title string, groups []aggregate.Group) {
	if len(groups) == 0 {
		return
	}
	b.WriteString(title + ":\n")
	for _, g := range groups {
		fmt.Fprintf(b, "- %s: %d transactions, ₹%s\n", g.Key, g.Count, g.Total.StringFixed(2))
	}
	b.WriteString("\n")
}

func writeSample(b *strings.Builder, in Input, limit int) {
	if limit > len(in.Transactions) {
		limit = len(in.Transactions)
	}
	if limit == 0 {
		return
	}
	fmt.Fprintf(b, "TRANSACTIONS (showing %d of %d):\n", limit, in.MatchedCount)
	for i := 0; i < limit; i++ {
		tx := in.Transactions[i]
		fmt.Fprintf(b, "%d. ₹%s (%s), %s, %s, Narration: %s",
			i+1,
			tx.Amount.Abs().StringFixed(2),
			tx.Direction,
			tx.Mode,
			tx.Date.Format("2006-01-02"),
			clip(tx.Narration, 80),
		)
		if tx.Category != "" {
			fmt.Fprintf(b, ", Category: %s", tx.Category)
		}
		if len(in.Scores) > i {
			fmt.Fprintf(b, " [relevance %.3f]", in.Scores[i])
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
