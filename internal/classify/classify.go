// Package classify chooses a retrieval strategy from query text.
package classify

import (
	"regexp"
	"strings"

	"github.com/dvloznov/txnquery/internal/filter"
)

// Mode is the retrieval strategy for a query.
type Mode string

const (
	// ModeStatistical answers aggregate questions directly from computed stats.
	ModeStatistical Mode = "statistical"
	// ModeAnalytical scans the full corpus and summarizes grouped breakdowns.
	ModeAnalytical Mode = "analytical"
	// ModeSmartFull returns the full filtered set, interpretation deferred.
	ModeSmartFull Mode = "smart_full"
	// ModeVectorSearch retrieves by similarity; the default.
	ModeVectorSearch Mode = "vector_search"
)

// rule maps trigger phrases to a mode. Rules are evaluated in order; the first
// hit wins, which makes the priority between overlapping keyword sets explicit.
// Phrases match on word boundaries so "count" never fires inside "account".
type rule struct {
	mode     Mode
	patterns []*regexp.Regexp
}

func compile(phrases ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(phrases))
	for i, p := range phrases {
		out[i] = regexp.MustCompile(`\b` + regexp.QuoteMeta(p) + `\b`)
	}
	return out
}

var rules = []rule{
	{
		mode: ModeStatistical,
		patterns: compile(
			"how much", "total", "sum of", "average", "avg", "minimum", "maximum",
			"highest", "lowest", "biggest", "smallest",
		),
	},
	{
		mode: ModeAnalytical,
		patterns: compile(
			"summarize", "summarise", "summary", "analyze", "analyse", "overview",
			"insights", "patterns", "trends", "breakdown", "how many", "count",
			"number of",
		),
	},
	{
		mode: ModeSmartFull,
		patterns: compile(
			"show me all", "show all", "list all", "all my transactions",
			"every transaction", "all transactions", "full list", "everything",
		),
	},
}

// Classify is a pure function from (query text, predicate) to a Mode.
// Priority: Statistical > Analytical > SmartFull > VectorSearch.
func Classify(query string, pred filter.Predicate) Mode {
	text := strings.ToLower(query)
	for _, r := range rules {
		for _, p := range r.patterns {
			if p.MatchString(text) {
				return r.mode
			}
		}
	}
	// A query that is nothing but filters ("instant payments last month") wants
	// the full filtered set rather than a similarity lookup.
	if len(pred.Terms) == 0 && !pred.IsEmpty() {
		return ModeSmartFull
	}
	return ModeVectorSearch
}
