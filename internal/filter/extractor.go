package filter

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/txnquery/internal/corpus"
)

// Extractor derives a Predicate from query text. Extraction is a pure function
// of (query text, reference time): identical inputs always yield an identical
// predicate. It never fails; unmatched fragments leave fields unset.
type Extractor struct {
	// HighValue is the magnitude threshold applied when the query says
	// "high-value", "large" or similar without an explicit number.
	HighValue decimal.Decimal
}

// NewExtractor creates an extractor with the given high-value cutoff.
func NewExtractor(highValue decimal.Decimal) *Extractor {
	return &Extractor{HighValue: highValue}
}

var (
	reBetween = regexp.MustCompile(`between\s+(?:rs\.?\s*|₹\s*)?([\d,]+(?:\.\d+)?)\s+and\s+(?:rs\.?\s*|₹\s*)?([\d,]+(?:\.\d+)?)`)
	reOver    = regexp.MustCompile(`(?:over|above|more than|greater than|at least|exceeding)\s+(?:rs\.?\s*|₹\s*)?([\d,]+(?:\.\d+)?)`)
	reUnder   = regexp.MustCompile(`(?:under|below|less than|at most|up to)\s+(?:rs\.?\s*|₹\s*)?([\d,]+(?:\.\d+)?)`)
	reLastN   = regexp.MustCompile(`(?:last|past)\s+(\d+)\s+(day|week|month|year)s?`)
	reMonth   = regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december)\b(?:\s+(20\d{2}))?`)
	reYear    = regexp.MustCompile(`\b(?:in|during|for)\s+(20\d{2})\b`)
)

var monthIndex = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,
}

var debitKeywords = map[string]bool{
	"spent": true, "spend": true, "spending": true, "paid": true, "payment": true,
	"payments": true, "debit": true, "debited": true, "debits": true,
	"expense": true, "expenses": true, "purchase": true, "purchases": true,
	"withdrawal": true, "withdrawals": true, "withdrew": true, "outgoing": true,
}

var creditKeywords = map[string]bool{
	"received": true, "income": true, "credit": true, "credited": true,
	"credits": true, "earned": true, "earnings": true, "refund": true,
	"refunds": true, "deposit": true, "deposits": true, "incoming": true,
}

var modeKeywords = map[string]corpus.PaymentMode{
	"transfer": corpus.ModeTransfer, "transfers": corpus.ModeTransfer, "neft": corpus.ModeTransfer,
	"card": corpus.ModeCard, "cards": corpus.ModeCard,
	"cash": corpus.ModeCash,
	"instant": corpus.ModeInstant, "instant-payment": corpus.ModeInstant,
	"upi": corpus.ModeInstant, "imps": corpus.ModeInstant,
}

var highValueKeywords = []string{"high-value", "high value", "large", "big-ticket", "expensive"}

// Extract parses query text into a Predicate relative to now.
func (e *Extractor) Extract(query string, now time.Time) Predicate {
	var p Predicate
	text := strings.ToLower(query)

	// "credit card" / "debit card" talk about the rail, not the direction, so
	// collapse the phrase before direction keywords are scanned.
	text = strings.ReplaceAll(text, "credit card", "card")
	text = strings.ReplaceAll(text, "debit card", "card")

	e.extractAmounts(text, &p)
	e.extractDates(text, now, &p)

	tokens := tokenize(text)
	extractDirection(tokens, &p)
	extractMode(tokens, &p)
	p.Terms = extractTerms(tokens)

	return p
}

func (e *Extractor) extractAmounts(text string, p *Predicate) {
	if m := reBetween.FindStringSubmatch(text); m != nil {
		lo, err1 := parseAmount(m[1])
		hi, err2 := parseAmount(m[2])
		if err1 == nil && err2 == nil {
			if lo.GreaterThan(hi) {
				lo, hi = hi, lo
			}
			p.MinAmount = &lo
			p.MaxAmount = &hi
			return
		}
	}
	if m := reOver.FindStringSubmatch(text); m != nil {
		if v, err := parseAmount(m[1]); err == nil {
			p.MinAmount = &v
		}
	}
	if m := reUnder.FindStringSubmatch(text); m != nil {
		if v, err := parseAmount(m[1]); err == nil {
			p.MaxAmount = &v
		}
	}
	if p.MinAmount == nil {
		for _, kw := range highValueKeywords {
			if strings.Contains(text, kw) {
				threshold := e.HighValue
				p.MinAmount = &threshold
				break
			}
		}
	}
}

func (e *Extractor) extractDates(text string, now time.Time, p *Predicate) {
	day := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	today := day(now)
	setRange := func(from, to time.Time) {
		p.DateFrom = &from
		p.DateTo = &to
	}

	switch {
	case strings.Contains(text, "today"):
		setRange(today, today)
	case strings.Contains(text, "yesterday"):
		y := today.AddDate(0, 0, -1)
		setRange(y, y)
	case strings.Contains(text, "this week"):
		setRange(startOfWeek(today), today)
	case strings.Contains(text, "last week"):
		thisWeek := startOfWeek(today)
		setRange(thisWeek.AddDate(0, 0, -7), thisWeek.AddDate(0, 0, -1))
	case strings.Contains(text, "this month"):
		setRange(time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC), today)
	case strings.Contains(text, "last month"):
		firstOfThis := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
		setRange(firstOfThis.AddDate(0, -1, 0), firstOfThis.AddDate(0, 0, -1))
	case strings.Contains(text, "this year"):
		setRange(time.Date(today.Year(), 1, 1, 0, 0, 0, 0, time.UTC), today)
	case strings.Contains(text, "last year"):
		setRange(
			time.Date(today.Year()-1, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(today.Year()-1, 12, 31, 0, 0, 0, 0, time.UTC),
		)
	}
	if p.DateFrom != nil {
		return
	}

	if m := reLastN.FindStringSubmatch(text); m != nil {
		n := atoiSafe(m[1])
		if n > 0 {
			var from time.Time
			switch m[2] {
			case "day":
				from = today.AddDate(0, 0, -n)
			case "week":
				from = today.AddDate(0, 0, -7*n)
			case "month":
				from = today.AddDate(0, -n, 0)
			case "year":
				from = today.AddDate(-n, 0, 0)
			}
			setRange(from, today)
			return
		}
	}

	if m := reMonth.FindStringSubmatch(text); m != nil {
		month := monthIndex[m[1]]
		year := today.Year()
		if m[2] != "" {
			year = atoiSafe(m[2])
		} else if month > today.Month() {
			// A bare month later than the current one refers to last year.
			year--
		}
		first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		setRange(first, first.AddDate(0, 1, -1))
		return
	}

	if m := reYear.FindStringSubmatch(text); m != nil {
		year := atoiSafe(m[1])
		setRange(
			time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC),
		)
	}
}

func extractDirection(tokens []string, p *Predicate) {
	for _, tok := range tokens {
		if debitKeywords[tok] {
			p.Direction = corpus.DirectionDebit
			return
		}
		if creditKeywords[tok] {
			p.Direction = corpus.DirectionCredit
			return
		}
	}
}

func extractMode(tokens []string, p *Predicate) {
	for _, tok := range tokens {
		if mode, ok := modeKeywords[tok]; ok {
			p.Mode = mode
			return
		}
	}
}

var stopwords = map[string]bool{
	"show": true, "me": true, "my": true, "all": true, "the": true, "a": true,
	"an": true, "of": true, "in": true, "on": true, "for": true, "to": true,
	"from": true, "and": true, "or": true, "with": true, "was": true,
	"were": true, "is": true, "are": true, "did": true, "i": true, "do": true,
	"what": true, "which": true, "how": true, "much": true, "many": true,
	"that": true, "those": true, "these": true, "it": true, "at": true,
	"transaction": true, "transactions": true, "list": true, "give": true,
	"get": true, "please": true, "last": true, "this": true, "past": true,
	"month": true, "months": true, "year": true, "years": true, "week": true,
	"weeks": true, "day": true, "days": true, "today": true, "yesterday": true,
	"total": true, "sum": true, "average": true, "count": true, "number": true,
	"summarize": true, "summary": true, "analyze": true, "overview": true,
	"insights": true, "patterns": true, "trends": true, "minimum": true,
	"maximum": true, "between": true, "over": true, "above": true, "under": true,
	"below": true, "than": true, "more": true, "less": true, "value": true,
	"high": true, "large": true, "expensive": true, "via": true, "by": true,
	"using": true, "made": true, "have": true, "has": true, "had": true,
}

func extractTerms(tokens []string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, tok := range tokens {
		if len(tok) < 3 || stopwords[tok] || isNumeric(tok) {
			continue
		}
		if debitKeywords[tok] || creditKeywords[tok] {
			continue
		}
		if _, ok := modeKeywords[tok]; ok {
			continue
		}
		if _, ok := monthIndex[tok]; ok {
			continue
		}
		if !seen[tok] {
			seen[tok] = true
			terms = append(terms, tok)
		}
	}
	return terms
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-')
	})
}

func parseAmount(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
}

func isNumeric(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != ',' && r != '-' {
			return false
		}
	}
	return true
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// startOfWeek returns the Monday of the week containing t.
func startOfWeek(t time.Time) time.Time {
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return t.AddDate(0, 0, -(weekday - 1))
}
