// Package engine turns a classified query into a retrieval result. An Engine
// run operates on one fixed corpus snapshot, so concurrent ingests never
// change the data mid-query.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dvloznov/txnquery/internal/aggregate"
	"github.com/dvloznov/txnquery/internal/classify"
	"github.com/dvloznov/txnquery/internal/core"
	"github.com/dvloznov/txnquery/internal/corpus"
	"github.com/dvloznov/txnquery/internal/filter"
	"github.com/dvloznov/txnquery/internal/vectorindex"
)

// Result is the output of one retrieval run.
type Result struct {
	Mode      classify.Mode
	Predicate filter.Predicate

	// Matched is the full matching set, ordered for pagination
	// (recency for scans, score for vector search).
	Matched []corpus.Transaction

	// Context is the truncated slice handed to prompt assembly.
	Context []corpus.Transaction

	// Scores aligns with Context when the run used the vector index.
	Scores []float64

	Summary    aggregate.Summary
	Breakdowns *aggregate.Breakdowns

	MatchedCount int
	Truncated    bool

	// Degraded is set when vector search failed and the run fell back to a
	// filtered scan.
	Degraded       bool
	DegradedReason string

	// RebuildNeeded is set when the index reported a version the corpus has
	// no record of; IndexVersion is what it reported. The caller should
	// re-enqueue a rebuild for the user.
	RebuildNeeded bool
	IndexVersion  uint64
}

// Engine executes mode-specific retrieval against a snapshot and the vector
// index.
type Engine struct {
	index      *vectorindex.Index
	topK       int
	contextCap int
}

// New creates an engine. topK bounds index searches, contextCap bounds the
// transaction context embedded in prompts.
func New(index *vectorindex.Index, topK, contextCap int) *Engine {
	if topK <= 0 {
		topK = vectorindex.DefaultTopK
	}
	if contextCap <= 0 {
		contextCap = 50
	}
	return &Engine{index: index, topK: topK, contextCap: contextCap}
}

// Retrieve runs the retrieval strategy for mode against snap.
func (e *Engine) Retrieve(ctx context.Context, snap corpus.Snapshot, query string, pred filter.Predicate, mode classify.Mode) (Result, error) {
	switch mode {
	case classify.ModeVectorSearch:
		return e.vectorSearch(ctx, snap, query, pred)
	case classify.ModeStatistical:
		return e.statistical(snap, pred), nil
	case classify.ModeAnalytical:
		return e.analytical(snap, pred), nil
	case classify.ModeSmartFull:
		return e.smartFull(snap, pred), nil
	default:
		return Result{}, core.NewQueryError("engine.retrieve", snap.UserID,
			fmt.Errorf("%w: unknown mode %q", core.ErrValidation, mode))
	}
}

func (e *Engine) vectorSearch(ctx context.Context, snap corpus.Snapshot, query string, pred filter.Predicate) (Result, error) {
	hits, builtVersion, err := e.index.Search(ctx, snap.UserID, query, e.topK)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrNotFound):
		// No index yet, the first rebuild has not completed.
		return e.degrade(snap, pred, "index not built yet"), nil
	case errors.Is(err, core.ErrUpstreamUnavailable), errors.Is(err, core.ErrTimeout):
		return e.degrade(snap, pred, "embedding upstream unavailable"), nil
	default:
		return Result{}, err
	}

	if builtVersion > snap.Version {
		// A concurrent ingest plus a fast rebuild can put the index ahead of
		// the snapshot this query captured. The captured snapshot is still
		// the answerable data, so serve it by scan and ask for a rebuild in
		// case the index is genuinely out of sync.
		res := e.degrade(snap, pred, "index ahead of snapshot")
		res.RebuildNeeded = true
		res.IndexVersion = builtVersion
		return res, nil
	}
	if builtVersion < snap.Version {
		return e.degrade(snap, pred, "index rebuild in progress"), nil
	}

	byID := make(map[string]corpus.Transaction, len(snap.Transactions))
	for _, tx := range snap.Transactions {
		byID[tx.ID] = tx
	}

	var matched []corpus.Transaction
	var scores []float64
	for _, hit := range hits {
		tx, ok := byID[hit.TransactionID]
		if !ok {
			continue
		}
		if !pred.Matches(tx) {
			continue
		}
		matched = append(matched, tx)
		scores = append(scores, hit.Score)
	}

	res := Result{
		Mode:         classify.ModeVectorSearch,
		Predicate:    pred,
		Matched:      matched,
		MatchedCount: len(matched),
		Summary:      aggregate.Summarize(matched),
	}
	res.Context, res.Truncated = capSlice(matched, e.contextCap)
	res.Scores = scores[:len(res.Context)]
	return res, nil
}

func (e *Engine) statistical(snap corpus.Snapshot, pred filter.Predicate) Result {
	matched := byRecency(filter.Apply(snap.Transactions, pred))
	return Result{
		Mode:         classify.ModeStatistical,
		Predicate:    pred,
		Matched:      matched,
		MatchedCount: len(matched),
		Summary:      aggregate.Summarize(matched),
	}
}

func (e *Engine) analytical(snap corpus.Snapshot, pred filter.Predicate) Result {
	matched := filter.Apply(snap.Transactions, pred)
	bd := aggregate.Breakdown(matched)

	// Representative sample: the largest movements first.
	sample := make([]corpus.Transaction, len(matched))
	copy(sample, matched)
	sort.SliceStable(sample, func(i, j int) bool {
		return sample[i].Magnitude().GreaterThan(sample[j].Magnitude())
	})

	res := Result{
		Mode:         classify.ModeAnalytical,
		Predicate:    pred,
		Matched:      byRecency(matched),
		MatchedCount: len(matched),
		Summary:      aggregate.Summarize(matched),
		Breakdowns:   &bd,
	}
	res.Context, res.Truncated = capSlice(sample, e.contextCap)
	return res
}

func (e *Engine) smartFull(snap corpus.Snapshot, pred filter.Predicate) Result {
	matched := byRecency(filter.Apply(snap.Transactions, pred))
	res := Result{
		Mode:         classify.ModeSmartFull,
		Predicate:    pred,
		Matched:      matched,
		MatchedCount: len(matched),
		Summary:      aggregate.Summarize(matched),
	}
	res.Context, res.Truncated = capSlice(matched, e.contextCap)
	return res
}

// degrade answers a vector-search query with a filtered scan.
func (e *Engine) degrade(snap corpus.Snapshot, pred filter.Predicate, reason string) Result {
	res := e.smartFull(snap, pred)
	res.Mode = classify.ModeVectorSearch
	res.Degraded = true
	res.DegradedReason = reason
	return res
}

func capSlice(txs []corpus.Transaction, limit int) ([]corpus.Transaction, bool) {
	if len(txs) <= limit {
		return txs, false
	}
	return txs[:limit], true
}

// byRecency sorts newest first, ties broken by ID for stable pagination.
func byRecency(txs []corpus.Transaction) []corpus.Transaction {
	out := make([]corpus.Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
