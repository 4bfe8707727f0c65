package service

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/txnquery/internal/cache"
	"github.com/dvloznov/txnquery/internal/classify"
	"github.com/dvloznov/txnquery/internal/core"
	"github.com/dvloznov/txnquery/internal/corpus"
	"github.com/dvloznov/txnquery/internal/engine"
	"github.com/dvloznov/txnquery/internal/filter"
	"github.com/dvloznov/txnquery/internal/gateway"
	"github.com/dvloznov/txnquery/internal/history"
	"github.com/dvloznov/txnquery/internal/jobs"
	"github.com/dvloznov/txnquery/internal/jobs/inmemory"
	"github.com/dvloznov/txnquery/internal/logger"
	"github.com/dvloznov/txnquery/internal/stream"
	"github.com/dvloznov/txnquery/internal/vectorindex"
)

type memHistory struct {
	mu  sync.Mutex
	got []history.Interaction
}

func (m *memHistory) Record(ctx context.Context, in history.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, in)
	return nil
}

func (m *memHistory) interactions() []history.Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.Interaction, len(m.got))
	copy(out, m.got)
	return out
}

type fixture struct {
	svc   *QueryService
	store *corpus.Store
	index *vectorindex.Index
	gen   *gateway.StaticGenerator
	emb   *gateway.HashEmbedder
	hist  *memHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	emb := gateway.NewHashEmbedder(64)
	idx := vectorindex.New(emb, 10)
	store := corpus.NewStore(time.Hour)
	gen := &gateway.StaticGenerator{Answer: "canned answer", Fragments: []string{"canned ", "answer"}}
	hist := &memHistory{}

	svc := New(
		store,
		idx,
		engine.New(idx, 10, 50),
		filter.NewExtractor(decimal.NewFromInt(10000)),
		gen,
		cache.New(time.Minute),
		stream.NewManager(5*time.Second),
		hist,
		nil,
		Options{PageSize: 2},
		logger.NewWithWriter(io.Discard),
	)
	svc.now = func() time.Time {
		return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	}
	return &fixture{svc: svc, store: store, index: idx, gen: gen, emb: emb, hist: hist}
}

func scenarioRecords() []corpus.Record {
	return []corpus.Record{
		{ID: "tx-1", AccountID: "acc-1", Date: "2026-08-02", Amount: "100", Direction: "credit", Mode: "transfer", Narration: "salary advance"},
		{ID: "tx-2", AccountID: "acc-1", Date: "2026-08-05", Amount: "-5000", Direction: "debit", Mode: "transfer", Narration: "rent payment"},
		{ID: "tx-3", AccountID: "acc-1", Date: "2026-08-10", Amount: "-20000", Direction: "debit", Mode: "upi", Narration: "tuition fee"},
	}
}

func (f *fixture) ingestAndIndex(t *testing.T, user string) uint64 {
	t.Helper()
	accepted, rejected, version, err := f.svc.Ingest(context.Background(), user, scenarioRecords(), false)
	require.NoError(t, err)
	require.Equal(t, 3, accepted)
	require.Equal(t, 0, rejected)
	require.NoError(t, f.svc.RebuildIndex(context.Background(), user))
	return version
}

func TestQueryNoCorpusReturnsEmptyResult(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Query(context.Background(), QueryRequest{UserID: "ghost", Prompt: "how much did I spend"})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.MatchedCount)
	assert.Empty(t, resp.Transactions)
	assert.NotEmpty(t, resp.Answer)
	assert.NotEmpty(t, resp.QueryID)
	assert.Equal(t, int64(0), f.gen.Calls.Load())
}

func TestSpendScenarioStatistical(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, "user-1")

	resp, err := f.svc.Query(context.Background(), QueryRequest{UserID: "user-1", Prompt: "how much did I spend"})
	require.NoError(t, err)

	assert.Equal(t, classify.ModeStatistical, resp.Mode)
	assert.Equal(t, 2, resp.MatchedCount)
	require.NotNil(t, resp.Statistics)
	assert.True(t, resp.Statistics.TotalDebit.Equal(decimal.NewFromInt(25000)),
		"total debit = %s", resp.Statistics.TotalDebit)
	assert.Empty(t, resp.Transactions)
	assert.Equal(t, "canned answer", resp.Answer)
}

func TestQueryValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Query(context.Background(), QueryRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.svc.Query(context.Background(), QueryRequest{UserID: "user-1"})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestCacheHitForUnchangedVersion(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, "user-1")
	req := QueryRequest{UserID: "user-1", Prompt: "how much did I spend"}

	first, err := f.svc.Query(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := f.svc.Query(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.QueryID, second.QueryID)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, int64(1), f.gen.Calls.Load())
}

func TestReingestInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, "user-1")
	req := QueryRequest{UserID: "user-1", Prompt: "how much did I spend"}

	_, err := f.svc.Query(context.Background(), req)
	require.NoError(t, err)

	f.ingestAndIndex(t, "user-1")

	resp, err := f.svc.Query(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, int64(2), f.gen.Calls.Load())
	assert.Equal(t, 4, resp.MatchedCount)
}

func TestReplaceIngestSwapsCorpus(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, "user-1")

	records := []corpus.Record{
		{ID: "tx-9", AccountID: "acc-1", Date: "2026-08-20", Amount: "-750", Direction: "debit", Mode: "card", Narration: "groceries"},
	}
	accepted, rejected, version, err := f.svc.Ingest(context.Background(), "user-1", records, true)
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 0, rejected)
	assert.Equal(t, uint64(2), version)
	require.NoError(t, f.svc.RebuildIndex(context.Background(), "user-1"))

	resp, err := f.svc.Query(context.Background(), QueryRequest{UserID: "user-1", Prompt: "how much did I spend"})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.MatchedCount)
}

func TestPaginationAndShowAll(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, "user-1")

	resp, err := f.svc.Query(context.Background(), QueryRequest{
		UserID: "user-1", Prompt: "show me all transactions", Page: 1, PageSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, classify.ModeSmartFull, resp.Mode)
	require.NotNil(t, resp.Pagination)
	assert.Equal(t, 2, len(resp.Transactions))
	assert.Equal(t, 2, resp.Pagination.TotalPages)
	assert.Equal(t, 3, resp.Pagination.Total)

	all, err := f.svc.Query(context.Background(), QueryRequest{
		UserID: "user-1", Prompt: "show me all transactions", ShowAll: true,
	})
	require.NoError(t, err)
	assert.Len(t, all.Transactions, 3)
	assert.Equal(t, 1, all.Pagination.TotalPages)
}

func TestUseFullDataForcesScan(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, "user-1")

	resp, err := f.svc.Query(context.Background(), QueryRequest{
		UserID: "user-1", Prompt: "rent payment", UseFullData: true,
	})
	require.NoError(t, err)
	assert.Equal(t, classify.ModeSmartFull, resp.Mode)
	assert.False(t, resp.Degraded)
}

func TestGeneratorFailureSurfacesUpstreamError(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, "user-1")
	f.gen.Fail.Store(true)

	_, err := f.svc.Query(context.Background(), QueryRequest{UserID: "user-1", Prompt: "how much did I spend"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUpstreamUnavailable)
}

func TestDegradedResultNotCached(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, "user-1")
	f.emb.Fail.Store(true)
	req := QueryRequest{UserID: "user-1", Prompt: "rent payment to landlord"}

	first, err := f.svc.Query(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Degraded)

	f.emb.Fail.Store(false)
	second, err := f.svc.Query(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.False(t, second.Degraded)
}

func TestQueryRecordsHistory(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, "user-1")

	resp, err := f.svc.Query(context.Background(), QueryRequest{UserID: "user-1", Prompt: "how much did I spend"})
	require.NoError(t, err)

	got := f.hist.interactions()
	require.Len(t, got, 1)
	assert.Equal(t, resp.QueryID, got[0].QueryID)
	assert.Equal(t, "how much did I spend", got[0].Question)
	assert.Equal(t, string(classify.ModeStatistical), got[0].Mode)
}

func collectEvents(t *testing.T, s *stream.Session) []stream.Event {
	t.Helper()
	var out []stream.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("timed out collecting stream events")
		}
	}
}

func TestQueryStreamOrdering(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, "user-1")

	session, err := f.svc.QueryStream(context.Background(), QueryRequest{
		UserID: "user-1", Prompt: "how much did I spend",
	})
	require.NoError(t, err)
	defer f.svc.Sessions().Release(session.ID)

	events := collectEvents(t, session)
	require.GreaterOrEqual(t, len(events), 4)

	assert.Equal(t, stream.EventMetadata, events[0].Type)
	meta := events[0].Data.(StreamMetadata)
	assert.Equal(t, classify.ModeStatistical, meta.Mode)
	assert.Equal(t, 2, meta.MatchedCount)

	var answer string
	terminals := 0
	for i, ev := range events[1:] {
		switch ev.Type {
		case stream.EventChunk:
			answer += ev.Data.(string)
		case stream.EventMetadataFinal:
			assert.Equal(t, stream.EventDone, events[i+2].Type, "metadata_final must precede the terminal")
		case stream.EventDone, stream.EventError:
			terminals++
		}
	}
	assert.Equal(t, "canned answer", answer)
	assert.Equal(t, 1, terminals)
	assert.Equal(t, stream.EventDone, events[len(events)-1].Type)

	// History is written after the terminal event, so poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(f.hist.interactions()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	got := f.hist.interactions()
	require.Len(t, got, 1)
	assert.Equal(t, "canned answer", got[0].Answer)
}

func TestQueryStreamNoCorpus(t *testing.T) {
	f := newFixture(t)

	session, err := f.svc.QueryStream(context.Background(), QueryRequest{UserID: "ghost", Prompt: "anything"})
	require.NoError(t, err)
	defer f.svc.Sessions().Release(session.ID)

	events := collectEvents(t, session)
	require.Len(t, events, 4)
	assert.Equal(t, stream.EventMetadata, events[0].Type)
	assert.Equal(t, stream.EventChunk, events[1].Type)
	assert.Equal(t, stream.EventMetadataFinal, events[2].Type)
	assert.Equal(t, stream.EventDone, events[3].Type)
}

// stallingGenerator streams one fragment then stalls past any short deadline.
type stallingGenerator struct{}

func (g *stallingGenerator) Generate(ctx context.Context, prompt string, params gateway.GenerateParams) (string, error) {
	return "stalled", nil
}

func (g *stallingGenerator) GenerateStream(ctx context.Context, prompt string, params gateway.GenerateParams) (<-chan gateway.Fragment, error) {
	out := make(chan gateway.Fragment)
	go func() {
		defer close(out)
		select {
		case out <- gateway.Fragment{Text: "partial "}:
		case <-ctx.Done():
			return
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return
		}
		select {
		case out <- gateway.Fragment{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func TestQueryStreamTimeoutEmitsErrorTerminal(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, "user-1")

	svc := New(
		f.store, f.index, engine.New(f.index, 10, 50),
		filter.NewExtractor(decimal.NewFromInt(10000)),
		&stallingGenerator{}, cache.New(time.Minute), stream.NewManager(50*time.Millisecond),
		f.hist, nil, Options{PageSize: 2}, logger.NewWithWriter(io.Discard),
	)
	svc.now = f.svc.now

	session, err := svc.QueryStream(context.Background(), QueryRequest{UserID: "user-1", Prompt: "rent payment"})
	require.NoError(t, err)
	events := collectEvents(t, session)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, stream.EventError, last.Type)
	for _, ev := range events {
		assert.NotEqual(t, stream.EventDone, ev.Type)
		assert.NotEqual(t, stream.EventMetadataFinal, ev.Type)
	}
	// A timed-out stream never reaches history.
	assert.Empty(t, f.hist.interactions())
}

func TestQueryStreamGeneratorFailure(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, "user-1")
	f.gen.Fail.Store(true)

	session, err := f.svc.QueryStream(context.Background(), QueryRequest{UserID: "user-1", Prompt: "how much did I spend"})
	require.NoError(t, err)
	defer f.svc.Sessions().Release(session.ID)

	events := collectEvents(t, session)
	require.NotEmpty(t, events)
	assert.Equal(t, stream.EventError, events[len(events)-1].Type)
	assert.Empty(t, f.hist.interactions())
}

func TestIngestEnqueuesRebuild(t *testing.T) {
	f := newFixture(t)

	queueStore := inmemory.NewStore()
	queue := inmemory.NewQueue(10, 1, queueStore)
	t.Cleanup(func() { queue.Close() })

	// Re-wire the fixture service with a live queue.
	svc := New(
		f.store, f.index, engine.New(f.index, 10, 50),
		filter.NewExtractor(decimal.NewFromInt(10000)),
		f.gen, cache.New(time.Minute), stream.NewManager(5*time.Second),
		f.hist, queue, Options{PageSize: 2}, logger.NewWithWriter(io.Discard),
	)
	err := queue.Start(context.Background(), func(ctx context.Context, job jobs.Job) error {
		rebuild := job.(*jobs.RebuildIndexJob)
		return svc.RebuildIndex(ctx, rebuild.UserID)
	})
	require.NoError(t, err)

	_, _, version, err := svc.Ingest(context.Background(), "user-1", scenarioRecords(), false)
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := f.index.Version("user-1"); ok && v == version {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	v, ok := f.index.Version("user-1")
	require.True(t, ok, "index was never rebuilt")
	assert.Equal(t, version, v)
	assert.Equal(t, 3, f.index.Size("user-1"))
}

type memPublisher struct {
	mu   sync.Mutex
	jobs []*jobs.RebuildIndexJob
}

func (p *memPublisher) PublishRebuildIndex(ctx context.Context, job *jobs.RebuildIndexJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *memPublisher) Close() error { return nil }

func (p *memPublisher) published() []*jobs.RebuildIndexJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*jobs.RebuildIndexJob, len(p.jobs))
	copy(out, p.jobs)
	return out
}

func TestIndexAheadOfSnapshotDegradesAndRequeues(t *testing.T) {
	f := newFixture(t)
	pub := &memPublisher{}

	svc := New(
		f.store, f.index, engine.New(f.index, 10, 50),
		filter.NewExtractor(decimal.NewFromInt(10000)),
		f.gen, cache.New(time.Minute), stream.NewManager(5*time.Second),
		f.hist, pub, Options{PageSize: 2}, logger.NewWithWriter(io.Discard),
	)

	_, _, version, err := svc.Ingest(context.Background(), "user-1", scenarioRecords(), false)
	require.NoError(t, err)
	require.NoError(t, svc.RebuildIndex(context.Background(), "user-1"))

	// Simulate a rebuild that raced ahead of the snapshot this query captures.
	snap, err := f.store.Snapshot(context.Background(), "user-1")
	require.NoError(t, err)
	snap.Version = version + 1
	require.NoError(t, f.index.Rebuild(context.Background(), snap))

	resp, err := svc.Query(context.Background(), QueryRequest{UserID: "user-1", Prompt: "rent payment"})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.False(t, resp.Cached)

	jobsOut := pub.published()
	// One job from Ingest, one re-enqueued by the degraded query.
	require.Len(t, jobsOut, 2)
	assert.Equal(t, "user-1", jobsOut[1].UserID)
	assert.Equal(t, version+1, jobsOut[1].Version)
}

func TestDeleteUserRemovesEverything(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, "user-1")

	require.NoError(t, f.svc.DeleteUser(context.Background(), "user-1"))

	_, err := f.store.Snapshot(context.Background(), "user-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, ok := f.index.Version("user-1")
	assert.False(t, ok)

	stats := f.svc.UserStats()
	assert.Empty(t, stats)
}
