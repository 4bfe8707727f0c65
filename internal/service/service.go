// Package service orchestrates the query pipeline: snapshot capture, filter
// extraction, mode classification, retrieval, prompt assembly, answer
// generation, caching, and history recording.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/txnquery/internal/aggregate"
	"github.com/dvloznov/txnquery/internal/cache"
	"github.com/dvloznov/txnquery/internal/classify"
	"github.com/dvloznov/txnquery/internal/core"
	"github.com/dvloznov/txnquery/internal/corpus"
	"github.com/dvloznov/txnquery/internal/engine"
	"github.com/dvloznov/txnquery/internal/filter"
	"github.com/dvloznov/txnquery/internal/gateway"
	"github.com/dvloznov/txnquery/internal/history"
	"github.com/dvloznov/txnquery/internal/jobs"
	"github.com/dvloznov/txnquery/internal/logger"
	"github.com/dvloznov/txnquery/internal/prompt"
	"github.com/dvloznov/txnquery/internal/stream"
	"github.com/dvloznov/txnquery/internal/vectorindex"
)

const noDataAnswer = "No transactions found for this user. Ingest some transactions first."

// HistoryRecorder persists chat interactions. Recording is best-effort.
type HistoryRecorder interface {
	Record(ctx context.Context, in history.Interaction) error
}

// QueryRequest is one natural-language query against a user's corpus.
type QueryRequest struct {
	UserID   string `json:"user_id"`
	Prompt   string `json:"prompt"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`

	// ShowAll returns the full matching set instead of one page.
	ShowAll bool `json:"show_all"`

	// UseFullData forces a full filtered scan regardless of classification.
	UseFullData bool `json:"use_full_data"`
}

// Pagination describes the window of transactions in a response.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
	Total      int `json:"total"`
}

// QueryResponse is the blocking answer to a query.
type QueryResponse struct {
	QueryID        string               `json:"query_id"`
	Answer         string               `json:"answer"`
	Mode           classify.Mode        `json:"mode"`
	MatchedCount   int                  `json:"matching_transactions_count"`
	FiltersApplied []string             `json:"filters_applied"`
	Transactions   []corpus.Transaction `json:"transactions,omitempty"`
	Pagination     *Pagination          `json:"pagination,omitempty"`
	Statistics     *Statistics          `json:"statistics,omitempty"`
	CorpusVersion  uint64               `json:"corpus_version"`
	Degraded       bool                 `json:"degraded,omitempty"`
	Cached         bool                 `json:"cached,omitempty"`
}

// Statistics carries the aggregates computed for a query.
type Statistics struct {
	aggregate.Summary
	Breakdowns *aggregate.Breakdowns `json:"breakdowns,omitempty"`
}

// StreamMetadata opens a streamed response.
type StreamMetadata struct {
	QueryID        string        `json:"query_id"`
	Mode           classify.Mode `json:"mode"`
	MatchedCount   int           `json:"matching_transactions_count"`
	FiltersApplied []string      `json:"filters_applied"`
	CorpusVersion  uint64        `json:"corpus_version"`
	Degraded       bool          `json:"degraded,omitempty"`
}

// StreamFinal closes the data portion of a streamed response.
type StreamFinal struct {
	QueryID      string `json:"query_id"`
	Chunks       int    `json:"chunks"`
	MatchedCount int    `json:"matching_transactions_count"`
	Truncated    bool   `json:"truncated,omitempty"`
}

// Options tunes the service.
type Options struct {
	PageSize        int
	Temperature     float32
	MaxOutputTokens int32
}

// QueryService ties the pipeline stages together.
type QueryService struct {
	store     *corpus.Store
	index     *vectorindex.Index
	engine    *engine.Engine
	extractor *filter.Extractor
	generator gateway.Generator
	cache     *cache.Cache
	streams   *stream.Manager
	hist      HistoryRecorder
	publisher jobs.Publisher
	opts      Options
	log       zerolog.Logger

	// now is the reference clock for relative date resolution.
	now func() time.Time
}

// New wires a QueryService. hist and publisher may be nil.
func New(
	store *corpus.Store,
	index *vectorindex.Index,
	eng *engine.Engine,
	extractor *filter.Extractor,
	generator gateway.Generator,
	respCache *cache.Cache,
	streams *stream.Manager,
	hist HistoryRecorder,
	publisher jobs.Publisher,
	opts Options,
	log zerolog.Logger,
) *QueryService {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	return &QueryService{
		store:     store,
		index:     index,
		engine:    eng,
		extractor: extractor,
		generator: generator,
		cache:     respCache,
		streams:   streams,
		hist:      hist,
		publisher: publisher,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// Ingest loads records into a user's corpus and schedules an index rebuild.
// With replace set the records supplant the existing corpus instead of
// appending, for upstream account re-syncs.
func (s *QueryService) Ingest(ctx context.Context, userID string, records []corpus.Record, replace bool) (accepted, rejected int, version uint64, err error) {
	if replace {
		accepted, rejected, version, err = s.store.Replace(ctx, userID, records)
	} else {
		accepted, rejected, version, err = s.store.Ingest(ctx, userID, records)
	}
	if err != nil {
		return 0, 0, 0, err
	}

	if s.publisher != nil {
		job := &jobs.RebuildIndexJob{UserID: userID, Version: version}
		if perr := s.publisher.PublishRebuildIndex(ctx, job); perr != nil {
			s.log.Error().Err(perr).Str("user_id", userID).Uint64("version", version).
				Msg("failed to enqueue index rebuild")
		}
	}

	s.log.Info().Str("user_id", userID).Int("accepted", accepted).
		Int("rejected", rejected).Uint64("version", version).
		Bool("replace", replace).Msg("corpus ingested")
	return accepted, rejected, version, nil
}

// RebuildIndex rebuilds a user's vector index from the current snapshot.
// It is the handler the jobs queue runs.
func (s *QueryService) RebuildIndex(ctx context.Context, userID string) error {
	snap, err := s.store.Snapshot(ctx, userID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			// Corpus evicted or deleted since the job was queued.
			s.index.Remove(userID)
			return nil
		}
		return err
	}
	return s.index.Rebuild(ctx, snap)
}

// DeleteUser removes a user's corpus, index, and history.
func (s *QueryService) DeleteUser(ctx context.Context, userID string) error {
	s.store.Remove(userID)
	s.index.Remove(userID)
	if h, ok := s.hist.(interface {
		DeleteUser(ctx context.Context, userID string) error
	}); ok && h != nil {
		if err := h.DeleteUser(ctx, userID); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("failed to delete chat history")
		}
	}
	s.log.Info().Str("user_id", userID).Msg("user data removed")
	return nil
}

// UserStats reports per-user corpus statistics.
func (s *QueryService) UserStats() []corpus.UserStats {
	return s.store.Stats()
}

// Query answers a request in one blocking call.
func (s *QueryService) Query(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	if err := validate(req); err != nil {
		return QueryResponse{}, err
	}
	log := logger.WithUser(s.log, req.UserID)

	snap, err := s.store.Snapshot(ctx, req.UserID)
	if errors.Is(err, core.ErrNotFound) {
		return emptyResponse(), nil
	}
	if err != nil {
		return QueryResponse{}, err
	}

	pred := s.extractor.Extract(req.Prompt, s.now())
	mode := classify.Classify(req.Prompt, pred)
	if req.UseFullData {
		mode = classify.ModeSmartFull
	}
	page, pageSize := normalizePage(req, s.opts.PageSize)

	key := cache.Fingerprint(req.UserID, req.Prompt, snap.Version,
		string(mode), strconv.Itoa(page), strconv.Itoa(pageSize), strconv.FormatBool(req.ShowAll))
	if v, ok := s.cache.Get(key); ok {
		resp := v.(QueryResponse)
		resp.Cached = true
		log.Debug().Str("query_id", resp.QueryID).Msg("cache hit")
		return resp, nil
	}

	res, err := s.engine.Retrieve(ctx, snap, req.Prompt, pred, mode)
	if err != nil {
		return QueryResponse{}, err
	}
	s.requeueRebuild(ctx, req.UserID, res)

	answer, err := s.generator.Generate(ctx, s.buildPrompt(req.Prompt, res), s.genParams())
	if err != nil {
		return QueryResponse{}, core.NewQueryError("service.query", req.UserID, err)
	}

	resp := s.buildResponse(req, res, snap.Version, answer, page, pageSize)

	if !res.Degraded {
		s.cache.Put(key, resp)
	}
	s.record(ctx, req, resp)

	log.Info().Str("query_id", resp.QueryID).Str("mode", string(resp.Mode)).
		Int("matched", resp.MatchedCount).Bool("degraded", resp.Degraded).Msg("query answered")
	return resp, nil
}

// QueryStream answers a request as a streaming session. Events arrive in
// order: metadata, chunk*, metadata_final, then done or error.
func (s *QueryService) QueryStream(ctx context.Context, req QueryRequest) (*stream.Session, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	session := s.streams.Open(ctx)
	go s.produce(session, req)
	return session, nil
}

// Sessions exposes the stream manager for cancellation endpoints.
func (s *QueryService) Sessions() *stream.Manager {
	return s.streams
}

func (s *QueryService) produce(session *stream.Session, req QueryRequest) {
	ctx := session.Context()
	queryID := uuid.NewString()
	log := logger.WithUser(s.log, req.UserID).With().Str("query_id", queryID).Logger()

	snap, err := s.store.Snapshot(ctx, req.UserID)
	if errors.Is(err, core.ErrNotFound) {
		session.Send(stream.Event{Type: stream.EventMetadata, Data: StreamMetadata{QueryID: queryID}})
		session.Send(stream.Event{Type: stream.EventChunk, Data: noDataAnswer})
		session.Send(stream.Event{Type: stream.EventMetadataFinal, Data: StreamFinal{QueryID: queryID, Chunks: 1}})
		session.Finish(nil)
		return
	}
	if err != nil {
		session.Finish(err)
		return
	}

	pred := s.extractor.Extract(req.Prompt, s.now())
	mode := classify.Classify(req.Prompt, pred)
	if req.UseFullData {
		mode = classify.ModeSmartFull
	}

	res, err := s.engine.Retrieve(ctx, snap, req.Prompt, pred, mode)
	if err != nil {
		session.Finish(err)
		return
	}
	s.requeueRebuild(ctx, req.UserID, res)

	if !session.Send(stream.Event{Type: stream.EventMetadata, Data: StreamMetadata{
		QueryID:        queryID,
		Mode:           res.Mode,
		MatchedCount:   res.MatchedCount,
		FiltersApplied: filter.Describe(res.Predicate),
		CorpusVersion:  snap.Version,
		Degraded:       res.Degraded,
	}}) {
		session.Finish(ctx.Err())
		return
	}

	fragments, err := s.generator.GenerateStream(ctx, s.buildPrompt(req.Prompt, res), s.genParams())
	if err != nil {
		session.Finish(core.NewQueryError("service.query_stream", req.UserID, err))
		return
	}

	var answer []byte
	chunks := 0
	completed := false
	for frag := range fragments {
		if frag.Err != nil {
			session.Finish(core.NewQueryError("service.query_stream", req.UserID, frag.Err))
			return
		}
		if frag.Done {
			completed = true
			break
		}
		answer = append(answer, frag.Text...)
		chunks++
		if !session.Send(stream.Event{Type: stream.EventChunk, Data: frag.Text}) {
			log.Debug().Msg("stream cancelled by client")
			session.Finish(ctx.Err())
			return
		}
	}
	if !completed {
		// The generator stopped without a Done marker: the session context
		// expired or was cancelled mid-stream.
		err := ctx.Err()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = fmt.Errorf("%w: generation deadline exceeded", core.ErrTimeout)
		case err == nil:
			err = fmt.Errorf("%w: generation stream ended early", core.ErrUpstreamUnavailable)
		}
		session.Finish(core.NewQueryError("service.query_stream", req.UserID, err))
		return
	}

	session.Send(stream.Event{Type: stream.EventMetadataFinal, Data: StreamFinal{
		QueryID:      queryID,
		Chunks:       chunks,
		MatchedCount: res.MatchedCount,
		Truncated:    res.Truncated,
	}})

	// Finish cancels the session context, so capture cancellation first.
	// A cancelled session must not reach history.
	cancelled := ctx.Err() != nil
	session.Finish(nil)
	if cancelled {
		return
	}
	resp := s.buildResponse(req, res, snap.Version, string(answer), 1, s.opts.PageSize)
	resp.QueryID = queryID
	s.record(context.Background(), req, resp)
	log.Info().Str("mode", string(res.Mode)).Int("chunks", chunks).Msg("stream completed")
}

// requeueRebuild schedules a fresh index rebuild when retrieval found the
// index out of sync with the corpus.
func (s *QueryService) requeueRebuild(ctx context.Context, userID string, res engine.Result) {
	if !res.RebuildNeeded || s.publisher == nil {
		return
	}
	job := &jobs.RebuildIndexJob{UserID: userID, Version: res.IndexVersion}
	if err := s.publisher.PublishRebuildIndex(ctx, job); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Uint64("index_version", res.IndexVersion).
			Msg("failed to re-enqueue index rebuild")
	}
}

func (s *QueryService) buildPrompt(question string, res engine.Result) string {
	return prompt.Build(prompt.Input{
		Question:     question,
		Mode:         res.Mode,
		Filters:      filter.Describe(res.Predicate),
		Summary:      res.Summary,
		Breakdowns:   res.Breakdowns,
		Transactions: res.Context,
		Scores:       res.Scores,
		MatchedCount: res.MatchedCount,
		Truncated:    res.Truncated,
		Degraded:     res.Degraded,
	})
}

func (s *QueryService) buildResponse(req QueryRequest, res engine.Result, version uint64, answer string, page, pageSize int) QueryResponse {
	resp := QueryResponse{
		QueryID:        uuid.NewString(),
		Answer:         answer,
		Mode:           res.Mode,
		MatchedCount:   res.MatchedCount,
		FiltersApplied: filter.Describe(res.Predicate),
		CorpusVersion:  version,
		Degraded:       res.Degraded,
	}
	if res.MatchedCount > 0 {
		resp.Statistics = &Statistics{Summary: res.Summary, Breakdowns: res.Breakdowns}
	}
	if res.Mode == classify.ModeStatistical {
		return resp
	}

	if req.ShowAll {
		resp.Transactions = res.Matched
		resp.Pagination = &Pagination{Page: 1, PageSize: len(res.Matched), TotalPages: 1, Total: len(res.Matched)}
		return resp
	}
	resp.Transactions, resp.Pagination = paginate(res.Matched, page, pageSize)
	return resp
}

func (s *QueryService) genParams() gateway.GenerateParams {
	return gateway.GenerateParams{
		Temperature:     s.opts.Temperature,
		MaxOutputTokens: s.opts.MaxOutputTokens,
	}
}

func (s *QueryService) record(ctx context.Context, req QueryRequest, resp QueryResponse) {
	if s.hist == nil {
		return
	}
	err := s.hist.Record(ctx, history.Interaction{
		QueryID:      resp.QueryID,
		UserID:       req.UserID,
		Question:     req.Prompt,
		Answer:       resp.Answer,
		Mode:         string(resp.Mode),
		MatchedCount: resp.MatchedCount,
		Degraded:     resp.Degraded,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", req.UserID).Msg("failed to record chat history")
	}
}

func validate(req QueryRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user_id is required", core.ErrValidation)
	}
	if req.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", core.ErrValidation)
	}
	return nil
}

func emptyResponse() QueryResponse {
	return QueryResponse{
		QueryID:        uuid.NewString(),
		Answer:         noDataAnswer,
		Mode:           classify.ModeSmartFull,
		FiltersApplied: []string{},
	}
}

func normalizePage(req QueryRequest, defaultSize int) (page, pageSize int) {
	page = req.Page
	if page <= 0 {
		page = 1
	}
	pageSize = req.PageSize
	if pageSize <= 0 {
		pageSize = defaultSize
	}
	return page, pageSize
}

func paginate(txs []corpus.Transaction, page, pageSize int) ([]corpus.Transaction, *Pagination) {
	total := len(txs)
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	p := &Pagination{Page: page, PageSize: pageSize, TotalPages: totalPages, Total: total}

	start := (page - 1) * pageSize
	if start >= total {
		return []corpus.Transaction{}, p
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return txs[start:end], p
}
