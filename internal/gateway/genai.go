package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/dvloznov/txnquery/internal/core"
)

// GenAIEmbedder is an Embedder backed by the GenAI embedding models.
type GenAIEmbedder struct {
	client    *genai.Client
	model     string
	batchSize int
	timeout   time.Duration
	backoff   time.Duration
}

// NewGenAIEmbedder creates an embedder using the given client and model.
func NewGenAIEmbedder(client *genai.Client, model string, batchSize int, timeout, backoff time.Duration) *GenAIEmbedder {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &GenAIEmbedder{client: client, model: model, batchSize: batchSize, timeout: timeout, backoff: backoff}
}

// Embed returns one vector per input text, batching requests.
func (e *GenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (e *GenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	var resp *genai.EmbedContentResponse
	err := retryOnce(ctx, e.backoff, func() error {
		callCtx := ctx
		if e.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}
		var callErr error
		resp, callErr = e.client.Models.EmbedContent(callCtx, e.model, contents, nil)
		return callErr
	})
	if err != nil {
		return nil, mapUpstreamErr("gateway.Embed", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, core.NewQueryError("gateway.Embed", "",
			fmt.Errorf("%w: got %d embeddings for %d inputs", core.ErrUpstreamUnavailable, len(resp.Embeddings), len(texts)))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, nil
}

// GenAIGenerator is a Generator backed by the GenAI chat models.
type GenAIGenerator struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	backoff time.Duration
}

// NewGenAIGenerator creates a generator using the given client and model.
func NewGenAIGenerator(client *genai.Client, model string, timeout, backoff time.Duration) *GenAIGenerator {
	return &GenAIGenerator{client: client, model: model, timeout: timeout, backoff: backoff}
}

// Generate returns the complete answer text for a prompt.
func (g *GenAIGenerator) Generate(ctx context.Context, prompt string, params GenerateParams) (string, error) {
	var text string
	err := retryOnce(ctx, g.backoff, func() error {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		resp, callErr := g.client.Models.GenerateContent(callCtx, g.model, genai.Text(prompt), g.config(params))
		if callErr != nil {
			return callErr
		}
		text = resp.Text()
		return nil
	})
	if err != nil {
		return "", mapUpstreamErr("gateway.Generate", err)
	}
	if text == "" {
		return "", core.NewQueryError("gateway.Generate", "",
			fmt.Errorf("%w: empty response from model", core.ErrUpstreamUnavailable))
	}
	return text, nil
}

// GenerateStream returns an ordered fragment stream for a prompt. The channel
// is closed after a Done or error fragment. Cancelling ctx stops the stream.
func (g *GenAIGenerator) GenerateStream(ctx context.Context, prompt string, params GenerateParams) (<-chan Fragment, error) {
	out := make(chan Fragment)

	go func() {
		defer close(out)
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, genai.Text(prompt), g.config(params)) {
			if err != nil {
				emit(ctx, out, Fragment{Err: mapUpstreamErr("gateway.GenerateStream", err)})
				return
			}
			if text := resp.Text(); text != "" {
				if !emit(ctx, out, Fragment{Text: text}) {
					return
				}
			}
		}
		emit(ctx, out, Fragment{Done: true})
	}()

	return out, nil
}

func (g *GenAIGenerator) config(params GenerateParams) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if params.Temperature > 0 {
		cfg.Temperature = genai.Ptr(params.Temperature)
	}
	if params.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = params.MaxOutputTokens
	}
	return cfg
}

func emit(ctx context.Context, out chan<- Fragment, f Fragment) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func mapUpstreamErr(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return core.NewQueryError(op, "", fmt.Errorf("%w: %v", core.ErrTimeout, err))
	case errors.Is(err, context.Canceled):
		return err
	default:
		return core.NewQueryError(op, "", fmt.Errorf("%w: %v", core.ErrUpstreamUnavailable, err))
	}
}
