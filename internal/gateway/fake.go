package gateway

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"

	"github.com/dvloznov/txnquery/internal/core"
)

// HashEmbedder is a deterministic in-process Embedder used in tests and local
// development. Token hashes are folded into a fixed-dimension vector, so
// texts sharing words land near each other under cosine similarity.
type HashEmbedder struct {
	Dim   int
	Fail  atomic.Bool // when set, Embed reports upstream failure
	Calls atomic.Int64
}

// NewHashEmbedder creates a hash embedder with the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &HashEmbedder{Dim: dim}
}

// Embed maps each text to a deterministic unit vector.
func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.Calls.Add(1)
	if e.Fail.Load() {
		return nil, core.NewQueryError("gateway.Embed", "",
			fmt.Errorf("%w: embedder offline", core.ErrUpstreamUnavailable))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = e.embedOne(text)
	}
	return vectors, nil
}

func (e *HashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.Dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.Dim))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// StaticGenerator is a Generator returning canned answers, used in tests.
type StaticGenerator struct {
	Answer    string
	Fragments []string
	Fail      atomic.Bool
	Calls     atomic.Int64
}

// Generate returns the canned answer.
func (g *StaticGenerator) Generate(ctx context.Context, prompt string, params GenerateParams) (string, error) {
	g.Calls.Add(1)
	if g.Fail.Load() {
		return "", core.NewQueryError("gateway.Generate", "",
			fmt.Errorf("%w: generator offline", core.ErrUpstreamUnavailable))
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return g.Answer, nil
}

// GenerateStream streams the canned fragments then a Done marker.
func (g *StaticGenerator) GenerateStream(ctx context.Context, prompt string, params GenerateParams) (<-chan Fragment, error) {
	g.Calls.Add(1)
	if g.Fail.Load() {
		return nil, core.NewQueryError("gateway.GenerateStream", "",
			fmt.Errorf("%w: generator offline", core.ErrUpstreamUnavailable))
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		fragments := g.Fragments
		if len(fragments) == 0 && g.Answer != "" {
			fragments = []string{g.Answer}
		}
		for _, f := range fragments {
			if !emit(ctx, out, Fragment{Text: f}) {
				return
			}
		}
		emit(ctx, out, Fragment{Done: true})
	}()
	return out, nil
}
