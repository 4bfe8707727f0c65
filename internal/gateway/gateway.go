// Package gateway wraps the external embedding and answer-generation
// capabilities behind narrow interfaces with retry and error mapping.
package gateway

import (
	"context"
	"errors"
	"time"
)

// Embedder converts text into fixed-dimension vectors. Deterministic for
// identical input. Failures surface as core.ErrUpstreamUnavailable.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Fragment is one ordered piece of a streamed answer. Done marks the end of
// the stream; Err, if set, terminates it.
type Fragment struct {
	Text string
	Done bool
	Err  error
}

// GenerateParams carries per-request generation knobs.
type GenerateParams struct {
	Temperature     float32
	MaxOutputTokens int32
}

// Generator produces answers for an assembled prompt, either as a complete
// text (blocking) or an ordered fragment stream.
type Generator interface {
	Generate(ctx context.Context, prompt string, params GenerateParams) (string, error)
	GenerateStream(ctx context.Context, prompt string, params GenerateParams) (<-chan Fragment, error)
}

// retryOnce runs fn and, if it fails with a retryable error, waits backoff and
// tries exactly once more. Context cancellation is never retried.
func retryOnce(ctx context.Context, backoff time.Duration, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn()
}
