// Package embedding provides the EmbeddingProvider collaborator used by
// Fingerprinter to turn canonical_text into the fixed-dimension unit-norm
// vector that C³'s VectorIndex searches over. Three backends: a
// deterministic local provider for tests, an Ollama-style HTTP endpoint,
// and Gemini via google.golang.org/genai.
package embedding

import (
	"context"
	"math"
	"time"

	"github.com/allaspectsdev/c3voit/internal/wire"
)

// Provider generates a deterministic embedding vector for a piece of text.
// Fingerprinter treats failures as wire.EmbeddingUnavailableError after
// exhausting its retry budget.
type Provider interface {
	// Embed returns the embedding vector for text. Implementations must be
	// deterministic: identical text yields identical output (an
	// "embedding is a deterministic function of canonical_text only").
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions reports the fixed dimensionality D of vectors this
	// provider returns.
	Dimensions() int

	// Name identifies the provider for logging and telemetry.
	Name() string
}

// CosineSimilarity computes the cosine similarity between two vectors of
// equal length. Returns 0 if either vector has zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, aMag, bMag float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag))
}

// Normalize scales v to unit length in place and returns it. A zero vector
// is returned unchanged.
func Normalize(v []float32) []float32 {
	var mag float64
	for _, x := range v {
		mag += float64(x) * float64(x)
	}
	if mag == 0 {
		return v
	}
	mag = math.Sqrt(mag)
	for i := range v {
		v[i] = float32(float64(v[i]) / mag)
	}
	return v
}

// WithRetry wraps a Provider with bounded exponential backoff, matching
// the retry contract Fingerprinter requires of its embedding collaborator
// (retries with bounded exponential backoff on transient
// failure, and after the final attempt returns EmbeddingUnavailable").
// Fingerprinter itself performs the retry loop; this helper exists so
// other callers of Provider (e.g. offline reindexing tools) get the same
// behavior without duplicating it.
func WithRetry(p Provider, attempts int) Provider {
	if attempts < 1 {
		attempts = 1
	}
	return &retryingProvider{inner: p, attempts: attempts}
}

// retryBaseBackoff is the delay before WithRetry's first retry; it doubles
// on each later attempt.
const retryBaseBackoff = 50 * time.Millisecond

type retryingProvider struct {
	inner    Provider
	attempts int
}

func (r *retryingProvider) Dimensions() int { return r.inner.Dimensions() }
func (r *retryingProvider) Name() string    { return r.inner.Name() + "+retry" }

func (r *retryingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for i := 0; i < r.attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, &wire.EmbeddingUnavailableError{Cause: ctx.Err()}
			case <-time.After(retryBaseBackoff << (i - 1)):
			}
		}
		v, err := r.inner.Embed(ctx, text)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &wire.EmbeddingUnavailableError{Cause: lastErr}
}
