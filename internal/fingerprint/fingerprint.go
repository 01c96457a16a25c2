// Package fingerprint computes the deterministic Fingerprint of an
// ExtractionRequest: a sha256 content hash over partition_key and
// canonical_text, plus the embedding vector used by C³'s
// approximate-match path.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allaspectsdev/c3voit/internal/clock"
	"github.com/allaspectsdev/c3voit/internal/embedding"
	"github.com/allaspectsdev/c3voit/internal/logging"
	"github.com/allaspectsdev/c3voit/internal/wire"
)

var log = logging.Component("fingerprint")

// Fingerprinter turns an ExtractionRequest into a Fingerprint. It is a pure
// function of its inputs except for the injected EmbeddingProvider, which
// it retries with bounded exponential backoff before giving up.
type Fingerprinter struct {
	Provider embedding.Provider
	Clock    clock.Clock

	// MaxAttempts bounds the embedding retry loop. Defaults to 3.
	MaxAttempts int
	// BaseBackoff is the delay before the first retry; doubles each
	// subsequent attempt. Defaults to 50ms.
	BaseBackoff time.Duration

	// MaxTextLength bounds canonical_text. Zero means unbounded. Requests
	// over this length return InvalidRequest rather than being truncated.
	MaxTextLength int
}

// New constructs a Fingerprinter with sensible defaults for retry behavior.
func New(provider embedding.Provider, clk clock.Clock) *Fingerprinter {
	return &Fingerprinter{
		Provider:    provider,
		Clock:       clk,
		MaxAttempts: 3,
		BaseBackoff: 50 * time.Millisecond,
	}
}

// Compute produces the Fingerprint for req. It never mutates req or any
// shared state ("Fingerprinter never mutates state").
func (f *Fingerprinter) Compute(ctx context.Context, req wire.ExtractionRequest) (wire.Fingerprint, error) {
	if strings.TrimSpace(req.CanonicalText) == "" {
		return wire.Fingerprint{}, &wire.InvalidRequestError{Reason: "canonical_text must not be empty"}
	}
	if f.MaxTextLength > 0 && len(req.CanonicalText) > f.MaxTextLength {
		return wire.Fingerprint{}, &wire.InvalidRequestError{Reason: fmt.Sprintf("canonical_text exceeds maximum length of %d bytes", f.MaxTextLength)}
	}

	partitionKey := DerivePartitionKey(req.ContextTags)

	vec, err := f.embed(ctx, req.CanonicalText)
	if err != nil {
		return wire.Fingerprint{}, err
	}

	return wire.Fingerprint{
		ContentHash:  contentHash(partitionKey, req.CanonicalText),
		Embedding:    vec,
		PartitionKey: partitionKey,
	}, nil
}

// DerivePartitionKey maps an unordered set of context tags to a single
// partition key via a fixed total order: tags are deduplicated, sorted
// lexicographically, and joined with "|". Two requests with the same tag
// set — regardless of the order the caller supplied them in — land in the
// same partition.
func DerivePartitionKey(contextTags []string) string {
	if len(contextTags) == 0 {
		return "default"
	}

	seen := make(map[string]struct{}, len(contextTags))
	unique := make([]string, 0, len(contextTags))
	for _, tag := range contextTags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		unique = append(unique, tag)
	}
	if len(unique) == 0 {
		return "default"
	}

	sort.Strings(unique)
	return strings.Join(unique, "|")
}

// contentHash returns the hex-encoded SHA-256 digest of
// partition_key || 0x00 || canonical_text.
func contentHash(partitionKey, canonicalText string) string {
	h := sha256.New()
	h.Write([]byte(partitionKey))
	h.Write([]byte{0x00})
	h.Write([]byte(canonicalText))
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHashForExactMatch exposes contentHash to callers that must derive
// a Fingerprint's content_hash without an embedding — C3Engine's
// EmbeddingUnavailable degradation path, which still needs to check for
// an exact cache hit before giving up.
func ContentHashForExactMatch(partitionKey, canonicalText string) string {
	return contentHash(partitionKey, canonicalText)
}

// embed calls the embedding provider with bounded exponential backoff,
// returning EmbeddingUnavailable after the final attempt.
func (f *Fingerprinter) embed(ctx context.Context, text string) ([]float32, error) {
	attempts := f.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := f.BaseBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, &wire.EmbeddingUnavailableError{Cause: ctx.Err()}
			case <-f.Clock.After(wait):
			}
		}

		vec, err := f.Provider.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("embedding attempt failed")
	}

	return nil, &wire.EmbeddingUnavailableError{Cause: lastErr}
}
