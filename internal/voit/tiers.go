package voit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/allaspectsdev/c3voit/internal/logging"
	"github.com/allaspectsdev/c3voit/internal/tokenizer"
	"github.com/allaspectsdev/c3voit/internal/vault"
	"github.com/allaspectsdev/c3voit/internal/wire"
)

var tierLog = logging.Component("voit.tiers")

// base holds the bits every concrete Tier needs for cost estimation:
// a pricing model identifier (for tokenizer.EstimateCost) and the prior
// quality used before any partition has observed outcomes for it.
type base struct {
	name         wire.ModelTierName
	pricingModel string
	priorQuality float64
	tok          *tokenizer.Tokenizer
}

func (b *base) Name() wire.ModelTierName { return b.name }

func (b *base) ExpectedQuality(string) float64 { return b.priorQuality }

func (b *base) ExpectedCost(req wire.ExtractionRequest) float64 {
	tokensIn := b.tok.CountTokens(b.pricingModel, extractionPrompt(req))
	tokensOut := estimatedOutputTokens(req.RequiredFields)
	return tokenizer.EstimateCost(b.pricingModel, tokensIn, tokensOut)
}

// estimatedOutputTokens approximates the JSON an extraction response costs:
// a handful of tokens per field value plus the surrounding braces/keys.
func estimatedOutputTokens(fields []string) int {
	return len(fields)*8 + 16
}

func extractionPrompt(req wire.ExtractionRequest) string {
	var b strings.Builder
	b.WriteString("Extract the following fields as a flat JSON object. ")
	b.WriteString("Respond with JSON only, no prose. Fields: ")
	b.WriteString(strings.Join(req.RequiredFields, ", "))
	b.WriteString("\n\n---\n")
	b.WriteString(req.CanonicalText)
	return b.String()
}

// parseExtractionJSON decodes a model's raw JSON output into an
// ExtractionResult, assigning every present field the given confidence and
// leaving required-but-absent fields out of Fields entirely (the validator
// treats a missing field as zero confidence, not an error).
func parseExtractionJSON(raw string, fields []string, confidence float64, tierName wire.ModelTierName, validatorVersion int) (wire.ExtractionResult, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return wire.ExtractionResult{}, fmt.Errorf("decoding extraction output: %w", err)
	}

	out := wire.ExtractionResult{
		Fields:           make(map[string]wire.FieldValue, len(fields)),
		SourceModelTier:  tierName,
		ValidatorVersion: validatorVersion,
	}
	var sum float64
	var n int
	for _, f := range fields {
		v, ok := decoded[f]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		out.Fields[f] = wire.FieldValue{Value: v, Confidence: confidence}
		sum += confidence
		n++
	}
	if n > 0 {
		out.OverallConf = sum / float64(n)
	}
	return out, nil
}

// HTTPTier calls an Ollama-style local model server's generate endpoint,
// adapted from embedding.OllamaProvider's request/response handling.
type HTTPTier struct {
	base
	endpoint string
	model    string
	client   *http.Client
	vault    *vault.Vault
	keyRef   string
	confidence float64
}

// NewHTTPTier builds a Tier against a local HTTP model server. keyRef is
// optional; when non-empty it is resolved through Vault and sent as a
// bearer token (for gateway deployments that sit in front of Ollama).
func NewHTTPTier(name wire.ModelTierName, endpoint, model, pricingModel string, priorQuality, confidence float64, keyRef string, v *vault.Vault, tok *tokenizer.Tokenizer) *HTTPTier {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &HTTPTier{
		base: base{name: name, pricingModel: pricingModel, priorQuality: priorQuality, tok: tok},
		endpoint:   endpoint,
		model:      model,
		client:     &http.Client{Timeout: 60 * time.Second},
		vault:      v,
		keyRef:     keyRef,
		confidence: confidence,
	}
}

type httpGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format"`
	Stream bool   `json:"stream"`
}

type httpGenerateResponse struct {
	Response string `json:"response"`
}

func (t *HTTPTier) Extract(ctx context.Context, req wire.ExtractionRequest) (wire.ExtractionResult, float64, time.Duration, error) {
	start := time.Now()

	body, err := json.Marshal(httpGenerateRequest{Model: t.model, Prompt: extractionPrompt(req), Format: "json", Stream: false})
	if err != nil {
		return wire.ExtractionResult{}, 0, 0, &wire.ModelFailureError{Tier: t.name, Retryable: false, Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return wire.ExtractionResult{}, 0, 0, &wire.ModelFailureError{Tier: t.name, Retryable: false, Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.keyRef != "" && t.vault != nil {
		if key, err := t.vault.ResolveKeyRef(t.keyRef); err == nil && key != "" {
			httpReq.Header.Set("Authorization", "Bearer "+key)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		tierLog.Warn().Err(err).Str("tier", string(t.name)).Msg("http tier request failed")
		return wire.ExtractionResult{}, 0, time.Since(start), &wire.ModelFailureError{Tier: t.name, Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(resp.Body)
		return wire.ExtractionResult{}, 0, time.Since(start), &wire.ModelFailureError{Tier: t.name, Retryable: true, Cause: fmt.Errorf("status %d: %s", resp.StatusCode, b)}
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return wire.ExtractionResult{}, 0, time.Since(start), &wire.ModelFailureError{Tier: t.name, Retryable: false, Cause: fmt.Errorf("status %d: %s", resp.StatusCode, b)}
	}

	var out httpGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return wire.ExtractionResult{}, 0, time.Since(start), &wire.ModelFailureError{Tier: t.name, Retryable: false, Cause: err}
	}

	result, err := parseExtractionJSON(out.Response, req.RequiredFields, t.confidence, t.name, req.ValidatorVersion)
	if err != nil {
		return wire.ExtractionResult{}, 0, time.Since(start), &wire.ModelFailureError{Tier: t.name, Retryable: false, Cause: err}
	}

	tokensIn := t.tok.CountTokens(t.pricingModel, extractionPrompt(req))
	tokensOut := t.tok.CountTokens(t.pricingModel, out.Response)
	cost := tokenizer.EstimateCost(t.pricingModel, tokensIn, tokensOut)

	return result, cost, time.Since(start), nil
}

// GenAITier calls Google's Gemini generateContent API for cloud-tier
// extraction, adapted from embedding.GenAIProvider's client setup.
type GenAITier struct {
	base
	client     *genai.Client
	model      string
	confidence float64
}

// NewGenAITier resolves apiKeyRef through v and constructs a Gemini-backed
// Tier. ctx is used only for client construction, matching
// embedding.NewGenAIProvider's signature.
func NewGenAITier(ctx context.Context, name wire.ModelTierName, model, pricingModel string, priorQuality, confidence float64, apiKeyRef string, v *vault.Vault, tok *tokenizer.Tokenizer) (*GenAITier, error) {
	key, err := v.ResolveKeyRef(apiKeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolving genai tier api key: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: key})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &GenAITier{
		base:       base{name: name, pricingModel: pricingModel, priorQuality: priorQuality, tok: tok},
		client:     client,
		model:      model,
		confidence: confidence,
	}, nil
}

func (t *GenAITier) Extract(ctx context.Context, req wire.ExtractionRequest) (wire.ExtractionResult, float64, time.Duration, error) {
	start := time.Now()

	contents := []*genai.Content{genai.NewContentFromText(extractionPrompt(req), genai.RoleUser)}
	resp, err := t.client.Models.GenerateContent(ctx, t.model, contents, nil)
	if err != nil {
		tierLog.Warn().Err(err).Str("tier", string(t.name)).Msg("genai tier request failed")
		return wire.ExtractionResult{}, 0, time.Since(start), &wire.ModelFailureError{Tier: t.name, Retryable: true, Cause: err}
	}

	text := resp.Text()
	if text == "" {
		return wire.ExtractionResult{}, 0, time.Since(start), &wire.ModelFailureError{Tier: t.name, Retryable: false, Cause: fmt.Errorf("genai: empty response")}
	}

	result, err := parseExtractionJSON(text, req.RequiredFields, t.confidence, t.name, req.ValidatorVersion)
	if err != nil {
		return wire.ExtractionResult{}, 0, time.Since(start), &wire.ModelFailureError{Tier: t.name, Retryable: false, Cause: err}
	}

	tokensIn := t.tok.CountTokens(t.pricingModel, extractionPrompt(req))
	tokensOut := t.tok.CountTokens(t.pricingModel, text)
	cost := tokenizer.EstimateCost(t.pricingModel, tokensIn, tokensOut)

	return result, cost, time.Since(start), nil
}

// FixtureTier produces deterministic extractions with no network access,
// for tests and offline demos. Its outputs are derived from the request's
// required fields and canonical text length, mirroring the determinism
// embedding.LocalProvider gives the embedding side of the system.
type FixtureTier struct {
	base
	confidence float64
}

// NewFixtureTier builds a no-network Tier. priorQuality/confidence are
// supplied by the caller so a FixtureTier can stand in for any rung of the
// ladder in tests (e.g. a "nano" fixture with low confidence, a "full"
// fixture with high confidence).
func NewFixtureTier(name wire.ModelTierName, pricingModel string, priorQuality, confidence float64, tok *tokenizer.Tokenizer) *FixtureTier {
	return &FixtureTier{base: base{name: name, pricingModel: pricingModel, priorQuality: priorQuality, tok: tok}, confidence: confidence}
}

func (t *FixtureTier) Extract(_ context.Context, req wire.ExtractionRequest) (wire.ExtractionResult, float64, time.Duration, error) {
	fields := make(map[string]wire.FieldValue, len(req.RequiredFields))
	var sum float64
	for i, f := range req.RequiredFields {
		fields[f] = wire.FieldValue{
			Value:      fmt.Sprintf("%s-%d", f, (len(req.CanonicalText)+i)%97),
			Confidence: t.confidence,
		}
		sum += t.confidence
	}
	overall := 0.0
	if len(fields) > 0 {
		overall = sum / float64(len(fields))
	}

	result := wire.ExtractionResult{
		Fields:           fields,
		OverallConf:      overall,
		SourceModelTier:  t.name,
		ValidatorVersion: req.ValidatorVersion,
	}
	tokensIn := t.tok.CountTokens(t.pricingModel, extractionPrompt(req))
	tokensOut := estimatedOutputTokens(req.RequiredFields)
	cost := tokenizer.EstimateCost(t.pricingModel, tokensIn, tokensOut)
	return result, cost, time.Millisecond, nil
}

// FieldwiseEnsembler combines results by taking, per field, the value with
// the higher confidence — ties favor the first result (the cheaper tier
// that ran first in the escalation chain).
type FieldwiseEnsembler struct{}

func (FieldwiseEnsembler) Combine(results []wire.ExtractionResult) wire.ExtractionResult {
	out := wire.ExtractionResult{
		Fields:          make(map[string]wire.FieldValue),
		SourceModelTier: wire.TierEnsemble,
	}
	if len(results) == 0 {
		return out
	}
	out.ValidatorVersion = results[0].ValidatorVersion

	for _, r := range results {
		for field, fv := range r.Fields {
			existing, ok := out.Fields[field]
			if !ok || fv.Confidence > existing.Confidence {
				out.Fields[field] = fv
			}
		}
	}

	var sum float64
	for _, fv := range out.Fields {
		sum += fv.Confidence
	}
	if len(out.Fields) > 0 {
		out.OverallConf = sum / float64(len(out.Fields))
	}
	return out
}
