package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/allaspectsdev/c3voit/internal/logging"
)

var ollamaLog = logging.Component("embedding.ollama")

// OllamaProvider calls a local Ollama server's /api/embeddings endpoint.
type OllamaProvider struct {
	endpoint   string
	model      string
	dimensions int
	client     *http.Client
}

// NewOllamaProvider constructs a provider against an Ollama server. Dims
// is the model's known output dimensionality (e.g. 768 for embeddinggemma).
func NewOllamaProvider(endpoint, model string, dims int) *OllamaProvider {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "embeddinggemma"
	}
	if dims <= 0 {
		dims = 768
	}
	return &OllamaProvider{
		endpoint:   endpoint,
		model:      model,
		dimensions: dims,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *OllamaProvider) Dimensions() int { return p.dimensions }
func (p *OllamaProvider) Name() string    { return fmt.Sprintf("ollama:%s", p.model) }

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshalling ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		ollamaLog.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("ollama embed request failed")
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(b))
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding ollama response: %w", err)
	}
	ollamaLog.Debug().Int("dims", len(out.Embedding)).Dur("elapsed", time.Since(start)).Msg("ollama embed complete")
	return Normalize(out.Embedding), nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}
