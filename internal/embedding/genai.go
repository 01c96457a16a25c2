package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/allaspectsdev/c3voit/internal/logging"
)

var genaiLog = logging.Component("embedding.genai")

func int32Ptr(i int32) *int32 { return &i }

// GenAIProvider calls Google's Gemini embedding API. Used when a
// deployment opts into cloud embeddings rather than a local Ollama model.
type GenAIProvider struct {
	client     *genai.Client
	model      string
	dimensions int32
}

// NewGenAIProvider constructs a GenAI-backed embedding provider. apiKey is
// resolved by the caller (see internal/vault) before being passed in here;
// this package never reads secrets from the environment directly.
func NewGenAIProvider(ctx context.Context, apiKey, model string, dims int32) (*GenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai: api key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if dims <= 0 {
		dims = 3072
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &GenAIProvider{client: client, model: model, dimensions: dims}, nil
}

func (p *GenAIProvider) Dimensions() int { return int(p.dimensions) }
func (p *GenAIProvider) Name() string    { return fmt.Sprintf("genai:%s", p.model) }

func (p *GenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	result, err := p.client.Models.EmbedContent(ctx, p.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: int32Ptr(p.dimensions),
	})
	if err != nil {
		genaiLog.Error().Err(err).Msg("genai embed failed")
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("genai: no embeddings returned")
	}

	return Normalize(result.Embeddings[0].Values), nil
}
