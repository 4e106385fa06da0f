package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

// geminiBatchLimit is the maximum number of requests in one batchEmbedContents call.
const geminiBatchLimit = 100

// geminiMaxConcurrency bounds parallel batch calls for large uploads.
const geminiMaxConcurrency = 4

// GeminiProvider generates embeddings with the Gemini embedding models.
// Embed is used for questions and EmbedBatch for stored documents, and each
// sets the matching retrieval task type.
type GeminiProvider struct {
	client     *genai.Client
	model      string
	dimensions int

	// embed is the transport; replaced in tests.
	embed func(ctx context.Context, task genai.TaskType, texts []string) ([][]float32, error)
}

// NewGeminiProvider creates a Gemini embedding provider. text-embedding-004
// produces 768-dim vectors.
func NewGeminiProvider(ctx context.Context, apiKey, model string, dims int) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("embedding: google api key is required")
	}
	if model == "" {
		model = "text-embedding-004"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("embedding: create gemini client: %w", err)
	}
	p := &GeminiProvider{client: client, model: model, dimensions: dims}
	p.embed = p.batchEmbed
	return p, nil
}

// Dimensions returns the embedding vector size.
func (p *GeminiProvider) Dimensions() int {
	return p.dimensions
}

// Close releases the underlying client.
func (p *GeminiProvider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// Embed embeds a question.
func (p *GeminiProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vals, err := p.embed(ctx, genai.TaskTypeRetrievalQuery, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	if len(vals) != 1 {
		return pgvector.Vector{}, fmt.Errorf("gemini: got %d embeddings for 1 input", len(vals))
	}
	if err := checkDims(vals[0], p.dimensions); err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vals[0]), nil
}

// EmbedBatch embeds documents, splitting into API-sized chunks that run concurrently.
func (p *GeminiProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vecs := make([]pgvector.Vector, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(geminiMaxConcurrency)

	for start := 0; start < len(texts); start += geminiBatchLimit {
		end := min(start+geminiBatchLimit, len(texts))
		g.Go(func() error {
			vals, err := p.embed(gctx, genai.TaskTypeRetrievalDocument, texts[start:end])
			if err != nil {
				return err
			}
			if len(vals) != end-start {
				return fmt.Errorf("gemini: got %d embeddings for %d inputs", len(vals), end-start)
			}
			for i, v := range vals {
				if err := checkDims(v, p.dimensions); err != nil {
					return fmt.Errorf("gemini: item %d: %w", start+i, err)
				}
				vecs[start+i] = pgvector.NewVector(v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (p *GeminiProvider) batchEmbed(ctx context.Context, task genai.TaskType, texts []string) ([][]float32, error) {
	em := p.client.EmbeddingModel(p.model)
	em.TaskType = task

	b := em.NewBatch()
	for _, t := range texts {
		b.AddContent(genai.Text(t))
	}
	res, err := em.BatchEmbedContents(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("gemini: batch embed: %w", err)
	}

	out := make([][]float32, len(res.Embeddings))
	for i, e := range res.Embeddings {
		if e == nil {
			return nil, fmt.Errorf("gemini: missing embedding %d", i)
		}
		out[i] = e.Values
	}
	return out, nil
}
