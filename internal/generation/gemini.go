package generation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/containerd/errdefs"
	"google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini calls the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini backend authenticated with apiKey.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) modelFor(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return g.model
}

func configFor(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Search {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

// Generate implements Generator.
func (g *Gemini) Generate(ctx context.Context, req Request) (Result, error) {
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.modelFor(req), contents, configFor(req))
	if err != nil {
		return Result{}, fmt.Errorf("gemini generate content: %w", translateAPIError(err))
	}
	return Result{Text: resp.Text(), Sources: sourcesFrom(resp)}, nil
}

// GenerateStream implements Generator.
func (g *Gemini) GenerateStream(ctx context.Context, req Request) iter.Seq2[domain.Fragment, error] {
	return func(yield func(domain.Fragment, error) bool) {
		contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.modelFor(req), contents, configFor(req)) {
			if err != nil {
				yield(domain.Fragment{}, fmt.Errorf("gemini stream: %w", translateAPIError(err)))
				return
			}
			if !yield(domain.Fragment{Text: resp.Text(), Sources: sourcesFrom(resp)}, nil) {
				return
			}
		}
	}
}

// translateAPIError marks quota rejections as resource exhaustion.
func translateAPIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED") {
		return fmt.Errorf("%w: %w", errdefs.ErrResourceExhausted, err)
	}
	return err
}

// sourcesFrom extracts the web citations of the first candidate.
func sourcesFrom(resp *genai.GenerateContentResponse) []domain.Source {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	meta := resp.Candidates[0].GroundingMetadata
	if meta == nil {
		return nil
	}
	var out []domain.Source
	for _, chunk := range meta.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		out = append(out, domain.Source{Title: chunk.Web.Title, URL: chunk.Web.URI})
	}
	return out
}
