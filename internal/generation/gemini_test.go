package generation

import (
	"errors"
	"net/http"
	"testing"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/ashureev/antirisk-desk/internal/resilience"
	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestSourcesFrom(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			GroundingMetadata: &genai.GroundingMetadata{
				GroundingChunks: []*genai.GroundingChunk{
					{Web: &genai.GroundingChunkWeb{URI: "https://nscdc.gov.ng", Title: "NSCDC"}},
					{Web: &genai.GroundingChunkWeb{Title: "no uri"}},
					nil,
					{},
					{Web: &genai.GroundingChunkWeb{URI: "https://www.asisonline.org", Title: "ASIS"}},
				},
			},
		}},
	}

	assert.Equal(t, []domain.Source{
		{Title: "NSCDC", URL: "https://nscdc.gov.ng"},
		{Title: "ASIS", URL: "https://www.asisonline.org"},
	}, sourcesFrom(resp))

	assert.Nil(t, sourcesFrom(nil))
	assert.Nil(t, sourcesFrom(&genai.GenerateContentResponse{}))
	assert.Nil(t, sourcesFrom(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}}))
}

func TestConfigFor(t *testing.T) {
	cfg := configFor(Request{System: "be brief", Search: true, JSON: true})
	require.NotNil(t, cfg.SystemInstruction)
	require.Len(t, cfg.Tools, 1)
	assert.NotNil(t, cfg.Tools[0].GoogleSearch)
	assert.Equal(t, "application/json", cfg.ResponseMIMEType)

	plain := configFor(Request{})
	assert.Nil(t, plain.SystemInstruction)
	assert.Empty(t, plain.Tools)
	assert.Empty(t, plain.ResponseMIMEType)
}

func TestTranslateAPIError(t *testing.T) {
	quota := genai.APIError{Code: http.StatusTooManyRequests, Message: "try later", Status: "RESOURCE_EXHAUSTED"}
	err := translateAPIError(quota)
	assert.True(t, errdefs.IsResourceExhausted(err))
	assert.Equal(t, resilience.ClassTransientCapacity, resilience.Classify(err))

	var apiErr genai.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Code)

	denied := genai.APIError{Code: http.StatusForbidden, Message: "bad key", Status: "PERMISSION_DENIED"}
	assert.False(t, errdefs.IsResourceExhausted(translateAPIError(denied)))

	plain := errors.New("connection reset")
	assert.Same(t, plain, translateAPIError(plain))
}

func TestNewGeminiRequiresKey(t *testing.T) {
	_, err := NewGemini(t.Context(), "", "")
	require.Error(t, err)
}
