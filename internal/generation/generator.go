// Package generation talks to the hosted text generation service.
//
// Three backends implement Generator: the Gemini API, a gRPC sidecar and an
// offline mock. Retrying wraps any of them with the bounded retry policy.
package generation

import (
	"context"
	"iter"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/ashureev/antirisk-desk/internal/resilience"
)

// Request is one generation call.
type Request struct {
	// Operation labels the call in logs and metrics, e.g. "chat" or "training".
	Operation string
	Prompt    string
	System    string
	// Model overrides the backend's default model when set.
	Model string
	// Search enables web search grounding; cited pages come back as sources.
	Search bool
	// JSON asks for a JSON document instead of prose.
	JSON bool
	// OnRetry is told about every retry Retrying schedules for this call.
	OnRetry func(resilience.Attempt)
}

// Result is a complete generation.
type Result struct {
	Text    string
	Sources []domain.Source
}

// Generator produces text, optionally as a fragment stream.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
	GenerateStream(ctx context.Context, req Request) iter.Seq2[domain.Fragment, error]
}

// Backends.
const (
	ProviderGemini = "gemini"
	ProviderGRPC   = "grpc"
	ProviderMock   = "mock"
)
