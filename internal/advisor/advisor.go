// Package advisor runs chat turns: a user message goes into the session, the
// conversation is sent to the generation service and the streamed reply is
// folded back into the session.
package advisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/ashureev/antirisk-desk/internal/generation"
	"github.com/ashureev/antirisk-desk/internal/resilience"
	"github.com/ashureev/antirisk-desk/internal/session"
	"github.com/ashureev/antirisk-desk/internal/stream"
	"github.com/containerd/errdefs"
)

// HistoryLimit bounds how many earlier messages are sent with a turn.
const HistoryLimit = 20

const advisorInstruction = "You are the executive security advisor of AntiRisk Management, an industrial guarding company. " +
	"Answer general questions directly. For security, manpower, logistics and compliance questions give " +
	"risk-aware, actionable guidance and prefer the internal knowledge base when it applies."

// Observer receives progress of a turn. Both callbacks are optional.
type Observer struct {
	OnUpdate func(stream.Update)
	OnRetry  func(resilience.Attempt)
}

// Advisor wires the session store to the generation service.
type Advisor struct {
	sessions  *session.Store
	gen       generation.Generator
	agg       *stream.Aggregator
	knowledge *Knowledge
	logger    *slog.Logger
}

// New creates an Advisor. gen should already retry transient failures.
func New(sessions *session.Store, gen generation.Generator, agg *stream.Aggregator, knowledge *Knowledge, logger *slog.Logger) *Advisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{sessions: sessions, gen: gen, agg: agg, knowledge: knowledge, logger: logger}
}

// Send appends text to the session as a user message and streams the reply
// into it. On failure the partial reply is removed and the error returned;
// the user message stays. A session that does not exist matches
// errdefs.ErrNotFound.
func (a *Advisor) Send(ctx context.Context, sessionID, text string, obs Observer) (domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, fmt.Errorf("message is empty: %w", errdefs.ErrInvalidArgument)
	}
	before, ok := a.sessions.Get(sessionID)
	if !ok {
		return domain.Message{}, fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	if a.gen == nil {
		return domain.Message{}, fmt.Errorf("advisor: %w", errdefs.ErrUnavailable)
	}

	if _, err := a.sessions.SendUserMessage(ctx, sessionID, text); err != nil {
		return domain.Message{}, err
	}

	var docs []domain.KnowledgeDocument
	if a.knowledge != nil {
		var err error
		docs, err = a.knowledge.List(ctx)
		if err != nil {
			a.logger.Warn("knowledge base unavailable, continuing without it", "error", err)
		}
	}

	a.logger.Info("advisor turn", "session_id", sessionID, "message_length", len(text), "history", len(before.Messages))
	fragments := a.gen.GenerateStream(ctx, generation.Request{
		Operation: "chat",
		System:    advisorInstruction,
		Prompt:    buildPrompt(before.Messages, docs, text),
		OnRetry:   obs.OnRetry,
	})
	return a.agg.Run(ctx, sessionID, fragments, obs.OnUpdate)
}

// buildPrompt renders the knowledge base, the recent history and the new
// message as one prompt.
func buildPrompt(history []domain.Message, docs []domain.KnowledgeDocument, text string) string {
	var b strings.Builder
	if len(docs) > 0 {
		b.WriteString("INTERNAL KNOWLEDGE BASE:\n")
		for _, d := range docs {
			fmt.Fprintf(&b, "--- %s ---\n%s\n\n", d.Title, d.Content)
		}
	}

	if len(history) > HistoryLimit {
		history = history[len(history)-HistoryLimit:]
	}
	if len(history) > 0 {
		b.WriteString("PREVIOUS HISTORY:\n")
		for _, m := range history {
			if m.Streaming || m.Text == "" {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(string(m.Role)), m.Text)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "USER: %s", text)
	return b.String()
}
