// Package stream folds fragment streams from the generation service into
// session messages.
package stream

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/ashureev/antirisk-desk/internal/metrics"
)

// Target is the message store a reply is streamed into.
type Target interface {
	BeginAssistantReply(ctx context.Context, sessionID string) (string, error)
	AppendToMessage(sessionID, messageID, delta string) (domain.Message, bool)
	FinalizeMessage(ctx context.Context, sessionID, messageID string, sources []domain.Source) (bool, error)
	RemoveMessage(ctx context.Context, sessionID, messageID string) error
}

// Update is handed to observers after every applied fragment.
type Update struct {
	Message domain.Message
	// First is set on the update that turns the text non-empty.
	First bool
	// Done is set once, after the message has been finalized.
	Done bool
}

// Aggregator applies fragments to a Target in arrival order.
type Aggregator struct {
	target  Target
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewAggregator creates an Aggregator. logger and m may be nil.
func NewAggregator(target Target, logger *slog.Logger, m *metrics.Metrics) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{target: target, logger: logger, metrics: m}
}

// Run registers an empty assistant message in sessionID, appends every
// fragment to it and finalizes it with the collected sources.
//
// If the fragments fail or ctx is cancelled, the message is removed and the
// error returned. If the session or message disappears while streaming or
// before finalizing, Run stops consuming and returns the message as last seen
// with a nil error and without a Done update. A session that does not exist
// yields the zero message.
func (a *Aggregator) Run(ctx context.Context, sessionID string, fragments iter.Seq2[domain.Fragment, error], onUpdate func(Update)) (domain.Message, error) {
	if onUpdate == nil {
		onUpdate = func(Update) {}
	}

	messageID, err := a.target.BeginAssistantReply(ctx, sessionID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("begin reply: %w", err)
	}
	if messageID == "" {
		a.logger.Debug("stream target session not found", "session_id", sessionID)
		return domain.Message{}, nil
	}

	var (
		current domain.Message
		sources []domain.Source
		empty   = true
	)
	for frag, ferr := range fragments {
		if ferr == nil {
			ferr = ctx.Err()
		}
		if ferr != nil {
			return domain.Message{}, a.rollback(ctx, sessionID, messageID, ferr)
		}

		sources = mergeSources(sources, frag.Sources)
		msg, ok := a.target.AppendToMessage(sessionID, messageID, frag.Text)
		if !ok {
			a.logger.Info("stream target detached", "session_id", sessionID, "message_id", messageID)
			return current, nil
		}
		current = msg
		a.metrics.FragmentAppended()

		first := empty && msg.Text != ""
		if first {
			empty = false
		}
		onUpdate(Update{Message: msg, First: first})
	}
	if err := ctx.Err(); err != nil {
		return domain.Message{}, a.rollback(ctx, sessionID, messageID, err)
	}

	applied, err := a.target.FinalizeMessage(ctx, sessionID, messageID, sources)
	if err != nil {
		return domain.Message{}, a.rollback(ctx, sessionID, messageID, fmt.Errorf("finalize reply: %w", err))
	}
	if !applied {
		a.logger.Info("stream target detached before finalize", "session_id", sessionID, "message_id", messageID)
		return current, nil
	}

	current.ID = messageID
	current.Role = domain.RoleAssistant
	current.Streaming = false
	current.Sources = sources
	onUpdate(Update{Message: current, Done: true})
	return current, nil
}

// rollback removes the placeholder, even when ctx is already cancelled.
func (a *Aggregator) rollback(ctx context.Context, sessionID, messageID string, cause error) error {
	a.metrics.StreamFailed()
	a.logger.Warn("stream failed, removing reply", "session_id", sessionID, "message_id", messageID, "error", cause)

	if err := a.target.RemoveMessage(context.WithoutCancel(ctx), sessionID, messageID); err != nil {
		a.logger.Error("failed to remove failed reply", "session_id", sessionID, "message_id", messageID, "error", err)
		return fmt.Errorf("%w (cleanup: %v)", cause, err)
	}
	return cause
}

// mergeSources appends the citations of add that are not yet in have.
func mergeSources(have, add []domain.Source) []domain.Source {
	for _, src := range add {
		dup := false
		for _, h := range have {
			if h.URL == src.URL && h.Title == src.Title {
				dup = true
				break
			}
		}
		if !dup {
			have = append(have, src)
		}
	}
	return have
}
