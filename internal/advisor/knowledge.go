package advisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/ashureev/antirisk-desk/internal/store"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// Knowledge is the operator's reference archive sent along with chat turns.
type Knowledge struct {
	docs *store.Collection[domain.KnowledgeDocument]
	mu   sync.Mutex
}

// NewKnowledge binds the archive to repo.
func NewKnowledge(repo store.Repository) *Knowledge {
	return &Knowledge{docs: store.NewCollection[domain.KnowledgeDocument](repo, domain.KeyKnowledgeBase)}
}

// List returns every document in insertion order.
func (k *Knowledge) List(ctx context.Context) ([]domain.KnowledgeDocument, error) {
	docs, err := k.docs.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	if docs == nil {
		docs = []domain.KnowledgeDocument{}
	}
	return docs, nil
}

// Add stores a new document.
func (k *Knowledge) Add(ctx context.Context, title, content string) (domain.KnowledgeDocument, error) {
	title, content = strings.TrimSpace(title), strings.TrimSpace(content)
	if title == "" || content == "" {
		return domain.KnowledgeDocument{}, fmt.Errorf("title and content are required: %w", errdefs.ErrInvalidArgument)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	docs, err := k.docs.Load(ctx)
	if err != nil {
		return domain.KnowledgeDocument{}, fmt.Errorf("add knowledge: %w", err)
	}
	doc := domain.KnowledgeDocument{ID: uuid.NewString(), Title: title, Content: content, DateAdded: time.Now()}
	if err := k.docs.Save(ctx, append(docs, doc)); err != nil {
		return domain.KnowledgeDocument{}, fmt.Errorf("add knowledge: %w", err)
	}
	return doc, nil
}

// Remove deletes a document; unknown ids are ignored.
func (k *Knowledge) Remove(ctx context.Context, id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	docs, err := k.docs.Load(ctx)
	if err != nil {
		return fmt.Errorf("remove knowledge: %w", err)
	}
	kept := docs[:0]
	for _, d := range docs {
		if d.ID != id {
			kept = append(kept, d)
		}
	}
	if len(kept) == len(docs) {
		return nil
	}
	if err := k.docs.Save(ctx, kept); err != nil {
		return fmt.Errorf("remove knowledge: %w", err)
	}
	return nil
}
