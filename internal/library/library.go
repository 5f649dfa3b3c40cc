// Package library manages generated training modules: the saved catalog and
// their promotion into the offline cache.
//
// Generating a module does not save it. Saving adds it to the catalog, and
// downloading writes it to the offline cache; a module must be in the catalog
// before it can be downloaded.
package library

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/ashureev/antirisk-desk/internal/generation"
	"github.com/ashureev/antirisk-desk/internal/offline"
	"github.com/ashureev/antirisk-desk/internal/store"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// DefaultAudience is used when a draft names no audience.
const DefaultAudience = "All Roles"

const trainerInstruction = "You write security training modules for industrial guard forces. " +
	"Structure every module with objectives, a field scenario, step-by-step procedure and a short quiz. " +
	"Keep the language plain enough for guards on shift."

// ErrInvalidDraft is returned for generation requests without a topic.
var ErrInvalidDraft = fmt.Errorf("training topic is required: %w", errdefs.ErrInvalidArgument)

// Draft asks for a new training module.
type Draft struct {
	Topic    string `json:"topic"`
	Week     int    `json:"week"`
	Audience string `json:"target_audience"`
}

// Library owns the training catalog.
type Library struct {
	catalog *store.Collection[domain.TrainingModule]
	cache   *offline.Cache
	gen     generation.Generator
	logger  *slog.Logger
	now     func() time.Time

	// mu serializes catalog read-modify-write cycles.
	mu sync.Mutex
}

// New creates a Library. gen may be nil when generation is disabled.
func New(repo store.Repository, cache *offline.Cache, gen generation.Generator, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{
		catalog: store.NewCollection[domain.TrainingModule](repo, domain.KeyTraining),
		cache:   cache,
		gen:     gen,
		logger:  logger,
		now:     time.Now,
	}
}

// Generate produces a module for d without saving it.
func (l *Library) Generate(ctx context.Context, d Draft) (domain.TrainingModule, error) {
	d.Topic = strings.TrimSpace(d.Topic)
	if d.Topic == "" {
		return domain.TrainingModule{}, ErrInvalidDraft
	}
	if l.gen == nil {
		return domain.TrainingModule{}, fmt.Errorf("generate training: %w", errdefs.ErrUnavailable)
	}
	if d.Week < 1 {
		d.Week = 1
	}
	if strings.TrimSpace(d.Audience) == "" {
		d.Audience = DefaultAudience
	}

	res, err := l.gen.Generate(ctx, generation.Request{
		Operation: "training",
		System:    trainerInstruction,
		Prompt:    fmt.Sprintf("Topic: %s\nWeek: %d\nAudience: %s\nWrite the module for this week of the programme.", d.Topic, d.Week, d.Audience),
		Search:    true,
	})
	if err != nil {
		return domain.TrainingModule{}, fmt.Errorf("generate training: %w", err)
	}

	now := l.now()
	return domain.TrainingModule{
		ID:            uuid.NewString(),
		Topic:         d.Topic,
		Audience:      d.Audience,
		Week:          d.Week,
		Content:       res.Text,
		GeneratedDate: now.Format(time.DateOnly),
		Timestamp:     now,
		Sources:       res.Sources,
	}, nil
}

// Save adds m to the catalog, replacing an entry with the same id.
func (l *Library) Save(ctx context.Context, m domain.TrainingModule) (domain.TrainingModule, error) {
	if strings.TrimSpace(m.Content) == "" {
		return domain.TrainingModule{}, fmt.Errorf("save training: module content is empty: %w", errdefs.ErrInvalidArgument)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = l.now()
	}
	if m.GeneratedDate == "" {
		m.GeneratedDate = m.Timestamp.Format(time.DateOnly)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	modules, err := l.catalog.Load(ctx)
	if err != nil {
		return domain.TrainingModule{}, fmt.Errorf("save training: %w", err)
	}
	replaced := false
	for i := range modules {
		if modules[i].ID == m.ID {
			modules[i] = m
			replaced = true
		}
	}
	if !replaced {
		modules = append([]domain.TrainingModule{m}, modules...)
	}
	if err := l.catalog.Save(ctx, modules); err != nil {
		return domain.TrainingModule{}, fmt.Errorf("save training: %w", err)
	}
	l.logger.Info("training module saved", "module_id", m.ID, "topic", m.Topic)
	return m, nil
}

// List returns the catalog, most recently saved first.
func (l *Library) List(ctx context.Context) ([]domain.TrainingModule, error) {
	modules, err := l.catalog.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("list training: %w", err)
	}
	if modules == nil {
		modules = []domain.TrainingModule{}
	}
	return modules, nil
}

// Get returns one catalog entry. A missing id matches errdefs.ErrNotFound.
func (l *Library) Get(ctx context.Context, id string) (domain.TrainingModule, error) {
	modules, err := l.catalog.Load(ctx)
	if err != nil {
		return domain.TrainingModule{}, fmt.Errorf("get training: %w", err)
	}
	for _, m := range modules {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.TrainingModule{}, fmt.Errorf("training module %s: %w", id, errdefs.ErrNotFound)
}

// Delete removes a module from the catalog. Its offline copy is removed
// first so an artifact never outlives its catalog entry.
func (l *Library) Delete(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.cache.Remove(ctx, id); err != nil {
		return fmt.Errorf("delete training: %w", err)
	}

	modules, err := l.catalog.Load(ctx)
	if err != nil {
		return fmt.Errorf("delete training: %w", err)
	}
	kept := modules[:0]
	for _, m := range modules {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(modules) {
		return nil
	}
	if err := l.catalog.Save(ctx, kept); err != nil {
		return fmt.Errorf("delete training: %w", err)
	}
	l.logger.Info("training module deleted", "module_id", id)
	return nil
}

// Download writes the catalog entry id to the offline cache. The offline
// index changes only once the write has succeeded.
func (l *Library) Download(ctx context.Context, id string) (domain.Artifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.Get(ctx, id)
	if err != nil {
		return domain.Artifact{}, err
	}
	a := m.Artifact()
	if err := l.cache.Put(ctx, a); err != nil {
		return domain.Artifact{}, fmt.Errorf("download training: %w", err)
	}
	l.logger.Info("training module available offline", "module_id", id)
	return a, nil
}

// SaveAndDownload saves m and downloads it in one step.
func (l *Library) SaveAndDownload(ctx context.Context, m domain.TrainingModule) (domain.Artifact, error) {
	saved, err := l.Save(ctx, m)
	if err != nil {
		return domain.Artifact{}, err
	}
	return l.Download(ctx, saved.ID)
}

// RemoveOffline drops the offline copy of id and keeps the catalog entry.
func (l *Library) RemoveOffline(ctx context.Context, id string) error {
	if err := l.cache.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove offline training: %w", err)
	}
	return nil
}

// Offline reports whether id is available offline.
func (l *Library) Offline(id string) bool {
	return l.cache.Has(id)
}
