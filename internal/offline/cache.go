// Package offline keeps downloaded training artifacts available without the
// generation service, together with an in-memory index of which ids are
// cached.
//
// The index only changes after the durable write it mirrors has succeeded,
// so a failed Put or Remove never leaves it claiming something storage does
// not hold.
package offline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/ashureev/antirisk-desk/internal/metrics"
	"github.com/ashureev/antirisk-desk/internal/store"
	"github.com/containerd/errdefs"
	"golang.org/x/sync/singleflight"
)

// Cache stores artifacts in the offline region of a Repository.
type Cache struct {
	records store.Records
	bucket  *store.Bucket[domain.Artifact]
	logger  *slog.Logger
	metrics *metrics.Metrics

	// gate lets writers run concurrently with each other but never with a
	// Rebuild, which would otherwise overwrite their index updates.
	gate  sync.RWMutex
	locks keyedMutex

	mu    sync.RWMutex
	index map[string]struct{}

	rebuilds singleflight.Group
}

// New creates a Cache and builds its index from storage.
func New(ctx context.Context, repo store.Repository, logger *slog.Logger, m *metrics.Metrics) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		records: repo.Region(store.RegionOffline),
		bucket:  store.NewBucket[domain.Artifact](repo, store.RegionOffline),
		logger:  logger,
		metrics: m,
		index:   make(map[string]struct{}),
	}
	if err := c.Rebuild(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Put inserts or overwrites an artifact.
func (c *Cache) Put(ctx context.Context, a domain.Artifact) error {
	if a.ID == "" {
		return fmt.Errorf("put artifact: empty id: %w", errdefs.ErrInvalidArgument)
	}
	c.gate.RLock()
	defer c.gate.RUnlock()
	unlock := c.locks.lock(a.ID)
	defer unlock()

	if err := c.bucket.Put(ctx, a.ID, a); err != nil {
		c.metrics.StorageFailed("offline")
		c.logger.Error("offline put failed", "artifact_id", a.ID, "error", err)
		return fmt.Errorf("put artifact %s: %w", a.ID, err)
	}

	c.mu.Lock()
	c.index[a.ID] = struct{}{}
	n := len(c.index)
	c.mu.Unlock()
	c.metrics.SetOfflineArtifacts(n)
	return nil
}

// Remove deletes an artifact. Removing an id that is not cached succeeds.
func (c *Cache) Remove(ctx context.Context, id string) error {
	c.gate.RLock()
	defer c.gate.RUnlock()
	unlock := c.locks.lock(id)
	defer unlock()

	if err := c.bucket.Remove(ctx, id); err != nil {
		c.metrics.StorageFailed("offline")
		c.logger.Error("offline remove failed", "artifact_id", id, "error", err)
		return fmt.Errorf("remove artifact %s: %w", id, err)
	}

	c.mu.Lock()
	delete(c.index, id)
	n := len(c.index)
	c.mu.Unlock()
	c.metrics.SetOfflineArtifacts(n)
	return nil
}

// Get returns one artifact. A missing id matches errdefs.ErrNotFound.
func (c *Cache) Get(ctx context.Context, id string) (domain.Artifact, error) {
	a, err := c.bucket.Get(ctx, id)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("get artifact %s: %w", id, err)
	}
	return a, nil
}

// GetAll returns every stored artifact. Order is not significant.
func (c *Cache) GetAll(ctx context.Context) ([]domain.Artifact, error) {
	all, err := c.bucket.GetAll(ctx)
	if err != nil && all == nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	if err != nil {
		c.logger.Warn("skipping unreadable artifacts", "error", err)
	}
	return all, nil
}

// Rebuild replaces the index with the keys currently in storage, including
// records that no longer decode. Concurrent calls share one reload.
func (c *Cache) Rebuild(ctx context.Context) error {
	_, err, _ := c.rebuilds.Do("rebuild", func() (any, error) {
		c.gate.Lock()
		defer c.gate.Unlock()

		recs, err := c.records.GetAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("list artifact keys: %w", err)
		}
		index := make(map[string]struct{}, len(recs))
		for _, rec := range recs {
			index[rec.Key] = struct{}{}
		}

		c.mu.Lock()
		c.index = index
		c.mu.Unlock()
		c.metrics.SetOfflineArtifacts(len(index))
		c.logger.Debug("offline index rebuilt", "artifacts", len(index))
		return nil, nil
	})
	return err
}

// Has reports whether id is cached.
func (c *Cache) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[id]
	return ok
}

// IDs returns the cached ids in sorted order.
func (c *Cache) IDs() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.index))
	for id := range c.index {
		out = append(out, id)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
