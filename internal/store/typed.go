package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Collection stores a whole slice of T as one JSON array under a key of the
// state region.
type Collection[T any] struct {
	repo Repository
	key  string
}

// NewCollection binds a collection to its key.
func NewCollection[T any](repo Repository, key string) *Collection[T] {
	return &Collection[T]{repo: repo, key: key}
}

// Key returns the state key of the collection.
func (c *Collection[T]) Key() string {
	return c.key
}

// Load returns the stored items. A missing key yields an empty result.
func (c *Collection[T]) Load(ctx context.Context) ([]T, error) {
	var out []T
	err := c.repo.View(ctx, func(tx Tx) error {
		items, err := c.LoadTx(ctx, tx)
		out = items
		return err
	})
	return out, err
}

// LoadTx is Load inside an open scope.
func (c *Collection[T]) LoadTx(ctx context.Context, tx Tx) ([]T, error) {
	raw, err := tx.Region(RegionState).Get(ctx, c.key)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.key, err)
	}
	return items, nil
}

// Save replaces the stored items.
func (c *Collection[T]) Save(ctx context.Context, items []T) error {
	return c.repo.Update(ctx, func(tx Tx) error {
		return c.SaveTx(ctx, tx, items)
	})
}

// SaveTx is Save inside an open scope.
func (c *Collection[T]) SaveTx(ctx context.Context, tx Tx, items []T) error {
	if items == nil {
		items = []T{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.key, err)
	}
	return tx.Region(RegionState).Put(ctx, c.key, raw)
}

// Value stores a single JSON value under a key of the state region.
type Value[T any] struct {
	key string
}

// NewValue binds a value to its key.
func NewValue[T any](key string) *Value[T] {
	return &Value[T]{key: key}
}

// LoadTx returns the stored value and whether it existed.
func (v *Value[T]) LoadTx(ctx context.Context, tx Tx) (T, bool, error) {
	var out T
	raw, err := tx.Region(RegionState).Get(ctx, v.key)
	if errdefs.IsNotFound(err) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("decode %s: %w", v.key, err)
	}
	return out, true, nil
}

// SaveTx stores the value.
func (v *Value[T]) SaveTx(ctx context.Context, tx Tx, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", v.key, err)
	}
	return tx.Region(RegionState).Put(ctx, v.key, raw)
}

// Bucket stores one JSON record per id in its own region.
type Bucket[T any] struct {
	repo   Repository
	region string
}

// NewBucket binds a bucket to a region.
func NewBucket[T any](repo Repository, region string) *Bucket[T] {
	return &Bucket[T]{repo: repo, region: region}
}

// Put inserts or overwrites the record stored under id.
func (b *Bucket[T]) Put(ctx context.Context, id string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", b.region, id, err)
	}
	return b.repo.Update(ctx, func(tx Tx) error {
		return tx.Region(b.region).Put(ctx, id, raw)
	})
}

// Get returns the record stored under id; a missing id matches errdefs.ErrNotFound.
func (b *Bucket[T]) Get(ctx context.Context, id string) (T, error) {
	var out T
	err := b.repo.View(ctx, func(tx Tx) error {
		raw, err := tx.Region(b.region).Get(ctx, id)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &out)
	})
	return out, err
}

// GetAll returns every record in the region. Records that fail to decode are
// reported together after the readable ones.
func (b *Bucket[T]) GetAll(ctx context.Context) ([]T, error) {
	var recs []Record
	err := b.repo.View(ctx, func(tx Tx) error {
		r, err := tx.Region(b.region).GetAll(ctx)
		recs = r
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(recs))
	var errs []error
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			errs = append(errs, fmt.Errorf("decode %s/%s: %w", b.region, rec.Key, err))
			continue
		}
		out = append(out, v)
	}
	return out, errors.Join(errs...)
}

// Remove deletes the record stored under id; absent ids are ignored.
func (b *Bucket[T]) Remove(ctx context.Context, id string) error {
	return b.repo.Update(ctx, func(tx Tx) error {
		return tx.Region(b.region).Remove(ctx, id)
	})
}
