// Package store provides data persistence interfaces and implementations.
//
// Durable state is split into named regions. The small "state" region holds
// one key per collection; the "offline_training" region holds one record per
// offline artifact. Every read or write runs inside a scope opened by View or
// Update that is committed or rolled back on all exit paths.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
)

// Region names.
const (
	RegionState   = "state"
	RegionOffline = "offline_training"
)

// Record is one stored value.
type Record struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Records is a durable key-value region.
type Records interface {
	// Get returns the value stored under key, or an error matching
	// errdefs.ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetAll returns every record of the region ordered by key.
	GetAll(ctx context.Context) ([]Record, error)

	// Put inserts or overwrites the value stored under key.
	Put(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// Tx is an open read or write scope.
type Tx interface {
	Region(name string) Records
}

// Repository defines the interface for persisting application state.
type Repository interface {
	// Region returns a view of one region where every call runs in its own scope.
	Region(name string) Records

	// View runs fn in a read scope.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Update runs fn in a write scope. Writes made by fn are committed only
	// when fn returns nil; an error or panic rolls all of them back.
	// fn must reach storage only through tx.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Ping verifies storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying storage.
	Close() error
}

// Error is a storage failure. It matches errdefs.ErrUnavailable so callers
// can report it without knowing the backend.
type Error struct {
	Op     string
	Region string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Key != "":
		return fmt.Sprintf("store: %s %s/%s: %v", e.Op, e.Region, e.Key, e.Err)
	case e.Region != "":
		return fmt.Sprintf("store: %s %s: %v", e.Op, e.Region, e.Err)
	default:
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	return []error{e.Err, errdefs.ErrUnavailable}
}

func notFound(region, key string) error {
	return fmt.Errorf("%s/%s: %w", region, key, errdefs.ErrNotFound)
}

// scopedRecords runs every call of a region in its own scope.
type scopedRecords struct {
	repo   Repository
	region string
}

func (r scopedRecords) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.repo.View(ctx, func(tx Tx) error {
		v, err := tx.Region(r.region).Get(ctx, key)
		out = v
		return err
	})
	return out, err
}

func (r scopedRecords) GetAll(ctx context.Context) ([]Record, error) {
	var out []Record
	err := r.repo.View(ctx, func(tx Tx) error {
		v, err := tx.Region(r.region).GetAll(ctx)
		out = v
		return err
	})
	return out, err
}

func (r scopedRecords) Put(ctx context.Context, key string, value []byte) error {
	return r.repo.Update(ctx, func(tx Tx) error {
		return tx.Region(r.region).Put(ctx, key, value)
	})
}

func (r scopedRecords) Remove(ctx context.Context, key string) error {
	return r.repo.Update(ctx, func(tx Tx) error {
		return tx.Region(r.region).Remove(ctx, key)
	})
}
