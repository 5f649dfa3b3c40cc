package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Repository used by tests and by the CLI dry runs.
// Write scopes work on a copy that replaces the live data only on success.
type Memory struct {
	mu         sync.Mutex
	regions    map[string]map[string]Record
	failWrites error
	closed     bool
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{regions: make(map[string]map[string]Record)}
}

// FailWrites makes every following write scope fail at commit with err.
// Passing nil restores normal behavior.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = err
}

// Drop removes every record of a region, bypassing scopes. It simulates
// durable storage being cleared underneath the application.
func (m *Memory) Drop(region string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regions, region)
}

// Region returns a region whose calls each run in their own scope.
func (m *Memory) Region(name string) Records {
	return scopedRecords{repo: m, region: name}
}

// View runs fn against a snapshot.
func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &Error{Op: "view", Err: errClosed}
	}
	return fn(&memTx{regions: m.snapshot()})
}

// Update runs fn against a copy and publishes the copy when fn succeeds.
func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &Error{Op: "update", Err: errClosed}
	}

	tx := &memTx{regions: m.snapshot()}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.wrote && m.failWrites != nil {
		return &Error{Op: "commit", Err: m.failWrites}
	}
	m.regions = tx.regions
	return nil
}

// Ping reports whether the repository is open.
func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	return nil
}

// Close marks the repository closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) snapshot() map[string]map[string]Record {
	out := make(map[string]map[string]Record, len(m.regions))
	for name, recs := range m.regions {
		cp := make(map[string]Record, len(recs))
		for k, v := range recs {
			cp[k] = v
		}
		out[name] = cp
	}
	return out
}

type memError string

func (e memError) Error() string { return string(e) }

const errClosed = memError("repository closed")

type memTx struct {
	regions map[string]map[string]Record
	wrote   bool
}

func (t *memTx) Region(name string) Records {
	return memRecords{tx: t, region: name}
}

type memRecords struct {
	tx     *memTx
	region string
}

func (r memRecords) Get(_ context.Context, key string) ([]byte, error) {
	rec, ok := r.tx.regions[r.region][key]
	if !ok {
		return nil, notFound(r.region, key)
	}
	return append([]byte(nil), rec.Value...), nil
}

func (r memRecords) GetAll(context.Context) ([]Record, error) {
	recs := r.tx.regions[r.region]
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		rec.Value = append([]byte(nil), rec.Value...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r memRecords) Put(_ context.Context, key string, value []byte) error {
	recs, ok := r.tx.regions[r.region]
	if !ok {
		recs = make(map[string]Record)
		r.tx.regions[r.region] = recs
	}
	recs[key] = Record{Key: key, Value: append([]byte(nil), value...), UpdatedAt: time.Now()}
	r.tx.wrote = true
	return nil
}

func (r memRecords) Remove(_ context.Context, key string) error {
	delete(r.tx.regions[r.region], key)
	r.tx.wrote = true
	return nil
}
