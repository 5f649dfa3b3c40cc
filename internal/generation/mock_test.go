package generation

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/ashureev/antirisk-desk/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStreamMatchesGenerate(t *testing.T) {
	m := NewMock()
	req := Request{Prompt: "history\nForklift left gate unescorted", Search: true}

	res, err := m.Generate(t.Context(), req)
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Forklift left gate unescorted")
	assert.Equal(t, mockSources, res.Sources)

	var text strings.Builder
	var sources []domain.Source
	n := 0
	for frag, err := range m.GenerateStream(t.Context(), req) {
		require.NoError(t, err)
		text.WriteString(frag.Text)
		sources = append(sources, frag.Sources...)
		n++
	}
	assert.Equal(t, res.Text, text.String())
	assert.Equal(t, res.Sources, sources)
	assert.Greater(t, n, 1)
}

func TestMockHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMock().Generate(ctx, Request{Prompt: "x"})
	require.ErrorIs(t, err, context.Canceled)

	for _, err := range NewMock().GenerateStream(ctx, Request{Prompt: "x"}) {
		require.ErrorIs(t, err, context.Canceled)
	}
}

// flaky fails with a quota error a fixed number of times.
type flaky struct {
	failures int
	calls    int
	err      error
}

func (f *flaky) Generate(ctx context.Context, req Request) (Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return Result{}, f.err
	}
	return Result{Text: "ok"}, nil
}

func (f *flaky) GenerateStream(ctx context.Context, req Request) iter.Seq2[domain.Fragment, error] {
	return func(yield func(domain.Fragment, error) bool) {
		res, err := f.Generate(ctx, req)
		yield(domain.Fragment{Text: res.Text}, err)
	}
}

func TestRetryingGenerate(t *testing.T) {
	policy := resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, GrowthFactor: 1.5, MaxDelay: time.Millisecond}

	f := &flaky{failures: 2, err: errors.New("429 RESOURCE_EXHAUSTED")}
	res, err := NewRetrying(f, policy, nil, nil).Generate(t.Context(), Request{Operation: "training"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 3, f.calls)

	f = &flaky{failures: 5, err: errors.New("quota exhausted")}
	_, err = NewRetrying(f, policy, nil, nil).Generate(t.Context(), Request{})
	var fatal *resilience.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.True(t, fatal.Exhausted)
	assert.Equal(t, 3, f.calls)

	f = &flaky{failures: 5, err: errors.New("invalid api key")}
	_, err = NewRetrying(f, policy, nil, nil).Generate(t.Context(), Request{})
	require.ErrorAs(t, err, &fatal)
	assert.False(t, fatal.Exhausted)
	assert.Equal(t, 1, f.calls)
}
