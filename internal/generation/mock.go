package generation

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/ashureev/antirisk-desk/internal/domain"
)

// Mock answers without a network connection. Replies echo the prompt and are
// streamed word by word.
type Mock struct{}

// NewMock creates a Mock backend.
func NewMock() *Mock {
	return &Mock{}
}

var mockSources = []domain.Source{
	{Title: "ASIS International", URL: "https://www.asisonline.org"},
	{Title: "ISO 18788", URL: "https://www.iso.org/standard/63380.html"},
}

func (m *Mock) reply(req Request) Result {
	subject := strings.TrimSpace(req.Prompt)
	if i := strings.LastIndex(subject, "\n"); i >= 0 {
		subject = strings.TrimSpace(subject[i+1:])
	}
	res := Result{Text: fmt.Sprintf("Advisory (offline model): noted %q. Confirm the site, the shift and the assets involved so a response plan can be drafted.", subject)}
	if req.JSON {
		res.Text = `{"status":"ok"}`
	}
	if req.Search {
		res.Sources = append([]domain.Source(nil), mockSources...)
	}
	return res
}

// Generate implements Generator.
func (m *Mock) Generate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return m.reply(req), nil
}

// GenerateStream implements Generator. Sources arrive with the last fragment.
func (m *Mock) GenerateStream(ctx context.Context, req Request) iter.Seq2[domain.Fragment, error] {
	return func(yield func(domain.Fragment, error) bool) {
		res := m.reply(req)
		words := strings.SplitAfter(res.Text, " ")
		for i, w := range words {
			if err := ctx.Err(); err != nil {
				yield(domain.Fragment{}, err)
				return
			}
			frag := domain.Fragment{Text: w}
			if i == len(words)-1 {
				frag.Sources = res.Sources
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}
