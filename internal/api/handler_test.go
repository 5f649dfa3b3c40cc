//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/antirisk-desk/internal/advisor"
	"github.com/ashureev/antirisk-desk/internal/config"
	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/ashureev/antirisk-desk/internal/generation"
	"github.com/ashureev/antirisk-desk/internal/library"
	"github.com/ashureev/antirisk-desk/internal/metrics"
	"github.com/ashureev/antirisk-desk/internal/offline"
	"github.com/ashureev/antirisk-desk/internal/resilience"
	"github.com/ashureev/antirisk-desk/internal/session"
	"github.com/ashureev/antirisk-desk/internal/store"
	"github.com/ashureev/antirisk-desk/internal/stream"
	"github.com/coder/websocket"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDesk struct {
	srv      *httptest.Server
	repo     *store.Memory
	sessions *session.Store
	cache    *offline.Cache
}

func newDesk(t *testing.T, mutate func(*config.Config)) *testDesk {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Generation.Provider = generation.ProviderMock
	cfg.SSE.KeepaliveInterval = time.Hour
	if mutate != nil {
		mutate(cfg)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	repo := store.NewMemory()
	sessions, err := session.Open(ctx, repo, session.Options{Metrics: m})
	require.NoError(t, err)
	cache, err := offline.New(ctx, repo, nil, m)
	require.NoError(t, err)

	gen := generation.NewMock()
	knowledge := advisor.NewKnowledge(repo)
	h := New(Deps{
		Repo:      repo,
		Sessions:  sessions,
		Advisor:   advisor.New(sessions, gen, stream.NewAggregator(sessions, nil, m), knowledge, nil),
		Knowledge: knowledge,
		Library:   library.New(repo, cache, gen, nil),
		Cache:     cache,
		Config:    cfg,
		Gatherer:  reg,
	})
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return &testDesk{srv: srv, repo: repo, sessions: sessions, cache: cache}
}

func (d *testDesk) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, d.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				out = append(out, cur)
			}
			cur = sseEvent{}
		}
	}
	require.NoError(t, sc.Err())
	return out
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", errdefs.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", errdefs.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("x: %w", errdefs.ErrUnavailable), http.StatusServiceUnavailable},
		{&resilience.FatalError{Err: fmt.Errorf("quota: %w", errdefs.ErrResourceExhausted)}, http.StatusTooManyRequests},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestSessionLifecycle(t *testing.T) {
	d := newDesk(t, nil)

	list := decodeBody[[]domain.Session](t, d.do(t, http.MethodGet, "/api/sessions", nil))
	require.Len(t, list, 1)
	first := list[0]

	resp := d.do(t, http.MethodDelete, "/api/sessions/"+first.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "last session stays")

	resp = d.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[domain.Session](t, resp)
	assert.Equal(t, domain.DefaultTitle, created.Title)

	active := decodeBody[domain.Session](t, d.do(t, http.MethodGet, "/api/sessions/active", nil))
	assert.Equal(t, created.ID, active.ID)

	resp = d.do(t, http.MethodPut, "/api/sessions/active", activeRequest{ID: first.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first.ID, decodeBody[domain.Session](t, resp).ID)

	resp = d.do(t, http.MethodPatch, "/api/sessions/"+created.ID, renameRequest{Title: "Night shift review"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	renamed := decodeBody[domain.Session](t, resp)
	assert.Equal(t, "Night shift review", renamed.Title)
	assert.True(t, renamed.TitleCustomized)

	resp = d.do(t, http.MethodPatch, "/api/sessions/"+created.ID, renameRequest{Title: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = d.do(t, http.MethodPost, "/api/sessions/"+created.ID+"/clear", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cleared := decodeBody[domain.Session](t, resp)
	require.Len(t, cleared.Messages, 1)
	assert.Equal(t, domain.ResetText, cleared.Messages[0].Text)

	resp = d.do(t, http.MethodDelete, "/api/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Len(t, d.sessions.List(), 1)

	for _, tc := range []struct{ method, path string }{
		{http.MethodDelete, "/api/sessions/missing"},
		{http.MethodPatch, "/api/sessions/missing"},
		{http.MethodPost, "/api/sessions/missing/clear"},
		{http.MethodDelete, "/api/sessions/" + first.ID + "/messages/missing"},
	} {
		resp := d.do(t, tc.method, tc.path, renameRequest{Title: "x"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
	}
}

func TestChatStreamsReply(t *testing.T) {
	d := newDesk(t, nil)
	sessionID := d.sessions.Active().ID

	resp := d.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/chat", chatRequest{Message: "Gate 3 theft"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, "done", last.name)

	var fragments []fragmentEvent
	for _, ev := range events[:len(events)-1] {
		require.Equal(t, "fragment", ev.name)
		var f fragmentEvent
		require.NoError(t, json.Unmarshal([]byte(ev.data), &f))
		fragments = append(fragments, f)
	}
	require.NotEmpty(t, fragments)
	assert.True(t, fragments[0].First)
	for i := 1; i < len(fragments); i++ {
		assert.True(t, strings.HasPrefix(fragments[i].Text, fragments[i-1].Text), "text only grows")
	}

	var reply domain.Message
	require.NoError(t, json.Unmarshal([]byte(last.data), &reply))
	assert.Equal(t, fragments[len(fragments)-1].Text, reply.Text)
	assert.False(t, reply.Streaming)

	sess, _ := d.sessions.Get(sessionID)
	require.Len(t, sess.Messages, 3)
	assert.Equal(t, "Gate 3 theft", sess.Title)
	assert.Equal(t, reply.ID, sess.Messages[2].ID)
}

func TestChatRejections(t *testing.T) {
	d := newDesk(t, nil)
	sessionID := d.sessions.Active().ID

	resp := d.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/chat", chatRequest{Message: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = d.do(t, http.MethodPost, "/api/sessions/missing/chat", chatRequest{Message: "hello"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = d.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/chat", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	sess, _ := d.sessions.Get(sessionID)
	assert.Len(t, sess.Messages, 1, "rejected requests leave the session alone")
}

func TestOfflineModeRefusesGeneration(t *testing.T) {
	d := newDesk(t, func(c *config.Config) { c.OfflineMode = true })
	sessionID := d.sessions.Active().ID

	resp := d.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/chat", chatRequest{Message: "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = d.do(t, http.MethodPost, "/api/training/generate", library.Draft{Topic: "Patrols"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = d.do(t, http.MethodGet, "/api/offline", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "offline reads still work")
}

func TestGenerationIsRateLimited(t *testing.T) {
	d := newDesk(t, func(c *config.Config) {
		c.RateLimit.RequestsPerWindow = 1
		c.RateLimit.WindowDuration = time.Minute
	})

	resp := d.do(t, http.MethodPost, "/api/training/generate", library.Draft{Topic: "Patrols"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = d.do(t, http.MethodPost, "/api/training/generate", library.Draft{Topic: "Patrols"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestPinsAndWipe(t *testing.T) {
	d := newDesk(t, nil)
	sessionID := d.sessions.Active().ID

	resp := d.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/chat", chatRequest{Message: "Perimeter breach"})
	readEvents(t, resp)
	sess, _ := d.sessions.Get(sessionID)
	require.Len(t, sess.Messages, 3)
	user, reply := sess.Messages[1], sess.Messages[2]

	resp = d.do(t, http.MethodPost, "/api/messages/"+reply.ID+"/pin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeBody[pinResponse](t, resp).IsPinned)

	pins := decodeBody[[]domain.PinnedMessage](t, d.do(t, http.MethodGet, "/api/pins", nil))
	require.Len(t, pins, 1)
	assert.Equal(t, reply.ID, pins[0].Message.ID)
	assert.Equal(t, sessionID, pins[0].SessionID)

	resp = d.do(t, http.MethodPost, "/api/messages/"+user.ID+"/pin", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = d.do(t, http.MethodPost, "/api/messages/missing/pin", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = d.do(t, http.MethodPost, "/api/wipe", wipeRequest{Confirm: "yes"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, d.sessions.Pinned(), 1)

	resp = d.do(t, http.MethodPost, "/api/wipe", wipeRequest{Confirm: wipeConfirmation})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fresh := decodeBody[domain.Session](t, resp)
	assert.Equal(t, fresh.ID, d.sessions.Active().ID)
	assert.Empty(t, d.sessions.Pinned())

	history := decodeBody[[]domain.Session](t, d.do(t, http.MethodGet, "/api/history?limit=5", nil))
	assert.Len(t, history, 1)
	resp = d.do(t, http.MethodGet, "/api/history?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrainingAndOfflineFlow(t *testing.T) {
	d := newDesk(t, nil)

	resp := d.do(t, http.MethodPost, "/api/training/generate", library.Draft{Topic: "Waybill fraud", Week: 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	draft := decodeBody[domain.TrainingModule](t, resp)
	assert.Equal(t, 3, draft.Week)
	assert.NotEmpty(t, draft.Sources)

	resp = d.do(t, http.MethodPost, "/api/training/"+draft.ID+"/offline", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "unsaved modules cannot go offline")

	resp = d.do(t, http.MethodPost, "/api/training", draft)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = d.do(t, http.MethodPost, "/api/training/"+draft.ID+"/offline", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	catalog := decodeBody[[]trainingResponse](t, d.do(t, http.MethodGet, "/api/training", nil))
	require.Len(t, catalog, 1)
	assert.True(t, catalog[0].Offline)

	artifacts := decodeBody[[]domain.Artifact](t, d.do(t, http.MethodGet, "/api/offline", nil))
	require.Len(t, artifacts, 1)
	assert.Equal(t, draft.Content, artifacts[0].Content)

	resp = d.do(t, http.MethodGet, "/api/offline/"+draft.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = d.do(t, http.MethodDelete, "/api/training/"+draft.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = d.do(t, http.MethodGet, "/api/offline/"+draft.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = d.do(t, http.MethodDelete, "/api/training/"+draft.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = d.do(t, http.MethodPost, "/api/training", domain.TrainingModule{Topic: "empty"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKnowledgeRoutes(t *testing.T) {
	d := newDesk(t, nil)

	resp := d.do(t, http.MethodPost, "/api/knowledge", knowledgeRequest{Title: "Gate SOP", Content: "Search every truck."})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	doc := decodeBody[domain.KnowledgeDocument](t, resp)

	docs := decodeBody[[]domain.KnowledgeDocument](t, d.do(t, http.MethodGet, "/api/knowledge", nil))
	require.Len(t, docs, 1)

	resp = d.do(t, http.MethodPost, "/api/knowledge", knowledgeRequest{Title: "No content"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = d.do(t, http.MethodDelete, "/api/knowledge/"+doc.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	docs = decodeBody[[]domain.KnowledgeDocument](t, d.do(t, http.MethodGet, "/api/knowledge", nil))
	assert.Empty(t, docs)
}

func TestStorageFailureIsUnavailable(t *testing.T) {
	d := newDesk(t, nil)
	d.repo.FailWrites(errors.New("disk full"))

	resp := d.do(t, http.MethodPost, "/api/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Len(t, d.sessions.List(), 1)
}

func TestHealthAndMetrics(t *testing.T) {
	d := newDesk(t, nil)

	resp := d.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])

	resp = d.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "antirisk_offline_artifacts")
}

func TestEventFeed(t *testing.T) {
	d := newDesk(t, nil)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(d.srv.URL, "http")+"/ws/events", nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	resp := d.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[domain.Session](t, resp)

	kinds := map[session.EventKind]string{}
	for len(kinds) < 2 {
		_, data, err := ws.Read(ctx)
		require.NoError(t, err)
		var ev session.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		kinds[ev.Kind] = ev.SessionID
	}
	assert.Equal(t, created.ID, kinds[session.EventSessionCreated])
	assert.Equal(t, created.ID, kinds[session.EventActiveChanged])
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "keys are independent")

	now = now.Add(time.Minute + time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))

	now = now.Add(2 * time.Minute)
	rl.evict()
	rl.mu.Lock()
	assert.Empty(t, rl.requests)
	rl.mu.Unlock()
}
