package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/platefork/recipe-extractor/internal/config"
	"github.com/platefork/recipe-extractor/internal/extraction"
	"github.com/platefork/recipe-extractor/internal/orchestrator"
	queuemem "github.com/platefork/recipe-extractor/internal/queue/memory"
	"github.com/platefork/recipe-extractor/internal/ratelimit"
	storagemem "github.com/platefork/recipe-extractor/internal/storage/memory"
	"github.com/platefork/recipe-extractor/internal/webhook"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type serverFixture struct {
	ts      *httptest.Server
	jobs    *storagemem.JobStore
	blobs   *storagemem.BlobStore
	applied []extraction.WebhookEvent
	mu      sync.Mutex
}

type fixtureOptions struct {
	extractionLimit int
	anonLimit       int
	applyErr        error
}

func newServerFixture(t *testing.T, opts fixtureOptions) *serverFixture {
	t.Helper()
	if opts.extractionLimit == 0 {
		opts.extractionLimit = 30
	}
	if opts.anonLimit == 0 {
		opts.anonLimit = 30
	}

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	jobs := storagemem.NewJobStore()
	blobs := storagemem.NewBlobStore()
	limiter := ratelimit.New(storagemem.NewCounterStore(clock), clock, zap.NewNop(), true)
	orch := orchestrator.New(
		jobs,
		queuemem.NewQueue(16),
		queuemem.NewQueue(16),
		limiter,
		orchestrator.Policies{
			Extraction: ratelimit.Policy{Scope: "extraction", MaxRequests: opts.extractionLimit, Window: time.Hour},
			Video:      ratelimit.Policy{Scope: "video-extraction", MaxRequests: 5, Window: time.Hour},
		},
		&seqIDs{},
		clock,
		nil,
		zap.NewNop(),
	)

	f := &serverFixture{jobs: jobs, blobs: blobs}
	cfg := config.Config{
		Server: config.ServerConfig{Port: 8080, TimeoutSeconds: 5},
		Limits: config.LimitsConfig{
			APIPerIdentityMinute: 120,
			AnonymousPerIPMinute: opts.anonLimit,
		},
		Storage: config.StorageConfig{Provider: "memory", Prefix: "uploads"},
		Webhook: config.WebhookConfig{Secret: "hush"},
	}
	srv := NewServer(Deps{
		Orchestrator: orch,
		Jobs:         jobs,
		Blobs:        blobs,
		Ledger:       webhook.New(storagemem.NewLedgerStore(), clock, zap.NewNop()),
		ApplyBilling: func(_ context.Context, event extraction.WebhookEvent) error {
			f.mu.Lock()
			f.applied = append(f.applied, event)
			f.mu.Unlock()
			return opts.applyErr
		},
		Limiter: limiter,
		IDs:     &seqIDs{},
		Clock:   clock,
	}, cfg, zap.NewNop())
	srv.ssePoll = 10 * time.Millisecond

	f.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *serverFixture) appliedEvents() []extraction.WebhookEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]extraction.WebhookEvent(nil), f.applied...)
}

func (f *serverFixture) doJSON(t *testing.T, method, path, userID string, payload any) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() {
		require.NoError(t, resp.Body.Close())
	}()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitExtractionAccepted(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, fixtureOptions{})
	resp := f.doJSON(t, http.MethodPost, "/v1/extractions", "alice", map[string]any{
		"kind":       "url",
		"source_url": "https://example.com/recipes/pie",
		"language":   "en",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "120", resp.Header.Get("X-RateLimit-Limit"))
	require.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	body := decodeBody(t, resp)
	require.NotEmpty(t, body["job_id"])
	require.Equal(t, "pending", body["status"])
	jobID, _ := body["job_id"].(string)
	require.Equal(t, "/v1/extractions/"+jobID, body["poll_url"])
	require.Equal(t, "/v1/extractions/"+jobID+"/events", body["stream_url"])
}

func TestSubmitExtractionValidation(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, fixtureOptions{})

	cases := []struct {
		name       string
		userID     string
		payload    map[string]any
		wantStatus int
	}{
		{
			name:       "missing user identity",
			payload:    map[string]any{"kind": "url", "source_url": "https://example.com"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unsupported kind",
			userID:     "alice",
			payload:    map[string]any{"kind": "pdf", "source_url": "https://example.com"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "url job without source",
			userID:     "alice",
			payload:    map[string]any{"kind": "url"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "image job without upload",
			userID:     "alice",
			payload:    map[string]any{"kind": "image"},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			resp := f.doJSON(t, http.MethodPost, "/v1/extractions", tc.userID, tc.payload)
			require.Equal(t, tc.wantStatus, resp.StatusCode)
			require.NoError(t, resp.Body.Close())
		})
	}
}

func TestSubmitExtractionQuotaExceeded(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, fixtureOptions{extractionLimit: 1})
	payload := map[string]any{"kind": "url", "source_url": "https://example.com/recipes/pie"}

	resp := f.doJSON(t, http.MethodPost, "/v1/extractions", "alice", payload)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	resp = f.doJSON(t, http.MethodPost, "/v1/extractions", "alice", payload)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
	body := decodeBody(t, resp)
	require.Equal(t, "extraction", body["scope"])
	require.Equal(t, float64(1), body["limit"])
}

func TestAnonymousRateLimit(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, fixtureOptions{anonLimit: 2})

	for i := 0; i < 2; i++ {
		resp := f.doJSON(t, http.MethodGet, "/v1/extractions/nope", "", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		require.NoError(t, resp.Body.Close())
	}
	resp := f.doJSON(t, http.MethodGet, "/v1/extractions/nope", "", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	require.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	require.NoError(t, resp.Body.Close())
}

func TestGetAndCancelExtraction(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, fixtureOptions{})
	resp := f.doJSON(t, http.MethodPost, "/v1/extractions", "alice", map[string]any{
		"kind":       "url",
		"source_url": "https://example.com/recipes/pie",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID, _ := decodeBody(t, resp)["job_id"].(string)
	require.NotEmpty(t, jobID)

	resp = f.doJSON(t, http.MethodGet, "/v1/extractions/"+jobID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "pending", decodeBody(t, resp)["status"])

	resp = f.doJSON(t, http.MethodPost, "/v1/extractions/"+jobID+"/cancel", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cancelled", decodeBody(t, resp)["status"])

	resp = f.doJSON(t, http.MethodGet, "/v1/extractions/unknown", "alice", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestCreateUploadAndImageSubmission(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, fixtureOptions{})
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/v1/uploads", bytes.NewReader([]byte("png-bytes")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set(userIDHeader, "alice")
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	uploadID, _ := body["upload_id"].(string)
	require.True(t, strings.HasPrefix(uploadID, "uploads/"))
	require.Equal(t, float64(len("png-bytes")), body["size"])

	data, contentType, err := f.blobs.GetObject(context.Background(), uploadID)
	require.NoError(t, err)
	require.Equal(t, []byte("png-bytes"), data)
	require.Equal(t, "image/png", contentType)

	resp = f.doJSON(t, http.MethodPost, "/v1/extractions", "alice", map[string]any{
		"kind":      "image",
		"upload_id": uploadID,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "image", decodeBody(t, resp)["kind"])
}

func TestCreateUploadRejectsNonImage(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, fixtureOptions{})
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/v1/uploads", bytes.NewReader([]byte("%PDF-1.7")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set(userIDHeader, "alice")
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func postWebhook(t *testing.T, f *serverFixture, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/v1/webhooks/billing", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(webhookSignatureHeader, signature)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestBillingWebhookAppliesOnce(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, fixtureOptions{})
	body := []byte(`{"event_id":"evt-1","event_type":"subscription.updated","subject":"alice"}`)
	sig := webhook.Sign("hush", body)

	resp := postWebhook(t, f, body, sig)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, decodeBody(t, resp)["applied"])

	// Redelivery acknowledges without re-applying.
	resp = postWebhook(t, f, body, sig)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, decodeBody(t, resp)["applied"])

	events := f.appliedEvents()
	require.Len(t, events, 1)
	require.Equal(t, "evt-1", events[0].ID)
	require.Equal(t, "subscription.updated", events[0].Type)
}

func TestBillingWebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, fixtureOptions{})
	body := []byte(`{"event_id":"evt-2","event_type":"subscription.updated"}`)

	resp := postWebhook(t, f, body, webhook.Sign("wrong-secret", body))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	resp = postWebhook(t, f, body, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
	require.Empty(t, f.appliedEvents())
}

func TestBillingWebhookRequiresEventID(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, fixtureOptions{})
	body := []byte(`{"event_type":"subscription.updated"}`)
	resp := postWebhook(t, f, body, webhook.Sign("hush", body))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func readSSEEvent(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			var out map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &out))
			return out
		}
	}
}

func TestStreamJobEvents(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, fixtureOptions{})
	resp := f.doJSON(t, http.MethodPost, "/v1/extractions", "alice", map[string]any{
		"kind":       "url",
		"source_url": "https://example.com/recipes/pie",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID, _ := decodeBody(t, resp)["job_id"].(string)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/extractions/"+jobID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(userIDHeader, "alice")
	stream, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, stream.Body.Close())
	}()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	reader := bufio.NewReader(stream.Body)
	first := readSSEEvent(t, reader)
	require.Equal(t, "pending", first["status"])

	applied, err := f.jobs.Transition(context.Background(), jobID, extraction.JobUpdate{
		Status:   extraction.StatusCompleted,
		Progress: 100,
		RecipeID: "recipe-1",
	})
	require.NoError(t, err)
	require.True(t, applied)

	last := readSSEEvent(t, reader)
	require.Equal(t, "completed", last["status"])
	require.Equal(t, float64(100), last["progress"])
	require.Equal(t, "recipe-1", last["recipe_id"])

	// Terminal event closes the stream.
	_, err = reader.ReadString('\n')
	require.Error(t, err)
}

func TestStreamJobEventsUnknownJob(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, fixtureOptions{})
	resp := f.doJSON(t, http.MethodGet, "/v1/extractions/unknown/events", "alice", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, fixtureOptions{})
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := f.ts.Client().Get(f.ts.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, resp.Body.Close())
	}
}
