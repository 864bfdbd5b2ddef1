package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soudan-ai/soudan/internal/model"
	"github.com/soudan-ai/soudan/internal/signature"
	"github.com/soudan-ai/soudan/internal/storage"
	"github.com/soudan-ai/soudan/internal/testutil"
)

// fakeStore is an in-memory Store with the same state guards as Postgres.
type fakeStore struct {
	mu         sync.Mutex
	requests   map[uuid.UUID]*model.ConsultationRequest
	deliveries []model.WebhookDelivery
}

func newFakeStore() *fakeStore {
	return &fakeStore{requests: make(map[uuid.UUID]*model.ConsultationRequest)}
}

func (s *fakeStore) put(req *model.ConsultationRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
}

func (s *fakeStore) GetRequest(_ context.Context, id uuid.UUID) (model.ConsultationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return model.ConsultationRequest{}, storage.ErrNotFound
	}
	return *req, nil
}

func (s *fakeStore) InsertDelivery(_ context.Context, d model.WebhookDelivery) (model.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	s.deliveries = append(s.deliveries, d)
	return d, nil
}

func (s *fakeStore) transition(id uuid.UUID, from, to model.RequestState) (model.ConsultationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return model.ConsultationRequest{}, storage.ErrNotFound
	}
	if req.State != from {
		return model.ConsultationRequest{}, &storage.StateConflictError{Current: req.State}
	}
	req.State = to
	return *req, nil
}

func (s *fakeStore) MarkCallbackSent(_ context.Context, id uuid.UUID) (model.ConsultationRequest, error) {
	return s.transition(id, model.StateResponded, model.StateCallbackSent)
}

func (s *fakeStore) MarkCallbackFailed(_ context.Context, id uuid.UUID) (model.ConsultationRequest, error) {
	return s.transition(id, model.StateResponded, model.StateCallbackFailed)
}

func (s *fakeStore) rows() []model.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.WebhookDelivery(nil), s.deliveries...)
}

func (s *fakeStore) state(id uuid.UUID) model.RequestState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id].State
}

func respondedRequest(url, secret string) *model.ConsultationRequest {
	req := &model.ConsultationRequest{
		ID:       uuid.New(),
		Title:    "Approve deployment",
		Metadata: map[string]any{"workflow_id": "wf-1"},
		State:    model.StateResponded,
		Response: &model.ResponsePayload{
			Decision:    model.DecisionApprove,
			Comment:     "Ship it",
			ResponderID: uuid.NewString(),
			RespondedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if url != "" {
		req.CallbackWebhook = &url
	}
	if secret != "" {
		req.CallbackSecret = &secret
	}
	return req
}

func testEngine(store Store) *Engine {
	return NewEngine(store, Config{
		MaxAttempts: 3,
		Timeout:     2 * time.Second,
		BackoffBase: time.Millisecond,
	}, testutil.TestLogger())
}

func TestDeliverSuccessFirstAttempt(t *testing.T) {
	var mu sync.Mutex
	var gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	req := respondedRequest(srv.URL, "shared-secret")
	store.put(req)

	err := testEngine(store).Deliver(context.Background(), req.ID)
	require.NoError(t, err)

	assert.Equal(t, model.StateCallbackSent, store.state(req.ID))

	rows := store.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].RetryCount)
	assert.True(t, rows[0].IsSuccess())

	// The receiver can verify the raw body against the header.
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, signature.VerifyBytes(gotBody, gotSig, "shared-secret"))
	assert.False(t, signature.VerifyBytes(gotBody, gotSig, "wrong-secret"))
}

func TestDeliverExhaustsAttempts(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := newFakeStore()
	req := respondedRequest(srv.URL, "")
	store.put(req)

	err := testEngine(store).Deliver(context.Background(), req.ID)
	require.Error(t, err)

	assert.Equal(t, model.StateCallbackFailed, store.state(req.ID))

	rows := store.rows()
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, i, row.RetryCount)
		require.NotNil(t, row.StatusCode)
		assert.Equal(t, http.StatusServiceUnavailable, *row.StatusCode)
		require.NotNil(t, row.ResponseBody)
		assert.Contains(t, *row.ResponseBody, "upstream unavailable")
		assert.True(t, row.IsRetriable())
	}

	// Every attempt in a sequence sends byte-identical payloads.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 3)
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, bodies[1], bodies[2])
	assert.Equal(t, rows[0].Payload, rows[1].Payload)
}

func TestDeliverSucceedsOnRetry(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newFakeStore()
	req := respondedRequest(srv.URL, "")
	store.put(req)

	err := testEngine(store).Deliver(context.Background(), req.ID)
	require.NoError(t, err)

	assert.Equal(t, model.StateCallbackSent, store.state(req.ID))

	rows := store.rows()
	require.Len(t, rows, 2)
	assert.False(t, rows[0].IsSuccess())
	assert.True(t, rows[1].IsSuccess())
}

func TestDeliverNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // nothing listening

	store := newFakeStore()
	req := respondedRequest(url, "")
	store.put(req)

	err := testEngine(store).Deliver(context.Background(), req.ID)
	require.Error(t, err)

	assert.Equal(t, model.StateCallbackFailed, store.state(req.ID))

	rows := store.rows()
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Nil(t, row.StatusCode)
		require.NotNil(t, row.Error)
		assert.True(t, row.IsRetriable())
	}
}

func TestDeliverNoWebhookIsNoop(t *testing.T) {
	store := newFakeStore()
	req := respondedRequest("", "")
	store.put(req)

	err := testEngine(store).Deliver(context.Background(), req.ID)
	require.NoError(t, err)

	assert.Empty(t, store.rows())
	assert.Equal(t, model.StateResponded, store.state(req.ID))
}

func TestDeliverSkipsNonResponded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the endpoint")
	}))
	defer srv.Close()

	for _, state := range []model.RequestState{
		model.StateCallbackSent, model.StateCallbackFailed, model.StateCompleted, model.StateTimeout,
	} {
		store := newFakeStore()
		req := respondedRequest(srv.URL, "")
		req.State = state
		store.put(req)

		err := testEngine(store).Deliver(context.Background(), req.ID)
		require.NoError(t, err, "state %s", state)
		assert.Empty(t, store.rows(), "state %s", state)
		assert.Equal(t, state, store.state(req.ID))
	}
}

func TestDeliverNoSecretNoSignature(t *testing.T) {
	var gotSig *string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig := r.Header.Get(SignatureHeader)
		gotSig = &sig
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	req := respondedRequest(srv.URL, "")
	store.put(req)

	require.NoError(t, testEngine(store).Deliver(context.Background(), req.ID))
	require.NotNil(t, gotSig)
	assert.Empty(t, *gotSig)
}

func TestDeliverTruncatesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		for range 100 {
			fmt.Fprint(w, "0123456789012345678901234567890123456789")
		}
	}))
	defer srv.Close()

	store := newFakeStore()
	req := respondedRequest(srv.URL, "")
	store.put(req)

	_ = testEngine(store).Deliver(context.Background(), req.ID)

	rows := store.rows()
	require.NotEmpty(t, rows)
	require.NotNil(t, rows[0].ResponseBody)
	assert.Len(t, *rows[0].ResponseBody, model.MaxDeliveryBodyLen)
}

func TestDeliverContextCancelledBetweenAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newFakeStore()
	req := respondedRequest(srv.URL, "")
	store.put(req)

	engine := NewEngine(store, Config{
		MaxAttempts: 3,
		Timeout:     2 * time.Second,
		BackoffBase: 10 * time.Second, // cancellation fires during backoff
	}, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := engine.Deliver(ctx, req.ID)
	require.ErrorIs(t, err, context.Canceled)

	// No terminal transition: the request stays responded for redelivery.
	assert.Equal(t, model.StateResponded, store.state(req.ID))
	assert.Len(t, store.rows(), 1)
}
