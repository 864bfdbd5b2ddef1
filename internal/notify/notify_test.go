package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soudan-ai/soudan/internal/model"
	"github.com/soudan-ai/soudan/internal/testutil"
)

type captureProvider struct {
	mu   sync.Mutex
	sent []Message
	done chan struct{}
}

func newCaptureProvider(expected int) *captureProvider {
	return &captureProvider{done: make(chan struct{}, expected)}
}

func (p *captureProvider) Name() string { return "capture" }

func (p *captureProvider) Send(_ context.Context, msg Message) error {
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	p.mu.Unlock()
	p.done <- struct{}{}
	return nil
}

func (p *captureProvider) wait(t *testing.T) Message {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification never sent")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[len(p.sent)-1]
}

func staticRecipients(addrs ...string) RecipientFunc {
	return func(context.Context) ([]string, error) { return addrs, nil }
}

func sampleRequest() model.ConsultationRequest {
	deadline := time.Now().UTC().Add(time.Hour)
	return model.ConsultationRequest{
		ID:        uuid.New(),
		Title:     "Approve schema migration",
		State:     model.StatePending,
		TimeoutAt: &deadline,
	}
}

func TestRequestCreatedNotification(t *testing.T) {
	provider := newCaptureProvider(1)
	n := New(provider, staticRecipients("reviewer@example.com"), "https://soudan.example.com", testutil.TestLogger())

	req := sampleRequest()
	n.RequestCreated(context.Background(), req)

	msg := provider.wait(t)
	assert.Equal(t, []string{"reviewer@example.com"}, msg.To)
	assert.Contains(t, msg.Subject, "Approve schema migration")
	assert.Contains(t, msg.Body, req.ID.String())
	assert.Contains(t, msg.Body, "Deadline:")
}

func TestRequestRespondedNotification(t *testing.T) {
	provider := newCaptureProvider(1)
	n := New(provider, staticRecipients("a@example.com", "b@example.com"), "http://localhost:8080", testutil.TestLogger())

	req := sampleRequest()
	req.State = model.StateResponded
	req.Response = &model.ResponsePayload{
		Decision: model.DecisionReject,
		Comment:  "Not during the freeze",
	}
	n.RequestResponded(context.Background(), req)

	msg := provider.wait(t)
	assert.Len(t, msg.To, 2)
	assert.Contains(t, msg.Body, "reject")
	assert.Contains(t, msg.Body, "Not during the freeze")
}

func TestRequestRespondedWithoutResponseIsNoop(t *testing.T) {
	provider := newCaptureProvider(1)
	n := New(provider, staticRecipients("a@example.com"), "", testutil.TestLogger())

	n.RequestResponded(context.Background(), sampleRequest())
	time.Sleep(50 * time.Millisecond)

	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Empty(t, provider.sent)
}

func TestRequestExpiredNotification(t *testing.T) {
	provider := newCaptureProvider(1)
	n := New(provider, staticRecipients("a@example.com"), "", testutil.TestLogger())

	n.RequestExpired(context.Background(), sampleRequest())
	msg := provider.wait(t)
	assert.Contains(t, msg.Subject, "expired")
}

func TestRecipientFailureIsContained(t *testing.T) {
	provider := newCaptureProvider(1)
	failing := func(context.Context) ([]string, error) { return nil, errors.New("db down") }
	n := New(provider, failing, "", testutil.TestLogger())

	require.NotPanics(t, func() {
		n.RequestCreated(context.Background(), sampleRequest())
	})
	time.Sleep(50 * time.Millisecond)

	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Empty(t, provider.sent)
}

func TestSendDetachesFromCallerContext(t *testing.T) {
	provider := newCaptureProvider(1)
	n := New(provider, staticRecipients("a@example.com"), "", testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled when the send fires
	n.RequestCreated(ctx, sampleRequest())

	msg := provider.wait(t)
	assert.NotEmpty(t, msg.To)
}
