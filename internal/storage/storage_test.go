package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soudan-ai/soudan/internal/model"
	"github.com/soudan-ai/soudan/internal/storage"
	"github.com/soudan-ai/soudan/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	if os.Getenv("SOUDAN_SKIP_DB_TESTS") != "" {
		os.Exit(0)
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage_test: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close(context.Background())

	os.Exit(m.Run())
}

func createTestRequest(t *testing.T, webhook string) model.ConsultationRequest {
	t.Helper()
	req := model.ConsultationRequest{
		Title:    "Approve deployment to production",
		Context:  map[string]any{"service": "payments"},
		Metadata: map[string]any{"workflow_id": "wf-1"},
	}
	if webhook != "" {
		req.CallbackWebhook = &webhook
	}
	created, err := testDB.CreateRequest(context.Background(), req)
	require.NoError(t, err)
	return created
}

func createTestUser(t *testing.T) model.User {
	t.Helper()
	u, err := testDB.CreateUser(context.Background(), model.User{
		Email:        fmt.Sprintf("reviewer-%s@example.com", uuid.NewString()[:8]),
		Name:         "Reviewer",
		PasswordHash: "salt$hash",
		Role:         model.RoleReviewer,
	})
	require.NoError(t, err)
	return u
}

func TestCreateAndGetRequest(t *testing.T) {
	ctx := context.Background()
	created := createTestRequest(t, "https://agent.example.com/resume")

	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, model.StatePending, created.State)
	assert.Equal(t, "payments", created.Context["service"])

	got, err := testDB.GetRequest(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.Title, got.Title)
	require.NotNil(t, got.CallbackWebhook)
	assert.Equal(t, "https://agent.example.com/resume", *got.CallbackWebhook)
}

func TestGetRequestNotFound(t *testing.T) {
	_, err := testDB.GetRequest(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListRequestsByState(t *testing.T) {
	ctx := context.Background()
	created := createTestRequest(t, "")

	pending := model.StatePending
	reqs, total, err := testDB.ListRequests(ctx, storage.RequestFilter{State: &pending, Limit: 1000})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 1)

	found := false
	for _, r := range reqs {
		assert.Equal(t, model.StatePending, r.State)
		if r.ID == created.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMarkResponded(t *testing.T) {
	ctx := context.Background()
	req := createTestRequest(t, "")
	user := createTestUser(t)

	now := time.Now().UTC()
	response := model.ResponsePayload{
		Decision:    model.DecisionApprove,
		Comment:     "LGTM",
		ResponderID: user.ID.String(),
		RespondedAt: now.Format(time.RFC3339),
	}

	updated, err := testDB.MarkResponded(ctx, req.ID, response, user.ID, now)
	require.NoError(t, err)
	assert.Equal(t, model.StateResponded, updated.State)
	require.NotNil(t, updated.Response)
	assert.Equal(t, model.DecisionApprove, updated.Response.Decision)
	require.NotNil(t, updated.RespondedBy)
	assert.Equal(t, user.ID, *updated.RespondedBy)

	// A second response hits the state guard.
	_, err = testDB.MarkResponded(ctx, req.ID, response, user.ID, now)
	var conflict *storage.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, model.StateResponded, conflict.Current)
}

func TestMarkRespondedConcurrent(t *testing.T) {
	ctx := context.Background()
	req := createTestRequest(t, "")
	user := createTestUser(t)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now().UTC()
			_, errs[i] = testDB.MarkResponded(ctx, req.ID, model.ResponsePayload{
				Decision:    model.DecisionApprove,
				ResponderID: user.ID.String(),
				RespondedAt: now.Format(time.RFC3339),
			}, user.ID, now)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var conflict *storage.StateConflictError
		assert.ErrorAs(t, err, &conflict)
	}
	assert.Equal(t, 1, wins, "exactly one racer may record the response")
}

func TestCallbackTransitions(t *testing.T) {
	ctx := context.Background()
	user := createTestUser(t)

	respond := func(id uuid.UUID) {
		now := time.Now().UTC()
		_, err := testDB.MarkResponded(ctx, id, model.ResponsePayload{
			Decision:    model.DecisionReject,
			ResponderID: user.ID.String(),
			RespondedAt: now.Format(time.RFC3339),
		}, user.ID, now)
		require.NoError(t, err)
	}

	t.Run("sent then completed", func(t *testing.T) {
		req := createTestRequest(t, "https://agent.example.com/hook")
		respond(req.ID)

		sent, err := testDB.MarkCallbackSent(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateCallbackSent, sent.State)
		assert.NotNil(t, sent.CallbackSentAt)

		done, err := testDB.CompleteRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateCompleted, done.State)
	})

	t.Run("failed is terminal", func(t *testing.T) {
		req := createTestRequest(t, "https://agent.example.com/hook")
		respond(req.ID)

		failed, err := testDB.MarkCallbackFailed(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StateCallbackFailed, failed.State)

		_, err = testDB.CompleteRequest(ctx, req.ID)
		var conflict *storage.StateConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, model.StateCallbackFailed, conflict.Current)
	})

	t.Run("sent requires responded", func(t *testing.T) {
		req := createTestRequest(t, "https://agent.example.com/hook")
		_, err := testDB.MarkCallbackSent(ctx, req.ID)
		var conflict *storage.StateConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, model.StatePending, conflict.Current)
	})
}

func TestExpireRequest(t *testing.T) {
	ctx := context.Background()
	req := createTestRequest(t, "")

	expired, err := testDB.ExpireRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateTimeout, expired.State)

	// A response that lost the race gets a conflict, not a silent overwrite.
	user := createTestUser(t)
	now := time.Now().UTC()
	_, err = testDB.MarkResponded(ctx, req.ID, model.ResponsePayload{
		Decision:    model.DecisionApprove,
		ResponderID: user.ID.String(),
		RespondedAt: now.Format(time.RFC3339),
	}, user.ID, now)
	var conflict *storage.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, model.StateTimeout, conflict.Current)
}

func TestListOverdueRequests(t *testing.T) {
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	req, err := testDB.CreateRequest(ctx, model.ConsultationRequest{
		Title:     "Stale request",
		TimeoutAt: &past,
	})
	require.NoError(t, err)

	overdue, err := testDB.ListOverdueRequests(ctx, time.Now().UTC(), 1000)
	require.NoError(t, err)

	found := false
	for _, r := range overdue {
		assert.Equal(t, model.StatePending, r.State)
		if r.ID == req.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDeliveries(t *testing.T) {
	ctx := context.Background()
	req := createTestRequest(t, "https://agent.example.com/hook")

	payload, err := json.Marshal(map[string]any{"event": "request.responded"})
	require.NoError(t, err)

	status := 503
	body := "upstream unavailable"
	for attempt := range 3 {
		_, err := testDB.InsertDelivery(ctx, model.WebhookDelivery{
			RequestID:    req.ID,
			WebhookURL:   *req.CallbackWebhook,
			Payload:      payload,
			StatusCode:   &status,
			ResponseBody: &body,
			RetryCount:   attempt,
		})
		require.NoError(t, err)
	}

	deliveries, err := testDB.ListDeliveries(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 3)
	for i, d := range deliveries {
		assert.Equal(t, i, d.RetryCount)
		assert.JSONEq(t, string(payload), string(d.Payload))
	}

	n, err := testDB.CountDeliveries(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUsersCRUD(t *testing.T) {
	ctx := context.Background()
	user := createTestUser(t)

	byEmail, err := testDB.GetUserByEmail(ctx, user.Email)
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)

	require.NoError(t, testDB.DeactivateUser(ctx, user.ID))

	_, err = testDB.GetUserByEmail(ctx, user.Email)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Still visible by id for audit purposes.
	byID, err := testDB.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, byID.IsActive)
}

func TestAPIKeysCRUD(t *testing.T) {
	ctx := context.Background()

	key, err := testDB.CreateAPIKey(ctx, model.APIKey{
		Name:    "deploy-agent",
		KeyHash: "salt$hash",
	})
	require.NoError(t, err)

	active, err := testDB.GetActiveAPIKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy-agent", active.Name)

	require.NoError(t, testDB.RevokeAPIKey(ctx, key.ID))

	_, err = testDB.GetActiveAPIKey(ctx, key.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = testDB.RevokeAPIKey(ctx, key.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelRequests))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelRequests, `{"request_id":"x","state":"pending"}`))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelRequests, channel)
	assert.Contains(t, payload, "pending")
}

func TestWithRetryPassesThroughNonRetriable(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
