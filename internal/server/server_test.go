package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soudan-ai/soudan/internal/auth"
	"github.com/soudan-ai/soudan/internal/model"
	"github.com/soudan-ai/soudan/internal/ratelimit"
	"github.com/soudan-ai/soudan/internal/server"
	"github.com/soudan-ai/soudan/internal/service/requests"
	"github.com/soudan-ai/soudan/internal/storage"
	"github.com/soudan-ai/soudan/internal/testutil"
)

const (
	adminEmail    = "admin@example.com"
	adminPassword = "correct-horse-battery"
)

var (
	testDB  *storage.DB
	testSrv *httptest.Server
)

func TestMain(m *testing.M) {
	if os.Getenv("SOUDAN_SKIP_DB_TESTS") != "" {
		os.Exit(0)
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server_test: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close(ctx)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server_test: %v\n", err)
		os.Exit(1)
	}

	if err := server.SeedAdmin(ctx, testDB, adminEmail, adminPassword, logger); err != nil {
		fmt.Fprintf(os.Stderr, "server_test: %v\n", err)
		os.Exit(1)
	}

	svc := requests.New(testDB, nil, nil, logger, 24*time.Hour)
	srv := server.New(server.Config{
		DB:         testDB,
		JWTManager: jwtMgr,
		Requests:   svc,
		Logger:     logger,
		Version:    "test",
	})

	testSrv = httptest.NewServer(srv.Handler())
	defer testSrv.Close()

	os.Exit(m.Run())
}

// doJSON issues a request against the test server and decodes the response
// envelope's data field into out (when non-nil).
func doJSON(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, testSrv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := testSrv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
		require.NoError(t, json.Unmarshal(envelope.Data, out))
	}
	return resp.StatusCode
}

func adminToken(t *testing.T) string {
	t.Helper()
	var resp model.AuthTokenResponse
	status := doJSON(t, http.MethodPost, "/auth/token", "",
		model.AuthTokenRequest{Email: adminEmail, Password: adminPassword}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func agentKey(t *testing.T) string {
	t.Helper()
	var key model.APIKeyWithRawKey
	status := doJSON(t, http.MethodPost, "/v1/keys", adminToken(t),
		model.CreateKeyRequest{Name: "test-agent-" + t.Name()}, &key)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, key.RawKey)
	return key.RawKey
}

func TestHealth(t *testing.T) {
	var health model.HealthResponse
	status := doJSON(t, http.MethodGet, "/health", "", nil, &health)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Postgres)
	assert.Equal(t, "test", health.Version)
}

func TestAuthTokenRejectsWrongPassword(t *testing.T) {
	status := doJSON(t, http.MethodPost, "/auth/token", "",
		model.AuthTokenRequest{Email: adminEmail, Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAuthTokenRejectsUnknownEmail(t *testing.T) {
	status := doJSON(t, http.MethodPost, "/auth/token", "",
		model.AuthTokenRequest{Email: "nobody@example.com", Password: "whatever"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestUnauthenticatedRejected(t *testing.T) {
	status := doJSON(t, http.MethodPost, "/v1/requests", "",
		model.CreateRequestInput{Title: "should not land"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	rawKey := agentKey(t)
	token := adminToken(t)

	// Agent creates a request with its API key.
	var created model.ConsultationRequest
	status := doJSON(t, http.MethodPost, "/v1/requests", rawKey,
		model.CreateRequestInput{
			Title:    "deploy to production?",
			Metadata: map[string]any{"task_id": "t-42"},
		}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, model.StatePending, created.State)
	require.NotNil(t, created.TimeoutAt)

	// The agent can poll its own request.
	var fetched model.ConsultationRequest
	status = doJSON(t, http.MethodGet, "/v1/requests/"+created.ID.String(), rawKey, nil, &fetched)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, created.ID, fetched.ID)

	// Reviewer responds.
	var responded model.ConsultationRequest
	status = doJSON(t, http.MethodPost, "/v1/requests/"+created.ID.String()+"/respond", token,
		model.RespondInput{Decision: model.DecisionApprove, Comment: "ship it"}, &responded)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.StateResponded, responded.State)
	require.NotNil(t, responded.Response)
	assert.Equal(t, model.DecisionApprove, responded.Response.Decision)

	// A second response conflicts and names the blocking state.
	req, err := http.NewRequest(http.MethodPost, testSrv.URL+"/v1/requests/"+created.ID.String()+"/respond",
		bytes.NewBufferString(`{"decision":"reject"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := testSrv.Client().Do(req)
	require.NoError(t, err)
	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, apiErr.Error.Code)
	assert.Contains(t, apiErr.Error.Message, "responded")

	// No webhook was configured, so the audit trail is empty.
	var deliveries []model.WebhookDelivery
	status = doJSON(t, http.MethodGet, "/v1/requests/"+created.ID.String()+"/deliveries", rawKey, nil, &deliveries)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, deliveries)

	// The owning workflow acknowledges the response.
	var completed model.ConsultationRequest
	status = doJSON(t, http.MethodPost, "/v1/requests/"+created.ID.String()+"/complete", rawKey, nil, &completed)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.StateCompleted, completed.State)
}

func TestCreateRequestValidation(t *testing.T) {
	status := doJSON(t, http.MethodPost, "/v1/requests", agentKey(t),
		model.CreateRequestInput{Title: "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListRequestsByState(t *testing.T) {
	rawKey := agentKey(t)

	var created model.ConsultationRequest
	status := doJSON(t, http.MethodPost, "/v1/requests", rawKey,
		model.CreateRequestInput{Title: "list me"}, &created)
	require.Equal(t, http.StatusCreated, status)

	var list []model.ConsultationRequest
	status = doJSON(t, http.MethodGet, "/v1/requests?state=pending&limit=100", rawKey, nil, &list)
	require.Equal(t, http.StatusOK, status)
	found := false
	for _, r := range list {
		assert.Equal(t, model.StatePending, r.State)
		if r.ID == created.ID {
			found = true
		}
	}
	assert.True(t, found, "created request should appear in pending list")

	status = doJSON(t, http.MethodGet, "/v1/requests?state=bogus", rawKey, nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIKeyCannotRespond(t *testing.T) {
	rawKey := agentKey(t)

	var created model.ConsultationRequest
	status := doJSON(t, http.MethodPost, "/v1/requests", rawKey,
		model.CreateRequestInput{Title: "agent cannot answer itself"}, &created)
	require.Equal(t, http.StatusCreated, status)

	status = doJSON(t, http.MethodPost, "/v1/requests/"+created.ID.String()+"/respond", rawKey,
		model.RespondInput{Decision: model.DecisionApprove}, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestRevokedKeyRejected(t *testing.T) {
	token := adminToken(t)

	var key model.APIKeyWithRawKey
	status := doJSON(t, http.MethodPost, "/v1/keys", token,
		model.CreateKeyRequest{Name: "doomed-key"}, &key)
	require.Equal(t, http.StatusCreated, status)

	status = doJSON(t, http.MethodDelete, "/v1/keys/"+key.ID.String(), token, nil, nil)
	require.Equal(t, http.StatusNoContent, status)

	status = doJSON(t, http.MethodPost, "/v1/requests", key.RawKey,
		model.CreateRequestInput{Title: "from a dead key"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAdminExpire(t *testing.T) {
	rawKey := agentKey(t)
	token := adminToken(t)

	var created model.ConsultationRequest
	status := doJSON(t, http.MethodPost, "/v1/requests", rawKey,
		model.CreateRequestInput{Title: "will be expired"}, &created)
	require.Equal(t, http.StatusCreated, status)

	var expired model.ConsultationRequest
	status = doJSON(t, http.MethodPost, "/v1/requests/"+created.ID.String()+"/expire", token, nil, &expired)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.StateTimeout, expired.State)
}

func TestReviewerCannotExpire(t *testing.T) {
	token := adminToken(t)

	var reviewer model.User
	status := doJSON(t, http.MethodPost, "/v1/users", token, model.CreateUserRequest{
		Email:    "reviewer-expire@example.com",
		Name:     "Reviewer",
		Password: "a-long-enough-password",
		Role:     model.RoleReviewer,
	}, &reviewer)
	require.Equal(t, http.StatusCreated, status)

	var login model.AuthTokenResponse
	status = doJSON(t, http.MethodPost, "/auth/token", "",
		model.AuthTokenRequest{Email: reviewer.Email, Password: "a-long-enough-password"}, &login)
	require.Equal(t, http.StatusOK, status)

	var created model.ConsultationRequest
	status = doJSON(t, http.MethodPost, "/v1/requests", agentKey(t),
		model.CreateRequestInput{Title: "reviewer cannot expire this"}, &created)
	require.Equal(t, http.StatusCreated, status)

	status = doJSON(t, http.MethodPost, "/v1/requests/"+created.ID.String()+"/expire", login.Token, nil, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestUserLifecycle(t *testing.T) {
	token := adminToken(t)

	var user model.User
	status := doJSON(t, http.MethodPost, "/v1/users", token, model.CreateUserRequest{
		Email:    "lifecycle@example.com",
		Name:     "Lifecycle",
		Password: "another-long-password",
	}, &user)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, model.RoleReviewer, user.Role, "role defaults to reviewer")

	// New reviewer can log in and respond.
	var login model.AuthTokenResponse
	status = doJSON(t, http.MethodPost, "/auth/token", "",
		model.AuthTokenRequest{Email: user.Email, Password: "another-long-password"}, &login)
	require.Equal(t, http.StatusOK, status)

	// Deactivation locks the account out.
	status = doJSON(t, http.MethodDelete, "/v1/users/"+user.ID.String(), token, nil, nil)
	require.Equal(t, http.StatusNoContent, status)

	status = doJSON(t, http.MethodPost, "/auth/token", "",
		model.AuthTokenRequest{Email: user.Email, Password: "another-long-password"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestUserValidation(t *testing.T) {
	token := adminToken(t)

	t.Run("bad email", func(t *testing.T) {
		status := doJSON(t, http.MethodPost, "/v1/users", token, model.CreateUserRequest{
			Email: "not-an-email", Name: "X", Password: "a-long-enough-password",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("short password", func(t *testing.T) {
		status := doJSON(t, http.MethodPost, "/v1/users", token, model.CreateUserRequest{
			Email: "short@example.com", Name: "X", Password: "short",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("bad role", func(t *testing.T) {
		status := doJSON(t, http.MethodPost, "/v1/users", token, model.CreateUserRequest{
			Email: "role@example.com", Name: "X", Password: "a-long-enough-password", Role: "superuser",
		}, nil)
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestGetRequestNotFound(t *testing.T) {
	status := doJSON(t, http.MethodGet, "/v1/requests/00000000-0000-0000-0000-000000000000", agentKey(t), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGetRequestBadID(t *testing.T) {
	status := doJSON(t, http.MethodGet, "/v1/requests/not-a-uuid", agentKey(t), nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWriteRateLimitPerPrincipal(t *testing.T) {
	key := agentKey(t)

	limiter := ratelimit.NewMemoryLimiter(1, 2)
	defer func() { _ = limiter.Close() }()

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	svc := requests.New(testDB, nil, nil, testutil.TestLogger(), 24*time.Hour)
	limited := httptest.NewServer(server.New(server.Config{
		DB:           testDB,
		JWTManager:   jwtMgr,
		Requests:     svc,
		Logger:       testutil.TestLogger(),
		WriteLimiter: limiter,
		Version:      "test",
	}).Handler())
	defer limited.Close()

	create := func() int {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(model.CreateRequestInput{Title: "burst"}))
		req, err := http.NewRequest(http.MethodPost, limited.URL+"/v1/requests", &buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+key)
		resp, err := limited.Client().Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode
	}

	// Burst of 2 is allowed, the third create in the same instant is not.
	assert.Equal(t, http.StatusCreated, create())
	assert.Equal(t, http.StatusCreated, create())
	assert.Equal(t, http.StatusTooManyRequests, create())

	// Reads are not write-limited.
	req, err := http.NewRequest(http.MethodGet, limited.URL+"/v1/requests", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := limited.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
