package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soudan-ai/soudan/internal/model"
)

func newTestManager(t *testing.T, expiration time.Duration) *JWTManager {
	t.Helper()
	m, err := NewJWTManager("", "", expiration)
	require.NoError(t, err)
	return m
}

func testUser() model.User {
	return model.User{
		ID:    uuid.New(),
		Email: "reviewer@example.com",
		Name:  "Reviewer",
		Role:  model.RoleReviewer,
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	m := newTestManager(t, time.Hour)
	user := testUser()

	token, exp, err := m.IssueToken(user)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
	assert.Equal(t, user.Email, claims.Email)
	assert.Equal(t, model.RoleReviewer, claims.Role)
	assert.Equal(t, "soudan", claims.Issuer)
}

func TestValidateExpiredToken(t *testing.T) {
	m := newTestManager(t, -time.Minute)

	token, _, err := m.IssueToken(testUser())
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenWrongKey(t *testing.T) {
	m1 := newTestManager(t, time.Hour)
	m2 := newTestManager(t, time.Hour)

	token, _, err := m1.IssueToken(testUser())
	require.NoError(t, err)

	_, err = m2.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateGarbageToken(t *testing.T) {
	m := newTestManager(t, time.Hour)

	_, err := m.ValidateToken("not-a-jwt")
	require.Error(t, err)
}

func TestHashAndVerifySecret(t *testing.T) {
	hash, err := HashSecret("correct horse battery staple")
	require.NoError(t, err)
	assert.NotContains(t, hash, "correct horse")

	ok, err := VerifySecret("correct horse battery staple", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySecret("wrong password", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashSecretUniqueSalt(t *testing.T) {
	h1, err := HashSecret("same input")
	require.NoError(t, err)
	h2, err := HashSecret("same input")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestVerifySecretMalformedHash(t *testing.T) {
	_, err := VerifySecret("anything", "no-dollar-separator")
	require.Error(t, err)

	_, err = VerifySecret("anything", "!!!$!!!")
	require.Error(t, err)
}

func TestGenerateAPIKeySecret(t *testing.T) {
	s1, err := GenerateAPIKeySecret()
	require.NoError(t, err)
	s2, err := GenerateAPIKeySecret()
	require.NoError(t, err)

	assert.NotEqual(t, s1, s2)
	assert.NotContains(t, s1, ".")

	raw := model.FormatRawKey(uuid.New(), s1)
	id, secret, err := model.ParseRawKey(raw)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, s1, secret)
}
