package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wastelane/paddock/internal/model"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	raw, _, err := model.GenerateRawKey()
	require.NoError(t, err)

	hash, err := HashAPIKey(raw)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	ok, err := VerifyAPIKey(raw, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("pk_wrong_key", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyAPIKeyBadFormat(t *testing.T) {
	_, err := VerifyAPIKey("anything", "not-a-hash")
	assert.Error(t, err)
}

func TestIssueAndValidateToken(t *testing.T) {
	mgr, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	key := model.APIKey{
		ID:        uuid.New(),
		Principal: "aaaaa-aa",
		Role:      model.RoleAgent,
	}

	token, exp, err := mgr.IssueToken(key)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, exp.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "aaaaa-aa", claims.Principal)
	assert.Equal(t, model.RoleAgent, claims.Role)
	require.NotNil(t, claims.APIKeyID)
	assert.Equal(t, key.ID, *claims.APIKeyID)
}

func TestValidateTokenWrongKey(t *testing.T) {
	mgr1, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	mgr2, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := mgr1.IssueToken(model.APIKey{ID: uuid.New(), Principal: "p", Role: model.RoleAgent})
	require.NoError(t, err)

	_, err = mgr2.ValidateToken(token)
	assert.Error(t, err)
}
