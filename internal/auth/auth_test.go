package auth_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentum-dev/agentum/internal/auth"
	"github.com/agentum-dev/agentum/internal/model"
	"github.com/agentum-dev/agentum/internal/testutil"
)

func TestIssueAndValidate(t *testing.T) {
	secrets := filepath.Join(t.TempDir(), "secrets.yaml")
	svc, err := auth.New(secrets, time.Hour, testutil.Logger(t))
	require.NoError(t, err)

	userID := uuid.New().String()
	token, expiresIn, err := svc.IssueToken(userID)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, int64(3600), expiresIn)

	subject, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, subject)
}

func TestValidateRejectsGarbage(t *testing.T) {
	secrets := filepath.Join(t.TempDir(), "secrets.yaml")
	svc, err := auth.New(secrets, time.Hour, testutil.Logger(t))
	require.NoError(t, err)

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := svc.ValidateToken(token)
		assert.ErrorIs(t, err, model.ErrUnauthorized, "token %q", token)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	secrets := filepath.Join(t.TempDir(), "secrets.yaml")
	svc, err := auth.New(secrets, time.Millisecond, testutil.Logger(t))
	require.NoError(t, err)

	token, _, err := svc.IssueToken(uuid.New().String())
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestSecretPersistsAcrossRestarts(t *testing.T) {
	secrets := filepath.Join(t.TempDir(), "secrets.yaml")

	first, err := auth.New(secrets, time.Hour, testutil.Logger(t))
	require.NoError(t, err)
	token, _, err := first.IssueToken(uuid.New().String())
	require.NoError(t, err)

	// A second service instance reads the same persisted secret, so
	// tokens survive a process restart.
	second, err := auth.New(secrets, time.Hour, testutil.Logger(t))
	require.NoError(t, err)
	_, err = second.ValidateToken(token)
	assert.NoError(t, err)
}

func TestDifferentSecretsRejectTokens(t *testing.T) {
	svcA, err := auth.New(filepath.Join(t.TempDir(), "a.yaml"), time.Hour, testutil.Logger(t))
	require.NoError(t, err)
	svcB, err := auth.New(filepath.Join(t.TempDir(), "b.yaml"), time.Hour, testutil.Logger(t))
	require.NoError(t, err)

	token, _, err := svcA.IssueToken(uuid.New().String())
	require.NoError(t, err)

	_, err = svcB.ValidateToken(token)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}
