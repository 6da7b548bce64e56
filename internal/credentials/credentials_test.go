package credentials_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/backupforce/internal/credentials"
)

func TestEnvStoreTokenMissing(t *testing.T) {
	s := credentials.NewEnvStore("BACKUPFORCE_TEST_")
	_, err := s.Token(context.Background(), "source")
	assert.Error(t, err)
}

func TestEnvStoreTokenFromEnv(t *testing.T) {
	t.Setenv("BACKUPFORCE_TEST_SESSION_TOKEN", "tok-123")
	s := credentials.NewEnvStore("BACKUPFORCE_TEST_")
	tok, err := s.Token(context.Background(), "source")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", tok)
}

func TestEnvStoreReadDefaultsAPIVersion(t *testing.T) {
	t.Setenv("BACKUPFORCE_TEST_BASE_URL", "https://example.my.salesforce.com")
	s := credentials.NewEnvStore("BACKUPFORCE_TEST_")
	conn, err := s.Read(context.Background(), "source")
	require.NoError(t, err)
	assert.Equal(t, "https://example.my.salesforce.com", conn.BaseURL)
	assert.Equal(t, "62.0", conn.APIVersion)
}

func TestEnvStoreReadMissingBaseURL(t *testing.T) {
	s := credentials.NewEnvStore("BACKUPFORCE_MISSING_")
	_, err := s.Read(context.Background(), "source")
	assert.Error(t, err)
}

func TestEnvStoreWriteIsReadOnly(t *testing.T) {
	s := credentials.NewEnvStore("BACKUPFORCE_TEST_")
	err := s.Write(context.Background(), credentials.Connection{Name: "source"}, "tok")
	assert.Error(t, err)
}
