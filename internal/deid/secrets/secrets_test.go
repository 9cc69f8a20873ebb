package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEnv(t *testing.T) {
	t.Setenv("DEID_TEST_SECRET", "orthanc:s3cret")
	r := NewResolver()

	val, err := r.ResolveString(context.Background(), "env:DEID_TEST_SECRET")
	require.Nil(t, err)
	assert.Equal(t, "orthanc:s3cret", val)

	creds, err := r.ResolveCredentials(context.Background(), "env:DEID_TEST_SECRET")
	require.Nil(t, err)
	assert.Equal(t, "orthanc", creds.Username)
	assert.Equal(t, "s3cret", creds.Password)
}

func TestResolveEnvMissing(t *testing.T) {
	r := NewResolver()
	_, err := r.ResolveString(context.Background(), "env:DEID_TEST_SECRET_MISSING")
	require.NotNil(t, err)
	assert.True(t, err.Is(ErrNotFound))
}

func TestResolveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dsn")
	require.NoError(t, os.WriteFile(path, []byte("postgres://deid@db/workspace\n"), 0600))

	r := NewResolver()
	val, err := r.ResolveString(context.Background(), "file:"+path)
	require.Nil(t, err)
	assert.Equal(t, "postgres://deid@db/workspace", val)
}

func TestResolveBareValue(t *testing.T) {
	r := NewResolver()
	val, err := r.ResolveString(context.Background(), "postgres://deid@localhost/ws")
	require.Nil(t, err)
	assert.Equal(t, "postgres://deid@localhost/ws", val)
}

func TestParseCredentialsJSON(t *testing.T) {
	creds, err := ParseCredentials(`{"username": "qc", "password": "p:w"}`)
	require.Nil(t, err)
	assert.Equal(t, "qc", creds.Username)
	assert.Equal(t, "p:w", creds.Password)
}

func TestParseCredentialsMalformed(t *testing.T) {
	_, err := ParseCredentials("nopassword")
	require.NotNil(t, err)
	assert.True(t, err.Is(ErrBadFormat))

	_, err = ParseCredentials(`{"password": "x"}`)
	require.NotNil(t, err)
	assert.True(t, err.Is(ErrBadFormat))
}
