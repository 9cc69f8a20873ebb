package anonymizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake_anon.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestRunSuccess(t *testing.T) {
	out := filepath.Join(t.TempDir(), "deid")
	// the stub creates its output dir the way the real engine does
	bin := writeScript(t, `
while [ $# -gt 0 ]; do
  if [ "$1" = "--output" ]; then mkdir -p "$2"; fi
  shift
done`)

	iv := New(bin)
	err := iv.Run(context.Background(), Job{
		InputDir:  t.TempDir(),
		OutputDir: out,
		SpecFile:  "spec.txt",
	})
	require.Nil(t, err)
	_, statErr := os.Stat(out)
	assert.NoError(t, statErr)
}

func TestRunNonZeroExit(t *testing.T) {
	bin := writeScript(t, "exit 3")
	iv := New(bin)

	err := iv.Run(context.Background(), Job{InputDir: t.TempDir(), OutputDir: filepath.Join(t.TempDir(), "x")})
	require.NotNil(t, err)
	assert.True(t, err.Is(ErrExit))
	assert.Contains(t, err.Error(), "dicom_anon returned non-zero error code of 3")
}

func TestRunMissingOutput(t *testing.T) {
	bin := writeScript(t, "exit 0")
	iv := New(bin)

	err := iv.Run(context.Background(), Job{InputDir: t.TempDir(), OutputDir: filepath.Join(t.TempDir(), "never-created")})
	require.NotNil(t, err)
	assert.True(t, err.Is(ErrNoOutput))
	assert.Contains(t, err.Error(), "all input modalities unsupported")
}
