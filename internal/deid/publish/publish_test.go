package publish

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/archive"
	"github.com/locutushealth/dicomdeid/internal/deid/config"
)

func TestZipName(t *testing.T) {
	assert.Equal(t, filepath.Join("S1_a_b_c", "uuid_U1.zip"), ZipName("S1", "a", "b", "c", "U1"))
	assert.Equal(t, filepath.Join("S1_a_c", "uuid_U1.zip"), ZipName("S1", "a", "", "c", "U1"))
	assert.Equal(t, filepath.Join("S1", "uuid_U1.zip"), ZipName("S1", "", "", "", "U1"))
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "top/S1/a/b/c/uuid_U1.zip", ObjectKey("top", "S1", "a", "b", "c", "U1"))
	assert.Equal(t, "S1/uuid_U1.zip", ObjectKey("", "S1", "", "", "", "U1"))
}

func TestAppendTargetURL(t *testing.T) {
	assert.Equal(t, "/a/b.zip", AppendTargetURL("", "/a/b.zip"))
	assert.Equal(t, "/a/b.zip,s3://x/y.zip", AppendTargetURL("/a/b.zip", "s3://x/y.zip"))
	assert.Equal(t, "/a/b.zip,s3://x/y.zip", AppendTargetURL("/a/b.zip,s3://x/y.zip", "s3://x/y.zip"))
}

func deidTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "series1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "series1", "img.dcm"), []byte("deid"), 0644))
	return dir
}

func TestPublishFilesystem(t *testing.T) {
	root := t.TempDir()
	pub := New(t.TempDir(), &FilesystemTarget{Root: root})

	result, err := pub.Publish(context.Background(), Request{
		DeidDir:      deidTree(t),
		SubjectID:    "S1",
		ObjectInfo01: "MRI",
		ObjectInfo02: "120",
		ObjectInfo03: "HEAD",
		UUID:         "U1",
	})
	require.Nil(t, err)
	require.False(t, result.Failed())
	require.Len(t, result.URLs(), 1)

	published := filepath.Join(root, "S1_MRI_120_HEAD", "uuid_U1.zip")
	data, rerr := os.ReadFile(published)
	require.NoError(t, rerr)
	require.Nil(t, archive.Unzip(data, t.TempDir()))

	abs, _ := filepath.Abs(published)
	assert.Equal(t, abs, result.URLs()[0])
}

type failingTarget struct{}

func (failingTarget) Name() string { return "boom" }
func (failingTarget) Store(ctx context.Context, zipPath string, req Request) (string, apperrors.Error) {
	return "", ErrPublish.New("transport down")
}

func TestPublishCollectsPartialFailures(t *testing.T) {
	root := t.TempDir()
	pub := New(t.TempDir(), &FilesystemTarget{Root: root}, failingTarget{})

	result, err := pub.Publish(context.Background(), Request{
		DeidDir: deidTree(t), SubjectID: "S1", UUID: "U2",
	})
	require.Nil(t, err)
	assert.True(t, result.Failed())
	assert.Len(t, result.URLs(), 1)
	assert.Len(t, result.Targets, 2)
	assert.Nil(t, result.Targets[0].Err)
	assert.NotNil(t, result.Targets[1].Err)
}

func TestPublishNoTargets(t *testing.T) {
	pub := New(t.TempDir())
	_, err := pub.Publish(context.Background(), Request{DeidDir: deidTree(t), UUID: "U3"})
	require.NotNil(t, err)
	assert.True(t, err.Is(ErrNoTargets))
}

func TestTargetsFromConfig(t *testing.T) {
	targets := TargetsFromConfig(config.TargetParam{
		FilesystemRoot: "/out",
		S3Bucket:       "bkt",
		GCSBucket:      "gbkt",
	})
	require.Len(t, targets, 3)
	assert.Equal(t, "filesystem", targets[0].Name())
	assert.Equal(t, "s3", targets[1].Name())
	assert.Equal(t, "gcs", targets[2].Name())

	targets = TargetsFromConfig(config.TargetParam{FilesystemRoot: "/out"})
	require.Len(t, targets, 1)
}
