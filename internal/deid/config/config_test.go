package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/media", Config().SourcePACS.DicomDirSuffix)
	assert.Equal(t, 5, Config().MaxSameAccessionAttempts)
}

func TestLoadConfigFile(t *testing.T) {
	content := `
workspace = "trial7"
manual_qc = true
max_same_accession_attempts = 3

[source_pacs]
url = "http://orthanc-src:8042"
credential_ref = "env:SRC_PACS_CREDS"

[targets]
filesystem_root = "/mnt/published"
s3_bucket = "deid-studies"
`
	path := filepath.Join(t.TempDir(), "dicomdeid.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "trial7", Config().Workspace)
	assert.True(t, Config().ManualQC)
	assert.Equal(t, 3, Config().MaxSameAccessionAttempts)
	assert.Equal(t, "http://orthanc-src:8042", Config().SourcePACS.URL)
	assert.Equal(t, "deid-studies", Config().Targets.S3Bucket)
	// defaults survive a partial file
	assert.Equal(t, "/media", Config().SourcePACS.DicomDirSuffix)
}

func TestTableName(t *testing.T) {
	c := &ConfigParam{}
	assert.Equal(t, "onprem_dicom_status", c.TableName("_status"))

	c.Workspace = "trial7"
	assert.Equal(t, "onprem_dicom_ws_trial7_status", c.TableName("_status"))
	assert.Equal(t, "onprem_dicom_ws_trial7_int_cfgs", c.TableName("_int_cfgs"))
}
