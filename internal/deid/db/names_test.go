package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTableNames(t *testing.T) {
	tn, err := NewTableNames(func(suffix string) string {
		return "onprem_dicom_ws_trial7" + suffix
	})
	require.Nil(t, err)
	assert.Equal(t, "onprem_dicom_ws_trial7_status", tn.Status)
	assert.Equal(t, "onprem_dicom_ws_trial7_manifest", tn.Manifest)
	assert.Equal(t, "onprem_dicom_ws_trial7_int_cfgs", tn.IntCfgs)
	assert.Equal(t, "system_status", tn.SystemStatus)
}

func TestNewTableNamesRejectsInjection(t *testing.T) {
	_, err := NewTableNames(func(suffix string) string {
		return "x; DROP TABLE studies; --" + suffix
	})
	require.NotNil(t, err)
}
