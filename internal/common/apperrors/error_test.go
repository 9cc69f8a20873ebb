package apperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorHierarchy(t *testing.T) {
	base := New("pacs error").SetPhase(3)
	derived := base.New("download failed")

	assert.True(t, derived.Is(base))
	assert.Equal(t, 3, derived.Phase())
	assert.Equal(t, "download failed", derived.Error())
}

func TestErrorWrapping(t *testing.T) {
	base := New("db error")
	inner := errors.New("connection refused")
	err := base.New("update failed").Err(inner)

	assert.True(t, err.Is(inner))
	assert.Equal(t, "update failed", err.Error())

	err.SetExpandError(true)
	assert.Equal(t, "update failed: connection refused", err.ErrorAll())
}

func TestErrorPhaseOverride(t *testing.T) {
	base := New("publish error").SetPhase(5)
	err := base.New("s3 write failed")
	assert.Equal(t, 5, err.Phase())

	err.SetPhase(4)
	assert.Equal(t, 4, err.Phase())
}
