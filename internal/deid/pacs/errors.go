package pacs

import (
	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
)

var (
	ErrPACS     apperrors.Error = apperrors.New("pacs error")
	ErrDownload apperrors.Error = ErrPACS.New("download failed")
	ErrUpload   apperrors.Error = ErrPACS.New("upload failed")
	ErrResolve  apperrors.Error = ErrPACS.New("parent study resolution failed")
	ErrDelete   apperrors.Error = ErrPACS.New("delete failed")
	ErrNotFound apperrors.Error = ErrPACS.New("not found")
)
