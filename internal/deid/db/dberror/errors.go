package dberror

import (
	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
)

var (
	ErrDatabase      apperrors.Error = apperrors.New("db error")
	ErrAlreadyExists apperrors.Error = ErrDatabase.New("already exists")
	ErrNotFound      apperrors.Error = ErrDatabase.New("not found")
	ErrInvalidInput  apperrors.Error = ErrDatabase.New("invalid input")
	ErrMissingColumn apperrors.Error = ErrDatabase.New("missing column")
	ErrSchema        apperrors.Error = ErrDatabase.New("schema upgrade error")
)
