package db

import (
	"regexp"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/db/dberror"
)

// TableNames carries the resolved workspace table names. Table names cannot
// be bound as statement parameters, so they are validated once here and then
// interpolated.
type TableNames struct {
	Status       string
	Manifest     string
	IntCfgs      string
	SystemStatus string
}

var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewTableNames builds the per-workspace table names from a name prefix
// function (see config.TableName). The system_status table is global and
// never workspace-prefixed.
func NewTableNames(tableName func(suffix string) string) (TableNames, apperrors.Error) {
	tn := TableNames{
		Status:       tableName("_status"),
		Manifest:     tableName("_manifest"),
		IntCfgs:      tableName("_int_cfgs"),
		SystemStatus: "system_status",
	}
	for _, name := range []string{tn.Status, tn.Manifest, tn.IntCfgs} {
		if !identifierRe.MatchString(name) {
			return TableNames{}, dberror.ErrInvalidInput.New("invalid table name: " + name)
		}
	}
	return tn, nil
}
