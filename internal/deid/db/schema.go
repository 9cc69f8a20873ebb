package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/db/dberror"
)

// SchemaManager creates and upgrades the workspace tables. It runs before
// NewStore so that the store's column probing sees the final schema.
type SchemaManager struct {
	db    *sql.DB
	names TableNames
}

func NewSchemaManager(pool *sql.DB, names TableNames) *SchemaManager {
	return &SchemaManager{db: pool, names: names}
}

// EnsureTables creates the workspace tables when absent. The partial unique
// indexes enforce the active-row uniqueness invariants.
func (m *SchemaManager) EnsureTables(ctx context.Context) apperrors.Error {
	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				change_seq_id bigint NOT NULL,
				uuid text NOT NULL,
				accession_num text NOT NULL,
				active boolean NOT NULL DEFAULT true,
				subject_id text NOT NULL DEFAULT '',
				object_info_01 text NOT NULL DEFAULT '',
				object_info_02 text NOT NULL DEFAULT '',
				object_info_03 text NOT NULL DEFAULT '',
				object_info_04 text NOT NULL DEFAULT '',
				phase_processed integer NOT NULL DEFAULT 2,
				identified_local_path text,
				deidentified_local_path text,
				deidentified_targets text,
				deid_qc_status text,
				deid_qc_api_study_url text,
				deid_qc_explorer_study_url text
			);
		`, m.names.Status),
		fmt.Sprintf(`
			CREATE UNIQUE INDEX IF NOT EXISTS %s_uuid_active_idx
			ON %s (uuid) WHERE active;
		`, m.names.Status, m.names.Status),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				accession_num text NOT NULL,
				active boolean NOT NULL DEFAULT true,
				subject_id text NOT NULL DEFAULT '',
				object_info_01 text NOT NULL DEFAULT '',
				object_info_02 text NOT NULL DEFAULT '',
				object_info_03 text NOT NULL DEFAULT '',
				object_info_04 text NOT NULL DEFAULT '',
				last_datetime_processed timestamptz,
				manifest_status text
			);
		`, m.names.Manifest),
		fmt.Sprintf(`
			CREATE UNIQUE INDEX IF NOT EXISTS %s_accession_active_idx
			ON %s (accession_num) WHERE active;
		`, m.names.Manifest, m.names.Manifest),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				config_type text NOT NULL,
				config_version text NOT NULL,
				config_desc text,
				date_activated timestamptz NOT NULL,
				at_phase integer NOT NULL,
				status_field text NOT NULL,
				active boolean NOT NULL DEFAULT true
			);
		`, m.names.IntCfgs),
		fmt.Sprintf(`
			CREATE UNIQUE INDEX IF NOT EXISTS %s_type_active_idx
			ON %s (config_type) WHERE active;
		`, m.names.IntCfgs, m.names.IntCfgs),
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("failed to ensure workspace tables")
			return dberror.ErrSchema.Err(err)
		}
	}
	return nil
}

// EnsureConfigColumns adds a status-table column for each declared IntConfig
// status field that is not yet present. The registry is data; columns follow
// it automatically.
func (m *SchemaManager) EnsureConfigColumns(ctx context.Context, statusFields []string) apperrors.Error {
	for _, field := range statusFields {
		if !identifierRe.MatchString(field) {
			return dberror.ErrInvalidInput.New("invalid config status field: " + field)
		}
		stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s text;`, m.names.Status, field)
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("column", field).Msg("failed to add config column")
			return dberror.ErrSchema.Err(err)
		}
	}
	return nil
}

// numericColumnTypes are the column types that trigger the accession text
// upgrade. Historical workspaces stored accession numbers as numerics.
var numericColumnTypes = map[string]bool{
	"integer":          true,
	"bigint":           true,
	"smallint":         true,
	"numeric":          true,
	"double precision": true,
	"real":             true,
}

// UpgradeAccessionColumns converts a numeric-typed accession_num column to
// text in both the status and manifest tables and strips the trailing ".000"
// that lossy decimal formatting introduced. With force set, the cleanup
// statements run again even if the columns are already text; the whole
// routine is idempotent.
func (m *SchemaManager) UpgradeAccessionColumns(ctx context.Context, force bool) apperrors.Error {
	for _, table := range []string{m.names.Status, m.names.Manifest} {
		upgraded, err := m.upgradeAccessionColumn(ctx, table)
		if err != nil {
			return err
		}
		if upgraded || force {
			stmt := fmt.Sprintf(`
				UPDATE %s SET accession_num = left(accession_num, -4)
				WHERE accession_num LIKE '%%.000';
			`, table)
			if _, err := m.db.ExecContext(ctx, stmt); err != nil {
				log.Ctx(ctx).Error().Err(err).Str("table", table).Msg("failed to strip .000 suffixes")
				return dberror.ErrSchema.Err(err)
			}
		}
	}
	return nil
}

func (m *SchemaManager) upgradeAccessionColumn(ctx context.Context, table string) (bool, apperrors.Error) {
	query := `
		SELECT data_type
		FROM information_schema.columns
		WHERE LOWER(table_name) = LOWER($1) AND column_name = 'accession_num';
	`
	var dataType string
	err := m.db.QueryRowContext(ctx, query, table).Scan(&dataType)
	if err != nil {
		if err == sql.ErrNoRows {
			// table not created yet; nothing to upgrade
			return false, nil
		}
		log.Ctx(ctx).Error().Err(err).Str("table", table).Msg("failed to probe accession column type")
		return false, dberror.ErrSchema.Err(err)
	}

	if !numericColumnTypes[strings.ToLower(dataType)] {
		return false, nil
	}

	log.Ctx(ctx).Warn().Str("table", table).Str("data_type", dataType).
		Msg("upgrading numeric accession column to text")
	stmt := fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN accession_num TYPE text USING accession_num::text;`, table)
	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("table", table).Msg("failed to alter accession column")
		return false, dberror.ErrSchema.Err(err)
	}
	return true, nil
}
