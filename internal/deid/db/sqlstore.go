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

// sqlStore is the PostgreSQL implementation of Store.
type sqlStore struct {
	db    *sql.DB
	names TableNames

	// cfgFields are the IntConfig status_field columns actually present in
	// the status table. Declared configs whose column is missing are not
	// selected; the gate treats the absent value as a mismatch.
	cfgFields []string
}

// NewStore creates a Store over the given pool. declaredCfgFields lists the
// status_field columns of the declared IntConfig registry; each is probed so
// that readers tolerate schema drift.
func NewStore(ctx context.Context, pool *sql.DB, names TableNames, declaredCfgFields []string) (Store, apperrors.Error) {
	s := &sqlStore{db: pool, names: names}
	for _, field := range declaredCfgFields {
		if !identifierRe.MatchString(field) {
			return nil, dberror.ErrInvalidInput.New("invalid config status field: " + field)
		}
		present, err := s.columnExists(ctx, names.Status, field)
		if err != nil {
			return nil, err
		}
		if present {
			s.cfgFields = append(s.cfgFields, field)
		} else {
			log.Ctx(ctx).Warn().Str("column", field).Str("table", names.Status).
				Msg("config status field column not present; gate will report mismatch")
		}
	}
	return s, nil
}

// columnExists probes information_schema for a column, case-insensitively.
func (s *sqlStore) columnExists(ctx context.Context, table, column string) (bool, apperrors.Error) {
	query := `
		SELECT COUNT(*)
		FROM information_schema.columns
		WHERE LOWER(table_name) = LOWER($1) AND LOWER(column_name) = LOWER($2);
	`
	var count int
	if err := s.db.QueryRowContext(ctx, query, table, column).Scan(&count); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("table", table).Str("column", column).
			Msg("failed to probe column")
		return false, dberror.ErrDatabase.Err(err)
	}
	return count > 0, nil
}

// tableExists probes information_schema for a table, case-insensitively.
func (s *sqlStore) tableExists(ctx context.Context, table string) (bool, apperrors.Error) {
	query := `
		SELECT COUNT(*)
		FROM information_schema.tables
		WHERE LOWER(table_name) = LOWER($1);
	`
	var count int
	if err := s.db.QueryRowContext(ctx, query, table).Scan(&count); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("table", table).Msg("failed to probe table")
		return false, dberror.ErrDatabase.Err(err)
	}
	return count > 0, nil
}

// statusColumns returns the SELECT column list for status rows, fixed
// columns first, then whatever config columns are present.
func (s *sqlStore) statusColumns() string {
	cols := []string{
		"change_seq_id", "uuid", "accession_num", "active",
		"subject_id", "object_info_01", "object_info_02", "object_info_03", "object_info_04",
		"phase_processed", "identified_local_path", "deidentified_local_path",
		"deidentified_targets", "deid_qc_status", "deid_qc_api_study_url",
		"deid_qc_explorer_study_url",
	}
	cols = append(cols, s.cfgFields...)
	return strings.Join(cols, ", ")
}

// execOne runs a single-statement write and reports ErrNotFound when no row
// was touched.
func (s *sqlStore) execOne(ctx context.Context, what, query string, args ...any) apperrors.Error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to " + what)
		return dberror.ErrDatabase.Err(err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to retrieve result information")
		return dberror.ErrDatabase.Err(err)
	}
	if rowsAffected == 0 {
		log.Ctx(ctx).Info().Msg(what + ": no rows affected")
		return dberror.ErrNotFound.New(what + ": not found")
	}
	return nil
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func fromNullable(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

func (s *sqlStore) statusTable() string   { return s.names.Status }
func (s *sqlStore) manifestTable() string { return s.names.Manifest }
func (s *sqlStore) intCfgsTable() string  { return s.names.IntCfgs }

func (s *sqlStore) statusQuery(where string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s;", s.statusColumns(), s.statusTable(), where)
}
