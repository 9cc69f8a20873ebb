package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/db/dberror"
	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
)

func (s *sqlStore) scanStatus(rows interface{ Scan(...any) error }) (*models.StatusRow, error) {
	row := &models.StatusRow{}
	var identified, deidentified, targets, qcStatus, qcAPI, qcExplorer sql.NullString
	dest := []any{
		&row.ChangeSeqID, &row.UUID, &row.AccessionNum, &row.Active,
		&row.SubjectID, &row.ObjectInfo01, &row.ObjectInfo02, &row.ObjectInfo03, &row.ObjectInfo04,
		&row.PhaseProcessed, &identified, &deidentified,
		&targets, &qcStatus, &qcAPI, &qcExplorer,
	}
	cfgVals := make([]sql.NullString, len(s.cfgFields))
	for i := range cfgVals {
		dest = append(dest, &cfgVals[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	row.IdentifiedLocalPath = fromNullable(identified)
	row.DeidentifiedLocalPath = fromNullable(deidentified)
	row.DeidentifiedTargets = fromNullable(targets)
	row.DeidQCStatus = fromNullable(qcStatus)
	row.DeidQCAPIStudyURL = fromNullable(qcAPI)
	row.DeidQCExplorerStudyURL = fromNullable(qcExplorer)
	row.ConfigVersions = make(map[string]string, len(s.cfgFields))
	for i, field := range s.cfgFields {
		if cfgVals[i].Valid {
			row.ConfigVersions[field] = cfgVals[i].String
		}
	}
	return row, nil
}

func (s *sqlStore) GetActiveStatusByUUID(ctx context.Context, uuid string) (*models.StatusRow, apperrors.Error) {
	query := s.statusQuery("uuid = $1 AND active = true")
	row, err := s.scanStatus(s.db.QueryRowContext(ctx, query, uuid))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, dberror.ErrNotFound.New("status row not found for uuid " + uuid)
		}
		log.Ctx(ctx).Error().Err(err).Str("uuid", uuid).Msg("failed to retrieve status row")
		return nil, dberror.ErrDatabase.Err(err)
	}
	return row, nil
}

func (s *sqlStore) listStatus(ctx context.Context, where string, args ...any) ([]models.StatusRow, apperrors.Error) {
	query := s.statusQuery(where)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to list status rows")
		return nil, dberror.ErrDatabase.Err(err)
	}
	defer rows.Close()

	var result []models.StatusRow
	for rows.Next() {
		row, err := s.scanStatus(rows)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("failed to scan status row")
			return nil, dberror.ErrDatabase.Err(err)
		}
		result = append(result, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, dberror.ErrDatabase.Err(err)
	}
	return result, nil
}

func (s *sqlStore) ListActiveStatusByAccession(ctx context.Context, accession string) ([]models.StatusRow, apperrors.Error) {
	return s.listStatus(ctx, "accession_num = $1 AND active = true", accession)
}

func (s *sqlStore) ListActiveStatus(ctx context.Context) ([]models.StatusRow, apperrors.Error) {
	return s.listStatus(ctx, "active = true")
}

func (s *sqlStore) ListActiveStatusByPhase(ctx context.Context, phase int) ([]models.StatusRow, apperrors.Error) {
	return s.listStatus(ctx, "phase_processed = $1 AND active = true", phase)
}

func (s *sqlStore) InsertStatus(ctx context.Context, row *models.StatusRow) apperrors.Error {
	query := fmt.Sprintf(`
		INSERT INTO %s (change_seq_id, uuid, accession_num, active,
			subject_id, object_info_01, object_info_02, object_info_03, object_info_04,
			phase_processed, identified_local_path, deidentified_local_path,
			deidentified_targets, deid_qc_status, deid_qc_api_study_url,
			deid_qc_explorer_study_url)
		VALUES ($1, $2, $3, true, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
	`, s.statusTable())

	_, err := s.db.ExecContext(ctx, query,
		row.ChangeSeqID, row.UUID, row.AccessionNum,
		row.SubjectID, row.ObjectInfo01, row.ObjectInfo02, row.ObjectInfo03, row.ObjectInfo04,
		row.PhaseProcessed,
		nullable(row.IdentifiedLocalPath), nullable(row.DeidentifiedLocalPath),
		nullable(row.DeidentifiedTargets), nullable(row.DeidQCStatus),
		nullable(row.DeidQCAPIStudyURL), nullable(row.DeidQCExplorerStudyURL),
	)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			log.Ctx(ctx).Error().Str("uuid", row.UUID).Msg("status row already exists")
			return dberror.ErrAlreadyExists.New("status row already exists for uuid " + row.UUID)
		}
		log.Ctx(ctx).Error().Err(err).Str("uuid", row.UUID).Msg("failed to insert status row")
		return dberror.ErrDatabase.Err(err)
	}
	row.Active = true
	return nil
}

func (s *sqlStore) SetStatusPhase(ctx context.Context, uuid string, phase int) apperrors.Error {
	query := fmt.Sprintf(`UPDATE %s SET phase_processed = $1 WHERE uuid = $2 AND active = true;`, s.statusTable())
	return s.execOne(ctx, "set status phase", query, phase, uuid)
}

func (s *sqlStore) SetStatusAttrs(ctx context.Context, uuid, subject, oi01, oi02, oi03 string) apperrors.Error {
	query := fmt.Sprintf(`
		UPDATE %s SET subject_id = $1, object_info_01 = $2, object_info_02 = $3, object_info_03 = $4
		WHERE uuid = $5 AND active = true;
	`, s.statusTable())
	return s.execOne(ctx, "set status attrs", query, subject, oi01, oi02, oi03, uuid)
}

func (s *sqlStore) SetStatusPaths(ctx context.Context, uuid, identified, deidentified string) apperrors.Error {
	query := fmt.Sprintf(`
		UPDATE %s SET identified_local_path = $1, deidentified_local_path = $2
		WHERE uuid = $3 AND active = true;
	`, s.statusTable())
	return s.execOne(ctx, "set status paths", query, nullable(identified), nullable(deidentified), uuid)
}

func (s *sqlStore) SetStatusTargets(ctx context.Context, uuid, targets string) apperrors.Error {
	query := fmt.Sprintf(`UPDATE %s SET deidentified_targets = $1 WHERE uuid = $2 AND active = true;`, s.statusTable())
	return s.execOne(ctx, "set status targets", query, nullable(targets), uuid)
}

func (s *sqlStore) SetStatusQC(ctx context.Context, uuid, qcStatus, apiStudyURL, explorerStudyURL string) apperrors.Error {
	query := fmt.Sprintf(`
		UPDATE %s SET deid_qc_status = $1, deid_qc_api_study_url = $2, deid_qc_explorer_study_url = $3
		WHERE uuid = $4 AND active = true;
	`, s.statusTable())
	return s.execOne(ctx, "set status qc", query,
		nullable(qcStatus), nullable(apiStudyURL), nullable(explorerStudyURL), uuid)
}

func (s *sqlStore) SetStatusConfigVersion(ctx context.Context, uuid, statusField, version string) apperrors.Error {
	present := false
	for _, f := range s.cfgFields {
		if f == statusField {
			present = true
			break
		}
	}
	if !present {
		log.Ctx(ctx).Warn().Str("column", statusField).
			Msg("config status field column not present; version not recorded")
		return dberror.ErrMissingColumn.New("missing config column " + statusField)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE uuid = $2 AND active = true;`, s.statusTable(), statusField)
	return s.execOne(ctx, "set status config version", query, version, uuid)
}

func (s *sqlStore) SetStatusAccession(ctx context.Context, uuid, accession string) apperrors.Error {
	query := fmt.Sprintf(`UPDATE %s SET accession_num = $1 WHERE uuid = $2 AND active = true;`, s.statusTable())
	return s.execOne(ctx, "set status accession", query, accession, uuid)
}

func (s *sqlStore) AdvanceStatusChangeSeq(ctx context.Context, uuid string, changeSeqID int64) apperrors.Error {
	query := fmt.Sprintf(`UPDATE %s SET change_seq_id = $1 WHERE uuid = $2 AND active = true;`, s.statusTable())
	return s.execOne(ctx, "advance status change seq", query, changeSeqID, uuid)
}

// RetireStatus soft-retires a row. The accession prefix and change id
// negation follow the legacy encoding; the pipeline itself only reads the
// active flag.
func (s *sqlStore) RetireStatus(ctx context.Context, uuid string) apperrors.Error {
	query := fmt.Sprintf(`
		UPDATE %s SET active = false,
			accession_num = '-' || accession_num,
			change_seq_id = -change_seq_id
		WHERE uuid = $1 AND active = true;
	`, s.statusTable())
	return s.execOne(ctx, "retire status row", query, uuid)
}

func (s *sqlStore) DeleteStatusRow(ctx context.Context, uuid string, changeSeqID int64) apperrors.Error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE uuid = $1 AND change_seq_id = $2;`, s.statusTable())
	return s.execOne(ctx, "delete status row", query, uuid, changeSeqID)
}
