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

func (s *sqlStore) GetActiveManifest(ctx context.Context, accession string) (*models.ManifestRow, apperrors.Error) {
	query := fmt.Sprintf(`
		SELECT accession_num, active, subject_id, object_info_01, object_info_02,
		       object_info_03, object_info_04, last_datetime_processed, manifest_status
		FROM %s
		WHERE accession_num = $1 AND active = true;
	`, s.manifestTable())

	row := &models.ManifestRow{}
	var lastProcessed sql.NullTime
	var status sql.NullString
	err := s.db.QueryRowContext(ctx, query, accession).Scan(
		&row.AccessionNum, &row.Active, &row.SubjectID,
		&row.ObjectInfo01, &row.ObjectInfo02, &row.ObjectInfo03, &row.ObjectInfo04,
		&lastProcessed, &status,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, dberror.ErrNotFound.New("manifest row not found for accession " + accession)
		}
		log.Ctx(ctx).Error().Err(err).Str("accession", accession).Msg("failed to retrieve manifest row")
		return nil, dberror.ErrDatabase.Err(err)
	}
	if lastProcessed.Valid {
		row.LastDatetimeProcessed = lastProcessed.Time
	}
	row.ManifestStatus = fromNullable(status)
	return row, nil
}

func (s *sqlStore) InsertManifest(ctx context.Context, row *models.ManifestRow) apperrors.Error {
	query := fmt.Sprintf(`
		INSERT INTO %s (accession_num, active, subject_id, object_info_01, object_info_02,
			object_info_03, object_info_04, last_datetime_processed, manifest_status)
		VALUES ($1, true, $2, $3, $4, $5, $6, $7, $8);
	`, s.manifestTable())

	_, err := s.db.ExecContext(ctx, query,
		row.AccessionNum, row.SubjectID,
		row.ObjectInfo01, row.ObjectInfo02, row.ObjectInfo03, row.ObjectInfo04,
		row.LastDatetimeProcessed, nullable(row.ManifestStatus),
	)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			log.Ctx(ctx).Error().Str("accession", row.AccessionNum).Msg("manifest row already exists")
			return dberror.ErrAlreadyExists.New("manifest row already exists for accession " + row.AccessionNum)
		}
		log.Ctx(ctx).Error().Err(err).Str("accession", row.AccessionNum).Msg("failed to insert manifest row")
		return dberror.ErrDatabase.Err(err)
	}
	row.Active = true
	return nil
}

func (s *sqlStore) UpdateManifest(ctx context.Context, row *models.ManifestRow) apperrors.Error {
	query := fmt.Sprintf(`
		UPDATE %s SET subject_id = $1, object_info_01 = $2, object_info_02 = $3,
			object_info_03 = $4, object_info_04 = $5,
			last_datetime_processed = $6, manifest_status = $7
		WHERE accession_num = $8 AND active = true;
	`, s.manifestTable())
	return s.execOne(ctx, "update manifest row", query,
		row.SubjectID, row.ObjectInfo01, row.ObjectInfo02, row.ObjectInfo03, row.ObjectInfo04,
		row.LastDatetimeProcessed, nullable(row.ManifestStatus), row.AccessionNum)
}

func (s *sqlStore) SetManifestAccession(ctx context.Context, oldAccession, newAccession string) apperrors.Error {
	query := fmt.Sprintf(`UPDATE %s SET accession_num = $1 WHERE accession_num = $2 AND active = true;`, s.manifestTable())
	return s.execOne(ctx, "set manifest accession", query, newAccession, oldAccession)
}

// RetireManifest soft-retires the active row for an accession, keeping the
// legacy '-' prefix encoding.
func (s *sqlStore) RetireManifest(ctx context.Context, accession string) apperrors.Error {
	query := fmt.Sprintf(`
		UPDATE %s SET active = false, accession_num = '-' || accession_num
		WHERE accession_num = $1 AND active = true;
	`, s.manifestTable())
	return s.execOne(ctx, "retire manifest row", query, accession)
}

func (s *sqlStore) DeleteManifest(ctx context.Context, accession string) apperrors.Error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE accession_num = $1 AND active = true;`, s.manifestTable())
	return s.execOne(ctx, "delete manifest row", query, accession)
}
