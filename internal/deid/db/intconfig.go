package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/db/dberror"
	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
)

func (s *sqlStore) ListActiveIntConfigs(ctx context.Context) ([]models.IntConfigRow, apperrors.Error) {
	query := fmt.Sprintf(`
		SELECT config_type, config_version, config_desc, date_activated, at_phase, status_field, active
		FROM %s
		WHERE active = true
		ORDER BY config_type;
	`, s.intCfgsTable())

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to list active int configs")
		return nil, dberror.ErrDatabase.Err(err)
	}
	defer rows.Close()

	var result []models.IntConfigRow
	for rows.Next() {
		var row models.IntConfigRow
		var desc sql.NullString
		if err := rows.Scan(&row.ConfigType, &row.ConfigVersion, &desc,
			&row.DateActivated, &row.AtPhase, &row.StatusField, &row.Active); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("failed to scan int config row")
			return nil, dberror.ErrDatabase.Err(err)
		}
		row.ConfigDesc = fromNullable(desc)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, dberror.ErrDatabase.Err(err)
	}
	return result, nil
}

func (s *sqlStore) GetActiveIntConfigByType(ctx context.Context, configType string) (*models.IntConfigRow, apperrors.Error) {
	query := fmt.Sprintf(`
		SELECT config_type, config_version, config_desc, date_activated, at_phase, status_field, active
		FROM %s
		WHERE config_type = $1 AND active = true;
	`, s.intCfgsTable())

	row := &models.IntConfigRow{}
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx, query, configType).Scan(
		&row.ConfigType, &row.ConfigVersion, &desc,
		&row.DateActivated, &row.AtPhase, &row.StatusField, &row.Active,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, dberror.ErrNotFound.New("no active int config of type " + configType)
		}
		log.Ctx(ctx).Error().Err(err).Str("config_type", configType).Msg("failed to retrieve int config")
		return nil, dberror.ErrDatabase.Err(err)
	}
	row.ConfigDesc = fromNullable(desc)
	return row, nil
}

func (s *sqlStore) InsertIntConfig(ctx context.Context, row *models.IntConfigRow) apperrors.Error {
	query := fmt.Sprintf(`
		INSERT INTO %s (config_type, config_version, config_desc, date_activated, at_phase, status_field, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`, s.intCfgsTable())

	_, err := s.db.ExecContext(ctx, query,
		row.ConfigType, row.ConfigVersion, nullable(row.ConfigDesc),
		row.DateActivated, row.AtPhase, row.StatusField, row.Active,
	)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("config_type", row.ConfigType).Msg("failed to insert int config")
		return dberror.ErrDatabase.Err(err)
	}
	return nil
}

func (s *sqlStore) DeactivateIntConfig(ctx context.Context, configType string) apperrors.Error {
	query := fmt.Sprintf(`UPDATE %s SET active = false WHERE config_type = $1 AND active = true;`, s.intCfgsTable())
	return s.execOne(ctx, "deactivate int config", query, configType)
}

// GetSystemStatus reads the three-level health signal. A missing
// system_status table means health checking is not deployed; everything is
// reported active.
func (s *sqlStore) GetSystemStatus(ctx context.Context, host, module string) (models.SystemStatus, apperrors.Error) {
	status := models.SystemStatus{Overall: true, Host: true, Module: true}

	present, aerr := s.tableExists(ctx, s.names.SystemStatus)
	if aerr != nil {
		return status, aerr
	}
	if !present {
		return status, nil
	}

	query := fmt.Sprintf(`SELECT scope, name, active FROM %s;`, s.names.SystemStatus)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to read system status")
		return status, dberror.ErrDatabase.Err(err)
	}
	defer rows.Close()

	for rows.Next() {
		var scope, name string
		var active bool
		if err := rows.Scan(&scope, &name, &active); err != nil {
			return status, dberror.ErrDatabase.Err(err)
		}
		switch scope {
		case "overall":
			status.Overall = status.Overall && active
		case "host":
			if name == host {
				status.Host = status.Host && active
			}
		case "module":
			if name == module {
				status.Module = status.Module && active
			}
		}
	}
	if err := rows.Err(); err != nil {
		return status, dberror.ErrDatabase.Err(err)
	}
	return status, nil
}
