package db

import (
	"database/sql"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/db/dberror"
)

// Open opens a PostgreSQL pool for the given DSN using the pgx stdlib
// driver and verifies the connection.
func Open(dsn string) (*sql.DB, apperrors.Error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Error().Err(err).Msg("failed to open db")
		return nil, dberror.ErrDatabase.Err(err)
	}

	if err := sqlDB.Ping(); err != nil {
		log.Error().Err(err).Msg("failed to ping db")
		sqlDB.Close()
		return nil, dberror.ErrDatabase.Err(err)
	}

	return sqlDB, nil
}
