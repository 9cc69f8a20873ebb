// Package stager provides a read-only view of the upstream stable-study
// table. Only the maximum change_seq_id per (accession, uuid) is surfaced;
// historical change noise is eliminated before it reaches the pipeline.
package stager

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/db/dberror"
)

// Change is one collapsed upstream event: the latest change id the stager
// holds for a study.
type Change struct {
	Accession   string
	ChangeSeqID int64
	UUID        string
	StudyURL    string
}

// Reader lists the active upstream changes.
type Reader interface {
	ListActiveChanges(ctx context.Context) ([]Change, apperrors.Error)
}

type sqlReader struct {
	db    *sql.DB
	table string
}

var tableRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewReader creates a Reader over the given stager table. The table name is
// validated once since it is interpolated.
func NewReader(pool *sql.DB, table string) (Reader, apperrors.Error) {
	if !tableRe.MatchString(table) {
		return nil, dberror.ErrInvalidInput.New("invalid stager table name: " + table)
	}
	return &sqlReader{db: pool, table: table}, nil
}

func (r *sqlReader) ListActiveChanges(ctx context.Context) ([]Change, apperrors.Error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(NULLIF(accession_str, ''), accession_num) AS accession,
		       change_seq_id, uuid, study_url
		FROM %s
		WHERE active = true;
	`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to list stager changes")
		return nil, dberror.ErrDatabase.Err(err)
	}
	defer rows.Close()

	var raw []Change
	for rows.Next() {
		var c Change
		var studyURL sql.NullString
		if err := rows.Scan(&c.Accession, &c.ChangeSeqID, &c.UUID, &studyURL); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("failed to scan stager row")
			return nil, dberror.ErrDatabase.Err(err)
		}
		if studyURL.Valid {
			c.StudyURL = studyURL.String
		}
		raw = append(raw, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dberror.ErrDatabase.Err(err)
	}
	return CollapseMax(raw), nil
}

// CollapseMax keeps only the maximum change_seq_id per (accession, uuid)
// pair. The stager appends a row per event; the pipeline cares only about
// the latest.
func CollapseMax(changes []Change) []Change {
	type key struct{ accession, uuid string }
	best := make(map[key]Change, len(changes))
	var order []key
	for _, c := range changes {
		k := key{c.Accession, c.UUID}
		prev, seen := best[k]
		if !seen {
			order = append(order, k)
			best[k] = c
			continue
		}
		if c.ChangeSeqID > prev.ChangeSeqID {
			best[k] = c
		}
	}
	result := make([]Change, 0, len(order))
	for _, k := range order {
		result = append(result, best[k])
	}
	return result
}
