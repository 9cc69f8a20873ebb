// Package migrate reconciles the workspace status table against the
// upstream stager before any manifest processing: retires zombies, collapses
// duplicate per-UUID change rows and migrates new changes in.
package migrate

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/db"
	"github.com/locutushealth/dicomdeid/internal/deid/db/dberror"
	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
	"github.com/locutushealth/dicomdeid/internal/deid/stager"
)

var ErrMigrate apperrors.Error = apperrors.New("migration error")

// Counters summarizes one reconciliation run.
type Counters struct {
	ZombiesFound   int
	ZombiesRemoved int
	ExtrasRemoved  int
	Migrated       int
	ExtrasCleaned  int
}

// Engine reconciles status rows against stager changes.
type Engine struct {
	store         db.Store
	stager        stager.Reader
	removeZombies bool
}

func NewEngine(store db.Store, reader stager.Reader, removeZombies bool) *Engine {
	return &Engine{store: store, stager: reader, removeZombies: removeZombies}
}

// Run executes the three reconciliation phases in order and returns the
// counters. A failure on one row aborts the run; reconciliation must be
// complete before manifest processing starts.
func (e *Engine) Run(ctx context.Context) (Counters, apperrors.Error) {
	var counters Counters

	changes, err := e.stager.ListActiveChanges(ctx)
	if err != nil {
		return counters, ErrMigrate.New("unable to list stager changes").Err(err)
	}
	statusRows, err := e.store.ListActiveStatus(ctx)
	if err != nil {
		return counters, ErrMigrate.New("unable to list status rows").Err(err)
	}

	if err := e.retireZombies(ctx, changes, statusRows, &counters); err != nil {
		return counters, err
	}
	if err := e.collapseExtras(ctx, statusRows, &counters); err != nil {
		return counters, err
	}
	if err := e.migrateNew(ctx, changes, &counters); err != nil {
		return counters, err
	}

	log.Ctx(ctx).Info().
		Int("zombies_found", counters.ZombiesFound).
		Int("zombies_removed", counters.ZombiesRemoved).
		Int("extras_removed", counters.ExtrasRemoved).
		Int("migrated", counters.Migrated).
		Int("extras_cleaned", counters.ExtrasCleaned).
		Msg("reconciliation complete")
	return counters, nil
}

// retireZombies retires active status rows whose change id the stager no
// longer lists. Only not-yet-retired (positive) change ids qualify.
func (e *Engine) retireZombies(ctx context.Context, changes []stager.Change, statusRows []models.StatusRow, counters *Counters) apperrors.Error {
	stagerIDs := make(map[int64]bool, len(changes))
	for _, c := range changes {
		stagerIDs[c.ChangeSeqID] = true
	}

	for _, row := range statusRows {
		if row.ChangeSeqID <= 0 || stagerIDs[row.ChangeSeqID] {
			continue
		}
		counters.ZombiesFound++
		if !e.removeZombies {
			log.Ctx(ctx).Warn().Str("uuid", row.UUID).Int64("change_seq_id", row.ChangeSeqID).
				Str("accession", row.AccessionNum).Msg("zombie status row, removal disabled")
			continue
		}
		log.Ctx(ctx).Info().Str("uuid", row.UUID).Int64("change_seq_id", row.ChangeSeqID).
			Msg("retiring zombie status row")
		if err := e.store.RetireStatus(ctx, row.UUID); err != nil {
			return ErrMigrate.New("unable to retire zombie " + row.UUID).Err(err)
		}
		counters.ZombiesRemoved++
	}
	return nil
}

// collapseExtras deletes, for every UUID carrying more than one active
// change, all rows below the maximum change id.
func (e *Engine) collapseExtras(ctx context.Context, statusRows []models.StatusRow, counters *Counters) apperrors.Error {
	maxByUUID := make(map[string]int64)
	countByUUID := make(map[string]int)
	for _, row := range statusRows {
		countByUUID[row.UUID]++
		if row.ChangeSeqID > maxByUUID[row.UUID] {
			maxByUUID[row.UUID] = row.ChangeSeqID
		}
	}

	for _, row := range statusRows {
		if countByUUID[row.UUID] < 2 || row.ChangeSeqID >= maxByUUID[row.UUID] {
			continue
		}
		log.Ctx(ctx).Info().Str("uuid", row.UUID).Int64("change_seq_id", row.ChangeSeqID).
			Int64("max", maxByUUID[row.UUID]).Msg("deleting superseded change row")
		if err := e.store.DeleteStatusRow(ctx, row.UUID, row.ChangeSeqID); err != nil {
			return ErrMigrate.New("unable to delete superseded row for " + row.UUID).Err(err)
		}
		counters.ExtrasRemoved++
	}
	return nil
}

// migrateNew brings stager changes not yet represented in the status table
// into the workspace: an existing UUID row is advanced in place, a new UUID
// gets a fresh phase-2 row. The stager's accession string wins when it
// differs from the stored one, so alphanumeric upgrades propagate.
func (e *Engine) migrateNew(ctx context.Context, changes []stager.Change, counters *Counters) apperrors.Error {
	for _, c := range changes {
		existing, err := e.store.GetActiveStatusByUUID(ctx, c.UUID)
		if err != nil {
			if err.Is(dberror.ErrNotFound) {
				if ierr := e.insertFresh(ctx, c); ierr != nil {
					return ierr
				}
				counters.Migrated++
				continue
			}
			return ErrMigrate.New("unable to look up status for " + c.UUID).Err(err)
		}

		if existing.ChangeSeqID >= c.ChangeSeqID {
			continue
		}
		log.Ctx(ctx).Info().Str("uuid", c.UUID).Int64("from", existing.ChangeSeqID).
			Int64("to", c.ChangeSeqID).Msg("advancing status row to new change")
		if err := e.store.AdvanceStatusChangeSeq(ctx, c.UUID, c.ChangeSeqID); err != nil {
			return ErrMigrate.New("unable to advance change for " + c.UUID).Err(err)
		}
		counters.ExtrasCleaned++
		counters.Migrated++

		if existing.AccessionNum != c.Accession {
			log.Ctx(ctx).Warn().Str("uuid", c.UUID).Str("old", existing.AccessionNum).
				Str("new", c.Accession).Msg("propagating stager accession string")
			if err := e.store.SetStatusAccession(ctx, c.UUID, c.Accession); err != nil {
				return ErrMigrate.New("unable to update accession for " + c.UUID).Err(err)
			}
			if err := e.store.SetManifestAccession(ctx, existing.AccessionNum, c.Accession); err != nil && !err.Is(dberror.ErrNotFound) {
				return ErrMigrate.New("unable to update manifest accession " + existing.AccessionNum).Err(err)
			}
		}
	}
	return nil
}

func (e *Engine) insertFresh(ctx context.Context, c stager.Change) apperrors.Error {
	log.Ctx(ctx).Info().Str("uuid", c.UUID).Str("accession", c.Accession).
		Int64("change_seq_id", c.ChangeSeqID).Msg("migrating new change")
	row := &models.StatusRow{
		ChangeSeqID:    c.ChangeSeqID,
		UUID:           c.UUID,
		AccessionNum:   c.Accession,
		Active:         true,
		PhaseProcessed: models.PhaseMigrated,
	}
	if err := e.store.InsertStatus(ctx, row); err != nil {
		return ErrMigrate.New("unable to insert status row for " + c.UUID).Err(err)
	}
	return nil
}
