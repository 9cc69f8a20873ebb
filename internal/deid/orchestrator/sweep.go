package orchestrator

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
	"github.com/locutushealth/dicomdeid/internal/deid/manifest"
)

// runSweeps advances studies stalled mid-pipeline after the manifest is
// exhausted: phase-3 rows through de-identification, phase-4 rows through
// publication.
func (o *Orchestrator) runSweeps(ctx context.Context) {
	if o.cfg.DisablePhaseSweep || o.sweepsDisabled {
		log.Ctx(ctx).Info().Msg("phase sweeps disabled for this run")
		return
	}

	o.sweepPhase(ctx, models.PhaseDownloaded)
	o.sweepPhase(ctx, models.PhaseDeidentified)
}

func (o *Orchestrator) sweepPhase(ctx context.Context, fromPhase int) {
	active, err := o.health.Active(ctx)
	if err != nil || !active {
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("unable to read system status before sweep")
		}
		o.sweepsDisabled = true
		return
	}

	rows, err := o.store.ListActiveStatusByPhase(ctx, fromPhase)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Int("phase", fromPhase).Msg("unable to list rows for sweep")
		o.totalErrors++
		return
	}

	for i := range rows {
		st := &rows[i]
		if o.excluded[st.AccessionNum] {
			continue
		}
		if fromPhase == models.PhaseDeidentified && o.awaitingReview(st) {
			// staged for QC; the verdict arrives via a future manifest
			continue
		}

		row, known := o.sweepRow(st)
		if !known {
			log.Ctx(ctx).Info().Str("accession", st.AccessionNum).Str("uuid", st.UUID).
				Msg("ignoring unanticipated sweep")
			continue
		}

		log.Ctx(ctx).Info().Str("accession", st.AccessionNum).Str("uuid", st.UUID).
			Int("from_phase", fromPhase).Msg("sweeping stalled study")
		o.sweepOne(ctx, &row, st, fromPhase)
	}
}

// sweepRow reconstructs the manifest attributes to sweep a row with. Only
// accessions seen in this run's manifest are swept, unless the expand flag
// widens the sweep to any row with stored attributes.
func (o *Orchestrator) sweepRow(st *models.StatusRow) (manifest.Row, bool) {
	if row, ok := o.runAttrs[st.AccessionNum]; ok {
		return row, true
	}
	if !o.cfg.ExpandSweepBeyondManifest {
		return manifest.Row{}, false
	}
	if st.SubjectID == "" {
		return manifest.Row{}, false
	}
	return manifest.Row{
		SubjectID:    st.SubjectID,
		ObjectInfo01: st.ObjectInfo01,
		ObjectInfo02: st.ObjectInfo02,
		ObjectInfo03: st.ObjectInfo03,
		AccessionNum: st.AccessionNum,
	}, true
}

func (o *Orchestrator) sweepOne(ctx context.Context, row *manifest.Row, st *models.StatusRow, fromPhase int) {
	opts := phaseOptions{viaSweep: true}

	if fromPhase == models.PhaseDownloaded {
		paused, err := o.phaseDeidentify(ctx, row, st, opts)
		if err != nil {
			o.recordError(ctx, row, st, models.PhaseDeidentified, true, err)
			return
		}
		if paused {
			o.finish(ctx, row, st, statusUnderReview, st.DeidQCExplorerStudyURL, nil)
			return
		}
	}

	targets, err := o.phasePublish(ctx, row, st, opts)
	if err != nil {
		o.recordError(ctx, row, st, models.PhasePublished, true, err)
		return
	}
	o.finish(ctx, row, st, statusProcessed, st.DeidQCExplorerStudyURL, targets)
}
