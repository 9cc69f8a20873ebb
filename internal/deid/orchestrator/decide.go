package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/db/dberror"
	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
	"github.com/locutushealth/dicomdeid/internal/deid/intconfig"
	"github.com/locutushealth/dicomdeid/internal/deid/manifest"
)

// Manifest status strings. ERROR_PHASE-prefixed statuses are composed in
// phaseErrorStatus; these are the non-error vocabulary.
const (
	statusPendingChange         = "PENDING_CHANGE"
	statusProcessingChange      = "PROCESSING_CHANGE"
	statusProcessingMomentarily = "PROCESSING_CHANGE_MOMENTARILY"
	statusReprocessMomentarily  = "RE-PROCESSING_CHANGE_MOMENTARILY"
	statusPhaseDownload         = "PROCESSING_CHANGE_at_PHASE03_DOWNLOAD"
	statusPhaseUnpack           = "PROCESSING_CHANGE_at_PHASE03c_UNPACK"
	statusPhaseDeid             = "PROCESSING_CHANGE_at_PHASE04a_DEID"
	statusPhasePublish          = "PROCESSING_CHANGE_at_PHASE05_PUBLISH"
	statusUnderReview           = "UNDER_REVIEW:DEID_QC"
	statusProcessed             = "PROCESSED"
	statusAlreadyProcessed      = "PREVIOUSLY_PROCESSED_WITH_SAME_MANIFEST_ATTRIBUTES"
	statusMultipleUUIDs         = "ERROR_MULTIPLE_CHANGE_UUIDS"
)

type action int

const (
	actSkip action = iota
	actProcess
)

type decision struct {
	act        action
	startPhase int
	status     string // terminal status when act == actSkip
}

// decide applies the reprocess decision matrix for one manifest row against
// its single active status row. It may mutate persisted state (rollbacks,
// retirement, predelete) in preparation for processing.
func (o *Orchestrator) decide(ctx context.Context, row *manifest.Row, st *models.StatusRow) decision {
	if o.cfg.ForceReprocess {
		log.Ctx(ctx).Warn().Str("uuid", st.UUID).Msg("force_reprocess: resetting to migrated")
		if err := o.resetToMigrated(ctx, st); err != nil {
			return o.decisionError(ctx, row, err)
		}
		return decision{act: actProcess, startPhase: models.PhaseDownloaded}
	}
	if o.cfg.Predelete {
		log.Ctx(ctx).Warn().Str("accession", row.AccessionNum).Msg("predelete: dropping manifest row")
		if err := o.store.DeleteManifest(ctx, row.AccessionNum); err != nil && !err.Is(dberror.ErrNotFound) {
			return o.decisionError(ctx, row, err)
		}
		if err := o.upsertManifest(ctx, row, statusReprocessMomentarily); err != nil {
			return o.decisionError(ctx, row, err)
		}
		if err := o.resetToMigrated(ctx, st); err != nil {
			return o.decisionError(ctx, row, err)
		}
		return decision{act: actProcess, startPhase: models.PhaseDownloaded}
	}

	attrsEqual := st.AttrsEqual(row.SubjectID, row.ObjectInfo01, row.ObjectInfo02, row.ObjectInfo03)
	gate := intconfig.GateAllPhases(ctx, st, o.activeCfgs)

	if attrsEqual && gate.AllMatch {
		switch {
		case st.PhaseProcessed == models.PhaseFailedQC:
			// FAIL verdicts are sticky until a REPROCESS verdict arrives
			return decision{act: actSkip, status: st.DeidQCStatus}
		case st.PhaseProcessed >= models.PhasePublished:
			return decision{act: actSkip, status: statusAlreadyProcessed}
		case st.PhaseProcessed == models.PhaseDeidentified && o.awaitingReview(st):
			return decision{act: actSkip, status: statusUnderReview}
		default:
			// resume where the study left off
			return decision{act: actProcess, startPhase: st.PhaseProcessed + 1}
		}
	}

	if attrsEqual && o.cfg.AllowContinueIfOnlyCfgsChanged {
		if st.PhaseProcessed >= models.PhasePublished || st.PhaseProcessed == models.PhaseFailedQC {
			summary := "CFGs:" + mismatchSummary(gate)
			return decision{act: actSkip, status: skippedStatus(summary, summary)}
		}
		// roll back to the last phase whose configs still match, resume after
		resume := gate.MaxMatchedPhase
		if resume < models.PhaseMigrated {
			resume = models.PhaseMigrated
		}
		if resume > st.PhaseProcessed {
			resume = st.PhaseProcessed
		}
		if resume != st.PhaseProcessed {
			if err := o.store.SetStatusPhase(ctx, st.UUID, resume); err != nil {
				return o.decisionError(ctx, row, err)
			}
			st.PhaseProcessed = resume
		}
		return decision{act: actProcess, startPhase: resume + 1}
	}

	detail := changeDetail(row, st, attrsEqual, gate)
	if !o.cfg.PreretireIfOnlyChanged {
		wanted := fmt.Sprintf("ATTRS:%s/%s/%s/%s", row.SubjectID, row.ObjectInfo01, row.ObjectInfo02, row.ObjectInfo03)
		return decision{act: actSkip, status: skippedStatus(detail, wanted)}
	}

	log.Ctx(ctx).Info().Str("accession", row.AccessionNum).Str("changed", detail).
		Msg("preretire: replacing prior processing")
	if err := o.preretire(ctx, row, st, gate); err != nil {
		return o.decisionError(ctx, row, err)
	}
	if err := o.setManifestStatus(ctx, row.AccessionNum, statusProcessingChange); err != nil {
		return o.decisionError(ctx, row, err)
	}
	start := st.PhaseProcessed + 1
	if start > models.PhasePublished {
		start = models.PhaseDownloaded
	}
	return decision{act: actProcess, startPhase: start}
}

// preretire retires the prior manifest row and inserts a fresh one. A fully
// processed status row is retired and reborn at phase 2 carrying its
// published targets forward; a mid-pipeline row is rolled back to the last
// phase the gate still trusts.
func (o *Orchestrator) preretire(ctx context.Context, row *manifest.Row, st *models.StatusRow, gate intconfig.Decision) apperrors.Error {
	if err := o.store.RetireManifest(ctx, row.AccessionNum); err != nil && !err.Is(dberror.ErrNotFound) {
		return err
	}
	if err := o.store.InsertManifest(ctx, &models.ManifestRow{
		AccessionNum:          row.AccessionNum,
		SubjectID:             row.SubjectID,
		ObjectInfo01:          row.ObjectInfo01,
		ObjectInfo02:          row.ObjectInfo02,
		ObjectInfo03:          row.ObjectInfo03,
		LastDatetimeProcessed: time.Now().UTC(),
		ManifestStatus:        statusProcessingChange,
	}); err != nil {
		return err
	}

	if st.PhaseProcessed >= models.PhasePublished || st.PhaseProcessed == models.PhaseFailedQC {
		if err := o.store.RetireStatus(ctx, st.UUID); err != nil {
			return err
		}
		fresh := &models.StatusRow{
			ChangeSeqID:         st.ChangeSeqID,
			UUID:                st.UUID,
			AccessionNum:        row.AccessionNum,
			PhaseProcessed:      models.PhaseMigrated,
			DeidentifiedTargets: st.DeidentifiedTargets,
		}
		if err := o.store.InsertStatus(ctx, fresh); err != nil {
			return err
		}
		*st = *fresh
		return nil
	}

	rollback := gate.MaxMatchedPhase
	if rollback < models.PhaseMigrated {
		rollback = models.PhaseMigrated
	}
	if rollback < st.PhaseProcessed {
		if err := o.store.SetStatusPhase(ctx, st.UUID, rollback); err != nil {
			return err
		}
		st.PhaseProcessed = rollback
	}
	return nil
}

func (o *Orchestrator) resetToMigrated(ctx context.Context, st *models.StatusRow) apperrors.Error {
	if err := o.store.SetStatusPhase(ctx, st.UUID, models.PhaseMigrated); err != nil {
		return err
	}
	st.PhaseProcessed = models.PhaseMigrated
	if err := o.store.SetStatusQC(ctx, st.UUID, "", "", ""); err != nil {
		return err
	}
	st.DeidQCStatus, st.DeidQCAPIStudyURL, st.DeidQCExplorerStudyURL = "", "", ""
	return nil
}

func (o *Orchestrator) decisionError(ctx context.Context, row *manifest.Row, err apperrors.Error) decision {
	log.Ctx(ctx).Error().Err(err).Msg("reprocess decision failed")
	o.totalErrors++
	o.excluded[row.AccessionNum] = true
	return decision{act: actSkip, status: phaseErrorStatus(models.PhaseDownloaded, false, err)}
}

func (o *Orchestrator) awaitingReview(st *models.StatusRow) bool {
	return o.cfg.ManualQC && strings.HasPrefix(st.DeidQCStatus, "UNDER_REVIEW")
}

func skippedStatus(used, wanted string) string {
	return "PREVIOUS_PROCESSING_USED_[" + used + "]_PRERETIRE_OR_PREDELETE_TO_REPROCESS_[" + wanted + "]"
}

func mismatchSummary(d intconfig.Decision) string {
	all := append(append([]intconfig.Mismatch{}, d.ActiveMismatches...), d.PreviousMismatches...)
	parts := make([]string, 0, len(all))
	for _, m := range all {
		parts = append(parts, fmt.Sprintf("%s(%s!=%s)", m.ConfigType, m.Got, m.Want))
	}
	return strings.Join(parts, "+")
}

func changeDetail(row *manifest.Row, st *models.StatusRow, attrsEqual bool, gate intconfig.Decision) string {
	var parts []string
	if !attrsEqual {
		parts = append(parts, fmt.Sprintf("ATTRS:%s/%s/%s/%s", st.SubjectID, st.ObjectInfo01, st.ObjectInfo02, st.ObjectInfo03))
	}
	if !gate.AllMatch {
		parts = append(parts, "CFGs:"+mismatchSummary(gate))
	}
	return strings.Join(parts, "_AND_")
}
