package orchestrator

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
	"github.com/locutushealth/dicomdeid/internal/deid/manifest"
)

// Verdict is a parsed manual-QC decision carried in the manifest.
type Verdict struct {
	Kind string // PASS, PASS_FROM_DEIDQC, FAIL, REPROCESS
	Info string
	Raw  string
}

var verdictKinds = map[string]bool{
	"PASS":             true,
	"PASS_FROM_DEIDQC": true,
	"FAIL":             true,
	"REPROCESS":        true,
}

// ParseVerdict splits "<KIND>:<info>". Known reports whether the kind is in
// the verdict grammar.
func ParseVerdict(s string) (v Verdict, known bool) {
	v.Raw = s
	kind, info, found := strings.Cut(s, ":")
	if !found {
		kind = s
	}
	v.Kind = strings.ToUpper(strings.TrimSpace(kind))
	v.Info = info
	return v, verdictKinds[v.Kind]
}

// pendingVerdict reports whether the manifest row carries a verdict that
// applies to this status row: the study must be awaiting review or already
// failed (REPROCESS can resurrect a failed study).
func (o *Orchestrator) pendingVerdict(row *manifest.Row, st *models.StatusRow) (Verdict, bool) {
	if !o.cfg.ManualQC || row.DeidQCStatus == "" {
		return Verdict{}, false
	}
	awaiting := o.awaitingReview(st)
	failed := st.PhaseProcessed == models.PhaseFailedQC
	if !awaiting && !failed {
		return Verdict{}, false
	}
	v, known := ParseVerdict(row.DeidQCStatus)
	if !known {
		return v, true // handleVerdict surfaces the unsupported verdict
	}
	if failed && v.Kind != "REPROCESS" {
		// FAIL is sticky; only an explicit REPROCESS restarts the study
		return Verdict{}, false
	}
	return v, true
}

// handleVerdict executes one manual-QC decision.
func (o *Orchestrator) handleVerdict(ctx context.Context, row *manifest.Row, st *models.StatusRow, v Verdict) {
	log.Ctx(ctx).Info().Str("verdict", v.Raw).Str("uuid", st.UUID).Msg("applying QC verdict")

	if !verdictKinds[v.Kind] {
		err := ErrOrchestrator.New("unsupported deid_qc_status " + v.Raw + " for accession " + row.AccessionNum)
		o.recordError(ctx, row, st, models.PhaseDownloaded, false, err)
		return
	}

	switch v.Kind {
	case "FAIL":
		o.applyFail(ctx, row, st, v)
	case "REPROCESS":
		o.applyReprocess(ctx, row, st, v)
	case "PASS":
		o.applyPass(ctx, row, st, v)
	case "PASS_FROM_DEIDQC":
		o.applyPassFromQC(ctx, row, st, v)
	}
}

// applyFail marks the study failed-QC, sticky at phase 999.
func (o *Orchestrator) applyFail(ctx context.Context, row *manifest.Row, st *models.StatusRow, v Verdict) {
	if err := o.store.SetStatusQC(ctx, st.UUID, v.Raw, st.DeidQCAPIStudyURL, st.DeidQCExplorerStudyURL); err != nil {
		o.recordError(ctx, row, st, models.PhaseDeidentified, false, err)
		return
	}
	st.DeidQCStatus = v.Raw
	if err := o.store.SetStatusPhase(ctx, st.UUID, models.PhaseFailedQC); err != nil {
		o.recordError(ctx, row, st, models.PhaseDeidentified, false, err)
		return
	}
	st.PhaseProcessed = models.PhaseFailedQC

	if o.cfg.DeleteFromQCOnFail && st.DeidQCAPIStudyURL != "" {
		if err := o.qc.DeleteStudy(ctx, st.DeidQCAPIStudyURL); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("study", st.DeidQCAPIStudyURL).
				Msg("unable to delete failed study from QC PACS")
		}
	}
	o.finish(ctx, row, st, v.Raw, st.DeidQCExplorerStudyURL, targetList(st))
}

// applyReprocess resets the study to migrated and re-runs the full pipeline.
func (o *Orchestrator) applyReprocess(ctx context.Context, row *manifest.Row, st *models.StatusRow, v Verdict) {
	if err := o.resetToMigrated(ctx, st); err != nil {
		o.recordError(ctx, row, st, models.PhaseDownloaded, false, err)
		return
	}
	if err := o.setManifestStatus(ctx, row.AccessionNum, statusReprocessMomentarily); err != nil {
		o.recordError(ctx, row, st, models.PhaseDownloaded, false, err)
		return
	}
	o.runPhases(ctx, row, st, models.PhaseDownloaded, phaseOptions{})
}

// applyPass re-runs download and de-identification without the subject-id
// preface, then publishes.
func (o *Orchestrator) applyPass(ctx context.Context, row *manifest.Row, st *models.StatusRow, v Verdict) {
	if err := o.store.SetStatusQC(ctx, st.UUID, v.Raw, st.DeidQCAPIStudyURL, st.DeidQCExplorerStudyURL); err != nil {
		o.recordError(ctx, row, st, models.PhaseDeidentified, false, err)
		return
	}
	st.DeidQCStatus = v.Raw
	o.runPhases(ctx, row, st, models.PhaseDownloaded, phaseOptions{skipSubjectPreface: true})
}

// applyPassFromQC publishes the reviewed set straight from the QC PACS,
// skipping re-download and re-anonymization. When the QC copy is gone the
// verdict degrades to a full reprocess.
func (o *Orchestrator) applyPassFromQC(ctx context.Context, row *manifest.Row, st *models.StatusRow, v Verdict) {
	qcURL := st.DeidQCAPIStudyURL
	if qcURL == "" {
		qcURL = row.PriorQCStudyURL
		st.DeidQCAPIStudyURL = qcURL
	}

	live := false
	if qcURL != "" {
		var err apperrors.Error
		live, err = o.qc.StudyExists(ctx, qcURL)
		if err != nil {
			o.recordError(ctx, row, st, models.PhasePublished, false, err)
			return
		}
	}
	if !live {
		degraded := "REPROCESS:from_FAILED_via:" + v.Raw
		log.Ctx(ctx).Warn().Str("uuid", st.UUID).Str("verdict", degraded).
			Msg("QC study no longer live, degrading to reprocess")
		if err := o.store.SetStatusQC(ctx, st.UUID, degraded, "", ""); err != nil {
			o.recordError(ctx, row, st, models.PhaseDownloaded, false, err)
			return
		}
		st.DeidQCStatus, st.DeidQCAPIStudyURL, st.DeidQCExplorerStudyURL = degraded, "", ""
		o.applyReprocess(ctx, row, st, Verdict{Kind: "REPROCESS", Raw: degraded})
		return
	}

	if err := o.store.SetStatusQC(ctx, st.UUID, v.Raw, st.DeidQCAPIStudyURL, st.DeidQCExplorerStudyURL); err != nil {
		o.recordError(ctx, row, st, models.PhasePublished, false, err)
		return
	}
	st.DeidQCStatus = v.Raw

	targets, err := o.phasePublish(ctx, row, st, phaseOptions{publishFromQC: true})
	if err != nil {
		o.recordError(ctx, row, st, models.PhasePublished, false, err)
		return
	}
	o.finish(ctx, row, st, statusProcessed, st.DeidQCExplorerStudyURL, targets)
}
