// Package orchestrator drives each manifest accession through the pipeline
// phases: download from the source PACS, de-identify, optionally stage for
// manual QC, publish. It owns the reprocess decision, the QC verdict
// protocol, per-accession error containment and the post-manifest sweeps.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/anonymizer"
	"github.com/locutushealth/dicomdeid/internal/deid/config"
	"github.com/locutushealth/dicomdeid/internal/deid/db"
	"github.com/locutushealth/dicomdeid/internal/deid/db/dberror"
	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
	"github.com/locutushealth/dicomdeid/internal/deid/health"
	"github.com/locutushealth/dicomdeid/internal/deid/manifest"
	"github.com/locutushealth/dicomdeid/internal/deid/pacs"
	"github.com/locutushealth/dicomdeid/internal/deid/publish"
	"github.com/locutushealth/dicomdeid/internal/deid/stager"
)

var (
	ErrOrchestrator apperrors.Error = apperrors.New("orchestrator error")
	ErrDuplicate    apperrors.Error = ErrOrchestrator.New("duplicate accession in manifest")
	ErrMaxAttempts  apperrors.Error = ErrOrchestrator.New("MAX_SAME_ACCESSION_ATTEMPTS exceeded")
	ErrRunErrors    apperrors.Error = ErrOrchestrator.New("errors encountered during processing")
)

// SourcePACS is the slice of the PACS client needed for downloads.
type SourcePACS interface {
	DownloadStudy(ctx context.Context, studyURL string) ([]byte, apperrors.Error)
}

// QCPACS is the slice of the PACS client needed for the manual-QC protocol.
type QCPACS interface {
	DownloadStudy(ctx context.Context, studyURL string) ([]byte, apperrors.Error)
	UploadDirectory(ctx context.Context, dir string) (pacs.UploadResult, apperrors.Error)
	StudyExists(ctx context.Context, studyURL string) (bool, apperrors.Error)
	DeleteStudy(ctx context.Context, studyURL string) apperrors.Error
}

// Orchestrator processes one manifest per Run call. It is not safe for
// concurrent use; the pipeline is deliberately single-threaded.
type Orchestrator struct {
	cfg       *config.ConfigParam
	store     db.Store
	stager    stager.Reader
	source    SourcePACS
	qc        QCPACS
	anon      anonymizer.Invoker
	publisher publish.Publisher
	health    *health.Gate
	writer    *manifest.Writer

	activeCfgs []models.IntConfigRow

	// per-run state
	studyURLs      map[string]string       // uuid -> source study URL
	runAttrs       map[string]manifest.Row // momentary manifest attrs by accession
	excluded       map[string]bool         // accessions sweeps must not touch
	attempts       map[string]int
	totalErrors    int
	sweepsDisabled bool
}

func New(
	cfg *config.ConfigParam,
	store db.Store,
	reader stager.Reader,
	source SourcePACS,
	qc QCPACS,
	anon anonymizer.Invoker,
	publisher publish.Publisher,
	gate *health.Gate,
	writer *manifest.Writer,
	activeCfgs []models.IntConfigRow,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		stager:     reader,
		source:     source,
		qc:         qc,
		anon:       anon,
		publisher:  publisher,
		health:     gate,
		writer:     writer,
		activeCfgs: activeCfgs,
	}
}

// Run processes the manifest to exhaustion, then performs the phase sweeps.
// Per-accession failures are contained; the returned error summarizes them
// or reports a condition that terminated the manifest loop early.
func (o *Orchestrator) Run(ctx context.Context, reader *manifest.Reader) apperrors.Error {
	o.studyURLs = make(map[string]string)
	o.runAttrs = make(map[string]manifest.Row)
	o.excluded = make(map[string]bool)
	o.attempts = make(map[string]int)
	o.totalErrors = 0
	o.sweepsDisabled = false

	runID := uuid.New().String()
	ctx = log.Ctx(ctx).With().Str("run_id", runID).Logger().WithContext(ctx)
	log.Ctx(ctx).Info().Str("host", o.cfg.HostName).Msg("starting manifest run")

	o.emitConfigSnapshot()

	changes, err := o.stager.ListActiveChanges(ctx)
	if err != nil {
		return ErrOrchestrator.New("unable to read stager").Err(err)
	}
	for _, c := range changes {
		o.studyURLs[c.UUID] = c.StudyURL
	}

	if err := o.manifestLoop(ctx, reader); err != nil {
		return err
	}
	o.runSweeps(ctx)

	if o.totalErrors > 0 {
		return ErrRunErrors.New(fmt.Sprintf("total=%d error(s) encountered during processing, see log for detail", o.totalErrors))
	}
	return nil
}

func (o *Orchestrator) manifestLoop(ctx context.Context, reader *manifest.Reader) apperrors.Error {
	for {
		active, err := o.health.Active(ctx)
		if err != nil {
			return ErrOrchestrator.New("unable to read system status").Err(err)
		}
		if !active {
			log.Ctx(ctx).Warn().Msg("manifest_done: system status inactive")
			o.sweepsDisabled = true
			return nil
		}

		row, err := reader.Next()
		if err != nil {
			return ErrOrchestrator.New("manifest read failed").Err(err)
		}
		if row == nil {
			return nil
		}

		if _, seen := o.runAttrs[row.AccessionNum]; seen {
			if !o.cfg.AllowProcessingOfDuplicates {
				return ErrDuplicate.New("accession " + row.AccessionNum + " appears more than once")
			}
			log.Ctx(ctx).Warn().Str("accession", row.AccessionNum).
				Msg("duplicate accession, processing again")
		}
		o.runAttrs[row.AccessionNum] = *row

		o.attempts[row.AccessionNum]++
		if o.attempts[row.AccessionNum] > o.cfg.MaxSameAccessionAttempts {
			return ErrMaxAttempts.New(fmt.Sprintf("accession %s attempted %d times",
				row.AccessionNum, o.attempts[row.AccessionNum]))
		}

		o.processAccession(ctx, row)
	}
}

// processAccession runs one manifest row to its terminal status for this
// run. Errors are absorbed here: they set the manifest status, count toward
// the run total and exclude the accession from sweeps.
func (o *Orchestrator) processAccession(ctx context.Context, row *manifest.Row) {
	ctx = log.Ctx(ctx).With().Str("accession", row.AccessionNum).Logger().WithContext(ctx)

	if err := o.upsertManifest(ctx, row, statusProcessingMomentarily); err != nil {
		o.recordError(ctx, row, nil, models.PhaseDownloaded, false, err)
		return
	}

	statusRows, err := o.store.ListActiveStatusByAccession(ctx, row.AccessionNum)
	if err != nil {
		o.recordError(ctx, row, nil, models.PhaseDownloaded, false, err)
		return
	}
	switch {
	case len(statusRows) == 0:
		o.finish(ctx, row, nil, statusPendingChange, "", nil)
		return
	case len(statusRows) > 1:
		log.Ctx(ctx).Error().Int("uuids", len(statusRows)).
			Msg("multiple active UUIDs for accession, needs manual split")
		o.excluded[row.AccessionNum] = true
		o.finish(ctx, row, nil, statusMultipleUUIDs, "", nil)
		return
	}
	st := &statusRows[0]

	if verdict, ok := o.pendingVerdict(row, st); ok {
		o.handleVerdict(ctx, row, st, verdict)
		return
	}

	d := o.decide(ctx, row, st)
	switch d.act {
	case actSkip:
		o.finish(ctx, row, st, d.status, st.DeidQCExplorerStudyURL, targetList(st))
		return
	case actProcess:
		o.runPhases(ctx, row, st, d.startPhase, phaseOptions{})
	}
}

// runPhases advances one study from startPhase through publication, pausing
// at phase 4 when the study is staged for manual QC.
func (o *Orchestrator) runPhases(ctx context.Context, row *manifest.Row, st *models.StatusRow, startPhase int, opts phaseOptions) {
	if err := o.store.SetStatusAttrs(ctx, st.UUID, row.SubjectID, row.ObjectInfo01, row.ObjectInfo02, row.ObjectInfo03); err != nil {
		o.recordError(ctx, row, st, startPhase, false, err)
		return
	}
	st.SubjectID, st.ObjectInfo01, st.ObjectInfo02, st.ObjectInfo03 = row.SubjectID, row.ObjectInfo01, row.ObjectInfo02, row.ObjectInfo03

	if startPhase <= models.PhaseDownloaded {
		if err := o.phaseDownload(ctx, row, st); err != nil {
			o.recordError(ctx, row, st, models.PhaseDownloaded, false, err)
			return
		}
	}

	if startPhase <= models.PhaseDeidentified {
		paused, err := o.phaseDeidentify(ctx, row, st, opts)
		if err != nil {
			o.recordError(ctx, row, st, models.PhaseDeidentified, false, err)
			return
		}
		if paused {
			o.finish(ctx, row, st, statusUnderReview, st.DeidQCExplorerStudyURL, nil)
			return
		}
	}

	targets, err := o.phasePublish(ctx, row, st, opts)
	if err != nil {
		o.recordError(ctx, row, st, models.PhasePublished, false, err)
		return
	}
	o.finish(ctx, row, st, statusProcessed, st.DeidQCExplorerStudyURL, targets)
}

// finish persists the terminal manifest status for this run and emits the
// accession's output line.
func (o *Orchestrator) finish(ctx context.Context, row *manifest.Row, st *models.StatusRow, status, qcURL string, targets []string) {
	if err := o.setManifestStatus(ctx, row.AccessionNum, status); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("unable to persist manifest status")
	}
	out := manifest.OutputRow{
		SubjectID:      row.SubjectID,
		ObjectInfo01:   row.ObjectInfo01,
		ObjectInfo02:   row.ObjectInfo02,
		ObjectInfo03:   row.ObjectInfo03,
		AccessionNum:   row.AccessionNum,
		DeidQCStatus:   row.DeidQCStatus,
		ManifestStatus: status,
		QCStudyURL:     qcURL,
		TargetURLs:     targets,
	}
	if err := o.writer.EmitRow(out); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("unable to emit output row")
	}
}

// recordError contains a per-accession failure: status string, error count,
// sweep exclusion. Soft errors (anonymizer force-success) are not counted.
func (o *Orchestrator) recordError(ctx context.Context, row *manifest.Row, st *models.StatusRow, phase int, viaSweep bool, err apperrors.Error) {
	soft := phase == models.PhaseDeidentified && o.cfg.Anonymizer.ForceSuccess && err.Is(anonymizer.ErrAnonymizer)
	if soft {
		log.Ctx(ctx).Warn().Err(err).Msg("anonymizer failure downgraded by force-success")
	} else {
		log.Ctx(ctx).Error().Err(err).Int("phase", phase).Msg("accession failed")
		o.totalErrors++
	}
	o.excluded[row.AccessionNum] = true

	qcURL := ""
	var targets []string
	if st != nil {
		qcURL = st.DeidQCExplorerStudyURL
		targets = targetList(st)
	}
	o.finish(ctx, row, st, phaseErrorStatus(phase, viaSweep, err), qcURL, targets)
}

// phaseErrorStatus renders the load-bearing ERROR_PHASE prefix. Errors whose
// message already carries the prefix pass through unchanged so nested
// failures are not double-wrapped. An error tagged with its origin phase
// overrides the caller's coarser phase.
func phaseErrorStatus(phase int, viaSweep bool, err apperrors.Error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, "ERROR_PHASE") {
		return msg
	}
	if p := err.Phase(); p != 0 {
		phase = p
	}
	label := fmt.Sprintf("ERROR_PHASE%02d", phase)
	if viaSweep {
		label += "_SWEEP"
	}
	return label + "=[" + msg + "]"
}

// upsertManifest creates or refreshes the accession's manifest row with the
// attributes of this run.
func (o *Orchestrator) upsertManifest(ctx context.Context, row *manifest.Row, status string) apperrors.Error {
	mrow := &models.ManifestRow{
		AccessionNum:          row.AccessionNum,
		SubjectID:             row.SubjectID,
		ObjectInfo01:          row.ObjectInfo01,
		ObjectInfo02:          row.ObjectInfo02,
		ObjectInfo03:          row.ObjectInfo03,
		LastDatetimeProcessed: time.Now().UTC(),
		ManifestStatus:        status,
	}
	if _, err := o.store.GetActiveManifest(ctx, row.AccessionNum); err != nil {
		if err.Is(dberror.ErrNotFound) {
			return o.store.InsertManifest(ctx, mrow)
		}
		return err
	}
	return o.store.UpdateManifest(ctx, mrow)
}

func (o *Orchestrator) setManifestStatus(ctx context.Context, accession, status string) apperrors.Error {
	mrow, err := o.store.GetActiveManifest(ctx, accession)
	if err != nil {
		if err.Is(dberror.ErrNotFound) {
			// expanded sweeps may advance accessions never seen in a manifest
			return o.store.InsertManifest(ctx, &models.ManifestRow{
				AccessionNum:          accession,
				LastDatetimeProcessed: time.Now().UTC(),
				ManifestStatus:        status,
			})
		}
		return err
	}
	mrow.ManifestStatus = status
	mrow.LastDatetimeProcessed = time.Now().UTC()
	return o.store.UpdateManifest(ctx, mrow)
}

// recordConfigVersions stamps the versions of every active config bound to
// the just-completed phase onto the status row. A missing column is schema
// drift: warn, the gate will treat it as a mismatch next run.
func (o *Orchestrator) recordConfigVersions(ctx context.Context, st *models.StatusRow, phase int) apperrors.Error {
	for _, cfg := range o.activeCfgs {
		if cfg.AtPhase != phase {
			continue
		}
		if err := o.store.SetStatusConfigVersion(ctx, st.UUID, cfg.StatusField, cfg.ConfigVersion); err != nil {
			if err.Is(dberror.ErrMissingColumn) {
				log.Ctx(ctx).Warn().Str("config_type", cfg.ConfigType).
					Msg("config column missing, version not recorded")
				continue
			}
			return err
		}
		if st.ConfigVersions == nil {
			st.ConfigVersions = make(map[string]string)
		}
		st.ConfigVersions[cfg.StatusField] = cfg.ConfigVersion
	}
	return nil
}

func (o *Orchestrator) emitConfigSnapshot() {
	for _, cfg := range o.activeCfgs {
		_ = o.writer.EmitConfig("int_cfg", cfg.ConfigType, cfg.ConfigVersion)
	}
	_ = o.writer.EmitConfig("run", "workspace", o.cfg.Workspace)
	_ = o.writer.EmitConfig("run", "manual_qc", fmt.Sprintf("%t", o.cfg.ManualQC))
}

// targetList splits the stored comma-joined deidentified_targets column.
func targetList(st *models.StatusRow) []string {
	if st == nil || st.DeidentifiedTargets == "" {
		return nil
	}
	return strings.Split(st.DeidentifiedTargets, ",")
}
