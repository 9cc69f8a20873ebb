package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/anonymizer"
	"github.com/locutushealth/dicomdeid/internal/deid/archive"
	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
	"github.com/locutushealth/dicomdeid/internal/deid/manifest"
	"github.com/locutushealth/dicomdeid/internal/deid/publish"
)

// phaseOptions tweaks a phase run driven by a QC verdict.
type phaseOptions struct {
	// skipSubjectPreface drops the subject-id replacement patient info on a
	// post-PASS re-run; the reviewer has already seen the prefaced set.
	skipSubjectPreface bool
	// publishFromQC pulls the de-identified set back from the QC PACS
	// instead of the local tree (PASS_FROM_DEIDQC).
	publishFromQC bool
	viaSweep      bool
}

// qualifyPath stores a filesystem location host-qualified so a row picked up
// on another host is not mistaken for locally resumable.
func (o *Orchestrator) qualifyPath(path string) string {
	return o.cfg.HostName + ":" + path
}

// localPath resolves a host-qualified path on this host; empty when the
// path belongs to another host.
func (o *Orchestrator) localPath(qualified string) string {
	prefix := o.cfg.HostName + ":"
	if strings.HasPrefix(qualified, prefix) {
		return strings.TrimPrefix(qualified, prefix)
	}
	return ""
}

// preDelete clears an interim directory before writing into it. Stale
// partial output from a prior crash must never leak into a fresh phase run.
func preDelete(ctx context.Context, dir string) apperrors.Error {
	if err := os.RemoveAll(dir); err != nil {
		return ErrOrchestrator.New("unable to clear interim dir " + dir).Err(err)
	}
	log.Ctx(ctx).Debug().Str("dir", dir).Msg("cleared interim dir")
	return nil
}

// phaseDownload pulls the study archive from the source PACS and unpacks it
// into the per-UUID identified tree.
func (o *Orchestrator) phaseDownload(ctx context.Context, row *manifest.Row, st *models.StatusRow) apperrors.Error {
	studyURL := o.studyURLs[st.UUID]
	if studyURL == "" {
		return ErrOrchestrator.New("no DICOMDIR URL for uuid " + st.UUID).SetPhase(models.PhaseDownloaded)
	}

	if err := o.setManifestStatus(ctx, row.AccessionNum, statusPhaseDownload); err != nil {
		return err
	}
	data, err := o.source.DownloadStudy(ctx, studyURL)
	if err != nil {
		return err
	}

	if err := o.setManifestStatus(ctx, row.AccessionNum, statusPhaseUnpack); err != nil {
		return err
	}
	identifiedDir := filepath.Join(o.cfg.ZipDir, st.UUID)
	if err := preDelete(ctx, identifiedDir); err != nil {
		return err
	}
	if err := os.MkdirAll(identifiedDir, 0755); err != nil {
		return ErrOrchestrator.New("unable to create identified dir").Err(err)
	}
	if err := archive.Unzip(data, identifiedDir); err != nil {
		return err
	}

	st.IdentifiedLocalPath = o.qualifyPath(identifiedDir)
	if err := o.store.SetStatusPaths(ctx, st.UUID, st.IdentifiedLocalPath, st.DeidentifiedLocalPath); err != nil {
		return err
	}
	if err := o.store.SetStatusPhase(ctx, st.UUID, models.PhaseDownloaded); err != nil {
		return err
	}
	st.PhaseProcessed = models.PhaseDownloaded
	if err := o.recordConfigVersions(ctx, st, models.PhaseDownloaded); err != nil {
		return err
	}

	log.Ctx(ctx).Info().Str("uuid", st.UUID).Int("bytes", len(data)).Msg("study downloaded")
	return nil
}

// phaseDeidentify runs the anonymizer over the identified tree and, when
// manual QC is on, stages the result on the QC PACS. Returns paused=true
// when the study is now awaiting a human verdict.
func (o *Orchestrator) phaseDeidentify(ctx context.Context, row *manifest.Row, st *models.StatusRow, opts phaseOptions) (paused bool, aerr apperrors.Error) {
	identifiedDir := o.localPath(st.IdentifiedLocalPath)
	if identifiedDir == "" {
		return false, ErrOrchestrator.New("identified tree for " + st.UUID + " is not on this host: " + st.IdentifiedLocalPath)
	}
	if _, err := os.Stat(identifiedDir); err != nil {
		return false, ErrOrchestrator.New("identified tree missing for " + st.UUID).Err(err)
	}

	if err := o.setManifestStatus(ctx, row.AccessionNum, statusPhaseDeid); err != nil {
		return false, err
	}

	deidDir := filepath.Join(o.cfg.DeidDir, st.UUID)
	if err := preDelete(ctx, deidDir); err != nil {
		return false, err
	}

	replacement := row.SubjectID
	if opts.skipSubjectPreface {
		replacement = ""
	}
	job := anonymizer.Job{
		InputDir:               identifiedDir,
		OutputDir:              deidDir,
		ReplacementPatientInfo: replacement,
		SpecFile:               o.cfg.Anonymizer.SpecFile,
		AllowedModalities:      o.cfg.Anonymizer.AllowedModalities,
		ExcludedSeriesDescs:    o.cfg.Anonymizer.ExcludedSeriesDescriptions,
		AlignmentMode:          o.cfg.Anonymizer.AlignmentMode,
	}
	if err := o.anon.Run(ctx, job); err != nil {
		return false, err
	}

	st.DeidentifiedLocalPath = o.qualifyPath(deidDir)
	if err := o.store.SetStatusPaths(ctx, st.UUID, st.IdentifiedLocalPath, st.DeidentifiedLocalPath); err != nil {
		return false, err
	}

	stageForQC := o.cfg.ManualQC && !opts.skipSubjectPreface && !opts.publishFromQC
	if stageForQC {
		result, err := o.qc.UploadDirectory(ctx, deidDir)
		if err != nil {
			return false, err
		}
		if result.Errors > 0 {
			log.Ctx(ctx).Warn().Int("errors", result.Errors).Int("successes", result.Successes).
				Msg("partial QC staging upload")
		}
		st.DeidQCStatus = "UNDER_REVIEW"
		st.DeidQCAPIStudyURL = result.FirstAPIStudyURL
		st.DeidQCExplorerStudyURL = result.FirstExplorerStudyURL
		if err := o.store.SetStatusQC(ctx, st.UUID, st.DeidQCStatus, st.DeidQCAPIStudyURL, st.DeidQCExplorerStudyURL); err != nil {
			return false, err
		}
	}

	if err := o.store.SetStatusPhase(ctx, st.UUID, models.PhaseDeidentified); err != nil {
		return false, err
	}
	st.PhaseProcessed = models.PhaseDeidentified
	if err := o.recordConfigVersions(ctx, st, models.PhaseDeidentified); err != nil {
		return false, err
	}

	log.Ctx(ctx).Info().Str("uuid", st.UUID).Bool("staged_for_qc", stageForQC).Msg("study de-identified")
	return stageForQC, nil
}

// phasePublish zips and delivers the de-identified tree, then advances the
// row to published and cleans up interim files.
func (o *Orchestrator) phasePublish(ctx context.Context, row *manifest.Row, st *models.StatusRow, opts phaseOptions) ([]string, apperrors.Error) {
	if err := o.setManifestStatus(ctx, row.AccessionNum, statusPhasePublish); err != nil {
		return nil, err
	}

	deidDir := o.localPath(st.DeidentifiedLocalPath)
	if opts.publishFromQC {
		var err apperrors.Error
		deidDir, err = o.fetchFromQC(ctx, st)
		if err != nil {
			return nil, err
		}
	}
	if deidDir == "" {
		return nil, ErrOrchestrator.New("de-identified tree for " + st.UUID + " is not on this host: " + st.DeidentifiedLocalPath)
	}

	result, err := o.publisher.Publish(ctx, publish.Request{
		DeidDir:      deidDir,
		SubjectID:    row.SubjectID,
		ObjectInfo01: row.ObjectInfo01,
		ObjectInfo02: row.ObjectInfo02,
		ObjectInfo03: row.ObjectInfo03,
		UUID:         st.UUID,
	})
	if err != nil {
		return nil, err
	}

	// record successes before judging failures so partial publication is
	// never lost
	for _, url := range result.URLs() {
		st.DeidentifiedTargets = publish.AppendTargetURL(st.DeidentifiedTargets, url)
	}
	if serr := o.store.SetStatusTargets(ctx, st.UUID, st.DeidentifiedTargets); serr != nil {
		return nil, serr
	}
	if result.Failed() {
		var failed []string
		for _, t := range result.Targets {
			if t.Err != nil {
				failed = append(failed, t.Target)
			}
		}
		return targetList(st), ErrOrchestrator.New("publish failed for target(s) " + strings.Join(failed, ","))
	}

	if err := o.store.SetStatusPhase(ctx, st.UUID, models.PhasePublished); err != nil {
		return nil, err
	}
	st.PhaseProcessed = models.PhasePublished
	if err := o.recordConfigVersions(ctx, st, models.PhasePublished); err != nil {
		return nil, err
	}

	o.cleanupInterim(ctx, st, result.ZipPath, opts)
	log.Ctx(ctx).Info().Str("uuid", st.UUID).Strs("targets", result.URLs()).Msg("study published")
	return targetList(st), nil
}

// fetchFromQC pulls the reviewed de-identified set back from the QC PACS
// into a fresh interim tree.
func (o *Orchestrator) fetchFromQC(ctx context.Context, st *models.StatusRow) (string, apperrors.Error) {
	if st.DeidQCAPIStudyURL == "" {
		return "", ErrOrchestrator.New("no QC study URL recorded for " + st.UUID)
	}
	data, err := o.qc.DownloadStudy(ctx, st.DeidQCAPIStudyURL)
	if err != nil {
		return "", err
	}
	deidDir := filepath.Join(o.cfg.DeidDir, st.UUID)
	if err := preDelete(ctx, deidDir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(deidDir, 0755); err != nil {
		return "", ErrOrchestrator.New("unable to create deid dir").Err(err)
	}
	if err := archive.Unzip(data, deidDir); err != nil {
		return "", err
	}
	st.DeidentifiedLocalPath = o.qualifyPath(deidDir)
	if err := o.store.SetStatusPaths(ctx, st.UUID, st.IdentifiedLocalPath, st.DeidentifiedLocalPath); err != nil {
		return "", err
	}
	return deidDir, nil
}

// cleanupInterim removes per-UUID interim artifacts after publication. The
// QC copy is removed once the reviewed set has been published.
func (o *Orchestrator) cleanupInterim(ctx context.Context, st *models.StatusRow, stagingZip string, opts phaseOptions) {
	if o.cfg.KeepInterimFiles {
		return
	}
	for _, dir := range []string{o.localPath(st.IdentifiedLocalPath), o.localPath(st.DeidentifiedLocalPath)} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("dir", dir).Msg("unable to remove interim dir")
		}
	}
	if stagingZip != "" {
		if err := os.Remove(stagingZip); err != nil && !os.IsNotExist(err) {
			log.Ctx(ctx).Warn().Err(err).Str("zip", stagingZip).Msg("unable to remove staging zip")
		}
	}
	if opts.publishFromQC && st.DeidQCAPIStudyURL != "" {
		if err := o.qc.DeleteStudy(ctx, st.DeidQCAPIStudyURL); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("study", st.DeidQCAPIStudyURL).
				Msg("unable to delete reviewed study from QC PACS")
		}
	}
}
