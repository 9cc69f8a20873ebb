package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/anonymizer"
	"github.com/locutushealth/dicomdeid/internal/deid/archive"
	"github.com/locutushealth/dicomdeid/internal/deid/config"
	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
	"github.com/locutushealth/dicomdeid/internal/deid/db/storetest"
	"github.com/locutushealth/dicomdeid/internal/deid/health"
	"github.com/locutushealth/dicomdeid/internal/deid/intconfig"
	"github.com/locutushealth/dicomdeid/internal/deid/manifest"
	"github.com/locutushealth/dicomdeid/internal/deid/pacs"
	"github.com/locutushealth/dicomdeid/internal/deid/publish"
	"github.com/locutushealth/dicomdeid/internal/deid/stager"
)

const manifestHeader = "SUBJECT_ID,IMAGING_TYPE,AGE_AT_IMAGING_(DAYS),ANATOMICAL_POSITION,ACCESSION_NUM,DEID_QC_STATUS," + manifest.VersionTag

// makeStudyZip builds a tiny study archive for fake downloads.
func makeStudyZip(t *testing.T) []byte {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "series1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "series1", "img1.dcm"), []byte("pixels"), 0644))
	zipPath := filepath.Join(t.TempDir(), "study.zip")
	require.Nil(t, archive.ZipDir(src, zipPath))
	data, err := os.ReadFile(zipPath)
	require.NoError(t, err)
	return data
}

type fakeStagerReader struct {
	changes []stager.Change
}

func (f *fakeStagerReader) ListActiveChanges(context.Context) ([]stager.Change, apperrors.Error) {
	return f.changes, nil
}

type fakeSource struct {
	zip       []byte
	downloads int
	fail      bool
}

func (f *fakeSource) DownloadStudy(context.Context, string) ([]byte, apperrors.Error) {
	if f.fail {
		return nil, pacs.ErrDownload.New("connection refused")
	}
	f.downloads++
	return f.zip, nil
}

type fakeQC struct {
	zip      []byte
	uploads  int
	deleted  []string
	liveURLs map[string]bool
}

func (f *fakeQC) DownloadStudy(context.Context, string) ([]byte, apperrors.Error) {
	return f.zip, nil
}

func (f *fakeQC) UploadDirectory(context.Context, string) (pacs.UploadResult, apperrors.Error) {
	f.uploads++
	return pacs.UploadResult{
		OK:                    true,
		Successes:             1,
		FirstAPIStudyURL:      "/studies/qc1",
		FirstExplorerStudyURL: "http://qc/#study?uuid=qc1",
	}, nil
}

func (f *fakeQC) StudyExists(_ context.Context, url string) (bool, apperrors.Error) {
	return f.liveURLs[url], nil
}

func (f *fakeQC) DeleteStudy(_ context.Context, url string) apperrors.Error {
	f.deleted = append(f.deleted, url)
	delete(f.liveURLs, url)
	return nil
}

// fakeAnon mirrors the input tree into the output tree, or fails.
type fakeAnon struct {
	exitCode int
	runs     int
	lastJob  anonymizer.Job
}

func (f *fakeAnon) Run(_ context.Context, job anonymizer.Job) apperrors.Error {
	f.runs++
	f.lastJob = job
	if f.exitCode != 0 {
		return anonymizer.ErrExit.New(fmt.Sprintf("dicom_anon returned non-zero error code of %d", f.exitCode))
	}
	return copyTree(job.InputDir, job.OutputDir)
}

func copyTree(src, dst string) apperrors.Error {
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(src, path)
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
	if err != nil {
		return ErrOrchestrator.Err(err)
	}
	return nil
}

type harness struct {
	cfg        *config.ConfigParam
	store      *storetest.MemStore
	source     *fakeSource
	qc         *fakeQC
	anon       *fakeAnon
	out        *bytes.Buffer
	targetRoot string
	changes    []stager.Change
	activeCfgs []models.IntConfigRow
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	zip := makeStudyZip(t)
	return &harness{
		cfg: &config.ConfigParam{
			HostName:                 "testhost",
			ZipDir:                   t.TempDir(),
			DeidDir:                  t.TempDir(),
			MaxSameAccessionAttempts: 5,
		},
		store:      storetest.New(),
		source:     &fakeSource{zip: zip},
		qc:         &fakeQC{zip: zip, liveURLs: map[string]bool{}},
		anon:       &fakeAnon{},
		out:        &bytes.Buffer{},
		targetRoot: t.TempDir(),
		activeCfgs: []models.IntConfigRow{
			{ConfigType: "download_version", ConfigVersion: "2", AtPhase: models.PhaseDownloaded, StatusField: "cfg_download_version", Active: true},
			{ConfigType: "dicom_anon_spec_ver", ConfigVersion: "2021march15", AtPhase: models.PhaseDeidentified, StatusField: "cfg_dicom_anon_spec_ver", Active: true},
		},
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	pub := publish.New(t.TempDir(), &publish.FilesystemTarget{Root: h.targetRoot})
	gate := health.NewGate(h.store, h.cfg.HostName, "dicomdeid")
	return New(h.cfg, h.store, &fakeStagerReader{changes: h.changes}, h.source, h.qc,
		h.anon, pub, gate, manifest.NewWriter(h.out), h.activeCfgs)
}

func (h *harness) run(t *testing.T, manifestBody string) apperrors.Error {
	t.Helper()
	reader, err := manifest.NewReader(strings.NewReader(manifestHeader+"\n"+manifestBody), manifest.Options{})
	require.Nil(t, err)
	return h.orchestrator(t).Run(context.Background(), reader)
}

func (h *harness) outputLines() []string {
	var lines []string
	for _, line := range strings.Split(h.out.String(), "\n") {
		if strings.HasPrefix(line, "MANIFEST_OUTPUT:") {
			lines = append(lines, line)
		}
	}
	return lines
}

func (h *harness) seedMigrated(t *testing.T, uuid, accession string, changeID int64) {
	t.Helper()
	require.Nil(t, h.store.InsertStatus(context.Background(), &models.StatusRow{
		ChangeSeqID: changeID, UUID: uuid, AccessionNum: accession,
		PhaseProcessed: models.PhaseMigrated,
	}))
	h.changes = append(h.changes, stager.Change{
		Accession: accession, ChangeSeqID: changeID, UUID: uuid,
		StudyURL: "/studies/" + uuid,
	})
}

func TestPendingChange(t *testing.T) {
	h := newHarness(t)

	err := h.run(t, "S1,a,b,c,A1,\n")
	require.Nil(t, err)

	lines := h.outputLines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "PENDING_CHANGE")
	assert.Empty(t, h.store.Status)

	mrow, merr := h.store.GetActiveManifest(context.Background(), "A1")
	require.Nil(t, merr)
	assert.Equal(t, "PENDING_CHANGE", mrow.ManifestStatus)
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	h.seedMigrated(t, "UUID1", "A1", 100)

	err := h.run(t, "S1,a,b,c,A1,\n")
	require.Nil(t, err)

	st := h.store.GetActiveStatusOrNil("UUID1")
	require.NotNil(t, st)
	assert.Equal(t, models.PhasePublished, st.PhaseProcessed)
	assert.True(t, strings.HasSuffix(st.DeidentifiedTargets, "uuid_UUID1.zip"))
	assert.Equal(t, "2", st.ConfigVersions["cfg_download_version"])
	assert.Equal(t, "2021march15", st.ConfigVersions["cfg_dicom_anon_spec_ver"])

	lines := h.outputLines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "PROCESSED")
	assert.Contains(t, lines[0], "uuid_UUID1.zip")

	published := filepath.Join(h.targetRoot, "S1_a_b_c", "uuid_UUID1.zip")
	_, statErr := os.Stat(published)
	assert.NoError(t, statErr)

	// interim trees removed after publication
	_, statErr = os.Stat(filepath.Join(h.cfg.ZipDir, "UUID1"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(h.cfg.DeidDir, "UUID1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedMigrated(t, "UUID1", "A1", 100)

	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))
	downloadsAfterFirst := h.source.downloads
	h.out.Reset()

	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))
	assert.Equal(t, downloadsAfterFirst, h.source.downloads)

	lines := h.outputLines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], statusAlreadyProcessed)
	st := h.store.GetActiveStatusOrNil("UUID1")
	assert.Equal(t, models.PhasePublished, st.PhaseProcessed)
}

func TestQCPauseThenPassFromQC(t *testing.T) {
	h := newHarness(t)
	h.cfg.ManualQC = true
	h.seedMigrated(t, "UUID1", "A1", 100)

	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))

	st := h.store.GetActiveStatusOrNil("UUID1")
	require.NotNil(t, st)
	assert.Equal(t, models.PhaseDeidentified, st.PhaseProcessed)
	assert.Equal(t, "UNDER_REVIEW", st.DeidQCStatus)
	assert.Equal(t, "/studies/qc1", st.DeidQCAPIStudyURL)
	require.Len(t, h.outputLines(), 1)
	assert.Contains(t, h.outputLines()[0], statusUnderReview)

	// second run carries the verdict; QC copy still live
	h.qc.liveURLs["/studies/qc1"] = true
	h.out.Reset()
	downloads := h.source.downloads
	anonRuns := h.anon.runs

	require.Nil(t, h.run(t, "S1,a,b,c,A1,PASS_FROM_DEIDQC:ok\n"))

	st = h.store.GetActiveStatusOrNil("UUID1")
	assert.Equal(t, models.PhasePublished, st.PhaseProcessed)
	assert.Equal(t, downloads, h.source.downloads, "no re-download")
	assert.Equal(t, anonRuns, h.anon.runs, "no re-anonymize")
	assert.True(t, strings.HasSuffix(st.DeidentifiedTargets, "uuid_UUID1.zip"))
	assert.Contains(t, h.qc.deleted, "/studies/qc1")
	assert.Contains(t, h.outputLines()[0], "PROCESSED")
}

func TestPassFromQCDegradesWhenStudyGone(t *testing.T) {
	h := newHarness(t)
	h.cfg.ManualQC = true
	h.seedMigrated(t, "UUID1", "A1", 100)
	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))

	// QC copy vanished before the verdict came back
	h.out.Reset()
	require.Nil(t, h.run(t, "S1,a,b,c,A1,PASS_FROM_DEIDQC:ok\n"))

	// the degraded verdict re-runs the full pipeline and lands back in review
	st := h.store.GetActiveStatusOrNil("UUID1")
	assert.Equal(t, models.PhaseDeidentified, st.PhaseProcessed)
	assert.Equal(t, "UNDER_REVIEW", st.DeidQCStatus)
	assert.GreaterOrEqual(t, h.source.downloads, 2, "degraded verdict re-downloads")
}

func TestPassVerdictRerunsWithoutPreface(t *testing.T) {
	h := newHarness(t)
	h.cfg.ManualQC = true
	h.seedMigrated(t, "UUID1", "A1", 100)
	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))
	require.Equal(t, "S1", h.anon.lastJob.ReplacementPatientInfo)

	h.out.Reset()
	require.Nil(t, h.run(t, "S1,a,b,c,A1,PASS:looks clean\n"))

	st := h.store.GetActiveStatusOrNil("UUID1")
	assert.Equal(t, models.PhasePublished, st.PhaseProcessed)
	assert.Empty(t, h.anon.lastJob.ReplacementPatientInfo)
	assert.Equal(t, 1, h.qc.uploads, "re-run does not re-stage for QC")
}

func TestFailVerdictSticky(t *testing.T) {
	h := newHarness(t)
	h.cfg.ManualQC = true
	h.cfg.DeleteFromQCOnFail = true
	h.seedMigrated(t, "UUID1", "A1", 100)
	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))

	h.out.Reset()
	require.Nil(t, h.run(t, "S1,a,b,c,A1,FAIL:phi still visible\n"))

	st := h.store.GetActiveStatusOrNil("UUID1")
	assert.Equal(t, models.PhaseFailedQC, st.PhaseProcessed)
	assert.Equal(t, "FAIL:phi still visible", st.DeidQCStatus)
	assert.Contains(t, h.qc.deleted, "/studies/qc1")
	assert.Contains(t, h.outputLines()[0], "FAIL:phi still visible")

	// third run without a verdict leaves the failure in place
	h.out.Reset()
	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))
	st = h.store.GetActiveStatusOrNil("UUID1")
	assert.Equal(t, models.PhaseFailedQC, st.PhaseProcessed)
	assert.Contains(t, h.outputLines()[0], "FAIL:phi still visible")
}

func TestReprocessVerdictRestartsFailedStudy(t *testing.T) {
	h := newHarness(t)
	h.cfg.ManualQC = true
	h.seedMigrated(t, "UUID1", "A1", 100)
	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))
	require.Nil(t, h.run(t, "S1,a,b,c,A1,FAIL:bad\n"))

	h.out.Reset()
	require.Nil(t, h.run(t, "S1,a,b,c,A1,REPROCESS:try again\n"))

	st := h.store.GetActiveStatusOrNil("UUID1")
	// the re-run stages for QC again and pauses
	assert.Equal(t, models.PhaseDeidentified, st.PhaseProcessed)
	assert.Equal(t, "UNDER_REVIEW", st.DeidQCStatus)
	assert.Contains(t, h.outputLines()[0], statusUnderReview)
}

func TestUnsupportedVerdict(t *testing.T) {
	h := newHarness(t)
	h.cfg.ManualQC = true
	h.seedMigrated(t, "UUID1", "A1", 100)
	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))

	h.out.Reset()
	err := h.run(t, "S1,a,b,c,A1,MAYBE:unclear\n")
	require.NotNil(t, err)
	assert.True(t, err.Is(ErrRunErrors))
	assert.Contains(t, h.outputLines()[0], "ERROR_PHASE03=[unsupported deid_qc_status MAYBE:unclear")
}

func TestAnonymizerFailure(t *testing.T) {
	h := newHarness(t)
	h.anon.exitCode = 3
	h.seedMigrated(t, "UUID1", "A1", 100)

	err := h.run(t, "S1,a,b,c,A1,\n")
	require.NotNil(t, err)
	assert.True(t, err.Is(ErrRunErrors))
	assert.Contains(t, err.Error(), "total=1 error(s)")

	st := h.store.GetActiveStatusOrNil("UUID1")
	assert.Equal(t, models.PhaseDownloaded, st.PhaseProcessed)

	mrow, merr := h.store.GetActiveManifest(context.Background(), "A1")
	require.Nil(t, merr)
	assert.True(t, strings.HasPrefix(mrow.ManifestStatus, "ERROR_PHASE04=[dicom_anon returned non-zero error code of 3"),
		"got %q", mrow.ManifestStatus)
}

func TestAnonymizerFailureForceSuccessIsSoft(t *testing.T) {
	h := newHarness(t)
	h.anon.exitCode = 3
	h.cfg.Anonymizer.ForceSuccess = true
	h.seedMigrated(t, "UUID1", "A1", 100)

	err := h.run(t, "S1,a,b,c,A1,\n")
	require.Nil(t, err, "force-success failures do not fail the run")

	mrow, merr := h.store.GetActiveManifest(context.Background(), "A1")
	require.Nil(t, merr)
	assert.True(t, strings.HasPrefix(mrow.ManifestStatus, "ERROR_PHASE04="))
}

func TestMultipleUUIDConflict(t *testing.T) {
	h := newHarness(t)
	h.seedMigrated(t, "UUID1", "A1", 100)
	h.seedMigrated(t, "UUID2", "A1", 101)

	err := h.run(t, "S1,a,b,c,A1,\n")
	require.Nil(t, err)

	lines := h.outputLines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], statusMultipleUUIDs)

	// neither uuid advanced, and sweeps left them alone
	assert.Equal(t, models.PhaseMigrated, h.store.GetActiveStatusOrNil("UUID1").PhaseProcessed)
	assert.Equal(t, models.PhaseMigrated, h.store.GetActiveStatusOrNil("UUID2").PhaseProcessed)
}

func TestDuplicateAccessionFatalByDefault(t *testing.T) {
	h := newHarness(t)
	h.seedMigrated(t, "UUID1", "A1", 100)

	err := h.run(t, "S1,a,b,c,A1,\nS1,a,b,c,A1,\n")
	require.NotNil(t, err)
	assert.True(t, err.Is(ErrDuplicate))
}

func TestDuplicateAccessionAllowed(t *testing.T) {
	h := newHarness(t)
	h.cfg.AllowProcessingOfDuplicates = true
	h.seedMigrated(t, "UUID1", "A1", 100)

	err := h.run(t, "S1,a,b,c,A1,\nS1,a,b,c,A1,\n")
	require.Nil(t, err)
	lines := h.outputLines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], statusAlreadyProcessed)
}

func TestHealthGateStopsRun(t *testing.T) {
	h := newHarness(t)
	h.store.SystemStatus = models.SystemStatus{Overall: true, Host: true, Module: false}
	h.seedMigrated(t, "UUID1", "A1", 100)

	err := h.run(t, "S1,a,b,c,A1,\n")
	require.Nil(t, err)
	assert.Empty(t, h.outputLines())
	assert.Equal(t, models.PhaseMigrated, h.store.GetActiveStatusOrNil("UUID1").PhaseProcessed)
}

func TestSweepIgnoresUnanticipatedRows(t *testing.T) {
	h := newHarness(t)
	h.seedMigrated(t, "UUID9", "A9", 100)
	require.Nil(t, h.store.SetStatusPhase(context.Background(), "UUID9", models.PhaseDownloaded))
	require.Nil(t, h.store.SetStatusAttrs(context.Background(), "UUID9", "S9", "a", "b", "c"))
	require.Nil(t, h.store.SetStatusPaths(context.Background(), "UUID9", "testhost:/nope", ""))

	// manifest does not mention A9
	err := h.run(t, "")
	require.Nil(t, err)
	assert.Equal(t, models.PhaseDownloaded, h.store.GetActiveStatusOrNil("UUID9").PhaseProcessed)
}

func TestSweepExpandedBeyondManifest(t *testing.T) {
	h := newHarness(t)
	h.cfg.ExpandSweepBeyondManifest = true
	h.seedMigrated(t, "UUID9", "A9", 100)

	// leave a downloaded tree behind as a prior run would
	identified := filepath.Join(h.cfg.ZipDir, "UUID9")
	require.NoError(t, os.MkdirAll(identified, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(identified, "img.dcm"), []byte("pixels"), 0644))
	require.Nil(t, h.store.SetStatusPhase(context.Background(), "UUID9", models.PhaseDownloaded))
	require.Nil(t, h.store.SetStatusAttrs(context.Background(), "UUID9", "S9", "a", "b", "c"))
	require.Nil(t, h.store.SetStatusPaths(context.Background(), "UUID9", "testhost:"+identified, ""))

	err := h.run(t, "")
	require.Nil(t, err)
	st := h.store.GetActiveStatusOrNil("UUID9")
	assert.Equal(t, models.PhasePublished, st.PhaseProcessed)
	assert.True(t, strings.HasSuffix(st.DeidentifiedTargets, "uuid_UUID9.zip"))
}

func TestConfigMismatchAllowContinueOnProcessedRow(t *testing.T) {
	h := newHarness(t)
	h.cfg.AllowContinueIfOnlyCfgsChanged = true
	h.seedMigrated(t, "UUID1", "A1", 100)
	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))

	// bump a config version: the stored row is now stale
	h.activeCfgs[1].ConfigVersion = "2022jan01"
	h.out.Reset()
	downloads := h.source.downloads

	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))
	assert.Equal(t, downloads, h.source.downloads, "no reprocessing")
	assert.Contains(t, h.outputLines()[0], "PREVIOUS_PROCESSING_USED_[CFGs:dicom_anon_spec_ver")
}

func TestConfigMismatchPreretireReprocesses(t *testing.T) {
	h := newHarness(t)
	h.seedMigrated(t, "UUID1", "A1", 100)
	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))
	firstTargets := h.store.GetActiveStatusOrNil("UUID1").DeidentifiedTargets

	h.activeCfgs[1].ConfigVersion = "2022jan01"
	h.cfg.PreretireIfOnlyChanged = true
	h.out.Reset()

	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))

	st := h.store.GetActiveStatusOrNil("UUID1")
	assert.Equal(t, models.PhasePublished, st.PhaseProcessed)
	assert.Equal(t, "2022jan01", st.ConfigVersions["cfg_dicom_anon_spec_ver"])
	// prior published targets carried forward onto the reborn row
	assert.Contains(t, st.DeidentifiedTargets, strings.Split(firstTargets, ",")[0])

	// exactly one active, one retired manifest row
	activeCount, retiredCount := 0, 0
	for _, m := range h.store.Manifests {
		if m.Active {
			activeCount++
		} else {
			retiredCount++
		}
	}
	assert.Equal(t, 1, activeCount)
	assert.Equal(t, 1, retiredCount)
}

// fullRegistryCfgs activates every declared config, including the
// publish-phase one, the way a real run does.
func fullRegistryCfgs() []models.IntConfigRow {
	var rows []models.IntConfigRow
	for _, d := range intconfig.DefaultRegistry() {
		rows = append(rows, models.IntConfigRow{
			ConfigType:    d.ConfigType,
			ConfigVersion: d.ConfigVersion,
			AtPhase:       d.AtPhase,
			StatusField:   d.StatusField,
			Active:        true,
		})
	}
	return rows
}

func TestResumeAfterFailureWithFullRegistry(t *testing.T) {
	h := newHarness(t)
	h.activeCfgs = fullRegistryCfgs()
	h.anon.exitCode = 3
	h.seedMigrated(t, "UUID1", "A1", 100)

	err := h.run(t, "S1,a,b,c,A1,\n")
	require.NotNil(t, err)
	require.Equal(t, models.PhaseDownloaded, h.store.GetActiveStatusOrNil("UUID1").PhaseProcessed)

	// configs bound to phases the study never reached must not block the
	// resume branch
	h.anon.exitCode = 0
	h.out.Reset()
	downloads := h.source.downloads

	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))

	st := h.store.GetActiveStatusOrNil("UUID1")
	assert.Equal(t, models.PhasePublished, st.PhaseProcessed)
	assert.Equal(t, downloads, h.source.downloads, "resume does not re-download")
	assert.Contains(t, h.outputLines()[0], "PROCESSED")
	assert.Equal(t, "1", st.ConfigVersions["cfg_publish_layout_ver"])
}

func TestUnderReviewHeldWithFullRegistry(t *testing.T) {
	h := newHarness(t)
	h.activeCfgs = fullRegistryCfgs()
	h.cfg.ManualQC = true
	h.seedMigrated(t, "UUID1", "A1", 100)
	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))
	require.Equal(t, models.PhaseDeidentified, h.store.GetActiveStatusOrNil("UUID1").PhaseProcessed)

	// no verdict yet: the study stays parked even though the publish-phase
	// config has no recorded version
	h.out.Reset()
	anonRuns := h.anon.runs

	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))

	assert.Equal(t, anonRuns, h.anon.runs)
	assert.Contains(t, h.outputLines()[0], statusUnderReview)
	st := h.store.GetActiveStatusOrNil("UUID1")
	assert.Equal(t, models.PhaseDeidentified, st.PhaseProcessed)
	assert.Equal(t, "UNDER_REVIEW", st.DeidQCStatus)
}

func TestFailVerdictStickyWithFullRegistry(t *testing.T) {
	h := newHarness(t)
	h.activeCfgs = fullRegistryCfgs()
	h.cfg.ManualQC = true
	h.seedMigrated(t, "UUID1", "A1", 100)
	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))
	require.Nil(t, h.run(t, "S1,a,b,c,A1,FAIL:bad\n"))

	// a failed study never recorded the publish config; the failure holds
	h.out.Reset()
	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))

	st := h.store.GetActiveStatusOrNil("UUID1")
	assert.Equal(t, models.PhaseFailedQC, st.PhaseProcessed)
	assert.Contains(t, h.outputLines()[0], "FAIL:bad")
}

func TestAttrChangeWithoutFlagsSkips(t *testing.T) {
	h := newHarness(t)
	h.seedMigrated(t, "UUID1", "A1", 100)
	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))
	h.out.Reset()
	downloads := h.source.downloads

	require.Nil(t, h.run(t, "S1,a,b,DIFFERENT,A1,\n"))
	assert.Equal(t, downloads, h.source.downloads)
	assert.Contains(t, h.outputLines()[0], "PREVIOUS_PROCESSING_USED_[ATTRS:S1/a/b/c]")
}

func TestForceReprocess(t *testing.T) {
	h := newHarness(t)
	h.seedMigrated(t, "UUID1", "A1", 100)
	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))

	h.cfg.ForceReprocess = true
	h.out.Reset()
	downloads := h.source.downloads

	require.Nil(t, h.run(t, "S1,a,b,c,A1,\n"))
	assert.Equal(t, downloads+1, h.source.downloads)
	assert.Equal(t, models.PhasePublished, h.store.GetActiveStatusOrNil("UUID1").PhaseProcessed)
}

func TestTransientDownloadErrorContinuesBatch(t *testing.T) {
	h := newHarness(t)
	h.source.fail = true
	h.seedMigrated(t, "UUID1", "A1", 100)
	h.seedMigrated(t, "UUID2", "A2", 101)

	err := h.run(t, "S1,a,b,c,A1,\nS2,a,b,c,A2,\n")
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "total=2 error(s)")

	lines := h.outputLines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "ERROR_PHASE03=[")
	assert.Contains(t, lines[1], "ERROR_PHASE03=[")
}

func TestParseVerdict(t *testing.T) {
	v, known := ParseVerdict("PASS_FROM_DEIDQC:reviewer ok")
	assert.True(t, known)
	assert.Equal(t, "PASS_FROM_DEIDQC", v.Kind)
	assert.Equal(t, "reviewer ok", v.Info)

	_, known = ParseVerdict("MAYBE:unclear")
	assert.False(t, known)
}

func TestPhaseErrorStatusNoDoublePrefix(t *testing.T) {
	inner := ErrOrchestrator.New("ERROR_PHASE03=[connection refused]")
	assert.Equal(t, "ERROR_PHASE03=[connection refused]", phaseErrorStatus(models.PhaseDeidentified, false, inner))

	plain := ErrOrchestrator.New("boom")
	assert.Equal(t, "ERROR_PHASE04_SWEEP=[boom]", phaseErrorStatus(models.PhaseDeidentified, true, plain))
}

func TestPhaseErrorStatusUsesTaggedPhase(t *testing.T) {
	tagged := ErrOrchestrator.New("no DICOMDIR URL for uuid U1").SetPhase(models.PhaseDownloaded)
	assert.Equal(t, "ERROR_PHASE03=[no DICOMDIR URL for uuid U1]",
		phaseErrorStatus(models.PhasePublished, false, tagged))
}
