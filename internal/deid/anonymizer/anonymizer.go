// Package anonymizer launches the external DICOM de-identification engine
// as a subprocess. The engine is a pure file-tree transformation; this
// package only builds its argument list, collects its output and verifies
// that the output tree was actually created.
package anonymizer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
)

var (
	ErrAnonymizer apperrors.Error = apperrors.New("anonymizer error")
	ErrExit       apperrors.Error = ErrAnonymizer.New("non-zero exit")
	ErrNoOutput   apperrors.Error = ErrAnonymizer.New("anonymizer did not create output (e.g., all input modalities unsupported)")
)

// Job describes one de-identification run.
type Job struct {
	InputDir               string
	OutputDir              string
	ReplacementPatientInfo string
	SpecFile               string
	AllowedModalities      []string
	ExcludedSeriesDescs    []string
	AlignmentMode          string
}

// Invoker runs de-identification jobs.
type Invoker interface {
	Run(ctx context.Context, job Job) apperrors.Error
}

type invoker struct {
	binaryPath string
}

// New creates an Invoker for the given engine binary.
func New(binaryPath string) Invoker {
	return &invoker{binaryPath: binaryPath}
}

func (iv *invoker) Run(ctx context.Context, job Job) apperrors.Error {
	args := []string{
		"--input", job.InputDir,
		"--output", job.OutputDir,
	}
	if job.ReplacementPatientInfo != "" {
		args = append(args, "--patient-info", job.ReplacementPatientInfo)
	}
	if job.SpecFile != "" {
		args = append(args, "--spec", job.SpecFile)
	}
	if len(job.AllowedModalities) > 0 {
		args = append(args, "--modalities", strings.Join(job.AllowedModalities, ","))
	}
	if len(job.ExcludedSeriesDescs) > 0 {
		args = append(args, "--exclude-series", strings.Join(job.ExcludedSeriesDescs, ","))
	}
	if job.AlignmentMode != "" {
		args = append(args, "--alignment", job.AlignmentMode)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, iv.binaryPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Ctx(ctx).Info().Str("binary", iv.binaryPath).Str("input", job.InputDir).
		Str("output", job.OutputDir).Msg("launching anonymizer")

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		log.Ctx(ctx).Error().Int("exit_code", exitCode).
			Str("stdout", stdout.String()).Str("stderr", stderr.String()).
			Msg("anonymizer failed")
		return ErrExit.New(fmt.Sprintf("dicom_anon returned non-zero error code of %d", exitCode)).Err(err)
	}

	if _, err := os.Stat(job.OutputDir); err != nil {
		log.Ctx(ctx).Error().Str("output", job.OutputDir).
			Str("stdout", stdout.String()).Msg("anonymizer exited cleanly but produced no output tree")
		return ErrNoOutput
	}
	return nil
}
