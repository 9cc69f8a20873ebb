package pacs

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
)

// UploadResult aggregates a directory upload. The first successfully
// uploaded instance's parent study becomes the study reference for the
// whole upload.
type UploadResult struct {
	OK                    bool
	FirstAPIStudyURL      string
	FirstExplorerStudyURL string
	Successes             int
	Errors                int
}

// UploadDirectory walks a local tree and uploads every DICOM instance in
// it. Non-DICOM files are skipped by magic-byte sniffing. Upload errors
// accumulate rather than abort; the result reports both counts.
func (c *Client) UploadDirectory(ctx context.Context, dir string) (UploadResult, apperrors.Error) {
	var result UploadResult

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !IsDICOMFile(path) {
			log.Ctx(ctx).Debug().Str("path", path).Msg("skipping non-DICOM file")
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("path", path).Msg("unable to read instance file")
			result.Errors++
			return nil
		}

		instanceSubURL, parentStudy, aerr := c.UploadInstance(ctx, data)
		if aerr != nil {
			log.Ctx(ctx).Error().Err(aerr).Str("path", path).Msg("instance upload failed")
			result.Errors++
			return nil
		}
		result.Successes++

		if result.FirstAPIStudyURL == "" {
			apiURL, explorerURL, aerr := c.ResolveParentStudy(ctx, instanceSubURL, parentStudy)
			if aerr != nil {
				log.Ctx(ctx).Error().Err(aerr).Str("instance", instanceSubURL).
					Msg("unable to resolve parent study for uploaded instance")
				result.Errors++
				return nil
			}
			result.FirstAPIStudyURL = apiURL
			result.FirstExplorerStudyURL = explorerURL
		}
		return nil
	})
	if walkErr != nil {
		return result, ErrUpload.New("unable to walk upload directory " + dir).Err(walkErr)
	}

	result.OK = result.Successes > 0 && result.Errors == 0
	if result.Successes == 0 {
		return result, ErrUpload.New("no DICOM instances found under " + dir)
	}
	return result, nil
}
