// Package db implements the workspace store: row-level operations on the
// status, manifest and int_cfgs tables of a workspace. All writes are
// single statements; durability at phase boundaries comes from issuing the
// update before the pipeline proceeds, not from transactions.
package db

import (
	"context"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
)

// Store is the row-level interface to the workspace tables. The SQL
// implementation lives in this package; storetest provides an in-memory
// implementation for unit tests.
type Store interface {
	// Status rows.
	GetActiveStatusByUUID(ctx context.Context, uuid string) (*models.StatusRow, apperrors.Error)
	ListActiveStatusByAccession(ctx context.Context, accession string) ([]models.StatusRow, apperrors.Error)
	ListActiveStatus(ctx context.Context) ([]models.StatusRow, apperrors.Error)
	ListActiveStatusByPhase(ctx context.Context, phase int) ([]models.StatusRow, apperrors.Error)
	InsertStatus(ctx context.Context, row *models.StatusRow) apperrors.Error
	SetStatusPhase(ctx context.Context, uuid string, phase int) apperrors.Error
	SetStatusAttrs(ctx context.Context, uuid, subject, oi01, oi02, oi03 string) apperrors.Error
	SetStatusPaths(ctx context.Context, uuid, identified, deidentified string) apperrors.Error
	SetStatusTargets(ctx context.Context, uuid, targets string) apperrors.Error
	SetStatusQC(ctx context.Context, uuid, qcStatus, apiStudyURL, explorerStudyURL string) apperrors.Error
	SetStatusConfigVersion(ctx context.Context, uuid, statusField, version string) apperrors.Error
	SetStatusAccession(ctx context.Context, uuid, accession string) apperrors.Error
	AdvanceStatusChangeSeq(ctx context.Context, uuid string, changeSeqID int64) apperrors.Error
	RetireStatus(ctx context.Context, uuid string) apperrors.Error
	DeleteStatusRow(ctx context.Context, uuid string, changeSeqID int64) apperrors.Error

	// Manifest rows.
	GetActiveManifest(ctx context.Context, accession string) (*models.ManifestRow, apperrors.Error)
	InsertManifest(ctx context.Context, row *models.ManifestRow) apperrors.Error
	UpdateManifest(ctx context.Context, row *models.ManifestRow) apperrors.Error
	SetManifestAccession(ctx context.Context, oldAccession, newAccession string) apperrors.Error
	RetireManifest(ctx context.Context, accession string) apperrors.Error
	DeleteManifest(ctx context.Context, accession string) apperrors.Error

	// IntConfig rows.
	ListActiveIntConfigs(ctx context.Context) ([]models.IntConfigRow, apperrors.Error)
	GetActiveIntConfigByType(ctx context.Context, configType string) (*models.IntConfigRow, apperrors.Error)
	InsertIntConfig(ctx context.Context, row *models.IntConfigRow) apperrors.Error
	DeactivateIntConfig(ctx context.Context, configType string) apperrors.Error

	// Health signal.
	GetSystemStatus(ctx context.Context, host, module string) (models.SystemStatus, apperrors.Error)
}
