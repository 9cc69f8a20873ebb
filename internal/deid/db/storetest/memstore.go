// Package storetest provides an in-memory Store implementation for unit
// tests of the migration engine and the orchestrator. Semantics mirror the
// SQL store: active-row lookups, soft retirement with the legacy encoding,
// and not-found errors on zero-row updates.
package storetest

import (
	"context"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/db"
	"github.com/locutushealth/dicomdeid/internal/deid/db/dberror"
	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
)

type MemStore struct {
	Status    []*models.StatusRow
	Manifests []*models.ManifestRow
	IntCfgs   []*models.IntConfigRow

	// MissingCfgFields simulates schema drift: versions written to these
	// fields are dropped and reads never see them.
	MissingCfgFields map[string]bool

	SystemStatus models.SystemStatus
}

var _ db.Store = (*MemStore)(nil)

func New() *MemStore {
	return &MemStore{
		SystemStatus: models.SystemStatus{Overall: true, Host: true, Module: true},
	}
}

func copyStatus(row *models.StatusRow) *models.StatusRow {
	c := *row
	c.ConfigVersions = make(map[string]string, len(row.ConfigVersions))
	for k, v := range row.ConfigVersions {
		c.ConfigVersions[k] = v
	}
	return &c
}

func (m *MemStore) findActiveStatus(uuid string) *models.StatusRow {
	for _, row := range m.Status {
		if row.Active && row.UUID == uuid {
			return row
		}
	}
	return nil
}

func (m *MemStore) GetActiveStatusByUUID(_ context.Context, uuid string) (*models.StatusRow, apperrors.Error) {
	if row := m.findActiveStatus(uuid); row != nil {
		return copyStatus(row), nil
	}
	return nil, dberror.ErrNotFound.New("status row not found for uuid " + uuid)
}

func (m *MemStore) ListActiveStatusByAccession(_ context.Context, accession string) ([]models.StatusRow, apperrors.Error) {
	var result []models.StatusRow
	for _, row := range m.Status {
		if row.Active && row.AccessionNum == accession {
			result = append(result, *copyStatus(row))
		}
	}
	return result, nil
}

func (m *MemStore) ListActiveStatus(_ context.Context) ([]models.StatusRow, apperrors.Error) {
	var result []models.StatusRow
	for _, row := range m.Status {
		if row.Active {
			result = append(result, *copyStatus(row))
		}
	}
	return result, nil
}

func (m *MemStore) ListActiveStatusByPhase(_ context.Context, phase int) ([]models.StatusRow, apperrors.Error) {
	var result []models.StatusRow
	for _, row := range m.Status {
		if row.Active && row.PhaseProcessed == phase {
			result = append(result, *copyStatus(row))
		}
	}
	return result, nil
}

func (m *MemStore) InsertStatus(_ context.Context, row *models.StatusRow) apperrors.Error {
	if existing := m.findActiveStatus(row.UUID); existing != nil {
		return dberror.ErrAlreadyExists.New("status row already exists for uuid " + row.UUID)
	}
	c := copyStatus(row)
	c.Active = true
	if c.ConfigVersions == nil {
		c.ConfigVersions = make(map[string]string)
	}
	m.Status = append(m.Status, c)
	row.Active = true
	return nil
}

func (m *MemStore) SetStatusPhase(_ context.Context, uuid string, phase int) apperrors.Error {
	row := m.findActiveStatus(uuid)
	if row == nil {
		return dberror.ErrNotFound.New("set status phase: not found")
	}
	row.PhaseProcessed = phase
	return nil
}

func (m *MemStore) SetStatusAttrs(_ context.Context, uuid, subject, oi01, oi02, oi03 string) apperrors.Error {
	row := m.findActiveStatus(uuid)
	if row == nil {
		return dberror.ErrNotFound.New("set status attrs: not found")
	}
	row.SubjectID, row.ObjectInfo01, row.ObjectInfo02, row.ObjectInfo03 = subject, oi01, oi02, oi03
	return nil
}

func (m *MemStore) SetStatusPaths(_ context.Context, uuid, identified, deidentified string) apperrors.Error {
	row := m.findActiveStatus(uuid)
	if row == nil {
		return dberror.ErrNotFound.New("set status paths: not found")
	}
	row.IdentifiedLocalPath, row.DeidentifiedLocalPath = identified, deidentified
	return nil
}

func (m *MemStore) SetStatusTargets(_ context.Context, uuid, targets string) apperrors.Error {
	row := m.findActiveStatus(uuid)
	if row == nil {
		return dberror.ErrNotFound.New("set status targets: not found")
	}
	row.DeidentifiedTargets = targets
	return nil
}

func (m *MemStore) SetStatusQC(_ context.Context, uuid, qcStatus, apiStudyURL, explorerStudyURL string) apperrors.Error {
	row := m.findActiveStatus(uuid)
	if row == nil {
		return dberror.ErrNotFound.New("set status qc: not found")
	}
	row.DeidQCStatus = qcStatus
	row.DeidQCAPIStudyURL = apiStudyURL
	row.DeidQCExplorerStudyURL = explorerStudyURL
	return nil
}

func (m *MemStore) SetStatusConfigVersion(_ context.Context, uuid, statusField, version string) apperrors.Error {
	if m.MissingCfgFields[statusField] {
		return dberror.ErrMissingColumn.New("missing config column " + statusField)
	}
	row := m.findActiveStatus(uuid)
	if row == nil {
		return dberror.ErrNotFound.New("set status config version: not found")
	}
	if row.ConfigVersions == nil {
		row.ConfigVersions = make(map[string]string)
	}
	row.ConfigVersions[statusField] = version
	return nil
}

func (m *MemStore) SetStatusAccession(_ context.Context, uuid, accession string) apperrors.Error {
	row := m.findActiveStatus(uuid)
	if row == nil {
		return dberror.ErrNotFound.New("set status accession: not found")
	}
	row.AccessionNum = accession
	return nil
}

func (m *MemStore) AdvanceStatusChangeSeq(_ context.Context, uuid string, changeSeqID int64) apperrors.Error {
	row := m.findActiveStatus(uuid)
	if row == nil {
		return dberror.ErrNotFound.New("advance status change seq: not found")
	}
	row.ChangeSeqID = changeSeqID
	return nil
}

func (m *MemStore) RetireStatus(_ context.Context, uuid string) apperrors.Error {
	row := m.findActiveStatus(uuid)
	if row == nil {
		return dberror.ErrNotFound.New("retire status row: not found")
	}
	row.Active = false
	row.AccessionNum = "-" + row.AccessionNum
	row.ChangeSeqID = -row.ChangeSeqID
	return nil
}

func (m *MemStore) DeleteStatusRow(_ context.Context, uuid string, changeSeqID int64) apperrors.Error {
	for i, row := range m.Status {
		if row.UUID == uuid && row.ChangeSeqID == changeSeqID {
			m.Status = append(m.Status[:i], m.Status[i+1:]...)
			return nil
		}
	}
	return dberror.ErrNotFound.New("delete status row: not found")
}

func (m *MemStore) findActiveManifest(accession string) *models.ManifestRow {
	for _, row := range m.Manifests {
		if row.Active && row.AccessionNum == accession {
			return row
		}
	}
	return nil
}

func (m *MemStore) GetActiveManifest(_ context.Context, accession string) (*models.ManifestRow, apperrors.Error) {
	if row := m.findActiveManifest(accession); row != nil {
		c := *row
		return &c, nil
	}
	return nil, dberror.ErrNotFound.New("manifest row not found for accession " + accession)
}

func (m *MemStore) InsertManifest(_ context.Context, row *models.ManifestRow) apperrors.Error {
	if existing := m.findActiveManifest(row.AccessionNum); existing != nil {
		return dberror.ErrAlreadyExists.New("manifest row already exists for accession " + row.AccessionNum)
	}
	c := *row
	c.Active = true
	m.Manifests = append(m.Manifests, &c)
	row.Active = true
	return nil
}

func (m *MemStore) UpdateManifest(_ context.Context, row *models.ManifestRow) apperrors.Error {
	existing := m.findActiveManifest(row.AccessionNum)
	if existing == nil {
		return dberror.ErrNotFound.New("update manifest row: not found")
	}
	existing.SubjectID = row.SubjectID
	existing.ObjectInfo01 = row.ObjectInfo01
	existing.ObjectInfo02 = row.ObjectInfo02
	existing.ObjectInfo03 = row.ObjectInfo03
	existing.ObjectInfo04 = row.ObjectInfo04
	existing.LastDatetimeProcessed = row.LastDatetimeProcessed
	existing.ManifestStatus = row.ManifestStatus
	return nil
}

func (m *MemStore) SetManifestAccession(_ context.Context, oldAccession, newAccession string) apperrors.Error {
	row := m.findActiveManifest(oldAccession)
	if row == nil {
		return dberror.ErrNotFound.New("set manifest accession: not found")
	}
	row.AccessionNum = newAccession
	return nil
}

func (m *MemStore) RetireManifest(_ context.Context, accession string) apperrors.Error {
	row := m.findActiveManifest(accession)
	if row == nil {
		return dberror.ErrNotFound.New("retire manifest row: not found")
	}
	row.Active = false
	row.AccessionNum = "-" + row.AccessionNum
	return nil
}

func (m *MemStore) DeleteManifest(_ context.Context, accession string) apperrors.Error {
	for i, row := range m.Manifests {
		if row.Active && row.AccessionNum == accession {
			m.Manifests = append(m.Manifests[:i], m.Manifests[i+1:]...)
			return nil
		}
	}
	return dberror.ErrNotFound.New("delete manifest row: not found")
}

func (m *MemStore) ListActiveIntConfigs(_ context.Context) ([]models.IntConfigRow, apperrors.Error) {
	var result []models.IntConfigRow
	for _, row := range m.IntCfgs {
		if row.Active {
			result = append(result, *row)
		}
	}
	return result, nil
}

func (m *MemStore) GetActiveIntConfigByType(_ context.Context, configType string) (*models.IntConfigRow, apperrors.Error) {
	for _, row := range m.IntCfgs {
		if row.Active && row.ConfigType == configType {
			c := *row
			return &c, nil
		}
	}
	return nil, dberror.ErrNotFound.New("no active int config of type " + configType)
}

func (m *MemStore) InsertIntConfig(_ context.Context, row *models.IntConfigRow) apperrors.Error {
	c := *row
	m.IntCfgs = append(m.IntCfgs, &c)
	return nil
}

func (m *MemStore) DeactivateIntConfig(_ context.Context, configType string) apperrors.Error {
	for _, row := range m.IntCfgs {
		if row.Active && row.ConfigType == configType {
			row.Active = false
			return nil
		}
	}
	return dberror.ErrNotFound.New("deactivate int config: not found")
}

func (m *MemStore) GetSystemStatus(_ context.Context, _, _ string) (models.SystemStatus, apperrors.Error) {
	return m.SystemStatus, nil
}

// GetActiveStatusOrNil is a test convenience over GetActiveStatusByUUID.
func (m *MemStore) GetActiveStatusOrNil(uuid string) *models.StatusRow {
	if row := m.findActiveStatus(uuid); row != nil {
		return copyStatus(row)
	}
	return nil
}
