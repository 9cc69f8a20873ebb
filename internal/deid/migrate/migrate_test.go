package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
	"github.com/locutushealth/dicomdeid/internal/deid/db/storetest"
	"github.com/locutushealth/dicomdeid/internal/deid/stager"
)

type fakeStager struct {
	changes []stager.Change
}

func (f *fakeStager) ListActiveChanges(_ context.Context) ([]stager.Change, apperrors.Error) {
	return stager.CollapseMax(f.changes), nil
}

func activeStatus(t *testing.T, store *storetest.MemStore, uuid string) *models.StatusRow {
	t.Helper()
	row, err := store.GetActiveStatusByUUID(context.Background(), uuid)
	require.Nil(t, err)
	return row
}

func TestMigrateNewChange(t *testing.T) {
	store := storetest.New()
	reader := &fakeStager{changes: []stager.Change{
		{Accession: "A1", ChangeSeqID: 100, UUID: "U1"},
	}}

	counters, err := NewEngine(store, reader, false).Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 1, counters.Migrated)
	assert.Zero(t, counters.ZombiesFound)

	row := activeStatus(t, store, "U1")
	assert.Equal(t, "A1", row.AccessionNum)
	assert.Equal(t, int64(100), row.ChangeSeqID)
	assert.Equal(t, models.PhaseMigrated, row.PhaseProcessed)
}

func TestMigrateAdvancesExistingUUID(t *testing.T) {
	store := storetest.New()
	require.Nil(t, store.InsertStatus(context.Background(), &models.StatusRow{
		ChangeSeqID: 100, UUID: "U1", AccessionNum: "A1", PhaseProcessed: models.PhasePublished,
	}))
	reader := &fakeStager{changes: []stager.Change{
		{Accession: "A1", ChangeSeqID: 150, UUID: "U1"},
	}}

	counters, err := NewEngine(store, reader, false).Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 1, counters.Migrated)
	assert.Equal(t, 1, counters.ExtrasCleaned)

	row := activeStatus(t, store, "U1")
	assert.Equal(t, int64(150), row.ChangeSeqID)
}

func TestMigrateIgnoresUpToDateRows(t *testing.T) {
	store := storetest.New()
	require.Nil(t, store.InsertStatus(context.Background(), &models.StatusRow{
		ChangeSeqID: 100, UUID: "U1", AccessionNum: "A1", PhaseProcessed: models.PhasePublished,
	}))
	reader := &fakeStager{changes: []stager.Change{
		{Accession: "A1", ChangeSeqID: 100, UUID: "U1"},
	}}

	counters, err := NewEngine(store, reader, true).Run(context.Background())
	require.Nil(t, err)
	assert.Zero(t, counters.Migrated)
	assert.Zero(t, counters.ZombiesFound)
}

func TestZombieWarnedNotRemoved(t *testing.T) {
	store := storetest.New()
	require.Nil(t, store.InsertStatus(context.Background(), &models.StatusRow{
		ChangeSeqID: 50, UUID: "UZ", AccessionNum: "AZ", PhaseProcessed: models.PhaseDownloaded,
	}))
	reader := &fakeStager{}

	counters, err := NewEngine(store, reader, false).Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 1, counters.ZombiesFound)
	assert.Zero(t, counters.ZombiesRemoved)
	assert.NotNil(t, store.GetActiveStatusOrNil("UZ"))
}

func TestZombieRetiredWhenEnabled(t *testing.T) {
	store := storetest.New()
	require.Nil(t, store.InsertStatus(context.Background(), &models.StatusRow{
		ChangeSeqID: 50, UUID: "UZ", AccessionNum: "AZ", PhaseProcessed: models.PhaseDownloaded,
	}))
	reader := &fakeStager{}

	counters, err := NewEngine(store, reader, true).Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 1, counters.ZombiesFound)
	assert.Equal(t, 1, counters.ZombiesRemoved)
	assert.Nil(t, store.GetActiveStatusOrNil("UZ"))

	// legacy retirement encoding preserved
	require.Len(t, store.Status, 1)
	retired := store.Status[0]
	assert.False(t, retired.Active)
	assert.Equal(t, "-AZ", retired.AccessionNum)
	assert.Equal(t, int64(-50), retired.ChangeSeqID)
}

func TestCollapseExtraChangeRows(t *testing.T) {
	store := storetest.New()
	// two historical rows for the same uuid; only the max survives
	store.Status = append(store.Status,
		&models.StatusRow{ChangeSeqID: 90, UUID: "U1", AccessionNum: "A1", Active: true, PhaseProcessed: models.PhaseDownloaded, ConfigVersions: map[string]string{}},
		&models.StatusRow{ChangeSeqID: 120, UUID: "U1", AccessionNum: "A1", Active: true, PhaseProcessed: models.PhaseDownloaded, ConfigVersions: map[string]string{}},
	)
	reader := &fakeStager{changes: []stager.Change{
		{Accession: "A1", ChangeSeqID: 120, UUID: "U1"},
	}}

	counters, err := NewEngine(store, reader, false).Run(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 1, counters.ExtrasRemoved)
	require.Len(t, store.Status, 1)
	assert.Equal(t, int64(120), store.Status[0].ChangeSeqID)
}

func TestAccessionStringPropagation(t *testing.T) {
	store := storetest.New()
	require.Nil(t, store.InsertStatus(context.Background(), &models.StatusRow{
		ChangeSeqID: 100, UUID: "U1", AccessionNum: "1234", PhaseProcessed: models.PhasePublished,
	}))
	require.Nil(t, store.InsertManifest(context.Background(), &models.ManifestRow{
		AccessionNum: "1234", SubjectID: "S1",
	}))
	reader := &fakeStager{changes: []stager.Change{
		{Accession: "VIRT1234", ChangeSeqID: 150, UUID: "U1"},
	}}

	_, err := NewEngine(store, reader, false).Run(context.Background())
	require.Nil(t, err)

	row := activeStatus(t, store, "U1")
	assert.Equal(t, "VIRT1234", row.AccessionNum)

	manifest, merr := store.GetActiveManifest(context.Background(), "VIRT1234")
	require.Nil(t, merr)
	assert.Equal(t, "S1", manifest.SubjectID)
}
