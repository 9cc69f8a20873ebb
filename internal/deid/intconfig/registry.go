// Package intconfig holds the versioned internal configuration registry and
// the gate that decides whether previously processed studies remain valid
// when a configuration changes.
package intconfig

import (
	"time"

	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
)

// Declared is an in-code default for one config type. The registry is data:
// status-table columns are created from StatusField automatically, and
// activation reconciles these defaults against the store at startup.
type Declared struct {
	ConfigType    string
	ConfigVersion string
	ConfigDesc    string
	DateActivated time.Time
	AtPhase       int
	StatusField   string
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DefaultRegistry is the declared active configuration set. Bumping a
// version here invalidates prior processing from the config's phase onward.
func DefaultRegistry() []Declared {
	return []Declared{
		{
			ConfigType:    "download_version",
			ConfigVersion: "2",
			ConfigDesc:    "study download endpoint: 1=DICOMDIR, 2=hierarchical zip archive",
			DateActivated: date(2021, time.June, 1),
			AtPhase:       models.PhaseDownloaded,
			StatusField:   "cfg_download_version",
		},
		{
			ConfigType:    "dicom_anon_spec_ver",
			ConfigVersion: "2021march15",
			ConfigDesc:    "anonymizer tag-handling spec file version",
			DateActivated: date(2021, time.March, 15),
			AtPhase:       models.PhaseDeidentified,
			StatusField:   "cfg_dicom_anon_spec_ver",
		},
		{
			ConfigType:    "allowed_modalities_ver",
			ConfigVersion: "1",
			ConfigDesc:    "modality allow-list applied during de-identification",
			DateActivated: date(2021, time.March, 15),
			AtPhase:       models.PhaseDeidentified,
			StatusField:   "cfg_allowed_modalities_ver",
		},
		{
			ConfigType:    "publish_layout_ver",
			ConfigVersion: "1",
			ConfigDesc:    "published zip naming and target path layout",
			DateActivated: date(2021, time.March, 15),
			AtPhase:       models.PhasePublished,
			StatusField:   "cfg_publish_layout_ver",
		},
	}
}

// StatusFields returns the status-table column names of a registry.
func StatusFields(declared []Declared) []string {
	fields := make([]string, 0, len(declared))
	for _, d := range declared {
		fields = append(fields, d.StatusField)
	}
	return fields
}

func (d Declared) row() *models.IntConfigRow {
	return &models.IntConfigRow{
		ConfigType:    d.ConfigType,
		ConfigVersion: d.ConfigVersion,
		ConfigDesc:    d.ConfigDesc,
		DateActivated: d.DateActivated,
		AtPhase:       d.AtPhase,
		StatusField:   d.StatusField,
		Active:        true,
	}
}
