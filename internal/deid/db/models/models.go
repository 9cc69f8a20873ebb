// Package models defines the persisted row types of the workspace store.
package models

import "time"

// Pipeline phases. A study is born at PhaseMigrated and advances through
// download, de-identification and publication. PhaseFailedQC is terminal.
const (
	PhaseMigrated     = 2
	PhaseDownloaded   = 3
	PhaseDeidentified = 4
	PhasePublished    = 5
	PhaseFailedQC     = 999
)

// StatusRow is one row of the workspace status table: the pipeline position
// of a single (uuid, latest change_seq_id) pair.
type StatusRow struct {
	ChangeSeqID  int64
	UUID         string
	AccessionNum string
	Active       bool

	SubjectID    string
	ObjectInfo01 string
	ObjectInfo02 string
	ObjectInfo03 string
	ObjectInfo04 string

	PhaseProcessed        int
	IdentifiedLocalPath   string
	DeidentifiedLocalPath string
	DeidentifiedTargets   string

	DeidQCStatus           string
	DeidQCAPIStudyURL      string
	DeidQCExplorerStudyURL string

	// ConfigVersions maps an IntConfig status_field column name to the
	// config version recorded when this row's current phase completed.
	ConfigVersions map[string]string
}

// AttrsEqual reports whether the row's subject/object attributes match the
// given manifest attributes. ObjectInfo04 is never populated by the manifest
// reader and is excluded from the comparison.
func (s *StatusRow) AttrsEqual(subject, oi01, oi02, oi03 string) bool {
	return s.SubjectID == subject &&
		s.ObjectInfo01 == oi01 &&
		s.ObjectInfo02 == oi02 &&
		s.ObjectInfo03 == oi03
}

// ManifestRow is one row of the workspace manifest table: one accession ever
// seen, updated in place across runs.
type ManifestRow struct {
	AccessionNum string
	Active       bool

	SubjectID    string
	ObjectInfo01 string
	ObjectInfo02 string
	ObjectInfo03 string
	ObjectInfo04 string

	LastDatetimeProcessed time.Time
	ManifestStatus        string
}

// IntConfigRow is one versioned internal configuration entry. Exactly one
// row per config_type is active.
type IntConfigRow struct {
	ConfigType    string
	ConfigVersion string
	ConfigDesc    string
	DateActivated time.Time
	AtPhase       int
	StatusField   string
	Active        bool
}

// SystemStatus carries the three-level health signal consulted between
// accessions and sweeps.
type SystemStatus struct {
	Overall bool
	Host    bool
	Module  bool
}

// AllActive reports whether every level is active.
func (s SystemStatus) AllActive() bool {
	return s.Overall && s.Host && s.Module
}
