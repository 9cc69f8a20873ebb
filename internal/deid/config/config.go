// Package config loads the pipeline configuration from a TOML file and makes
// it available process-wide via Config().
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type PACSParam struct {
	URL              string `toml:"url"`
	CredentialRef    string `toml:"credential_ref"`
	DicomDirSuffix   string `toml:"dicomdir_suffix"`
	ZipArchiveSuffix string `toml:"zip_archive_suffix"`
	ExplorerURL      string `toml:"explorer_url"`
}

type TargetParam struct {
	FilesystemRoot string `toml:"filesystem_root"`
	S3Bucket       string `toml:"s3_bucket"`
	S3TopLevel     string `toml:"s3_top_level"`
	S3Region       string `toml:"s3_region"`
	GCSBucket      string `toml:"gcs_bucket"`
	GCSTopLevel    string `toml:"gcs_top_level"`
}

type AnonymizerParam struct {
	BinaryPath                 string   `toml:"binary_path"`
	SpecFile                   string   `toml:"spec_file"`
	AllowedModalities          []string `toml:"allowed_modalities"`
	ExcludedSeriesDescriptions []string `toml:"excluded_series_descriptions"`
	AlignmentMode              string   `toml:"alignment_mode"`
	ForceSuccess               bool     `toml:"force_success"`
}

type ConfigParam struct {
	Workspace        string `toml:"workspace"`
	WorkspaceDsnRef  string `toml:"workspace_dsn_ref"`
	StagerDsnRef     string `toml:"stager_dsn_ref"`
	StagerTable      string `toml:"stager_table"`
	HostName         string `toml:"host_name"`
	ZipDir           string `toml:"zip_dir"`
	DeidDir          string `toml:"deid_dir"`

	SourcePACS PACSParam `toml:"source_pacs"`
	QCPACS     PACSParam `toml:"qc_pacs"`

	Anonymizer AnonymizerParam `toml:"anonymizer"`
	Targets    TargetParam     `toml:"targets"`

	ManualQC                       bool `toml:"manual_qc"`
	ManifestQCColumns              bool `toml:"manifest_qc_columns"`
	EmitComments                   bool `toml:"emit_comments"`
	BypassMigration                bool `toml:"bypass_migration"`
	RemoveZombiesAtMigration       bool `toml:"remove_zombies_at_migration"`
	AllowContinueIfOnlyCfgsChanged bool `toml:"allow_continue_if_only_cfgs_changed"`
	PreretireIfOnlyChanged         bool `toml:"preretire_if_only_changed"`
	ForceReprocess                 bool `toml:"force_reprocess"`
	Predelete                      bool `toml:"predelete"`
	AllowProcessingOfDuplicates    bool `toml:"allow_processing_of_duplicates"`
	DisablePhaseSweep              bool `toml:"disable_phase_sweep"`
	ExpandSweepBeyondManifest      bool `toml:"expand_sweep_beyond_manifest"`
	KeepInterimFiles               bool `toml:"keep_interim_files"`
	DeleteFromQCOnFail             bool `toml:"delete_from_qc_on_fail"`

	MaxSameAccessionAttempts int `toml:"max_same_accession_attempts"`
}

var cfg *ConfigParam

func Config() *ConfigParam {
	return cfg
}

func LoadConfig(filename string) error {
	if filename == "" {
		cfg = defaultConfig()
		return nil
	}
	content, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}
	cp := defaultConfig()
	if _, err := toml.Decode(string(content), cp); err != nil {
		return fmt.Errorf("error parsing config file: %v", err)
	}
	cfg = cp
	return nil
}

func defaultConfig() *ConfigParam {
	host, _ := os.Hostname()
	return &ConfigParam{
		HostName: host,
		ZipDir:   "/var/tmp/dicomdeid/zip",
		DeidDir:  "/var/tmp/dicomdeid/deid",
		SourcePACS: PACSParam{
			DicomDirSuffix:   "/media",
			ZipArchiveSuffix: "/archive",
		},
		QCPACS: PACSParam{
			DicomDirSuffix:   "/media",
			ZipArchiveSuffix: "/archive",
		},
		MaxSameAccessionAttempts: 5,
	}
}

// TableName resolves a workspace-scoped table name. The default workspace
// (empty name) omits the prefix.
func (c *ConfigParam) TableName(suffix string) string {
	if c.Workspace == "" {
		return "onprem_dicom" + suffix
	}
	return "onprem_dicom_ws_" + c.Workspace + suffix
}

func init() {
	err := LoadConfig("")
	if err != nil {
		panic(err)
	}
}
