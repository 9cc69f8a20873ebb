package cli

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/anonymizer"
	"github.com/locutushealth/dicomdeid/internal/deid/config"
	"github.com/locutushealth/dicomdeid/internal/deid/db"
	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
	"github.com/locutushealth/dicomdeid/internal/deid/health"
	"github.com/locutushealth/dicomdeid/internal/deid/intconfig"
	"github.com/locutushealth/dicomdeid/internal/deid/pacs"
	"github.com/locutushealth/dicomdeid/internal/deid/publish"
	"github.com/locutushealth/dicomdeid/internal/deid/secrets"
	"github.com/locutushealth/dicomdeid/internal/deid/stager"
)

// runtime bundles every wired collaborator of one invocation.
type runtime struct {
	cfg         *config.ConfigParam
	workspaceDB *sql.DB
	stagerDB    *sql.DB
	names       db.TableNames
	schema      *db.SchemaManager
	store       db.Store
	stager      stager.Reader
	source      *pacs.Client
	qc          *pacs.Client
	anon        anonymizer.Invoker
	publisher   publish.Publisher
	health      *health.Gate
	activeCfgs  []models.IntConfigRow
}

func (rt *runtime) close() {
	if rt.workspaceDB != nil {
		rt.workspaceDB.Close()
	}
	if rt.stagerDB != nil && rt.stagerDB != rt.workspaceDB {
		rt.stagerDB.Close()
	}
}

// buildRuntime resolves secrets, opens both database sessions, brings the
// workspace schema up to date and activates the config registry.
func buildRuntime(ctx context.Context) (*runtime, apperrors.Error) {
	cfg := config.Config()
	resolver := secrets.NewResolver()
	rt := &runtime{cfg: cfg}

	wsDSN, err := resolver.ResolveString(ctx, cfg.WorkspaceDsnRef)
	if err != nil {
		return nil, err
	}
	rt.workspaceDB, err = db.Open(wsDSN)
	if err != nil {
		return nil, err
	}

	stagerDSN, err := resolver.ResolveString(ctx, cfg.StagerDsnRef)
	if err != nil {
		rt.close()
		return nil, err
	}
	if stagerDSN == wsDSN {
		rt.stagerDB = rt.workspaceDB
	} else {
		rt.stagerDB, err = db.Open(stagerDSN)
		if err != nil {
			rt.close()
			return nil, err
		}
	}

	rt.names, err = db.NewTableNames(cfg.TableName)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.schema = db.NewSchemaManager(rt.workspaceDB, rt.names)

	declared := intconfig.DefaultRegistry()
	if err := rt.schema.EnsureTables(ctx); err != nil {
		rt.close()
		return nil, err
	}
	if err := rt.schema.EnsureConfigColumns(ctx, intconfig.StatusFields(declared)); err != nil {
		rt.close()
		return nil, err
	}

	rt.store, err = db.NewStore(ctx, rt.workspaceDB, rt.names, intconfig.StatusFields(declared))
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.stager, err = stager.NewReader(rt.stagerDB, cfg.StagerTable)
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.activeCfgs, err = intconfig.Activate(ctx, rt.store, declared)
	if err != nil {
		rt.close()
		return nil, err
	}
	useZipArchive := downloadUsesZipArchive(rt.activeCfgs)

	sourceCreds, err := resolver.ResolveCredentials(ctx, cfg.SourcePACS.CredentialRef)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.source = pacs.New(cfg.SourcePACS, sourceCreds, useZipArchive)

	if cfg.ManualQC {
		qcCreds, err := resolver.ResolveCredentials(ctx, cfg.QCPACS.CredentialRef)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.qc = pacs.New(cfg.QCPACS, qcCreds, true)
	} else {
		// QC PACS is only contacted in manual-QC mode; an unauthenticated
		// client keeps the wiring uniform
		rt.qc = pacs.New(cfg.QCPACS, secrets.Credentials{}, true)
	}

	rt.anon = anonymizer.New(cfg.Anonymizer.BinaryPath)
	rt.publisher = publish.New(cfg.ZipDir, publish.TargetsFromConfig(cfg.Targets)...)
	rt.health = health.NewGate(rt.store, cfg.HostName, "dicomdeid")

	log.Ctx(ctx).Info().Str("workspace", cfg.Workspace).Str("status_table", rt.names.Status).
		Bool("manual_qc", cfg.ManualQC).Msg("runtime ready")
	return rt, nil
}

// downloadUsesZipArchive reads the download_version config: version 2 and
// later use the hierarchical zip-archive endpoint.
func downloadUsesZipArchive(active []models.IntConfigRow) bool {
	for _, cfg := range active {
		if cfg.ConfigType == "download_version" {
			return cfg.ConfigVersion != "1"
		}
	}
	return true
}
