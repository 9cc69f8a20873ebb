// Package health exposes the three-level system-status gate that the
// pipeline consults between accessions and sweeps. An inactive level means
// the run should stop at the next safe checkpoint, never mid-study.
package health

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/db"
)

// Gate answers "may the run continue?" for a fixed (host, module) pair.
type Gate struct {
	store  db.Store
	host   string
	module string
}

func NewGate(store db.Store, host, module string) *Gate {
	return &Gate{store: store, host: host, module: module}
}

// Active reports whether all three levels (overall, host, module) are
// active. A read failure is returned as an error rather than treated as a
// stop signal.
func (g *Gate) Active(ctx context.Context) (bool, apperrors.Error) {
	status, err := g.store.GetSystemStatus(ctx, g.host, g.module)
	if err != nil {
		return false, err
	}
	if !status.AllActive() {
		log.Ctx(ctx).Warn().Bool("overall", status.Overall).Bool("host", status.Host).
			Bool("module", status.Module).Msg("system status inactive, stopping at next checkpoint")
		return false, nil
	}
	return true, nil
}
