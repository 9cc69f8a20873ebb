package intconfig

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
)

// Mismatch records one config whose recorded version differs from the
// active one.
type Mismatch struct {
	ConfigType string
	AtPhase    int
	Want       string // active version
	Got        string // version recorded on the status row; empty if absent
}

// Decision is the gate's verdict for one status row at one phase.
type Decision struct {
	AllMatch           bool
	ActiveMismatches   []Mismatch // configs at exactly the checked phase
	PreviousMismatches []Mismatch // configs at earlier phases (checkPrevious)
	// MaxMatchedPhase is the largest phase below which every checked config
	// still matches; a mismatch at phase k caps it at k-1.
	MaxMatchedPhase int
}

// Gate compares the config versions recorded on a status row against the
// active set. Configs at exactly atPhase are always checked; configs at
// earlier phases are checked when checkPrevious is set. Rows never
// processed beyond migration have committed nothing and match regardless,
// and a config bound to a phase the row never reached is skipped for the
// same reason: no version was recorded, there is nothing to compare.
func Gate(ctx context.Context, row *models.StatusRow, active []models.IntConfigRow, atPhase int, checkPrevious bool) Decision {
	decision := Decision{AllMatch: true, MaxMatchedPhase: models.PhasePublished}

	if row.PhaseProcessed <= models.PhaseMigrated {
		return decision
	}

	// a failed-QC row committed work through de-identification
	reached := row.PhaseProcessed
	if reached == models.PhaseFailedQC {
		reached = models.PhaseDeidentified
	}

	for _, cfg := range active {
		if cfg.AtPhase > reached {
			continue
		}
		checkActive := cfg.AtPhase == atPhase
		checkPrev := checkPrevious && cfg.AtPhase < atPhase
		if !checkActive && !checkPrev {
			continue
		}

		got, present := row.ConfigVersions[cfg.StatusField]
		if !present {
			log.Ctx(ctx).Warn().Str("config_type", cfg.ConfigType).Str("uuid", row.UUID).
				Msg("status row has no recorded version for config; treating as mismatch")
		}
		if present && got == cfg.ConfigVersion {
			continue
		}

		m := Mismatch{ConfigType: cfg.ConfigType, AtPhase: cfg.AtPhase, Want: cfg.ConfigVersion, Got: got}
		decision.AllMatch = false
		if checkActive {
			decision.ActiveMismatches = append(decision.ActiveMismatches, m)
		} else {
			decision.PreviousMismatches = append(decision.PreviousMismatches, m)
		}
		if cfg.AtPhase-1 < decision.MaxMatchedPhase {
			decision.MaxMatchedPhase = cfg.AtPhase - 1
		}
	}

	return decision
}

// GateAllPhases runs the gate across the full phase range, used when
// deciding whether a fully processed study needs re-running.
func GateAllPhases(ctx context.Context, row *models.StatusRow, active []models.IntConfigRow) Decision {
	return Gate(ctx, row, active, models.PhasePublished, true)
}
