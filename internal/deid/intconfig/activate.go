package intconfig

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/locutushealth/dicomdeid/internal/common/apperrors"
	"github.com/locutushealth/dicomdeid/internal/deid/db"
	"github.com/locutushealth/dicomdeid/internal/deid/db/dberror"
	"github.com/locutushealth/dicomdeid/internal/deid/db/models"
)

// Activate reconciles the declared registry against the store's active rows
// and returns the effective active set.
//
// Per config type: a store row with the same version stands; a store row
// dated earlier than the declared default is deactivated and replaced; a
// store row dated later is a curator-applied override, which wins over the
// code default and is promoted into the effective set with a warning.
func Activate(ctx context.Context, store db.Store, declared []Declared) ([]models.IntConfigRow, apperrors.Error) {
	effective := make([]models.IntConfigRow, 0, len(declared))

	for _, d := range declared {
		stored, err := store.GetActiveIntConfigByType(ctx, d.ConfigType)
		if err != nil {
			if !err.Is(dberror.ErrNotFound) {
				return nil, err
			}
			row := d.row()
			if err := store.InsertIntConfig(ctx, row); err != nil {
				return nil, err
			}
			log.Ctx(ctx).Info().Str("config_type", d.ConfigType).Str("version", d.ConfigVersion).
				Msg("activated declared config")
			effective = append(effective, *row)
			continue
		}

		if stored.ConfigVersion == d.ConfigVersion {
			effective = append(effective, *stored)
			continue
		}

		if stored.DateActivated.Before(d.DateActivated) {
			if err := store.DeactivateIntConfig(ctx, d.ConfigType); err != nil {
				return nil, err
			}
			row := d.row()
			if err := store.InsertIntConfig(ctx, row); err != nil {
				return nil, err
			}
			log.Ctx(ctx).Info().Str("config_type", d.ConfigType).
				Str("old_version", stored.ConfigVersion).Str("new_version", d.ConfigVersion).
				Msg("superseded stored config with declared default")
			effective = append(effective, *row)
			continue
		}

		// Stored config is newer than the code default: prefer the
		// curator-applied version.
		log.Ctx(ctx).Warn().Str("config_type", d.ConfigType).
			Str("declared_version", d.ConfigVersion).Str("stored_version", stored.ConfigVersion).
			Msg("stored config is newer than declared default; using stored version")
		effective = append(effective, *stored)
	}

	return effective, nil
}
