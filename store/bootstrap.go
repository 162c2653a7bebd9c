package store

import (
	"fmt"

	"github.com/maxpert/hive/cell"
	"github.com/rs/zerolog/log"
)

// Bootstrap seeds an empty store with a single-cell hive made of local at
// major 1. A store that already holds cells is returned unchanged, except
// that the local record's endpoints and network are refreshed from local.
func Bootstrap(s *PebbleStore, local *cell.Record) ([]*cell.Record, uint64, error) {
	cells, err := s.Cells()
	if err != nil {
		return nil, 0, fmt.Errorf("load cells: %w", err)
	}

	major, err := s.CurrentMajor()
	if err != nil {
		return nil, 0, fmt.Errorf("load major: %w", err)
	}

	if len(cells) == 0 {
		major = 1
		if err := s.AddCell(local, major); err != nil {
			return nil, 0, err
		}
		log.Info().Uint8("cell_id", uint8(local.ID)).Uint64("major", major).Msg("Bootstrapped single-cell hive")
		return []*cell.Record{local.Clone()}, major, nil
	}

	found := false
	for i, c := range cells {
		if c.ID != local.ID {
			continue
		}
		found = true
		if c.AdminEndpoint != local.AdminEndpoint || c.DataEndpoint != local.DataEndpoint || c.SPEndpoint != local.SPEndpoint {
			log.Warn().
				Uint8("cell_id", uint8(local.ID)).
				Str("stored_admin", c.AdminEndpoint).
				Str("configured_admin", local.AdminEndpoint).
				Msg("Local endpoints differ from persisted record, using configuration")
			updated := c.Clone()
			updated.AdminEndpoint = local.AdminEndpoint
			updated.DataEndpoint = local.DataEndpoint
			updated.SPEndpoint = local.SPEndpoint
			if err := s.UpdateCell(updated, major); err != nil {
				return nil, 0, err
			}
			cells[i] = updated
		}
	}

	if !found {
		return nil, 0, fmt.Errorf("persisted hive at major %d does not contain local cell %d", major, local.ID)
	}

	log.Info().Int("cells", len(cells)).Uint64("major", major).Msg("Loaded hive membership")
	return cells, major, nil
}
