package hive

import (
	"context"
	"fmt"

	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/notify"
	"github.com/maxpert/hive/telemetry"
	"github.com/rs/zerolog/log"
)

// ChangeCellConfig replaces the network configuration of cell id at the
// current major and pushes it to every peer. Peers that cannot be told are
// flagged ConfigPushFailed.
func (h *Hive) ChangeCellConfig(ctx context.Context, id cell.ID, network cell.Network) (err error) {
	defer func() { h.recordOp("change_config", err) }()

	h.membershipMu.Lock()
	defer h.membershipMu.Unlock()

	rec, ok := h.registry.Lookup(id)
	if !ok {
		return &NotFoundError{ID: id}
	}
	rec.SetNetwork(network)

	major := h.versions.Major()
	if err := h.store.UpdateCell(rec, major); err != nil {
		return fmt.Errorf("persist network of cell %d: %w", id, err)
	}
	h.registry.Update(id, func(c *cell.Record) { c.SetNetwork(network) })

	var failures failureSet
	for _, peer := range h.peersExcept() {
		err := h.call(ctx, peer.AdminEndpoint, "NotifyUpdate", func(ctx context.Context, ch PeerChannel) error {
			return ch.NotifyUpdate(ctx, rec, major)
		})
		if err != nil {
			log.Error().Err(err).Uint8("cell_id", uint8(peer.ID)).Uint8("updated", uint8(id)).Str("op", "change_config").Msg("Peer not told of network change")
			h.registry.SetStatus(peer.ID, cell.StatusConfigPushFailed)
			failures.add(peer.ID, err)
			continue
		}
		h.markReached(peer.ID)
	}

	log.Info().
		Uint8("cell_id", uint8(id)).
		Str("domain", network.DomainName).
		Str("subnet", network.Subnet).
		Str("gateway", network.Gateway).
		Msg("Cell network configuration changed")
	return failures.err("change cell config")
}

// ApplyPowerOfTwoUpdate adopts the capacity table and version pushed by the
// master. Membership must already agree; a different cell count is refused.
func (h *Hive) ApplyPowerOfTwoUpdate(ctx context.Context, cells []*cell.Record, major, minor uint64) error {
	h.placementMu.Lock()
	defer h.placementMu.Unlock()

	local := h.registry.Len(false)
	if len(cells) != local {
		telemetry.PowerOfTwoUpdatesTotal.With("rejected").Inc()
		log.Warn().Int("incoming", len(cells)).Int("local", local).Uint64("major", major).Uint64("minor", minor).Msg("Placement update disagrees with local membership")
		return &CellCountMismatchError{Local: local, Incoming: len(cells)}
	}

	current := h.versions.Get()
	incoming := cell.Version{Major: major, Minor: minor}
	// A version only counts as held once its table was applied here; a
	// membership change sets the version without one
	if h.hasPlaced && h.placed == incoming && current == incoming {
		telemetry.PowerOfTwoUpdatesTotal.With("stale").Inc()
		return nil
	}

	if major != current.Major {
		log.Warn().Uint64("local_major", current.Major).Uint64("major", major).Msg("Placement update carries a different major, adopting it")
		h.versions.SetMajor(major)
		if err := h.store.SetMasterMajor(major); err != nil {
			log.Error().Err(err).Uint64("major", major).Msg("Failed to persist adopted major")
		}
	}

	byID := make(map[cell.ID]*cell.Record, len(cells))
	for _, c := range cells {
		byID[c.ID] = c
	}

	localID := h.registry.LocalID()
	h.registry.WithLock(func(live []*cell.Record) {
		for _, c := range live {
			in, ok := byID[c.ID]
			if !ok {
				log.Warn().Uint8("cell_id", uint8(c.ID)).Msg("Placement update has no entry for registered cell")
				continue
			}
			c.AdvertisedTotal = in.AdvertisedTotal
			c.AdvertisedUsed = in.AdvertisedUsed
			// Local probe results are fresher than the master's copy
			if c.ID != localID {
				c.ObservedTotal = in.ObservedTotal
				c.ObservedUsed = in.ObservedUsed
			}
			telemetry.CellAdvertisedLoad.With(c.ID.String()).Set(c.AdvertisedLoad())
		}
	})
	h.versions.SetMinor(minor)
	h.placed, h.hasPlaced = incoming, true

	telemetry.PowerOfTwoUpdatesTotal.With("applied").Inc()
	h.notifier.Signal(notify.KindPlacement, h.versions.Get())

	log.Debug().Uint64("major", major).Uint64("minor", minor).Int("cells", len(cells)).Msg("Applied placement update")
	return nil
}
