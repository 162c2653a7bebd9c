package hive

import (
	"context"
	"fmt"

	"github.com/maxpert/hive/cell"
	"github.com/rs/zerolog/log"
)

// RemoveCell drops id from the hive at major+1. Removing the local cell
// turns this cell into a standalone single-cell hive instead. Peers that
// cannot be told are flagged RemoveFailed and reported through
// PartialHiveUpdateError; the removal itself stands.
func (h *Hive) RemoveCell(ctx context.Context, id cell.ID) (err error) {
	defer func() { h.recordOp("remove", err) }()

	h.membershipMu.Lock()
	defer h.membershipMu.Unlock()

	if id == h.registry.Master() {
		return &CannotRemoveMasterError{ID: id}
	}
	if id == h.registry.LocalID() {
		return h.removeSelfLocked(ctx)
	}

	target, ok := h.registry.Lookup(id)
	if !ok {
		return &NotFoundError{ID: id}
	}

	major, err := h.currentMajor()
	if err != nil {
		return err
	}
	next := major + 1

	var failures failureSet
	for _, peer := range h.peersExcept(id) {
		err := h.call(ctx, peer.AdminEndpoint, "NotifyRemove", func(ctx context.Context, ch PeerChannel) error {
			return ch.NotifyRemove(ctx, id, next)
		})
		if err != nil {
			log.Error().Err(err).Uint8("cell_id", uint8(peer.ID)).Uint8("leaving", uint8(id)).Uint64("major", next).Str("op", "remove").Msg("Peer not told of removed cell")
			h.registry.SetStatus(peer.ID, cell.StatusRemoveFailed)
			failures.add(peer.ID, err)
			continue
		}
		h.markReached(peer.ID)
	}

	if err := h.store.RemoveCell(id, next); err != nil {
		return fmt.Errorf("persist removal of cell %d at major %d: %w", id, next, err)
	}
	h.versions.SetMajor(next)

	if err := h.registry.Remove(ctx, id); err != nil {
		log.Panic().Err(err).Uint8("cell_id", uint8(id)).Msg("Remove failed after lookup under membership lock")
	}

	// Eject the target only once the removal is durable here
	err = h.call(ctx, target.AdminEndpoint, "NotifyRemove", func(ctx context.Context, ch PeerChannel) error {
		return ch.NotifyRemove(ctx, id, next)
	})
	if err != nil {
		log.Warn().Err(err).Uint8("cell_id", uint8(id)).Msg("Removed cell not reachable for ejection")
	}

	version := h.versions.Get()
	h.membershipChanged(version)

	log.Info().Uint8("cell_id", uint8(id)).Uint64("major", version.Major).Int("unreached", len(failures.ids)).Msg("Cell removed from hive")
	// Any unreached peer makes the removal partial, the same as a join
	return failures.err("remove cell")
}

// removeSelfLocked keeps only the local cell, making it a standalone hive
func (h *Hive) removeSelfLocked(ctx context.Context) error {
	local := h.registry.LocalID()

	var others []cell.ID
	for _, c := range h.registry.Snapshot(CopyShallow, false) {
		if c.ID != local {
			others = append(others, c.ID)
		}
	}
	if len(others) == 0 {
		log.Info().Uint8("cell_id", uint8(local)).Msg("Already a standalone hive")
		return nil
	}

	major, err := h.currentMajor()
	if err != nil {
		return err
	}
	next := major + 1

	if err := h.store.RemoveCells(others, next); err != nil {
		return fmt.Errorf("persist self-removal at major %d: %w", next, err)
	}

	h.registry.RetainOnly(ctx, local)
	h.versions.Set(cell.Version{Major: next})

	h.membershipChanged(h.versions.Get())

	log.Warn().Uint8("cell_id", uint8(local)).Int("dropped", len(others)).Uint64("major", next).Msg("Left hive, now standalone")
	return nil
}
