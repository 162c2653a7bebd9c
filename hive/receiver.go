package hive

import (
	"context"
	"fmt"

	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/schema"
	"github.com/rs/zerolog/log"
)

// Receiving side of the peer RPCs. Each handler is idempotent when the
// sender retries with the same major.

// AcceptSchemaChunk compares one chunk of the master's schema with ours
func (h *Hive) AcceptSchemaChunk(chunk schema.Chunk, first, last bool) bool {
	if err := h.verifier.Accept(chunk, first, last); err != nil {
		log.Warn().Err(err).Uint64("offset", chunk.Offset).Bool("first", first).Bool("last", last).Msg("Rejecting schema chunk")
		return false
	}
	return true
}

// CheckProperties compares the master's hive properties with ours
func (h *Hive) CheckProperties(remote Properties) *PropertyReport {
	report := h.props.Check(remote)
	if !report.Compatible {
		log.Warn().Strs("mismatched", report.Mismatched).Msg("Hive properties differ from joining hive")
	}
	return report
}

// ReportCapacity returns the local observed capacity and minor version
func (h *Hive) ReportCapacity() cell.Capacity {
	local := h.registry.LocalCell()
	return cell.Capacity{
		Total: local.ObservedTotal,
		Used:  local.ObservedUsed,
		Minor: h.versions.Minor(),
	}
}

// ApplyHiveConfig is run on a joining cell: it adopts the master's full
// membership list at major
func (h *Hive) ApplyHiveConfig(ctx context.Context, cells []*cell.Record, major uint64) error {
	h.membershipMu.Lock()
	defer h.membershipMu.Unlock()

	local := h.registry.LocalID()
	found := false
	for _, c := range cells {
		if c.ID == local {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("hive config at major %d does not include local cell %d", major, local)
	}

	if current := h.versions.Major(); major < current {
		log.Warn().Uint64("local_major", current).Uint64("major", major).Msg("Joining hive at a lower major than local standalone hive")
	}

	if err := h.store.ReplaceCells(cells, major); err != nil {
		return fmt.Errorf("persist hive config at major %d: %w", major, err)
	}
	if err := h.registry.Replace(ctx, cells); err != nil {
		return err
	}
	h.versions.Set(cell.Version{Major: major})
	h.membershipChanged(h.versions.Get())

	log.Info().Int("cells", len(cells)).Uint64("major", major).Msg("Adopted hive configuration")
	return nil
}

// ApplyAddCell registers a cell the master has just admitted
func (h *Hive) ApplyAddCell(ctx context.Context, rec *cell.Record, major uint64) error {
	h.membershipMu.Lock()
	defer h.membershipMu.Unlock()

	if h.registry.Contains(rec.ID) {
		h.adoptMajor(major)
		log.Debug().Uint8("cell_id", uint8(rec.ID)).Uint64("major", major).Msg("Cell already registered")
		return nil
	}
	if err := h.registry.CheckDuplicate(rec); err != nil {
		return err
	}

	if err := h.store.AddCell(rec, h.nextMajor(major)); err != nil {
		return fmt.Errorf("persist cell %d at major %d: %w", rec.ID, major, err)
	}
	if err := h.registry.Insert(ctx, rec); err != nil {
		return err
	}
	h.adoptMajor(major)
	h.membershipChanged(h.versions.Get())

	log.Info().Uint8("cell_id", uint8(rec.ID)).Uint64("major", major).Msg("Peer joined hive")
	return nil
}

// ApplyRemoveCell drops a cell the master has removed. When the id is the
// local cell we have been ejected and become a standalone hive.
func (h *Hive) ApplyRemoveCell(ctx context.Context, id cell.ID, major uint64) error {
	h.membershipMu.Lock()
	defer h.membershipMu.Unlock()

	if id == h.registry.LocalID() {
		log.Warn().Uint8("cell_id", uint8(id)).Uint64("major", major).Msg("Ejected from hive")
		return h.removeSelfLocked(ctx)
	}

	if !h.registry.Contains(id) {
		h.adoptMajor(major)
		return nil
	}

	if err := h.store.RemoveCell(id, h.nextMajor(major)); err != nil {
		return fmt.Errorf("persist removal of cell %d at major %d: %w", id, major, err)
	}
	if err := h.registry.Remove(ctx, id); err != nil {
		return err
	}
	h.adoptMajor(major)
	h.membershipChanged(h.versions.Get())

	log.Info().Uint8("cell_id", uint8(id)).Uint64("major", major).Msg("Peer left hive")
	return nil
}

// ApplyCellUpdate takes a changed network configuration from the master
func (h *Hive) ApplyCellUpdate(ctx context.Context, rec *cell.Record, major uint64) error {
	h.membershipMu.Lock()
	defer h.membershipMu.Unlock()

	current, ok := h.registry.Lookup(rec.ID)
	if !ok {
		return &NotFoundError{ID: rec.ID}
	}

	network := cell.Network{DomainName: rec.DomainName, Subnet: rec.Subnet, Gateway: rec.Gateway}
	current.SetNetwork(network)
	if err := h.store.UpdateCell(current, h.nextMajor(major)); err != nil {
		return fmt.Errorf("persist network of cell %d: %w", rec.ID, err)
	}
	h.registry.Update(rec.ID, func(c *cell.Record) { c.SetNetwork(network) })
	h.adoptMajor(major)

	log.Info().Uint8("cell_id", uint8(rec.ID)).Str("domain", network.DomainName).Msg("Peer network configuration updated")
	return nil
}

// nextMajor is the major to persist: never lower than what we hold
func (h *Hive) nextMajor(incoming uint64) uint64 {
	if local := h.versions.Major(); local > incoming {
		return local
	}
	return incoming
}

func (h *Hive) adoptMajor(major uint64) {
	current := h.versions.Major()
	switch {
	case major > current:
		h.versions.SetMajor(major)
	case major < current:
		log.Warn().Uint64("local_major", current).Uint64("major", major).Msg("Peer sent an older major, keeping local")
	}
}
