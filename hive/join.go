package hive

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxpert/hive/cell"
	"github.com/rs/zerolog/log"
)

const (
	phaseStart      = "start"
	phaseSchema     = "schema"
	phaseProperties = "properties"
	phaseCommit     = "commit"
)

// pendingJoin is a candidate that passed Start and is working through the
// validation phases
type pendingJoin struct {
	mu       sync.Mutex
	rec      *cell.Record
	schemaOK bool
	propsOK  bool
}

func (p *pendingJoin) record() *cell.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.Clone()
}

// PendingCells returns copies of candidates that have not committed yet
func (h *Hive) PendingCells() []*cell.Record {
	var out []*cell.Record
	h.pending.Range(func(_ cell.ID, p *pendingJoin) bool {
		out = append(out, p.record())
		return true
	})
	return out
}

func (h *Hive) pendingFor(id cell.ID, phase string) (*pendingJoin, error) {
	p, ok := h.pending.Load(id)
	if !ok {
		return nil, &JoinPhaseError{ID: id, Phase: phase, Reason: "start has not completed for this cell"}
	}
	return p, nil
}

// AddCellStart begins a join: it checks the endpoints are free, routes to
// the candidate and caches its record as pending. Retrying is safe.
func (h *Hive) AddCellStart(ctx context.Context, adminEndpoint, dataEndpoint string) (id cell.ID, err error) {
	defer func() { h.recordOp("add_start", err) }()

	if adminEndpoint == "" || dataEndpoint == "" {
		return 0, &JoinPhaseError{Phase: phaseStart, Reason: "admin and data endpoints are required"}
	}
	if err := h.registry.CheckEndpoints(adminEndpoint, dataEndpoint); err != nil {
		return 0, err
	}

	if err := h.routes.AddRoute(ctx, adminEndpoint); err != nil {
		return 0, fmt.Errorf("route to candidate %s: %w", adminEndpoint, err)
	}

	var rec *cell.Record
	err = h.call(ctx, adminEndpoint, "FetchCellInfo", func(ctx context.Context, ch PeerChannel) error {
		var err error
		rec, err = ch.FetchCellInfo(ctx)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("endpoint", adminEndpoint).Str("phase", phaseStart).Msg("Candidate cell unreachable")
		return 0, &UnreachableCellError{Op: phaseStart, Cause: err}
	}

	if rec.AdminEndpoint != adminEndpoint || rec.DataEndpoint != dataEndpoint {
		return 0, &JoinPhaseError{
			ID:     rec.ID,
			Phase:  phaseStart,
			Reason: fmt.Sprintf("candidate reports endpoints %s/%s", rec.AdminEndpoint, rec.DataEndpoint),
		}
	}
	if !rec.ID.Valid() {
		return 0, &JoinPhaseError{ID: rec.ID, Phase: phaseStart, Reason: "candidate id out of range"}
	}
	if err := h.registry.CheckDuplicate(rec); err != nil {
		return 0, err
	}

	rec.Status = cell.StatusEnabled
	rec.AdvertisedTotal, rec.AdvertisedUsed = 0, 0
	rec.ObservedTotal, rec.ObservedUsed = 0, 0

	// A retried Start restarts validation from scratch
	h.pending.Store(rec.ID, &pendingJoin{rec: rec})

	log.Info().Uint8("cell_id", uint8(rec.ID)).Str("endpoint", adminEndpoint).Str("phase", phaseStart).Msg("Join started")
	return rec.ID, nil
}

// ValidateSchema streams the local schema to candidate id. Any rejected
// chunk aborts with SchemaMismatchError.
func (h *Hive) ValidateSchema(ctx context.Context, id cell.ID) (err error) {
	defer func() { h.recordOp("add_schema", err) }()

	p, err := h.pendingFor(id, phaseSchema)
	if err != nil {
		return err
	}
	rec := p.record()

	chunks := h.schema.Chunks()
	for i, chunk := range chunks {
		first, last := i == 0, i == len(chunks)-1

		var accepted bool
		err := h.call(ctx, rec.AdminEndpoint, "PushSchemaChunk", func(ctx context.Context, ch PeerChannel) error {
			var err error
			accepted, err = ch.PushSchemaChunk(ctx, chunk, first, last)
			return err
		})
		if err != nil {
			log.Warn().Err(err).Uint8("cell_id", uint8(id)).Str("phase", phaseSchema).Msg("Candidate cell unreachable")
			return &UnreachableCellError{ID: id, Op: phaseSchema, Cause: err}
		}
		if !accepted {
			log.Warn().Uint8("cell_id", uint8(id)).Uint64("offset", chunk.Offset).Str("phase", phaseSchema).Msg("Candidate rejected schema")
			p.mu.Lock()
			p.schemaOK = false
			p.mu.Unlock()
			return &SchemaMismatchError{ID: id, Offset: chunk.Offset}
		}
	}

	p.mu.Lock()
	p.schemaOK = true
	p.mu.Unlock()

	log.Info().Uint8("cell_id", uint8(id)).Int("chunks", len(chunks)).Str("phase", phaseSchema).Msg("Schema validated")
	return nil
}

// ValidateProperties asks candidate id to compare hive-wide properties
func (h *Hive) ValidateProperties(ctx context.Context, id cell.ID) (err error) {
	defer func() { h.recordOp("add_properties", err) }()

	p, err := h.pendingFor(id, phaseProperties)
	if err != nil {
		return err
	}
	rec := p.record()

	var report *PropertyReport
	err = h.call(ctx, rec.AdminEndpoint, "CheckProperties", func(ctx context.Context, ch PeerChannel) error {
		var err error
		report, err = ch.CheckProperties(ctx, h.props.Values())
		return err
	})
	if err != nil {
		log.Warn().Err(err).Uint8("cell_id", uint8(id)).Str("phase", phaseProperties).Msg("Candidate cell unreachable")
		return &UnreachableCellError{ID: id, Op: phaseProperties, Cause: err}
	}
	if !report.Compatible {
		log.Warn().Uint8("cell_id", uint8(id)).Strs("mismatched", report.Mismatched).Str("phase", phaseProperties).Msg("Candidate properties incompatible")
		p.mu.Lock()
		p.propsOK = false
		p.mu.Unlock()
		return &PropertyMismatchError{ID: id, Mismatched: report.Mismatched}
	}

	p.mu.Lock()
	p.propsOK = true
	p.mu.Unlock()

	log.Info().Uint8("cell_id", uint8(id)).Str("phase", phaseProperties).Msg("Properties validated")
	return nil
}

// CommitAddCell makes candidate id a member at major+1. The candidate must
// accept the full membership list or nothing changes. Once the store holds
// the new cell, peers that cannot be told are flagged AddFailed and
// reported through PartialHiveUpdateError; the join itself stands.
func (h *Hive) CommitAddCell(ctx context.Context, id cell.ID) (err error) {
	defer func() { h.recordOp("add_commit", err) }()

	h.membershipMu.Lock()
	defer h.membershipMu.Unlock()

	p, err := h.pendingFor(id, phaseCommit)
	if err != nil {
		return err
	}

	p.mu.Lock()
	schemaOK, propsOK := p.schemaOK, p.propsOK
	rec := p.rec.Clone()
	p.mu.Unlock()

	if !schemaOK {
		return &JoinPhaseError{ID: id, Phase: phaseCommit, Reason: "schema has not been validated"}
	}
	if !propsOK {
		return &JoinPhaseError{ID: id, Phase: phaseCommit, Reason: "properties have not been validated"}
	}
	if err := h.registry.CheckDuplicate(rec); err != nil {
		return err
	}

	major, err := h.currentMajor()
	if err != nil {
		return err
	}
	next := major + 1

	existing := h.registry.Snapshot(CopyDeep, false)
	full := append(existing, rec.Clone())

	err = h.call(ctx, rec.AdminEndpoint, "PushHiveConfig", func(ctx context.Context, ch PeerChannel) error {
		return ch.PushHiveConfig(ctx, full, next)
	})
	if err != nil {
		log.Warn().Err(err).Uint8("cell_id", uint8(id)).Uint64("major", next).Str("phase", phaseCommit).Msg("Candidate did not accept hive config")
		return &UnreachableCellError{ID: id, Op: phaseCommit, Cause: err}
	}

	if err := h.store.AddCell(rec, next); err != nil {
		return fmt.Errorf("persist cell %d at major %d: %w", id, next, err)
	}
	h.versions.SetMajor(next)

	var failures failureSet
	for _, peer := range h.peersExcept(id) {
		err := h.call(ctx, peer.AdminEndpoint, "NotifyAdd", func(ctx context.Context, ch PeerChannel) error {
			return ch.NotifyAdd(ctx, rec, next)
		})
		if err != nil {
			log.Error().Err(err).Uint8("cell_id", uint8(peer.ID)).Uint8("joining", uint8(id)).Uint64("major", next).Str("op", "add").Msg("Peer not told of new cell")
			h.registry.SetStatus(peer.ID, cell.StatusAddFailed)
			failures.add(peer.ID, err)
			continue
		}
		h.markReached(peer.ID)
	}

	if err := h.registry.Insert(ctx, rec); err != nil {
		log.Panic().Err(err).Uint8("cell_id", uint8(id)).Msg("Insert failed after duplicate check under membership lock")
	}
	h.pending.Delete(id)

	version := h.versions.Get()
	h.membershipChanged(version)

	log.Info().Uint8("cell_id", uint8(id)).Uint64("major", version.Major).Int("unreached", len(failures.ids)).Msg("Cell joined hive")
	return failures.err("add cell")
}

// CancelAddCell forgets a pending candidate and its route
func (h *Hive) CancelAddCell(ctx context.Context, id cell.ID) error {
	p, ok := h.pending.LoadAndDelete(id)
	if !ok {
		return &NotFoundError{ID: id}
	}
	rec := p.record()
	if err := h.routes.DeleteRoute(ctx, rec.AdminEndpoint); err != nil {
		log.Warn().Err(err).Uint8("cell_id", uint8(id)).Msg("Failed to delete route for cancelled join")
	}
	log.Info().Uint8("cell_id", uint8(id)).Msg("Join cancelled")
	return nil
}
