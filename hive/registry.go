package hive

import (
	"context"
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/route"
	"github.com/rs/zerolog/log"
)

// CopyDepth selects how much of the registry a snapshot copies
type CopyDepth int

const (
	// CopyNone returns the live sequence. Callers must not mutate it or
	// hold it across registry mutations.
	CopyNone CopyDepth = iota
	// CopyShallow returns a new sequence of the live records
	CopyShallow
	// CopyDeep clones every record
	CopyDeep
)

// Registry is the local view of hive membership, kept sorted by id
type Registry struct {
	mu      sync.Mutex
	cells   []*cell.Record
	present mapset.Set[cell.ID]
	local   cell.ID
	routes  route.Configurer
}

// NewRegistry builds the registry from persisted membership. The local cell
// must be among cells.
func NewRegistry(ctx context.Context, local cell.ID, cells []*cell.Record, routes route.Configurer) (*Registry, error) {
	r := &Registry{
		present: mapset.NewThreadUnsafeSet[cell.ID](),
		local:   local,
		routes:  routes,
	}

	for _, c := range cells {
		if r.present.Contains(c.ID) {
			return nil, fmt.Errorf("persisted membership lists cell %d twice", c.ID)
		}
		r.present.Add(c.ID)
		r.cells = append(r.cells, c.Clone())
	}
	if !r.present.Contains(local) {
		return nil, fmt.Errorf("local cell %d missing from membership", local)
	}
	r.sortLocked()

	for _, c := range r.cells {
		if c.ID == local {
			continue
		}
		if err := routes.AddRoute(ctx, c.AdminEndpoint); err != nil {
			log.Warn().Err(err).Uint8("cell_id", uint8(c.ID)).Msg("Failed to add route for cell")
		}
	}

	log.Info().Uint8("local", uint8(local)).Int("cells", len(r.cells)).Msg("Registry loaded")
	return r, nil
}

func (r *Registry) sortLocked() {
	sort.SliceStable(r.cells, func(i, j int) bool { return r.cells[i].ID < r.cells[j].ID })
}

func (r *Registry) indexLocked(id cell.ID) int {
	i := sort.Search(len(r.cells), func(i int) bool { return r.cells[i].ID >= id })
	if i < len(r.cells) && r.cells[i].ID == id {
		return i
	}
	return -1
}

// Snapshot returns the membership sequence at the requested copy depth
func (r *Registry) Snapshot(depth CopyDepth, enabledOnly bool) []*cell.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(depth, enabledOnly)
}

func (r *Registry) snapshotLocked(depth CopyDepth, enabledOnly bool) []*cell.Record {
	if depth == CopyNone && !enabledOnly {
		return r.cells
	}

	out := make([]*cell.Record, 0, len(r.cells))
	for _, c := range r.cells {
		if enabledOnly && !c.Enabled() {
			continue
		}
		if depth == CopyDeep {
			c = c.Clone()
		}
		out = append(out, c)
	}
	return out
}

// CheckDuplicate reports whether rec would collide with a registered cell
func (r *Registry) CheckDuplicate(rec *cell.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkDuplicateLocked(rec)
}

// CheckEndpoints reports whether either endpoint is used by an enabled cell
func (r *Registry) CheckEndpoints(adminEndpoint, dataEndpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkEndpointsLocked(0, adminEndpoint, dataEndpoint)
}

func (r *Registry) checkDuplicateLocked(rec *cell.Record) error {
	if r.present.Contains(rec.ID) {
		return &DuplicateCellError{ID: rec.ID, Field: "id", Value: rec.ID.String(), Existing: rec.ID}
	}
	return r.checkEndpointsLocked(rec.ID, rec.AdminEndpoint, rec.DataEndpoint)
}

func (r *Registry) checkEndpointsLocked(id cell.ID, admin, data string) error {
	for _, c := range r.cells {
		if !c.Enabled() {
			continue
		}
		if admin != "" && (c.AdminEndpoint == admin || c.DataEndpoint == admin) {
			return &DuplicateCellError{ID: id, Field: "admin_endpoint", Value: admin, Existing: c.ID}
		}
		if data != "" && (c.DataEndpoint == data || c.AdminEndpoint == data) {
			return &DuplicateCellError{ID: id, Field: "data_endpoint", Value: data, Existing: c.ID}
		}
	}
	return nil
}

// Insert registers rec and adds a route to its admin endpoint
func (r *Registry) Insert(ctx context.Context, rec *cell.Record) error {
	if !rec.ID.Valid() {
		return fmt.Errorf("cell id %d out of range", rec.ID)
	}

	r.mu.Lock()
	if err := r.checkDuplicateLocked(rec); err != nil {
		r.mu.Unlock()
		return err
	}
	r.cells = append(r.cells, rec.Clone())
	r.present.Add(rec.ID)
	r.sortLocked()
	r.mu.Unlock()

	if err := r.routes.AddRoute(ctx, rec.AdminEndpoint); err != nil {
		log.Error().Err(err).Uint8("cell_id", uint8(rec.ID)).Str("endpoint", rec.AdminEndpoint).Msg("Failed to add route for inserted cell")
	}
	return nil
}

// Remove unregisters id and deletes its route
func (r *Registry) Remove(ctx context.Context, id cell.ID) error {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	removed := r.cells[i]
	r.cells = append(r.cells[:i:i], r.cells[i+1:]...)
	r.present.Remove(id)
	r.mu.Unlock()

	if err := r.routes.DeleteRoute(ctx, removed.AdminEndpoint); err != nil {
		log.Error().Err(err).Uint8("cell_id", uint8(id)).Str("endpoint", removed.AdminEndpoint).Msg("Failed to delete route for removed cell")
	}
	return nil
}

// RetainOnly drops every cell except keep and deletes their routes.
// Returns the ids that were dropped.
func (r *Registry) RetainOnly(ctx context.Context, keep cell.ID) []cell.ID {
	r.mu.Lock()
	var kept, dropped []*cell.Record
	for _, c := range r.cells {
		if c.ID == keep {
			kept = append(kept, c)
		} else {
			dropped = append(dropped, c)
		}
	}
	r.cells = kept
	r.present.Clear()
	for _, c := range kept {
		r.present.Add(c.ID)
	}
	r.mu.Unlock()

	ids := make([]cell.ID, 0, len(dropped))
	for _, c := range dropped {
		ids = append(ids, c.ID)
		if err := r.routes.DeleteRoute(ctx, c.AdminEndpoint); err != nil {
			log.Error().Err(err).Uint8("cell_id", uint8(c.ID)).Msg("Failed to delete route for dropped cell")
		}
	}
	return ids
}

// Replace swaps the whole membership for cells, which must contain the
// local cell. Routes follow the change.
func (r *Registry) Replace(ctx context.Context, cells []*cell.Record) error {
	next := mapset.NewThreadUnsafeSet[cell.ID]()
	fresh := make([]*cell.Record, 0, len(cells))
	for _, c := range cells {
		if !next.Add(c.ID) {
			return &DuplicateCellError{ID: c.ID, Field: "id", Value: c.ID.String(), Existing: c.ID}
		}
		fresh = append(fresh, c.Clone())
	}
	if !next.Contains(r.local) {
		return fmt.Errorf("membership without local cell %d", r.local)
	}

	r.mu.Lock()
	old := r.cells
	oldSet := r.present
	r.cells = fresh
	r.present = next
	r.sortLocked()
	r.mu.Unlock()

	for _, c := range fresh {
		if c.ID == r.local || oldSet.Contains(c.ID) {
			continue
		}
		if err := r.routes.AddRoute(ctx, c.AdminEndpoint); err != nil {
			log.Error().Err(err).Uint8("cell_id", uint8(c.ID)).Msg("Failed to add route for cell")
		}
	}
	for _, c := range old {
		if next.Contains(c.ID) {
			continue
		}
		if err := r.routes.DeleteRoute(ctx, c.AdminEndpoint); err != nil {
			log.Error().Err(err).Uint8("cell_id", uint8(c.ID)).Msg("Failed to delete route for cell")
		}
	}
	return nil
}

// LocalID returns the id of the cell this process runs
func (r *Registry) LocalID() cell.ID {
	return r.local
}

// LocalCell returns a copy of the local cell's record
func (r *Registry) LocalCell() *cell.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(r.local)
	if i < 0 {
		log.Panic().Uint8("cell_id", uint8(r.local)).Msg("Local cell missing from registry")
	}
	return r.cells[i].Clone()
}

// Master returns the lowest registered id
func (r *Registry) Master() cell.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cells[0].ID
}

// IsMaster reports whether the local cell holds the lowest id
func (r *Registry) IsMaster() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cells[0].ID == r.local
}

// Lookup returns a copy of the record for id
func (r *Registry) Lookup(id cell.ID) (*cell.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return nil, false
	}
	return r.cells[i].Clone(), true
}

// Contains reports whether id is registered
func (r *Registry) Contains(id cell.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.present.Contains(id)
}

// Len returns the number of registered cells
func (r *Registry) Len(enabledOnly bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !enabledOnly {
		return len(r.cells)
	}
	n := 0
	for _, c := range r.cells {
		if c.Enabled() {
			n++
		}
	}
	return n
}

// Update runs fn on the live record for id under the registry lock
func (r *Registry) Update(id cell.ID, fn func(*cell.Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return false
	}
	fn(r.cells[i])
	return true
}

// SetStatus changes the status of id. Returns the previous status.
func (r *Registry) SetStatus(id cell.ID, status cell.Status) (cell.Status, bool) {
	var prev cell.Status
	ok := r.Update(id, func(c *cell.Record) {
		prev = c.Status
		c.Status = status
	})
	if ok && prev != status {
		log.Info().Uint8("cell_id", uint8(id)).Str("from", prev.String()).Str("to", status.String()).Msg("Cell status changed")
	}
	return prev, ok
}

// UpdateObserved stores a probe result for id
func (r *Registry) UpdateObserved(id cell.ID, total, used uint64) bool {
	return r.Update(id, func(c *cell.Record) {
		c.ObservedTotal = total
		c.ObservedUsed = used
	})
}

// WithLock runs fn on the live sequence under the registry lock
func (r *Registry) WithLock(fn func(cells []*cell.Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.cells)
}

// StatusCounts returns the number of cells per status
func (r *Registry) StatusCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int)
	for _, c := range r.cells {
		counts[c.Status.String()]++
	}
	return counts
}
