// Package hive implements hive membership and capacity balancing: the cell
// registry, the join and leave handshakes, the master's Power-of-Two
// rebalance loop and the receiving side of every peer RPC.
package hive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/notify"
	"github.com/maxpert/hive/route"
	"github.com/maxpert/hive/schema"
	"github.com/maxpert/hive/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// DefaultPeerTimeout bounds a single peer RPC
const DefaultPeerTimeout = 10 * time.Second

// Notifier receives version changes
type Notifier interface {
	Signal(kind notify.Kind, version cell.Version)
}

type noopNotifier struct{}

func (noopNotifier) Signal(notify.Kind, cell.Version) {}

// Config wires a Hive to its collaborators
type Config struct {
	Registry   *Registry
	Versions   *cell.VersionVector
	Store      ConfigStore
	Peers      Peers
	Routes     route.Configurer
	Schema     *schema.Source
	Properties *PropertySet

	// Optional
	Notifier    Notifier
	PeerTimeout time.Duration
}

// Hive is the membership protocol of one cell
type Hive struct {
	registry *Registry
	versions *cell.VersionVector
	store    ConfigStore
	peers    Peers
	routes   route.Configurer
	schema   *schema.Source
	verifier *schema.Verifier
	props    *PropertySet
	notifier Notifier

	peerTimeout time.Duration

	// Joins past Start, keyed by candidate id
	pending *xsync.MapOf[cell.ID, *pendingJoin]

	// Serializes operations that move the major version
	membershipMu sync.Mutex

	// Version of the last placement table applied from the master. Cleared
	// on every membership change so a push at the version already held is
	// still taken.
	placementMu sync.Mutex
	placed      cell.Version
	hasPlaced   bool
}

// New creates the hive. Every collaborator except Notifier is required.
func New(c Config) *Hive {
	if c.Registry == nil || c.Versions == nil || c.Store == nil || c.Peers == nil || c.Routes == nil || c.Schema == nil || c.Properties == nil {
		log.Panic().Msg("hive: missing collaborator")
	}

	h := &Hive{
		registry:    c.Registry,
		versions:    c.Versions,
		store:       c.Store,
		peers:       c.Peers,
		routes:      c.Routes,
		schema:      c.Schema,
		verifier:    schema.NewVerifier(c.Schema.Bytes()),
		props:       c.Properties,
		notifier:    c.Notifier,
		peerTimeout: c.PeerTimeout,
		pending:     xsync.NewMapOf[cell.ID, *pendingJoin](),
	}
	if h.notifier == nil {
		h.notifier = noopNotifier{}
	}
	if h.peerTimeout <= 0 {
		h.peerTimeout = DefaultPeerTimeout
	}
	return h
}

// Registry returns the local membership view
func (h *Hive) Registry() *Registry {
	return h.registry
}

// Version returns the current (major, minor)
func (h *Hive) Version() cell.Version {
	return h.versions.Get()
}

// VersionNumbers returns the current major and minor
func (h *Hive) VersionNumbers() (uint64, uint64) {
	v := h.versions.Get()
	return v.Major, v.Minor
}

// StatusCounts returns the number of cells per status
func (h *Hive) StatusCounts() map[string]int {
	return h.registry.StatusCounts()
}

// IsMaster reports whether the local cell is the hive master
func (h *Hive) IsMaster() bool {
	return h.registry.IsMaster()
}

// ExistingCells returns a copy of every registered cell
func (h *Hive) ExistingCells() []*cell.Record {
	return h.registry.Snapshot(CopyDeep, false)
}

// CellInfo returns a copy of the local cell's record
func (h *Hive) CellInfo() *cell.Record {
	return h.registry.LocalCell()
}

// call runs fn against endpoint with the peer timeout and records metrics
func (h *Hive) call(ctx context.Context, endpoint, method string, fn func(ctx context.Context, ch PeerChannel) error) error {
	ctx, cancel := context.WithTimeout(ctx, h.peerTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx, h.peers.Channel(endpoint))
	telemetry.PeerCallSeconds.With(method).Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.PeerCallsTotal.With(method, "failed").Inc()
		return &RemoteError{Endpoint: endpoint, Method: method, Cause: err}
	}
	telemetry.PeerCallsTotal.With(method, "success").Inc()
	return nil
}

// markReached resets a peer flagged by an earlier failed push once it
// acknowledges a later one
func (h *Hive) markReached(id cell.ID) {
	h.registry.Update(id, func(c *cell.Record) {
		switch c.Status {
		case cell.StatusAddFailed, cell.StatusRemoveFailed, cell.StatusConfigPushFailed:
			log.Info().Uint8("cell_id", uint8(id)).Str("from", c.Status.String()).Msg("Peer reachable again, re-enabling")
			c.Status = cell.StatusEnabled
		}
	})
}

// peersExcept returns copies of registered cells other than the local cell
// and skip, restricted to cells a push should reach
func (h *Hive) peersExcept(skip ...cell.ID) []*cell.Record {
	local := h.registry.LocalID()
	out := make([]*cell.Record, 0)
	for _, c := range h.registry.Snapshot(CopyDeep, false) {
		if c.ID == local || containsID(skip, c.ID) {
			continue
		}
		if c.Status == cell.StatusSchemaPushFailed {
			continue
		}
		out = append(out, c)
	}
	return out
}

func containsID(ids []cell.ID, id cell.ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (h *Hive) recordOp(op string, err error) {
	result := "success"
	switch {
	case err == nil:
	case IsPartial(err):
		result = "partial"
	case IsValidation(err):
		result = "rejected"
	default:
		result = "failed"
	}
	telemetry.MembershipOpsTotal.With(op, result).Inc()
}

func (h *Hive) currentMajor() (uint64, error) {
	major, err := h.store.CurrentMajor()
	if err != nil {
		return 0, fmt.Errorf("read persisted major: %w", err)
	}
	if local := h.versions.Major(); local > major {
		major = local
	}
	return major, nil
}

// membershipChanged forgets the applied placement and tells subscribers
func (h *Hive) membershipChanged(version cell.Version) {
	h.placementMu.Lock()
	h.hasPlaced = false
	h.placementMu.Unlock()

	h.notifier.Signal(notify.KindMembership, version)
}
