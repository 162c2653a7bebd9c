package hive

import (
	"context"
	"sync"
	"time"

	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/notify"
	"github.com/maxpert/hive/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Ticker is the subset of time.Ticker the loop needs
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// RebalancerConfig configures the loop
type RebalancerConfig struct {
	Tick time.Duration
	// RefreshMultiplier is read every tick; the loop rebalances once per that many ticks
	RefreshMultiplier func() int
	// NewTicker defaults to NewRealTicker
	NewTicker func(time.Duration) Ticker
}

// Rebalancer runs the Power-of-Two loop. Every cell runs it; only the
// master's iterations go past the local probe.
type Rebalancer struct {
	hive    *Hive
	probe   CapacityProbe
	tick    time.Duration
	refresh func() int
	ticker  func(time.Duration) Ticker

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	// Iteration state, guarded by runMu
	runMu     sync.Mutex
	lastOrder []cell.ID
	lastSize  int // registered cells at the last comparison, -1 when unknown
	ticks     int
}

// NewRebalancer creates the loop for h
func NewRebalancer(h *Hive, probe CapacityProbe, c RebalancerConfig) *Rebalancer {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.RefreshMultiplier == nil {
		c.RefreshMultiplier = func() int { return 1 }
	}
	if c.NewTicker == nil {
		c.NewTicker = NewRealTicker
	}
	return &Rebalancer{
		hive:     h,
		probe:    probe,
		tick:     c.Tick,
		refresh:  c.RefreshMultiplier,
		ticker:   c.NewTicker,
		stopCh:   make(chan struct{}),
		lastSize: -1,
	}
}

// Start launches the loop goroutine
func (r *Rebalancer) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop()
		log.Info().Dur("tick", r.tick).Int("refresh_multiplier", r.refresh()).Msg("Rebalance loop started")
	})
}

// Stop ends the loop and waits for an in-flight iteration to finish
func (r *Rebalancer) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		log.Info().Msg("Rebalance loop stopped")
	})
}

func (r *Rebalancer) loop() {
	defer r.wg.Done()

	t := r.ticker(r.tick)
	defer t.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C():
			if r.due() {
				r.RunOnce(context.Background())
			}
		}
	}
}

// due counts a tick and reports whether this one should rebalance
func (r *Rebalancer) due() bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.ticks++
	if r.ticks < r.refresh() {
		return false
	}
	r.ticks = 0
	return true
}

// RunOnce executes one iteration. Returns true when the version moved.
func (r *Rebalancer) RunOnce(ctx context.Context) bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := time.Now()
	defer func() {
		telemetry.RebalanceRoundsTotal.Inc()
		telemetry.RebalanceDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	h := r.hive
	local := h.registry.LocalID()

	total, used, err := r.probe.Observe(ctx, local)
	if err != nil {
		log.Warn().Err(err).Uint8("cell_id", uint8(local)).Msg("Local capacity probe failed")
	} else {
		h.registry.UpdateObserved(local, total, used)
	}

	if !h.registry.IsMaster() {
		r.lastOrder, r.lastSize = nil, -1
		return false
	}
	if enabled := h.registry.Snapshot(CopyShallow, true); len(enabled) < 2 {
		// Remember the size so the next growth counts as a membership change
		r.lastOrder, r.lastSize = idsOf(enabled), h.registry.Len(false)
		return false
	}

	r.pullPeers(ctx, local)

	changed, table := r.reorder()
	if !changed {
		return false
	}

	version := h.versions.Get()
	r.push(ctx, local, table, version)
	h.notifier.Signal(notify.KindPlacement, version)
	return true
}

// pullPeers refreshes every enabled peer's observed capacity and heals the
// local minor if a peer is ahead of it
func (r *Rebalancer) pullPeers(ctx context.Context, local cell.ID) {
	h := r.hive
	var maxMinor uint64
	for _, peer := range h.registry.Snapshot(CopyDeep, true) {
		if peer.ID == local {
			continue
		}

		var capacity cell.Capacity
		err := h.call(ctx, peer.AdminEndpoint, "PullCapacity", func(ctx context.Context, ch PeerChannel) error {
			var err error
			capacity, err = ch.PullCapacity(ctx)
			return err
		})
		if err != nil {
			log.Warn().Err(err).Uint8("cell_id", uint8(peer.ID)).Msg("Failed to pull peer capacity")
			continue
		}

		h.registry.UpdateObserved(peer.ID, capacity.Total, capacity.Used)
		if capacity.Minor > maxMinor {
			maxMinor = capacity.Minor
		}
	}

	if h.versions.AdoptMinorAbove(maxMinor) {
		telemetry.RebalanceBumpsTotal.With("adopt").Inc()
		log.Warn().Uint64("peer_minor", maxMinor).Uint64("minor", h.versions.Minor()).Msg("Peer ahead of local minor, adopting")
	}
}

// reorder compares the load ordering with the last one, moves the minor
// version when warranted and copies observed capacity into advertised.
// Returns the full table to push when the version moved.
func (r *Rebalancer) reorder() (bool, []*cell.Record) {
	h := r.hive
	var (
		changed bool
		table   []*cell.Record
	)

	h.registry.WithLock(func(live []*cell.Record) {
		enabled := make([]*cell.Record, 0, len(live))
		for _, c := range live {
			if c.Enabled() {
				enabled = append(enabled, c)
			}
		}

		ordered := orderByLoad(enabled)
		ids := idsOf(ordered)
		size := len(live)

		// Flagged peers leave the enabled set without changing membership;
		// that shows up below as an order change, not a reset
		switch {
		case r.lastSize >= 0 && size != r.lastSize:
			v := h.versions.ResetMinor()
			changed = true
			telemetry.RebalanceBumpsTotal.With("count").Inc()
			log.Info().Int("cells", size).Int("previous", r.lastSize).Str("version", v.String()).Msg("Membership size changed, minor reset")
		case !sameIDs(ids, r.lastOrder):
			v := h.versions.BumpMinor()
			changed = true
			telemetry.RebalanceBumpsTotal.With("order").Inc()
			log.Info().Interface("order", ids).Str("version", v.String()).Msg("Load order changed")
		case len(ordered) == 2:
			if dev := pairDeviation(ordered); dev > DeviationThreshold {
				v := h.versions.BumpMinor()
				changed = true
				telemetry.RebalanceBumpsTotal.With("drift").Inc()
				log.Info().Float64("deviation", dev).Str("version", v.String()).Msg("Two-cell load drift above threshold")
			}
		}
		r.lastOrder, r.lastSize = ids, size

		initialized := false
		for _, c := range enabled {
			if changed {
				c.Advertise()
			} else if c.AdvertisedTotal == 0 && c.ObservedTotal != 0 {
				c.Advertise()
				initialized = true
			}
			telemetry.CellAdvertisedLoad.With(c.ID.String()).Set(c.AdvertisedLoad())
		}
		if initialized {
			v := h.versions.BumpMinor()
			changed = true
			telemetry.RebalanceBumpsTotal.With("init").Inc()
			log.Info().Str("version", v.String()).Msg("Advertised capacity initialized")
		}

		if changed {
			table = make([]*cell.Record, len(live))
			for i, c := range live {
				table[i] = c.Clone()
			}
		}
	})

	return changed, table
}

// push sends the table to every enabled peer. A failed peer does not stop
// the others; it catches up on a later tick.
func (r *Rebalancer) push(ctx context.Context, local cell.ID, table []*cell.Record, version cell.Version) {
	h := r.hive

	var g errgroup.Group
	for _, c := range table {
		if c.ID == local || !c.Enabled() {
			continue
		}
		peer := c
		g.Go(func() error {
			err := h.call(ctx, peer.AdminEndpoint, "PushPowerOfTwo", func(ctx context.Context, ch PeerChannel) error {
				return ch.PushPowerOfTwo(ctx, table, version.Major, version.Minor)
			})
			if err != nil {
				log.Warn().Err(err).Uint8("cell_id", uint8(peer.ID)).Str("version", version.String()).Msg("Failed to push placement update")
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Debug().Str("version", version.String()).Int("cells", len(table)).Msg("Placement update pushed")
}
