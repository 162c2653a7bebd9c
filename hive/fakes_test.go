package hive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/notify"
	"github.com/maxpert/hive/schema"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("connection refused")

func mkCell(id cell.ID) *cell.Record {
	return &cell.Record{
		ID:            id,
		AdminEndpoint: fmt.Sprintf("10.0.0.%d", id),
		DataEndpoint:  fmt.Sprintf("10.1.0.%d", id),
		Status:        cell.StatusEnabled,
	}
}

func mkCells(ids ...cell.ID) []*cell.Record {
	out := make([]*cell.Record, len(ids))
	for i, id := range ids {
		out[i] = mkCell(id)
	}
	return out
}

// peerCall is one recorded RPC
type peerCall struct {
	endpoint string
	method   string
	id       cell.ID
	major    uint64
	minor    uint64
}

// fakePeers answers RPCs from canned data, or forwards them to an in-process
// Hive registered for the endpoint
type fakePeers struct {
	mu           sync.Mutex
	unreachable  map[string]bool
	info         map[string]*cell.Record
	capacity     map[string]cell.Capacity
	schemaReject map[string]bool
	props        map[string]*PropertyReport
	receivers    map[string]*Hive
	calls        []peerCall
}

func newFakePeers() *fakePeers {
	return &fakePeers{
		unreachable:  make(map[string]bool),
		info:         make(map[string]*cell.Record),
		capacity:     make(map[string]cell.Capacity),
		schemaReject: make(map[string]bool),
		props:        make(map[string]*PropertyReport),
		receivers:    make(map[string]*Hive),
	}
}

func (f *fakePeers) Channel(endpoint string) PeerChannel {
	return &fakeChannel{peers: f, endpoint: endpoint}
}

func (f *fakePeers) setUnreachable(endpoint string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable[endpoint] = down
}

func (f *fakePeers) setCapacity(endpoint string, c cell.Capacity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capacity[endpoint] = c
}

func (f *fakePeers) record(c peerCall) (*Hive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.unreachable[c.endpoint] {
		return nil, errUnreachable
	}
	return f.receivers[c.endpoint], nil
}

func (f *fakePeers) callsTo(method string) []peerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []peerCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].endpoint < out[j].endpoint })
	return out
}

func (f *fakePeers) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

type fakeChannel struct {
	peers    *fakePeers
	endpoint string
}

func (c *fakeChannel) FetchCellInfo(ctx context.Context) (*cell.Record, error) {
	h, err := c.peers.record(peerCall{endpoint: c.endpoint, method: "FetchCellInfo"})
	if err != nil {
		return nil, err
	}
	if h != nil {
		return h.CellInfo(), nil
	}
	c.peers.mu.Lock()
	defer c.peers.mu.Unlock()
	rec, ok := c.peers.info[c.endpoint]
	if !ok {
		return nil, errUnreachable
	}
	return rec.Clone(), nil
}

func (c *fakeChannel) PushSchemaChunk(ctx context.Context, chunk schema.Chunk, first, last bool) (bool, error) {
	h, err := c.peers.record(peerCall{endpoint: c.endpoint, method: "PushSchemaChunk"})
	if err != nil {
		return false, err
	}
	if h != nil {
		return h.AcceptSchemaChunk(chunk, first, last), nil
	}
	c.peers.mu.Lock()
	defer c.peers.mu.Unlock()
	return !c.peers.schemaReject[c.endpoint], nil
}

func (c *fakeChannel) CheckProperties(ctx context.Context, props Properties) (*PropertyReport, error) {
	h, err := c.peers.record(peerCall{endpoint: c.endpoint, method: "CheckProperties"})
	if err != nil {
		return nil, err
	}
	if h != nil {
		return h.CheckProperties(props), nil
	}
	c.peers.mu.Lock()
	defer c.peers.mu.Unlock()
	if r, ok := c.peers.props[c.endpoint]; ok {
		return r, nil
	}
	return &PropertyReport{Compatible: true}, nil
}

func (c *fakeChannel) PushHiveConfig(ctx context.Context, cells []*cell.Record, major uint64) error {
	h, err := c.peers.record(peerCall{endpoint: c.endpoint, method: "PushHiveConfig", major: major})
	if err != nil || h == nil {
		return err
	}
	return h.ApplyHiveConfig(ctx, cells, major)
}

func (c *fakeChannel) NotifyAdd(ctx context.Context, rec *cell.Record, major uint64) error {
	h, err := c.peers.record(peerCall{endpoint: c.endpoint, method: "NotifyAdd", id: rec.ID, major: major})
	if err != nil || h == nil {
		return err
	}
	return h.ApplyAddCell(ctx, rec, major)
}

func (c *fakeChannel) NotifyRemove(ctx context.Context, id cell.ID, major uint64) error {
	h, err := c.peers.record(peerCall{endpoint: c.endpoint, method: "NotifyRemove", id: id, major: major})
	if err != nil || h == nil {
		return err
	}
	return h.ApplyRemoveCell(ctx, id, major)
}

func (c *fakeChannel) NotifyUpdate(ctx context.Context, rec *cell.Record, major uint64) error {
	h, err := c.peers.record(peerCall{endpoint: c.endpoint, method: "NotifyUpdate", id: rec.ID, major: major})
	if err != nil || h == nil {
		return err
	}
	return h.ApplyCellUpdate(ctx, rec, major)
}

func (c *fakeChannel) PushPowerOfTwo(ctx context.Context, cells []*cell.Record, major, minor uint64) error {
	h, err := c.peers.record(peerCall{endpoint: c.endpoint, method: "PushPowerOfTwo", major: major, minor: minor})
	if err != nil || h == nil {
		return err
	}
	return h.ApplyPowerOfTwoUpdate(ctx, cells, major, minor)
}

func (c *fakeChannel) PullCapacity(ctx context.Context) (cell.Capacity, error) {
	h, err := c.peers.record(peerCall{endpoint: c.endpoint, method: "PullCapacity"})
	if err != nil {
		return cell.Capacity{}, err
	}
	if h != nil {
		return h.ReportCapacity(), nil
	}
	c.peers.mu.Lock()
	defer c.peers.mu.Unlock()
	return c.peers.capacity[c.endpoint], nil
}

// memStore is an in-memory ConfigStore
type memStore struct {
	mu      sync.Mutex
	cells   map[cell.ID]*cell.Record
	major   uint64
	failErr error
	writes  int
}

func newMemStore(major uint64, cells ...*cell.Record) *memStore {
	s := &memStore{cells: make(map[cell.ID]*cell.Record), major: major}
	for _, c := range cells {
		s.cells[c.ID] = c.Clone()
	}
	return s
}

func (s *memStore) write(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.writes++
	fn()
	return nil
}

func (s *memStore) AddCell(rec *cell.Record, major uint64) error {
	return s.UpdateCell(rec, major)
}

func (s *memStore) UpdateCell(rec *cell.Record, major uint64) error {
	return s.write(func() {
		s.cells[rec.ID] = rec.Clone()
		s.major = major
	})
}

func (s *memStore) RemoveCell(id cell.ID, major uint64) error {
	return s.RemoveCells([]cell.ID{id}, major)
}

func (s *memStore) RemoveCells(ids []cell.ID, major uint64) error {
	return s.write(func() {
		for _, id := range ids {
			delete(s.cells, id)
		}
		s.major = major
	})
}

func (s *memStore) ReplaceCells(recs []*cell.Record, major uint64) error {
	return s.write(func() {
		s.cells = make(map[cell.ID]*cell.Record)
		for _, r := range recs {
			s.cells[r.ID] = r.Clone()
		}
		s.major = major
	})
}

func (s *memStore) CurrentMajor() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.major, nil
}

func (s *memStore) SetMasterMajor(major uint64) error {
	return s.write(func() { s.major = major })
}

func (s *memStore) ids() []cell.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []cell.ID
	for id := range s.cells {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *memStore) currentMajor() uint64 {
	m, _ := s.CurrentMajor()
	return m
}

// recordingRoutes tracks route changes
type recordingRoutes struct {
	mu      sync.Mutex
	routes  map[string]bool
	added   []string
	deleted []string
}

func newRecordingRoutes() *recordingRoutes {
	return &recordingRoutes{routes: make(map[string]bool)}
}

func (r *recordingRoutes) AddRoute(_ context.Context, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[endpoint] = true
	r.added = append(r.added, endpoint)
	return nil
}

func (r *recordingRoutes) DeleteRoute(_ context.Context, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, endpoint)
	r.deleted = append(r.deleted, endpoint)
	return nil
}

func (r *recordingRoutes) has(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routes[endpoint]
}

func (r *recordingRoutes) deletedEndpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.deleted...)
	sort.Strings(out)
	return out
}

// staticProbe reports a fixed capacity
type staticProbe struct {
	mu          sync.Mutex
	total, used uint64
	err         error
}

func (p *staticProbe) set(total, used uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total, p.used = total, used
}

func (p *staticProbe) Observe(context.Context, cell.ID) (uint64, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, p.used, p.err
}

// recordingNotifier keeps every signal
type recordingNotifier struct {
	mu      sync.Mutex
	signals []notify.Signal
}

func (n *recordingNotifier) Signal(kind notify.Kind, v cell.Version) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, notify.Signal{Kind: kind, Version: v})
}

func (n *recordingNotifier) count(kind notify.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.signals {
		if s.Kind == kind {
			c++
		}
	}
	return c
}

var testSchema = []byte("CREATE TABLE objects(id INTEGER, bucket TEXT, placement INTEGER);")

type testEnv struct {
	hive     *Hive
	store    *memStore
	routes   *recordingRoutes
	peers    *fakePeers
	notifier *recordingNotifier
}

// newTestEnv builds a hive for local over cells at major
func newTestEnv(t *testing.T, local cell.ID, major uint64, cells []*cell.Record, peers *fakePeers) *testEnv {
	t.Helper()
	if peers == nil {
		peers = newFakePeers()
	}
	routes := newRecordingRoutes()
	reg, err := NewRegistry(context.Background(), local, cells, routes)
	require.NoError(t, err)

	props, err := NewPropertySet(map[string]string{"auth.mode": "psk"}, "secret", nil)
	require.NoError(t, err)

	store := newMemStore(major, cells...)
	notifier := &recordingNotifier{}
	h := New(Config{
		Registry:   reg,
		Versions:   cell.NewVersionVector(major),
		Store:      store,
		Peers:      peers,
		Routes:     routes,
		Schema:     schema.NewSource(testSchema, 16),
		Properties: props,
		Notifier:   notifier,
	})
	return &testEnv{hive: h, store: store, routes: routes, peers: peers, notifier: notifier}
}

func statusOf(t *testing.T, h *Hive, id cell.ID) cell.Status {
	t.Helper()
	rec, ok := h.Registry().Lookup(id)
	require.True(t, ok, "cell %d not registered", id)
	return rec.Status
}
