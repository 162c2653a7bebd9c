package grpc

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/cfg"
	"github.com/maxpert/hive/hive"
	"github.com/maxpert/hive/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// testHandler records what the peer service hands it
type testHandler struct {
	mu       sync.Mutex
	self     *cell.Record
	chunks   []schema.Chunk
	props    hive.Properties
	cells    []*cell.Record
	added    *cell.Record
	removed  cell.ID
	major    uint64
	minor    uint64
	capacity cell.Capacity
	applyErr error
}

func (h *testHandler) CellInfo() *cell.Record {
	return h.self.Clone()
}

func (h *testHandler) AcceptSchemaChunk(chunk schema.Chunk, first, last bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chunks = append(h.chunks, chunk)
	return string(chunk.Data) != "bad"
}

func (h *testHandler) CheckProperties(remote hive.Properties) *hive.PropertyReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.props = remote
	if remote["auth.mode"] != "psk" {
		return &hive.PropertyReport{Mismatched: []string{"auth.mode"}}
	}
	return &hive.PropertyReport{Compatible: true}
}

func (h *testHandler) ApplyHiveConfig(_ context.Context, cells []*cell.Record, major uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cells, h.major = cells, major
	return h.applyErr
}

func (h *testHandler) ApplyAddCell(_ context.Context, rec *cell.Record, major uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.added, h.major = rec, major
	return h.applyErr
}

func (h *testHandler) ApplyRemoveCell(_ context.Context, id cell.ID, major uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed, h.major = id, major
	return h.applyErr
}

func (h *testHandler) ApplyCellUpdate(_ context.Context, rec *cell.Record, major uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.added, h.major = rec, major
	return h.applyErr
}

func (h *testHandler) ApplyPowerOfTwoUpdate(_ context.Context, cells []*cell.Record, major, minor uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cells, h.major, h.minor = cells, major, minor
	return h.applyErr
}

func (h *testHandler) ReportCapacity() cell.Capacity {
	return h.capacity
}

func startServer(t *testing.T, h Handler, httpHandler http.Handler) *Server {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(ServerConfig{Handler: h, HTTPHandler: httpHandler})
	require.NoError(t, s.Serve(listener))
	t.Cleanup(s.Stop)
	return s
}

func newTestClient(t *testing.T, secret string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{Secret: secret, MaxConnections: 4})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func withSecret(t *testing.T, secret string) {
	t.Helper()
	orig := cfg.Config.Hive.ClusterSecret
	cfg.Config.Hive.ClusterSecret = secret
	t.Cleanup(func() { cfg.Config.Hive.ClusterSecret = orig })
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPeerService_RoundTrip(t *testing.T) {
	withSecret(t, "")
	h := &testHandler{
		self:     &cell.Record{ID: 4, AdminEndpoint: "10.0.0.4", DataEndpoint: "10.1.0.4"},
		capacity: cell.Capacity{Total: 1000, Used: 250, Minor: 9},
	}
	s := startServer(t, h, nil)
	ch := newTestClient(t, "").Channel(s.Addr().String())
	ctx := callCtx(t)

	info, err := ch.FetchCellInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, cell.ID(4), info.ID)
	assert.Equal(t, "10.1.0.4", info.DataEndpoint)

	chunks := schema.NewSource([]byte("CREATE TABLE objects(id INTEGER);"), 8).Chunks()
	for i, c := range chunks {
		ok, err := ch.PushSchemaChunk(ctx, c, i == 0, i == len(chunks)-1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, chunks, h.chunks)

	ok, err := ch.PushSchemaChunk(ctx, schema.Chunk{Data: []byte("bad")}, true, true)
	require.NoError(t, err)
	assert.False(t, ok)

	report, err := ch.CheckProperties(ctx, hive.Properties{"auth.mode": "none"})
	require.NoError(t, err)
	assert.False(t, report.Compatible)
	assert.Equal(t, []string{"auth.mode"}, report.Mismatched)

	cells := []*cell.Record{{ID: 1, AdminEndpoint: "10.0.0.1"}, {ID: 4, AdminEndpoint: "10.0.0.4"}}
	require.NoError(t, ch.PushHiveConfig(ctx, cells, 7))
	assert.Len(t, h.cells, 2)
	assert.Equal(t, uint64(7), h.major)

	require.NoError(t, ch.NotifyAdd(ctx, &cell.Record{ID: 9, AdminEndpoint: "10.0.0.9"}, 8))
	assert.Equal(t, cell.ID(9), h.added.ID)

	require.NoError(t, ch.NotifyRemove(ctx, 9, 10))
	assert.Equal(t, cell.ID(9), h.removed)
	assert.Equal(t, uint64(10), h.major)

	require.NoError(t, ch.PushPowerOfTwo(ctx, cells, 10, 3))
	assert.Equal(t, uint64(3), h.minor)

	capacity, err := ch.PullCapacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.capacity, capacity)
}

func TestPeerService_ErrorCodes(t *testing.T) {
	withSecret(t, "")
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"not found", &hive.NotFoundError{ID: 3}, codes.NotFound},
		{"duplicate", &hive.DuplicateCellError{ID: 3, Field: "id"}, codes.AlreadyExists},
		{"count mismatch", &hive.CellCountMismatchError{Local: 2, Incoming: 3}, codes.FailedPrecondition},
		{"other", io.ErrUnexpectedEOF, codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &testHandler{self: &cell.Record{ID: 1}, applyErr: tt.err}
			s := startServer(t, h, nil)
			ch := newTestClient(t, "").Channel(s.Addr().String())

			err := ch.NotifyRemove(callCtx(t), 3, 2)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestPSKAuthentication(t *testing.T) {
	tests := []struct {
		name         string
		serverSecret string
		clientSecret string
		wantErr      bool
	}{
		{"matching secrets succeed", "test-secret-123", "test-secret-123", false},
		{"mismatched secrets fail", "server-secret", "wrong-secret", true},
		{"missing client secret fails", "server-secret", "", true},
		{"no auth when server secret empty", "", "", false},
		{"client secret ignored when server has none", "", "some-secret", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withSecret(t, tt.serverSecret)
			h := &testHandler{self: &cell.Record{ID: 1}}
			s := startServer(t, h, nil)
			ch := newTestClient(t, tt.clientSecret).Channel(s.Addr().String())

			_, err := ch.PullCapacity(callCtx(t))
			if tt.wantErr {
				assert.Equal(t, codes.Unauthenticated, status.Code(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestServer_MultiplexesHTTP(t *testing.T) {
	withSecret(t, "")
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/version", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "3.1")
	})
	s := startServer(t, &testHandler{self: &cell.Record{ID: 1}, capacity: cell.Capacity{Total: 5}}, mux)

	resp, err := http.Get("http://" + s.Addr().String() + "/admin/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "3.1", string(body))

	capacity, err := newTestClient(t, "").Channel(s.Addr().String()).PullCapacity(callCtx(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), capacity.Total)
}

func TestClient_Target(t *testing.T) {
	c, err := NewClient(ClientConfig{MgmtPort: 7070, MaxConnections: 1})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "10.0.0.1:7070", c.target("10.0.0.1"))
	assert.Equal(t, "10.0.0.1:9000", c.target("10.0.0.1:9000"))
	assert.Equal(t, "[fd00::1]:7070", c.target("fd00::1"))
}

func TestClient_EvictsConnections(t *testing.T) {
	c, err := NewClient(ClientConfig{MgmtPort: 7070, MaxConnections: 2})
	require.NoError(t, err)
	defer c.Close()

	for _, ep := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		_, err := c.conn(ep)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.conns.Len())
	assert.False(t, c.conns.Contains("10.0.0.1:7070"))

	c.Disconnect("10.0.0.2")
	assert.Equal(t, 1, c.conns.Len())
}

func TestClient_UnreachablePeer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err = newTestClient(t, "").Channel(addr).PullCapacity(ctx)
	assert.Error(t, err)
}
