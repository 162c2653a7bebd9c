package grpc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/cfg"
	hiveenc "github.com/maxpert/hive/encoding"
	"github.com/maxpert/hive/hive"
	"github.com/maxpert/hive/schema"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Client keeps one connection per peer admin endpoint. Least recently used
// connections are closed once MaxConnections is exceeded.
type Client struct {
	port     int
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns *lru.Cache[string, *grpc.ClientConn]
}

// ClientConfig holds configuration for the peer client
type ClientConfig struct {
	// MgmtPort is appended to admin endpoints that carry no port
	MgmtPort       int
	Secret         string
	MaxConnections int
}

// ClientConfigFromCfg builds a ClientConfig from the global configuration
func ClientConfigFromCfg() ClientConfig {
	return ClientConfig{
		MgmtPort:       cfg.Config.Hive.MgmtPort,
		Secret:         cfg.GetClusterSecret(),
		MaxConnections: cfg.Config.GRPCClient.MaxConnections,
	}
}

// NewClient creates a new peer client
func NewClient(c ClientConfig) (*Client, error) {
	if c.MaxConnections < 1 {
		c.MaxConnections = 1
	}

	conns, err := lru.NewWithEvict[string, *grpc.ClientConn](c.MaxConnections, func(target string, conn *grpc.ClientConn) {
		log.Debug().Str("target", target).Msg("Closing peer connection")
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Str("target", target).Msg("Peer connection close failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection cache: %w", err)
	}

	return &Client{
		port:     c.MgmtPort,
		dialOpts: createDialOptions(c.Secret),
		conns:    conns,
	}, nil
}

// createDialOptions returns common gRPC dial options
func createDialOptions(secret string) []grpc.DialOption {
	keepaliveTime := 10 * time.Second
	keepaliveTimeout := 3 * time.Second
	if cfg.Config != nil {
		keepaliveTime = time.Duration(cfg.Config.GRPCClient.KeepaliveTimeSeconds) * time.Second
		keepaliveTimeout = time.Duration(cfg.Config.GRPCClient.KeepaliveTimeoutSeconds) * time.Second
	}

	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(hiveenc.Codec{}),
			grpc.MaxCallRecvMsgSize(16*1024*1024),
			grpc.MaxCallSendMsgSize(16*1024*1024),
		),
		grpc.WithChainUnaryInterceptor(UnaryClientInterceptorWithSecret(secret)),
	}
}

// target turns an admin endpoint into a dial target
func (c *Client) target(adminEndpoint string) string {
	if _, _, err := net.SplitHostPort(adminEndpoint); err == nil {
		return adminEndpoint
	}
	return net.JoinHostPort(adminEndpoint, strconv.Itoa(c.port))
}

// conn returns the cached connection for endpoint, dialing on first use
func (c *Client) conn(adminEndpoint string) (*grpc.ClientConn, error) {
	target := c.target(adminEndpoint)

	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns.Get(target); ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(target, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to %s: %w", target, err)
	}
	c.conns.Add(target, conn)

	log.Debug().Str("target", target).Msg("Peer connection created")
	return conn, nil
}

// Disconnect closes the connection to a peer
func (c *Client) Disconnect(adminEndpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns.Remove(c.target(adminEndpoint))
}

// Close closes all peer connections
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns.Purge()
	return nil
}

// Channel implements hive.Peers
func (c *Client) Channel(adminEndpoint string) hive.PeerChannel {
	return &peerChannel{client: c, endpoint: adminEndpoint}
}

// peerChannel issues the peer RPCs against one endpoint
type peerChannel struct {
	client   *Client
	endpoint string
}

func (p *peerChannel) invoke(ctx context.Context, method string, req, reply interface{}, opts ...grpc.CallOption) error {
	conn, err := p.client.conn(p.endpoint)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, fullMethod(method), req, reply, opts...)
}

func (p *peerChannel) FetchCellInfo(ctx context.Context) (*cell.Record, error) {
	var resp CellInfoResponse
	if err := p.invoke(ctx, MethodFetchCellInfo, &Empty{}, &resp); err != nil {
		return nil, err
	}
	if resp.Cell == nil {
		return nil, fmt.Errorf("peer %s returned no cell info", p.endpoint)
	}
	return resp.Cell, nil
}

func (p *peerChannel) PushSchemaChunk(ctx context.Context, chunk schema.Chunk, first, last bool) (bool, error) {
	var resp SchemaChunkResponse
	req := &SchemaChunkRequest{Chunk: chunk, First: first, Last: last}
	if err := p.invoke(ctx, MethodPushSchemaChunk, req, &resp, compressionOptions()...); err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

func (p *peerChannel) CheckProperties(ctx context.Context, props hive.Properties) (*hive.PropertyReport, error) {
	var resp hive.PropertyReport
	if err := p.invoke(ctx, MethodCheckProperties, &PropertiesRequest{Properties: props}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (p *peerChannel) PushHiveConfig(ctx context.Context, cells []*cell.Record, major uint64) error {
	req := &HiveConfigRequest{Cells: cells, Major: major}
	return p.invoke(ctx, MethodPushHiveConfig, req, &Ack{}, compressionOptions()...)
}

func (p *peerChannel) NotifyAdd(ctx context.Context, rec *cell.Record, major uint64) error {
	return p.invoke(ctx, MethodNotifyAdd, &CellChangeRequest{Cell: rec, Major: major}, &Ack{})
}

func (p *peerChannel) NotifyRemove(ctx context.Context, id cell.ID, major uint64) error {
	return p.invoke(ctx, MethodNotifyRemove, &RemoveCellRequest{ID: id, Major: major}, &Ack{})
}

func (p *peerChannel) NotifyUpdate(ctx context.Context, rec *cell.Record, major uint64) error {
	return p.invoke(ctx, MethodNotifyUpdate, &CellChangeRequest{Cell: rec, Major: major}, &Ack{})
}

func (p *peerChannel) PushPowerOfTwo(ctx context.Context, cells []*cell.Record, major, minor uint64) error {
	req := &PowerOfTwoRequest{Cells: cells, Major: major, Minor: minor}
	return p.invoke(ctx, MethodPushPowerOfTwo, req, &Ack{})
}

func (p *peerChannel) PullCapacity(ctx context.Context) (cell.Capacity, error) {
	var resp cell.Capacity
	if err := p.invoke(ctx, MethodPullCapacity, &Empty{}, &resp); err != nil {
		return cell.Capacity{}, err
	}
	return resp, nil
}
