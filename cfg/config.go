package cfg

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/cespare/xxhash/v2"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// CellConfiguration describes the local cell as it is advertised to the hive
type CellConfiguration struct {
	AdminEndpoint string `toml:"admin_endpoint"`
	DataEndpoint  string `toml:"data_endpoint"`
	SPEndpoint    string `toml:"sp_endpoint"`
	DomainName    string `toml:"domain_name"`
	Subnet        string `toml:"subnet"`
	Gateway       string `toml:"gateway"`
	ServiceTag    string `toml:"service_tag"` // Defaults to a machine-id digest
}

// DiskConfiguration is one disk reported by the disk subsystem
type DiskConfiguration struct {
	Path    string `toml:"path"`
	Enabled bool   `toml:"enabled"`
}

// HiveConfiguration controls membership and rebalancing
type HiveConfiguration struct {
	MgmtBindAddress   string            `toml:"mgmt_bind_address"`
	MgmtPort          int               `toml:"mgmt_port"`
	TickMS            int               `toml:"tick_ms"`
	RefreshMultiplier int               `toml:"refresh_multiplier"` // Rebalance every N ticks
	PeerTimeoutMS     int               `toml:"peer_timeout_ms"`
	ClusterSecret     string            `toml:"cluster_secret"`
	SchemaPath        string            `toml:"schema_path"`
	SchemaChunkKB     int               `toml:"schema_chunk_kb"`
	Properties        map[string]string `toml:"properties"`
	PropertyIgnore    []string          `toml:"property_ignore"` // Glob patterns exempt from join checks
}

// RouteConfiguration controls how admin endpoints are routed
type RouteConfiguration struct {
	Mode    string `toml:"mode"` // "ip" or "none"
	Device  string `toml:"device"`
	Gateway string `toml:"gateway"`
}

// GRPCClientConfiguration controls peer connections
type GRPCClientConfiguration struct {
	KeepaliveTimeSeconds    int `toml:"keepalive_time_seconds"`
	KeepaliveTimeoutSeconds int `toml:"keepalive_timeout_seconds"`
	MaxConnections          int `toml:"max_connections"`   // Cached peer connections
	CompressionLevel        int `toml:"compression_level"` // zstd level for schema chunks, 0 disables
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// SinkConfiguration is one destination for placement-table updates
type SinkConfiguration struct {
	Name      string   `toml:"name"`
	Type      string   `toml:"type"`   // "nats" or "kafka"
	Format    string   `toml:"format"` // "msgpack" (default) or "json"
	Topic     string   `toml:"topic"`
	Kinds     []string `toml:"kinds"` // "membership", "placement"; empty means both
	NatsURL   string   `toml:"nats_url"`
	Brokers   []string `toml:"brokers"`
	BatchSize int      `toml:"batch_size"`

	RetryInitialMS  int     `toml:"retry_initial_ms"`
	RetryMaxMS      int     `toml:"retry_max_ms"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
	MaxRetries      int     `toml:"max_retries"`
}

// PublisherConfiguration lists placement-table sinks
type PublisherConfiguration struct {
	Sinks []SinkConfiguration `toml:"sinks"`
}

// Configuration is the main configuration structure
type Configuration struct {
	CellID  int    `toml:"cell_id"`
	DataDir string `toml:"data_dir"`

	Cell       CellConfiguration       `toml:"cell"`
	Disks      []DiskConfiguration     `toml:"disks"`
	Hive       HiveConfiguration       `toml:"hive"`
	Route      RouteConfiguration      `toml:"route"`
	GRPCClient GRPCClientConfiguration `toml:"grpc_client"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "hive.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	CellIDFlag     = flag.Int("cell-id", -1, "Cell ID (overrides config)")
	MgmtPortFlag   = flag.Int("mgmt-port", 0, "Management port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	CellID:  0,
	DataDir: "./hive-data",

	Hive: HiveConfiguration{
		MgmtBindAddress:   "0.0.0.0",
		MgmtPort:          7070,
		TickMS:            5000,
		RefreshMultiplier: 1,
		PeerTimeoutMS:     10000,
		SchemaChunkKB:     64,
		Properties:        map[string]string{},
	},

	Route: RouteConfiguration{
		Mode: "none",
	},

	GRPCClient: GRPCClientConfiguration{
		KeepaliveTimeSeconds:    10,
		KeepaliveTimeoutSeconds: 3,
		MaxConnections:          128,
		CompressionLevel:        1,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

var refreshMultiplier atomic.Int64

func init() {
	refreshMultiplier.Store(1)
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *CellIDFlag >= 0 {
		Config.CellID = *CellIDFlag
	}
	if *MgmtPortFlag != 0 {
		Config.Hive.MgmtPort = *MgmtPortFlag
	}

	if Config.Cell.ServiceTag == "" {
		tag, err := generateServiceTag()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to derive service tag from machine id")
		} else {
			Config.Cell.ServiceTag = tag
			log.Info().Str("service_tag", tag).Msg("Auto-generated service tag")
		}
	}

	SetRefreshMultiplier(Config.Hive.RefreshMultiplier)

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// Reload re-reads the configuration file and applies the knobs that can
// change while the cell is running.
func Reload(configPath string) error {
	fresh := HiveConfiguration{}
	var wrapper struct {
		Hive *HiveConfiguration `toml:"hive"`
	}
	wrapper.Hive = &fresh
	if _, err := toml.DecodeFile(configPath, &wrapper); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	if fresh.RefreshMultiplier > 0 {
		SetRefreshMultiplier(fresh.RefreshMultiplier)
		log.Info().Int("refresh_multiplier", fresh.RefreshMultiplier).Msg("Reloaded refresh multiplier")
	}
	return nil
}

// generateServiceTag derives a stable product-identity tag for this machine
func generateServiceTag() (string, error) {
	id, err := machineid.ProtectedID("hive")
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxhash.Sum64String(id), 16), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.CellID < 0 || Config.CellID > 127 {
		return fmt.Errorf("cell id must be in [0, 127], got %d", Config.CellID)
	}

	if Config.Hive.MgmtPort < 1 || Config.Hive.MgmtPort > 65535 {
		return fmt.Errorf("invalid management port: %d", Config.Hive.MgmtPort)
	}

	if Config.Cell.AdminEndpoint == "" {
		return fmt.Errorf("cell admin endpoint is required")
	}

	if Config.Cell.DataEndpoint == "" {
		return fmt.Errorf("cell data endpoint is required")
	}

	if Config.Cell.AdminEndpoint == Config.Cell.DataEndpoint {
		return fmt.Errorf("admin and data endpoints must differ")
	}

	if Config.Hive.TickMS < 1 {
		return fmt.Errorf("hive tick must be >= 1ms")
	}

	if Config.Hive.RefreshMultiplier < 1 {
		return fmt.Errorf("hive refresh multiplier must be >= 1")
	}

	if Config.Hive.PeerTimeoutMS < 1 {
		return fmt.Errorf("peer timeout must be >= 1ms")
	}

	if Config.Hive.SchemaChunkKB < 1 {
		return fmt.Errorf("schema chunk size must be >= 1KB")
	}

	switch Config.Route.Mode {
	case "none":
	case "ip":
		if Config.Route.Gateway == "" && Config.Route.Device == "" {
			return fmt.Errorf("route mode ip requires a gateway or device")
		}
		if Config.Route.Gateway != "" && net.ParseIP(Config.Route.Gateway) == nil {
			return fmt.Errorf("invalid route gateway: %s", Config.Route.Gateway)
		}
	default:
		return fmt.Errorf("invalid route mode: %s", Config.Route.Mode)
	}

	if Config.GRPCClient.KeepaliveTimeSeconds < 1 {
		return fmt.Errorf("gRPC keepalive time must be >= 1 second")
	}

	if Config.GRPCClient.KeepaliveTimeoutSeconds < 1 {
		return fmt.Errorf("gRPC keepalive timeout must be >= 1 second")
	}

	if Config.GRPCClient.MaxConnections < 1 {
		return fmt.Errorf("gRPC max connections must be >= 1")
	}

	if Config.GRPCClient.CompressionLevel < 0 || Config.GRPCClient.CompressionLevel > 4 {
		return fmt.Errorf("gRPC compression level must be in [0, 4]")
	}

	for _, sink := range Config.Publisher.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("publisher sink name is required")
		}
		switch sink.Type {
		case "nats", "kafka":
		default:
			return fmt.Errorf("publisher sink %q has invalid type %q", sink.Name, sink.Type)
		}
		switch sink.Format {
		case "", "msgpack", "json":
		default:
			return fmt.Errorf("publisher sink %q has invalid format %q", sink.Name, sink.Format)
		}
		if sink.Topic == "" {
			return fmt.Errorf("publisher sink %q requires a topic", sink.Name)
		}
		for _, kind := range sink.Kinds {
			if kind != "membership" && kind != "placement" {
				return fmt.Errorf("publisher sink %q has invalid kind %q", sink.Name, kind)
			}
		}
	}

	return nil
}

// RefreshMultiplier returns how many ticks separate two rebalance iterations
func RefreshMultiplier() int {
	return int(refreshMultiplier.Load())
}

// SetRefreshMultiplier changes the rebalance period while the cell runs.
// Values below 1 are clamped to 1.
func SetRefreshMultiplier(n int) {
	if n < 1 {
		n = 1
	}
	refreshMultiplier.Store(int64(n))
}

// IsClusterAuthEnabled reports whether peers and admins must present the secret
func IsClusterAuthEnabled() bool {
	return Config.Hive.ClusterSecret != ""
}

// GetClusterSecret returns the shared cluster secret
func GetClusterSecret() string {
	return Config.Hive.ClusterSecret
}

// MgmtAddress returns the management listen address
func MgmtAddress() string {
	return net.JoinHostPort(Config.Hive.MgmtBindAddress, strconv.Itoa(Config.Hive.MgmtPort))
}
