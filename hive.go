package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/maxpert/hive/admin"
	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/cfg"
	"github.com/maxpert/hive/disk"
	hivegrpc "github.com/maxpert/hive/grpc"
	"github.com/maxpert/hive/hive"
	"github.com/maxpert/hive/notify"
	"github.com/maxpert/hive/publisher"
	_ "github.com/maxpert/hive/publisher/sink"
	"github.com/maxpert/hive/route"
	"github.com/maxpert/hive/schema"
	"github.com/maxpert/hive/store"
	"github.com/maxpert/hive/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Int("cell_id", cfg.Config.CellID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Hive - multi-cell storage control plane")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	if cfg.Config.Prometheus.Enabled {
		telemetry.InitMetrics()
	}
	hivegrpc.RegisterZstdCompressor()

	local := localRecord()

	// Durable membership
	log.Info().Str("data_dir", cfg.Config.DataDir).Msg("Opening membership store")
	st, err := store.Open(filepath.Join(cfg.Config.DataDir, "hive"), store.DefaultOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open membership store")
		return
	}
	defer st.Close()

	cells, major, err := store.Bootstrap(st, local)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap membership store")
		return
	}

	routes := route.FromConfig()
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	registry, err := hive.NewRegistry(startCtx, local.ID, cells, routes)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build cell registry")
		return
	}

	src, err := schema.LoadSource(cfg.Config.Hive.SchemaPath, cfg.Config.Hive.SchemaChunkKB*1024)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load schema")
		return
	}

	props, err := hive.NewPropertySet(cfg.Config.Hive.Properties, cfg.GetClusterSecret(), cfg.Config.Hive.PropertyIgnore)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build hive properties")
		return
	}

	client, err := hivegrpc.NewClient(hivegrpc.ClientConfigFromCfg())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create peer client")
		return
	}
	defer client.Close()

	hub := notify.NewHub()
	h := hive.New(hive.Config{
		Registry:    registry,
		Versions:    cell.NewVersionVector(major),
		Store:       st,
		Peers:       client,
		Routes:      routes,
		Schema:      src,
		Properties:  props,
		Notifier:    hub,
		PeerTimeout: time.Duration(cfg.Config.Hive.PeerTimeoutMS) * time.Millisecond,
	})

	// Placement publishing
	pubRegistry, err := publisher.NewRegistry(publisher.RegistryConfig{
		Hub:         hub,
		Source:      h,
		SinkConfigs: cfg.Config.Publisher.Sinks,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize placement publishers")
		return
	}
	if err := pubRegistry.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start placement publishers")
		return
	}
	defer pubRegistry.Stop()

	// Management port: gRPC for peers, HTTP for admin and metrics
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(h))
	if cfg.Config.Prometheus.Enabled {
		mux.Handle("/metrics", telemetry.GetMetricsHandler())
	}

	server := hivegrpc.NewServer(hivegrpc.ServerConfig{
		Address:     cfg.MgmtAddress(),
		Handler:     h,
		HTTPHandler: mux,
	})
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start management server")
		return
	}
	defer server.Stop()

	tick := time.Duration(cfg.Config.Hive.TickMS) * time.Millisecond
	rebalancer := hive.NewRebalancer(h, disk.FromConfig(), hive.RebalancerConfig{
		Tick:              tick,
		RefreshMultiplier: cfg.RefreshMultiplier,
	})
	rebalancer.Start()
	defer rebalancer.Stop()

	collector := telemetry.NewMetricsCollector(h, tick)
	collector.Start()
	defer collector.Stop()

	log.Info().
		Int("cell_id", cfg.Config.CellID).
		Str("mgmt_address", cfg.MgmtAddress()).
		Stringer("version", h.Version()).
		Bool("master", h.IsMaster()).
		Msg("Cell is operational")

	waitForShutdown()
	log.Info().Msg("Shutting down")
}

// localRecord describes this cell from its configuration
func localRecord() *cell.Record {
	c := cfg.Config.Cell
	return &cell.Record{
		ID:            cell.ID(cfg.Config.CellID),
		AdminEndpoint: c.AdminEndpoint,
		DataEndpoint:  c.DataEndpoint,
		SPEndpoint:    c.SPEndpoint,
		DomainName:    c.DomainName,
		Subnet:        c.Subnet,
		Gateway:       c.Gateway,
		ServiceTag:    []byte(c.ServiceTag),
		Status:        cell.StatusEnabled,
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM, reloading on SIGHUP
func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			return
		}
		if err := cfg.Reload(*cfg.ConfigPathFlag); err != nil {
			log.Warn().Err(err).Msg("Failed to reload configuration")
		}
	}
}
