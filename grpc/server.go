package grpc

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	hiveenc "github.com/maxpert/hive/encoding"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// Server serves the peer gRPC service and, on the same port, the HTTP admin
// API and metrics
type Server struct {
	address     string
	handler     Handler
	httpHandler http.Handler

	server     *grpc.Server
	httpServer *http.Server
	listener   net.Listener
	mux        cmux.CMux

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// ServerConfig holds configuration for the management server
type ServerConfig struct {
	Address string
	Handler Handler

	// HTTPHandler serves HTTP/1 requests multiplexed on the same port.
	// Optional.
	HTTPHandler http.Handler
}

// NewServer creates a new management server
func NewServer(config ServerConfig) *Server {
	return &Server{
		address:     config.Address,
		handler:     config.Handler,
		httpHandler: config.HTTPHandler,
	}
}

// Start listens and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener in the background
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener
	s.server = grpc.NewServer(
		grpc.ForceServerCodec(hiveenc.Codec{}),
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.MaxSendMsgSize(16*1024*1024),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
	)
	RegisterHandler(s.server, s.handler)

	log.Info().Str("address", listener.Addr().String()).Msg("Starting management server")

	s.mux = cmux.New(listener)
	grpcListener := s.mux.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpListener := s.mux.Match(cmux.HTTP1Fast())

	if s.httpHandler != nil {
		s.httpServer = &http.Server{
			Handler:           s.httpHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.run("http", func() error { return s.httpServer.Serve(httpListener) })
	}
	s.run("grpc", func() error { return s.server.Serve(grpcListener) })
	s.run("cmux", s.mux.Serve)

	return nil
}

func (s *Server) run(name string, serve func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := serve(); err != nil && !isClosedErr(err) {
			log.Error().Err(err).Str("server", name).Msg("Management server failed")
		}
	}()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, cmux.ErrListenerClosed) ||
		errors.Is(err, cmux.ErrServerClosed) ||
		errors.Is(err, grpc.ErrServerStopped)
}

// Addr returns the listening address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for the serving goroutines
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.server == nil {
			return
		}
		log.Info().Msg("Stopping management server")
		s.mux.Close()
		if s.httpServer != nil {
			s.httpServer.Close()
		}
		s.server.Stop()
		s.wg.Wait()
	})
}
