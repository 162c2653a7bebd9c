// Package route keeps the OS routing table in step with hive membership.
// Every registered cell's admin endpoint gets a host route so management
// traffic reaches it over the configured gateway or device.
package route

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/maxpert/hive/cfg"
	"github.com/rs/zerolog/log"
)

// Configurer adds and deletes host routes. Both calls are idempotent: an
// existing route on add and a missing route on delete are success.
type Configurer interface {
	AddRoute(ctx context.Context, endpoint string) error
	DeleteRoute(ctx context.Context, endpoint string) error
}

// Runner executes one command and returns its combined output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands through os/exec
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// IPRoute drives the Linux routing table through iproute2
type IPRoute struct {
	gateway string
	device  string
	run     Runner
}

// NewIPRoute creates an iproute2 configurer. At least one of gateway or
// device must be set.
func NewIPRoute(gateway, device string, run Runner) *IPRoute {
	if run == nil {
		run = ExecRunner
	}
	return &IPRoute{gateway: gateway, device: device, run: run}
}

// AddRoute installs a /32 route for endpoint
func (r *IPRoute) AddRoute(ctx context.Context, endpoint string) error {
	args, err := r.args("add", endpoint)
	if err != nil {
		return err
	}

	out, err := r.run(ctx, "ip", args...)
	if err != nil {
		if strings.Contains(string(out), "File exists") {
			log.Debug().Str("endpoint", endpoint).Msg("Route already present")
			return nil
		}
		return fmt.Errorf("ip route add %s: %w: %s", endpoint, err, strings.TrimSpace(string(out)))
	}

	log.Info().Str("endpoint", endpoint).Str("gateway", r.gateway).Str("device", r.device).Msg("Route added")
	return nil
}

// DeleteRoute removes the /32 route for endpoint
func (r *IPRoute) DeleteRoute(ctx context.Context, endpoint string) error {
	args, err := r.args("del", endpoint)
	if err != nil {
		return err
	}

	out, err := r.run(ctx, "ip", args...)
	if err != nil {
		if strings.Contains(string(out), "No such process") {
			log.Debug().Str("endpoint", endpoint).Msg("Route already absent")
			return nil
		}
		return fmt.Errorf("ip route del %s: %w: %s", endpoint, err, strings.TrimSpace(string(out)))
	}

	log.Info().Str("endpoint", endpoint).Msg("Route deleted")
	return nil
}

func (r *IPRoute) args(verb, endpoint string) ([]string, error) {
	host := endpoint
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("route endpoint %q is not an IP address", endpoint)
	}

	prefix := "/32"
	if ip.To4() == nil {
		prefix = "/128"
	}

	args := []string{"route", verb, ip.String() + prefix}
	if r.gateway != "" {
		args = append(args, "via", r.gateway)
	}
	if r.device != "" {
		args = append(args, "dev", r.device)
	}
	return args, nil
}

// Noop is used when routing is managed outside the hive
type Noop struct{}

func (Noop) AddRoute(context.Context, string) error    { return nil }
func (Noop) DeleteRoute(context.Context, string) error { return nil }

// FromConfig builds the configurer selected by cfg.Config.Route
func FromConfig() Configurer {
	switch cfg.Config.Route.Mode {
	case "ip":
		return NewIPRoute(cfg.Config.Route.Gateway, cfg.Config.Route.Device, nil)
	default:
		return Noop{}
	}
}
