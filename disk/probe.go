// Package disk reports local capacity to the hive from the disks the disk
// subsystem has marked enabled.
package disk

import (
	"context"

	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/cfg"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/disk"
)

// Disk is one mount the probe sums over
type Disk struct {
	Path    string
	Enabled bool
}

// UsageFunc returns total and used bytes for one mount
type UsageFunc func(ctx context.Context, path string) (total, used uint64, err error)

// FilesystemUsage reads mount usage through gopsutil
func FilesystemUsage(ctx context.Context, path string) (uint64, uint64, error) {
	st, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, 0, err
	}
	return st.Total, st.Used, nil
}

// Probe sums capacity over enabled disks
type Probe struct {
	disks []Disk
	usage UsageFunc
}

// NewProbe creates a probe over disks. A nil usage reads the filesystem.
func NewProbe(disks []Disk, usage UsageFunc) *Probe {
	if usage == nil {
		usage = FilesystemUsage
	}
	return &Probe{disks: disks, usage: usage}
}

// FromConfig builds a probe over cfg.Config.Disks
func FromConfig() *Probe {
	disks := make([]Disk, 0, len(cfg.Config.Disks))
	for _, d := range cfg.Config.Disks {
		disks = append(disks, Disk{Path: d.Path, Enabled: d.Enabled})
	}
	return NewProbe(disks, nil)
}

// Observe returns the summed capacity of every enabled disk. A cell with no
// disks reports (0, 0). A disk that cannot be read is logged and skipped so
// one bad mount does not hide the rest.
func (p *Probe) Observe(ctx context.Context, id cell.ID) (uint64, uint64, error) {
	var total, used uint64
	for _, d := range p.disks {
		if !d.Enabled {
			continue
		}
		t, u, err := p.usage(ctx, d.Path)
		if err != nil {
			log.Warn().Err(err).Str("path", d.Path).Uint8("cell_id", uint8(id)).Msg("Failed to read disk usage")
			continue
		}
		total += t
		used += u
	}
	return total, used, nil
}
