package hive

import (
	"context"

	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/schema"
)

// CapacityProbe reports the local cell's capacity summed over enabled disks
type CapacityProbe interface {
	Observe(ctx context.Context, id cell.ID) (total, used uint64, err error)
}

// ConfigStore is the durable membership store. Every write is idempotent
// when retried with the same major.
type ConfigStore interface {
	AddCell(rec *cell.Record, major uint64) error
	UpdateCell(rec *cell.Record, major uint64) error
	RemoveCell(id cell.ID, major uint64) error
	RemoveCells(ids []cell.ID, major uint64) error
	ReplaceCells(recs []*cell.Record, major uint64) error
	CurrentMajor() (uint64, error)
	SetMasterMajor(major uint64) error
}

// PeerChannel performs management RPCs against one peer cell. Every call is
// bounded by the context deadline and idempotent at the target.
type PeerChannel interface {
	FetchCellInfo(ctx context.Context) (*cell.Record, error)
	PushSchemaChunk(ctx context.Context, chunk schema.Chunk, first, last bool) (bool, error)
	CheckProperties(ctx context.Context, props Properties) (*PropertyReport, error)
	PushHiveConfig(ctx context.Context, cells []*cell.Record, major uint64) error
	NotifyAdd(ctx context.Context, rec *cell.Record, major uint64) error
	NotifyRemove(ctx context.Context, id cell.ID, major uint64) error
	NotifyUpdate(ctx context.Context, rec *cell.Record, major uint64) error
	PushPowerOfTwo(ctx context.Context, cells []*cell.Record, major, minor uint64) error
	PullCapacity(ctx context.Context) (cell.Capacity, error)
}

// Peers hands out a channel per admin endpoint
type Peers interface {
	Channel(adminEndpoint string) PeerChannel
}
