package grpc

import (
	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/hive"
	"github.com/maxpert/hive/schema"
)

// Peer RPC payloads. They travel msgpack-encoded, so adding a field is
// backwards compatible as long as older cells can ignore it.

// Empty is the request of RPCs that take no arguments
type Empty struct{}

// Ack is the response of RPCs that only report success
type Ack struct{}

// CellInfoResponse carries the answering cell's own record
type CellInfoResponse struct {
	Cell *cell.Record `msgpack:"cell"`
}

// SchemaChunkRequest streams one schema chunk to a joining cell
type SchemaChunkRequest struct {
	Chunk schema.Chunk `msgpack:"chunk"`
	First bool         `msgpack:"first"`
	Last  bool         `msgpack:"last"`
}

// SchemaChunkResponse is the joining cell's verdict on one chunk
type SchemaChunkResponse struct {
	Accepted bool `msgpack:"accepted"`
}

// PropertiesRequest carries the master's hive properties
type PropertiesRequest struct {
	Properties hive.Properties `msgpack:"properties"`
}

// HiveConfigRequest hands a joining cell the full membership list
type HiveConfigRequest struct {
	Cells []*cell.Record `msgpack:"cells"`
	Major uint64         `msgpack:"major"`
}

// CellChangeRequest announces an added or updated cell
type CellChangeRequest struct {
	Cell  *cell.Record `msgpack:"cell"`
	Major uint64       `msgpack:"major"`
}

// RemoveCellRequest announces a removed cell
type RemoveCellRequest struct {
	ID    cell.ID `msgpack:"id"`
	Major uint64  `msgpack:"major"`
}

// PowerOfTwoRequest carries the master's placement table
type PowerOfTwoRequest struct {
	Cells []*cell.Record `msgpack:"cells"`
	Major uint64         `msgpack:"major"`
	Minor uint64         `msgpack:"minor"`
}
