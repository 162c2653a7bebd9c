package publisher

import (
	"encoding/json"
	"time"

	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/encoding"
	"github.com/maxpert/hive/notify"
)

func init() {
	RegisterTransformer("msgpack", func() Transformer { return MsgpackTransformer{} })
	RegisterTransformer("json", func() Transformer { return JSONTransformer{} })
}

// MsgpackTransformer encodes tables with the hive wire codec
type MsgpackTransformer struct{}

// Transform implements Transformer
func (MsgpackTransformer) Transform(table *PlacementTable) ([]byte, error) {
	return encoding.Marshal(table)
}

// JSONTransformer encodes tables as JSON
type JSONTransformer struct{}

// Transform implements Transformer
func (JSONTransformer) Transform(table *PlacementTable) ([]byte, error) {
	return json.Marshal(table)
}

// BuildTable snapshots src into a placement table
func BuildTable(src Source, kind notify.Kind) *PlacementTable {
	cells := src.ExistingCells()
	version := src.Version()

	table := &PlacementTable{
		Kind:        kind.String(),
		Major:       version.Major,
		Minor:       version.Minor,
		Publisher:   src.CellInfo().ID,
		PublishedAt: time.Now().UnixMilli(),
		Cells:       make([]PlacementEntry, 0, len(cells)),
	}

	for i, c := range cells {
		if i == 0 || c.ID < table.Master {
			table.Master = c.ID
		}
		table.Cells = append(table.Cells, entryOf(c))
	}
	return table
}

func entryOf(c *cell.Record) PlacementEntry {
	return PlacementEntry{
		ID:              c.ID,
		DataEndpoint:    c.DataEndpoint,
		SPEndpoint:      c.SPEndpoint,
		DomainName:      c.DomainName,
		Subnet:          c.Subnet,
		Gateway:         c.Gateway,
		Status:          c.Status.String(),
		AdvertisedTotal: c.AdvertisedTotal,
		AdvertisedUsed:  c.AdvertisedUsed,
		Load:            c.AdvertisedLoad(),
		PlacementRules:  c.PlacementRules,
	}
}
