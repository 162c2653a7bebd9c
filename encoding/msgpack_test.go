package encoding

import (
	"sync"
	"testing"

	"github.com/maxpert/hive/cell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_CellRecord(t *testing.T) {
	in := &cell.Record{
		ID:              7,
		AdminEndpoint:   "10.7.0.1",
		DataEndpoint:    "10.7.0.2",
		PlacementRules:  []cell.PlacementRule{{RuleNumber: 1, Start: 10, End: 20}},
		ServiceTag:      []byte{0xde, 0xad},
		Status:          cell.StatusAddFailed,
		AdvertisedTotal: 1000,
		AdvertisedUsed:  250,
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out cell.Record
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, &out)
}

func TestUnmarshal_IgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]interface{}{
		"id":          5,
		"admin":       "10.5.0.1",
		"future_knob": "ignored",
	})
	require.NoError(t, err)

	var out cell.Record
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, cell.ID(5), out.ID)
	assert.Equal(t, "10.5.0.1", out.AdminEndpoint)
}

func TestCodec_Name(t *testing.T) {
	assert.Equal(t, "msgpack", Codec{}.Name())

	var out cell.Version
	err := Codec{}.Unmarshal([]byte{0xc1}, &out)
	assert.Error(t, err)
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v := cell.Version{Major: uint64(id), Minor: uint64(j)}
				data, err := Marshal(v)
				if err != nil {
					t.Errorf("marshal failed: %v", err)
					return
				}
				var out cell.Version
				if err := Unmarshal(data, &out); err != nil || out != v {
					t.Errorf("roundtrip mismatch: %v vs %v (%v)", out, v, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}
