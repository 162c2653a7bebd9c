package publisher_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/maxpert/hive/cfg"
	"github.com/maxpert/hive/notify"
	"github.com/maxpert/hive/publisher"
	"github.com/maxpert/hive/publisher/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorded holds the mock sinks created through the "recording" factory
var recorded = map[string]*sink.MockSink{}

func init() {
	publisher.RegisterSink("recording", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		mock := &sink.MockSink{}
		recorded[config.Name] = mock
		return mock, nil
	})
}

func TestRegistry_PublishesToEverySink(t *testing.T) {
	hub := notify.NewHub()
	registry, err := publisher.NewRegistry(publisher.RegistryConfig{
		Hub:    hub,
		Source: newTableSource(),
		SinkConfigs: []cfg.SinkConfiguration{
			{Name: "packed", Type: "recording", Topic: "hive.placement"},
			{Name: "readable", Type: "recording", Format: "json", Topic: "hive.placement.json", Kinds: []string{"membership"}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, registry.Start())
	assert.Error(t, registry.Start())

	packed, readable := recorded["packed"], recorded["readable"]
	waitKeys(t, packed, "3.7")
	waitKeys(t, readable, "3.7")

	var table publisher.PlacementTable
	require.NoError(t, json.Unmarshal(readable.Snapshot()[0].Value, &table))
	assert.Equal(t, uint64(3), table.Major)
	assert.Equal(t, uint64(7), table.Minor)
	assert.Equal(t, "hive.placement.json", readable.Snapshot()[0].Topic)

	registry.Stop()
	assert.True(t, packed.IsClosed())
	assert.True(t, readable.IsClosed())
	registry.Stop()
}

func TestRegistry_AddSinkWhileRunning(t *testing.T) {
	registry, err := publisher.NewRegistry(publisher.RegistryConfig{Hub: notify.NewHub(), Source: newTableSource()})
	require.NoError(t, err)
	require.NoError(t, registry.Start())
	defer registry.Stop()

	require.NoError(t, registry.AddSink(cfg.SinkConfiguration{Name: "late", Type: "recording", Topic: "t"}))
	require.Eventually(t, func() bool { return len(recorded["late"].Snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRegistry_RejectsBadSinks(t *testing.T) {
	tests := []struct {
		name string
		sink cfg.SinkConfiguration
		want string
	}{
		{"unknown type", cfg.SinkConfiguration{Name: "a", Type: "carrier-pigeon", Topic: "t"}, "unknown sink type"},
		{"unknown format", cfg.SinkConfiguration{Name: "b", Type: "recording", Format: "xml", Topic: "t"}, "unknown format"},
		{"unknown kind", cfg.SinkConfiguration{Name: "c", Type: "recording", Topic: "t", Kinds: []string{"weather"}}, "unknown signal kind"},
		{"no topic", cfg.SinkConfiguration{Name: "d", Type: "recording"}, "topic is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := publisher.NewRegistry(publisher.RegistryConfig{
				Hub:         notify.NewHub(),
				Source:      newTableSource(),
				SinkConfigs: []cfg.SinkConfiguration{tt.sink},
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			if mock, ok := recorded[tt.sink.Name]; ok {
				assert.True(t, mock.IsClosed())
			}
		})
	}
}

func TestNewRegistry_RequiresHubAndSource(t *testing.T) {
	_, err := publisher.NewRegistry(publisher.RegistryConfig{Source: newTableSource()})
	assert.Error(t, err)
	_, err = publisher.NewRegistry(publisher.RegistryConfig{Hub: notify.NewHub()})
	assert.Error(t, err)
}

func TestBuildTable(t *testing.T) {
	table := publisher.BuildTable(newTableSource(), notify.KindPlacement)

	assert.Equal(t, "placement", table.Kind)
	assert.Equal(t, "3.7", table.Version().String())
	assert.NotZero(t, table.PublishedAt)
	require.Len(t, table.Cells, 2)
	assert.Equal(t, "10.1.0.2", table.Cells[1].DataEndpoint)
	assert.Equal(t, 0.1, table.Cells[1].Load)
}
