package publisher_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/encoding"
	"github.com/maxpert/hive/notify"
	"github.com/maxpert/hive/publisher"
	"github.com/maxpert/hive/publisher/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tableSource is a Source whose version and cells tests can move
type tableSource struct {
	mu      sync.Mutex
	cells   []*cell.Record
	version cell.Version
}

func newTableSource() *tableSource {
	return &tableSource{
		cells: []*cell.Record{
			{ID: 4, DataEndpoint: "10.1.0.4", Status: cell.StatusEnabled, AdvertisedTotal: 200, AdvertisedUsed: 50},
			{ID: 2, DataEndpoint: "10.1.0.2", Status: cell.StatusConfigPushFailed, AdvertisedTotal: 100, AdvertisedUsed: 10},
		},
		version: cell.Version{Major: 3, Minor: 7},
	}
}

func (s *tableSource) ExistingCells() []*cell.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*cell.Record, len(s.cells))
	for i, c := range s.cells {
		out[i] = c.Clone()
	}
	return out
}

func (s *tableSource) Version() cell.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *tableSource) CellInfo() *cell.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cells[0].Clone()
}

func (s *tableSource) setVersion(v cell.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// flakySink fails the first n publishes
type flakySink struct {
	sink.MockSink
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakySink) Publish(topic, key string, value []byte) error {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("broker unavailable")
	}
	return f.MockSink.Publish(topic, key, value)
}

func (f *flakySink) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func newWorker(t *testing.T, hub *notify.Hub, src publisher.Source, snk publisher.Sink, filter notify.Filter) *publisher.Worker {
	t.Helper()
	w, err := publisher.NewWorker(publisher.WorkerConfig{
		Name:         "test",
		Hub:          hub,
		Source:       src,
		Sink:         snk,
		Transformer:  publisher.MsgpackTransformer{},
		Filter:       filter,
		Topic:        "hive.placement",
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		MaxRetries:   3,
	})
	require.NoError(t, err)
	return w
}

func keys(msgs []sink.MockMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key
	}
	return out
}

func waitKeys(t *testing.T, mock *sink.MockSink, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, keys(mock.Snapshot()))
	}, 2*time.Second, 5*time.Millisecond, "want keys %v, got %v", want, keys(mock.Snapshot()))
}

func TestNewWorker_Validation(t *testing.T) {
	hub := notify.NewHub()
	src := newTableSource()
	mock := &sink.MockSink{}

	base := publisher.WorkerConfig{
		Name: "w", Hub: hub, Source: src, Sink: mock,
		Transformer: publisher.JSONTransformer{}, Topic: "t",
	}
	_, err := publisher.NewWorker(base)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*publisher.WorkerConfig)
	}{
		{"no name", func(c *publisher.WorkerConfig) { c.Name = "" }},
		{"no hub", func(c *publisher.WorkerConfig) { c.Hub = nil }},
		{"no source", func(c *publisher.WorkerConfig) { c.Source = nil }},
		{"no sink", func(c *publisher.WorkerConfig) { c.Sink = nil }},
		{"no transformer", func(c *publisher.WorkerConfig) { c.Transformer = nil }},
		{"no topic", func(c *publisher.WorkerConfig) { c.Topic = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			_, err := publisher.NewWorker(c)
			assert.Error(t, err)
		})
	}
}

func TestWorker_PublishesCurrentTableOnStart(t *testing.T) {
	hub := notify.NewHub()
	mock := &sink.MockSink{}
	w := newWorker(t, hub, newTableSource(), mock, notify.Filter{})

	w.Start()
	defer w.Stop()

	waitKeys(t, mock, "3.7")

	msg := mock.Snapshot()[0]
	assert.Equal(t, "hive.placement", msg.Topic)

	var table publisher.PlacementTable
	require.NoError(t, encoding.Unmarshal(msg.Value, &table))
	assert.Equal(t, "membership", table.Kind)
	assert.Equal(t, cell.ID(2), table.Master)
	assert.Equal(t, cell.ID(4), table.Publisher)
	require.Len(t, table.Cells, 2)
	assert.Equal(t, "ENABLED", table.Cells[0].Status)
	assert.Equal(t, 0.25, table.Cells[0].Load)
	assert.Equal(t, "CONFIG_PUSH_FAILED", table.Cells[1].Status)
}

func TestWorker_PublishesOnVersionChange(t *testing.T) {
	hub := notify.NewHub()
	src := newTableSource()
	mock := &sink.MockSink{}
	w := newWorker(t, hub, src, mock, notify.Filter{})

	w.Start()
	defer w.Stop()
	waitKeys(t, mock, "3.7")

	// same version is not republished
	hub.Signal(notify.KindPlacement, cell.Version{Major: 3, Minor: 7})

	src.setVersion(cell.Version{Major: 3, Minor: 8})
	hub.Signal(notify.KindPlacement, cell.Version{Major: 3, Minor: 8})
	waitKeys(t, mock, "3.7", "3.8")

	src.setVersion(cell.Version{Major: 4, Minor: 0})
	hub.Signal(notify.KindMembership, cell.Version{Major: 4, Minor: 0})
	waitKeys(t, mock, "3.7", "3.8", "4.0")
}

func TestWorker_FilterKinds(t *testing.T) {
	hub := notify.NewHub()
	src := newTableSource()
	mock := &sink.MockSink{}
	w := newWorker(t, hub, src, mock, notify.Filter{Kinds: []notify.Kind{notify.KindMembership}})

	w.Start()
	defer w.Stop()
	waitKeys(t, mock, "3.7")

	src.setVersion(cell.Version{Major: 3, Minor: 8})
	hub.Signal(notify.KindPlacement, cell.Version{Major: 3, Minor: 8})
	assert.Never(t, func() bool { return len(mock.Snapshot()) > 1 }, 100*time.Millisecond, 5*time.Millisecond)

	src.setVersion(cell.Version{Major: 4, Minor: 0})
	hub.Signal(notify.KindMembership, cell.Version{Major: 4, Minor: 0})
	waitKeys(t, mock, "3.7", "4.0")
}

func TestWorker_RetriesUntilDelivered(t *testing.T) {
	hub := notify.NewHub()
	flaky := &flakySink{failures: 2}
	w := newWorker(t, hub, newTableSource(), flaky, notify.Filter{})

	w.Start()
	defer w.Stop()

	waitKeys(t, &flaky.MockSink, "3.7")
	assert.Equal(t, 3, flaky.Attempts())
}

func TestWorker_DropsAfterMaxRetries(t *testing.T) {
	hub := notify.NewHub()
	src := newTableSource()
	flaky := &flakySink{failures: 3}
	w := newWorker(t, hub, src, flaky, notify.Filter{})

	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return flaky.Attempts() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, flaky.Snapshot())

	// the dropped version is retried on the next signal
	hub.Signal(notify.KindPlacement, cell.Version{Major: 3, Minor: 7})
	waitKeys(t, &flaky.MockSink, "3.7")
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	w := newWorker(t, notify.NewHub(), newTableSource(), &sink.MockSink{}, notify.Filter{})
	w.Stop()
	w.Start()
	w.Start()
	w.Stop()
	w.Stop()
}
