package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/notify"
	"github.com/maxpert/hive/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on one table
	DefaultMaxRetries = 10
)

// WorkerConfig configures a placement publisher worker
type WorkerConfig struct {
	Name            string        // Sink name
	Hub             *notify.Hub   // Version signals
	Source          Source        // Table source
	Sink            Sink          // Destination sink
	Transformer     Transformer   // Table encoder
	Filter          notify.Filter // Signal kinds to publish on
	Topic           string        // Topic or subject
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum retry attempts per table
}

// Worker publishes the placement table to one sink whenever the version moves
type Worker struct {
	config      WorkerConfig
	last        cell.Version // Last delivered version
	delivered   bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a new placement publisher worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("notification hub is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("table source is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start subscribes to the hub and publishes the current table
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	signals, cancel := w.config.Hub.Subscribe(w.config.Filter)

	log.Info().
		Str("worker", w.config.Name).
		Str("topic", w.config.Topic).
		Msg("Starting placement publisher worker")

	go w.loop(signals, cancel)
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping placement publisher worker")

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Placement publisher worker stopped")
}

func (w *Worker) loop(signals <-chan notify.Signal, cancel func()) {
	defer close(w.doneCh)
	defer cancel()

	w.publish(notify.KindMembership)

	for {
		select {
		case <-w.stopCh:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			w.publish(coalesce(signals, sig).Kind)
		}
	}
}

// coalesce drains queued signals. Tables are snapshots, so only the newest
// matters; a membership change anywhere in the burst wins over placement.
func coalesce(signals <-chan notify.Signal, sig notify.Signal) notify.Signal {
	for {
		select {
		case next, ok := <-signals:
			if !ok {
				return sig
			}
			if next.Kind == notify.KindMembership {
				sig.Kind = notify.KindMembership
			}
			if newer(next.Version, sig.Version) {
				sig.Version = next.Version
			}
		default:
			return sig
		}
	}
}

func newer(a, b cell.Version) bool {
	if a.Major != b.Major {
		return a.Major > b.Major
	}
	return a.Minor > b.Minor
}

// publish snapshots the source and hands the table to the sink
func (w *Worker) publish(kind notify.Kind) {
	table := BuildTable(w.config.Source, kind)
	version := table.Version()

	if w.delivered && !newer(version, w.last) {
		// Majors can be adopted from a lower master; still publish those
		if version == w.last {
			return
		}
		log.Debug().Str("worker", w.config.Name).Stringer("version", version).Stringer("last", w.last).Msg("Publishing older version after major adoption")
	}

	data, err := w.config.Transformer.Transform(table)
	if err != nil {
		telemetry.PublishedUpdatesTotal.With(w.config.Name, "error").Inc()
		log.Error().Err(err).Str("worker", w.config.Name).Msg("Failed to encode placement table")
		return
	}

	if err := w.publishWithRetry(w.config.Topic, version.String(), data); err != nil {
		telemetry.PublishedUpdatesTotal.With(w.config.Name, "error").Inc()
		log.Error().Err(err).Str("worker", w.config.Name).Stringer("version", version).Msg("Dropping placement table")
		return
	}

	w.last = version
	w.delivered = true
	telemetry.PublishedUpdatesTotal.With(w.config.Name, "ok").Inc()
	log.Debug().Str("worker", w.config.Name).Stringer("version", version).Str("kind", table.Kind).Msg("Published placement table")
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++

		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish placement table, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
