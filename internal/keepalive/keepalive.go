// Package keepalive reports liveness and usage to the control plane on a
// fixed interval and escalates to a restart when the reports stop landing.
package keepalive

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mirrornode/edgenode/internal/channel"
	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/mirrornode/edgenode/internal/models"
	"github.com/mirrornode/edgenode/internal/queue"
)

// Keepalive outcomes passed to Recorder
const (
	ResultOK     = "ok"
	ResultError  = "error"
	ResultKicked = "kicked"
)

// Emitter sends a message over the control channel
type Emitter interface {
	Emit(ctx context.Context, event string, payload interface{}) (*channel.Ack, error)
}

// Recorder observes keepalive outcomes
type Recorder interface {
	RecordKeepalive(result string)
}

// Config configures a Monitor
type Config struct {
	ClusterID   string
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
}

type stopper interface {
	Stop() bool
}

// Monitor runs the keepalive loop. A cycle is scheduled only after the
// previous one settled, so cycles never overlap.
type Monitor struct {
	cfg      Config
	ch       Emitter
	counters *models.Counters
	restart  func()
	logger   *logging.Logger

	publisher queue.Publisher
	recorder  Recorder

	mu       sync.Mutex
	gen      uint64
	running  bool
	failures int
	timer    stopper

	afterFunc func(time.Duration, func()) stopper
	now       func() time.Time
}

// New creates a stopped Monitor. restart is invoked synchronously from the
// loop and is expected to Stop and Start the monitor again.
func New(cfg Config, ch Emitter, counters *models.Counters, restart func(), logger *logging.Logger) *Monitor {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 3
	}
	return &Monitor{
		cfg:       cfg,
		ch:        ch,
		counters:  counters,
		restart:   restart,
		logger:    logger,
		publisher: queue.Nop(),
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
		now:       time.Now,
	}
}

// SetPublisher routes usage reports to p after every successful cycle
func (m *Monitor) SetPublisher(p queue.Publisher) {
	m.publisher = p
}

// SetRecorder installs an outcome observer
func (m *Monitor) SetRecorder(r Recorder) {
	m.recorder = r
}

// Start schedules the first cycle. It is a no-op while running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.gen++
	m.failures = 0
	m.scheduleLocked(m.gen)

	m.logger.Debug("Keepalive started", "interval", m.cfg.Interval)
}

// Stop cancels the pending cycle. A cycle already in flight completes but
// its outcome is discarded.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	m.logger.Debug("Keepalive stopped")
}

// Running reports whether the loop is scheduled
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Failures returns the consecutive failure count
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Monitor) scheduleLocked(gen uint64) {
	m.timer = m.afterFunc(m.cfg.Interval, func() { m.cycle(gen) })
}

func (m *Monitor) cycle(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	snap := m.counters.Snapshot()
	sentAt := m.now()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	ack, err := m.ch.Emit(ctx, channel.EventKeepAlive, models.KeepaliveRequest{
		Time:  sentAt,
		Hits:  snap.Hits,
		Bytes: snap.Bytes,
	})
	cancel()
	if err == nil {
		err = ack.Result()
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	var result string
	restart := false
	switch {
	case err != nil:
		result = ResultError
		m.failures++
		m.logger.Warn("Keepalive failed", "error", err, "failures", m.failures)
		if m.failures >= m.cfg.MaxFailures {
			m.failures = 0
			restart = true
		}
	case !ack.Truthy():
		result = ResultKicked
		restart = true
		m.logger.Error("Kicked by control plane")
	default:
		result = ResultOK
		m.failures = 0
		m.counters.Subtract(snap)
	}
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordKeepalive(result)
	}

	if result == ResultOK {
		m.logger.Info("Keepalive succeeded",
			"hits", humanize.Comma(snap.Hits),
			"served", humanize.IBytes(uint64(snap.Bytes)))
		m.report(sentAt, snap)
	}

	if restart {
		m.logger.Warn("Restarting cluster registration")
		m.restart()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen && m.running {
		m.scheduleLocked(gen)
	}
}

func (m *Monitor) report(at time.Time, snap models.CounterSnapshot) {
	data, err := json.Marshal(models.UsageReport{
		ClusterID: m.cfg.ClusterID,
		Time:      at,
		Hits:      snap.Hits,
		Bytes:     snap.Bytes,
	})
	if err != nil {
		m.logger.Warn("Failed to encode usage report", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()
	if err := m.publisher.Publish(ctx, queue.UsageSubject(m.cfg.ClusterID), data); err != nil {
		m.logger.Warn("Failed to publish usage report", "error", err)
	}
}
