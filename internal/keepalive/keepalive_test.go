package keepalive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrornode/edgenode/internal/channel"
	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/mirrornode/edgenode/internal/models"
	"github.com/mirrornode/edgenode/internal/queue"
)

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) stopper {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{d: d, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// fire runs the most recently scheduled live timer
func (f *fakeTimers) fire(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	var next *fakeTimer
	for i := len(f.timers) - 1; i >= 0; i-- {
		if !f.timers[i].stopped {
			next = f.timers[i]
			next.stopped = true
			break
		}
	}
	f.mu.Unlock()
	require.NotNil(t, next, "no cycle scheduled")
	next.fn()
}

func (f *fakeTimers) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type recorder struct {
	mu      sync.Mutex
	results []string
}

func (r *recorder) RecordKeepalive(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

type harness struct {
	monitor  *Monitor
	ch       *channel.Memory
	counters *models.Counters
	timers   *fakeTimers
	restarts atomic.Int32
	rec      *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ch:       channel.NewMemory(),
		counters: &models.Counters{},
		timers:   &fakeTimers{},
		rec:      &recorder{},
	}
	require.NoError(t, h.ch.Connect(context.Background()))

	h.monitor = New(Config{
		ClusterID:   "c1",
		Interval:    time.Minute,
		Timeout:     time.Second,
		MaxFailures: 3,
	}, h.ch, h.counters, func() { h.restarts.Add(1) }, logging.NewNop())
	h.monitor.afterFunc = h.timers.afterFunc
	h.monitor.SetRecorder(h.rec)
	return h
}

func (h *harness) replyServerTime() {
	h.ch.Reply(channel.EventKeepAlive, nil, time.Now())
}

func (h *harness) fail() {
	h.ch.Handle(channel.EventKeepAlive, func(context.Context, json.RawMessage) ([]byte, error) {
		return nil, errors.New("connection reset")
	})
}

func TestMonitor_ThreeFailuresTriggerOneRestart(t *testing.T) {
	h := newHarness(t)
	h.fail()
	h.monitor.Start()

	h.timers.fire(t)
	h.timers.fire(t)
	assert.Equal(t, int32(0), h.restarts.Load())
	assert.Equal(t, 2, h.monitor.Failures())

	h.timers.fire(t)
	assert.Equal(t, int32(1), h.restarts.Load())
	assert.Equal(t, 0, h.monitor.Failures())

	// The loop keeps running after a restart that did not replace it
	assert.Equal(t, 1, h.timers.live())
	h.timers.fire(t)
	assert.Equal(t, int32(1), h.restarts.Load())
	assert.Equal(t, []string{ResultError, ResultError, ResultError, ResultError}, h.rec.results)
}

func TestMonitor_SuccessResetsFailures(t *testing.T) {
	h := newHarness(t)
	h.fail()
	h.monitor.Start()

	h.timers.fire(t)
	h.timers.fire(t)
	require.Equal(t, 2, h.monitor.Failures())

	h.replyServerTime()
	h.timers.fire(t)
	assert.Equal(t, 0, h.monitor.Failures())

	h.fail()
	h.timers.fire(t)
	h.timers.fire(t)
	assert.Equal(t, int32(0), h.restarts.Load())
}

func TestMonitor_RemoteErrorCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	h.ch.Reply(channel.EventKeepAlive, errors.New("overloaded"), nil)
	h.monitor.Start()

	h.timers.fire(t)
	assert.Equal(t, 1, h.monitor.Failures())
	assert.Equal(t, int32(0), h.restarts.Load())
}

func TestMonitor_FalsyReplyRestartsImmediately(t *testing.T) {
	h := newHarness(t)
	h.counters.Add(5, 500)
	h.ch.Reply(channel.EventKeepAlive, nil, false)
	h.monitor.Start()

	h.timers.fire(t)
	assert.Equal(t, int32(1), h.restarts.Load())
	assert.Equal(t, []string{ResultKicked}, h.rec.results)

	// Nothing was acknowledged, so nothing is subtracted
	snap := h.counters.Snapshot()
	assert.Equal(t, int64(5), snap.Hits)
	assert.Equal(t, int64(500), snap.Bytes)
}

func TestMonitor_SuccessSubtractsReportedCounters(t *testing.T) {
	h := newHarness(t)
	h.counters.Add(3, 3000)

	var sent models.KeepaliveRequest
	h.ch.Handle(channel.EventKeepAlive, func(_ context.Context, payload json.RawMessage) ([]byte, error) {
		if err := json.Unmarshal(payload, &sent); err != nil {
			return nil, err
		}
		// Delivered while the report is in flight
		h.counters.Add(1, 10)
		return channel.EncodeAck(nil, time.Now())
	})
	h.monitor.Start()
	h.timers.fire(t)

	assert.Equal(t, int64(3), sent.Hits)
	assert.Equal(t, int64(3000), sent.Bytes)

	snap := h.counters.Snapshot()
	assert.Equal(t, int64(1), snap.Hits)
	assert.Equal(t, int64(10), snap.Bytes)
	assert.Equal(t, []string{ResultOK}, h.rec.results)
}

func TestMonitor_PublishesUsageReport(t *testing.T) {
	h := newHarness(t)
	pub := queue.NewMemoryPublisher()
	h.monitor.SetPublisher(pub)
	h.counters.Add(2, 2048)
	h.replyServerTime()

	h.monitor.Start()
	h.timers.fire(t)

	select {
	case data := <-pub.Messages(queue.UsageSubject("c1")):
		var report models.UsageReport
		require.NoError(t, json.Unmarshal(data, &report))
		assert.Equal(t, "c1", report.ClusterID)
		assert.Equal(t, int64(2), report.Hits)
		assert.Equal(t, int64(2048), report.Bytes)
	default:
		t.Fatal("expected a usage report")
	}
}

func TestMonitor_PublishFailureDoesNotAffectOutcome(t *testing.T) {
	h := newHarness(t)
	pub := queue.NewMemoryPublisher()
	_ = pub.Close()
	h.monitor.SetPublisher(pub)
	h.replyServerTime()

	h.monitor.Start()
	h.timers.fire(t)

	assert.Equal(t, []string{ResultOK}, h.rec.results)
	assert.Equal(t, 1, h.timers.live())
}

func TestMonitor_TimeoutIsFailure(t *testing.T) {
	h := newHarness(t)
	h.monitor.cfg.Timeout = 20 * time.Millisecond
	h.ch.Handle(channel.EventKeepAlive, func(ctx context.Context, _ json.RawMessage) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.monitor.Start()

	h.timers.fire(t)
	assert.Equal(t, 1, h.monitor.Failures())
}

func TestMonitor_StopDiscardsInFlightCycle(t *testing.T) {
	h := newHarness(t)
	h.ch.Handle(channel.EventKeepAlive, func(context.Context, json.RawMessage) ([]byte, error) {
		h.monitor.Stop()
		return nil, errors.New("late failure")
	})
	h.monitor.Start()

	h.timers.fire(t)
	assert.Equal(t, 0, h.monitor.Failures())
	assert.Equal(t, 0, h.timers.live())
	assert.Empty(t, h.rec.results)
	assert.False(t, h.monitor.Running())
}

func TestMonitor_RestartReplacesLoop(t *testing.T) {
	h := newHarness(t)
	h.ch.Reply(channel.EventKeepAlive, nil, false)
	h.monitor.restart = func() {
		h.restarts.Add(1)
		h.monitor.Stop()
		h.monitor.Start()
	}
	h.monitor.Start()

	h.timers.fire(t)
	assert.Equal(t, int32(1), h.restarts.Load())
	// Only the loop started by the restart is scheduled
	assert.Equal(t, 1, h.timers.live())
}

func TestMonitor_StartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.monitor.Start()
	h.monitor.Start()
	assert.Equal(t, 1, h.timers.live())

	h.monitor.Stop()
	h.monitor.Stop()
	assert.Equal(t, 0, h.timers.live())

	for _, tm := range h.timers.timers {
		assert.Equal(t, time.Minute, tm.d)
	}
}
