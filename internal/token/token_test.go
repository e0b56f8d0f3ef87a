package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testClusterID = "cluster-1"
	testSecret    = "secret-1"
)

type fakeControlPlane struct {
	challenges atomic.Int32
	exchanges  atomic.Int32
	renewals   atomic.Int32
	ttl        atomic.Int64
	delay      time.Duration
	failRenew  atomic.Bool

	mu       sync.Mutex
	lastBody map[string]string
}

func (f *fakeControlPlane) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/openbmclapi-agent/challenge", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testClusterID, r.URL.Query().Get("clusterId"))
		f.challenges.Add(1)
		time.Sleep(f.delay)
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": "abc"})
	})
	mux.HandleFunc("/openbmclapi-agent/token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		f.mu.Lock()
		f.lastBody = body
		f.mu.Unlock()

		if body["token"] != "" {
			f.renewals.Add(1)
			if f.failRenew.Load() {
				http.Error(w, "nope", http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"token": "renewed", "ttl": f.ttl.Load()})
			return
		}

		f.exchanges.Add(1)
		if body["signature"] != Sign(testSecret, body["challenge"]) {
			http.Error(w, "bad signature", http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"token": "initial", "ttl": f.ttl.Load()})
	})
	return mux
}

type captured struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (c *captured) afterFunc(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	c.fns = append(c.fns, f)
	return time.NewTimer(time.Hour)
}

func (c *captured) last() (time.Duration, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delays[len(c.delays)-1], c.fns[len(c.fns)-1]
}

func newTestManager(t *testing.T, cp *fakeControlPlane) (*Manager, *captured) {
	t.Helper()
	srv := httptest.NewServer(cp.handler(t))
	t.Cleanup(srv.Close)

	m := NewManager(Config{
		ClusterID:     testClusterID,
		ClusterSecret: testSecret,
		BaseURL:       srv.URL,
		UserAgent:     "edgenode/test",
		RetryInterval: 30 * time.Second,
	}, logging.NewNop())

	c := &captured{}
	m.afterFunc = c.afterFunc
	t.Cleanup(m.Stop)
	return m, c
}

func TestRenewalDelay(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want time.Duration
	}{
		{time.Hour, 50 * time.Minute},
		{24 * time.Hour, 24*time.Hour - 10*time.Minute},
		{20 * time.Minute, 10 * time.Minute},
		{10 * time.Minute, 5 * time.Minute},
		{time.Minute, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RenewalDelay(tt.ttl), "ttl=%s", tt.ttl)
	}
}

func TestToken_SingleFlight(t *testing.T) {
	cp := &fakeControlPlane{delay: 50 * time.Millisecond}
	cp.ttl.Store(time.Hour.Milliseconds())
	m, _ := newTestManager(t, cp)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "initial", results[i])
	}
	assert.Equal(t, int32(1), cp.challenges.Load())
	assert.Equal(t, int32(1), cp.exchanges.Load())

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "initial", tok)
	assert.Equal(t, int32(1), cp.challenges.Load())
}

func TestToken_SchedulesRenewal(t *testing.T) {
	cp := &fakeControlPlane{}
	cp.ttl.Store(time.Hour.Milliseconds())
	m, c := newTestManager(t, cp)

	_, err := m.Token(context.Background())
	require.NoError(t, err)

	d, fire := c.last()
	assert.Equal(t, 50*time.Minute, d)

	cp.ttl.Store((30 * time.Minute).Milliseconds())
	fire()

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "renewed", tok)
	assert.Equal(t, int32(1), cp.renewals.Load())

	cp.mu.Lock()
	assert.Equal(t, "initial", cp.lastBody["token"])
	assert.Equal(t, testClusterID, cp.lastBody["clusterId"])
	cp.mu.Unlock()

	d, _ = c.last()
	assert.Equal(t, 20*time.Minute, d)
}

func TestToken_RenewalFailureKeepsCredential(t *testing.T) {
	cp := &fakeControlPlane{}
	cp.ttl.Store(time.Hour.Milliseconds())
	m, c := newTestManager(t, cp)

	_, err := m.Token(context.Background())
	require.NoError(t, err)

	cp.failRenew.Store(true)
	_, fire := c.last()
	fire()

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "initial", tok)

	d, _ := c.last()
	assert.Equal(t, 30*time.Second, d)
}

func TestToken_InitialFailurePropagates(t *testing.T) {
	cp := &fakeControlPlane{}
	cp.ttl.Store(time.Hour.Milliseconds())
	m, _ := newTestManager(t, cp)
	m.cfg.ClusterSecret = "wrong"

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshake)

	_, ok := m.Current()
	assert.False(t, ok)
}

func TestSign(t *testing.T) {
	// hex(hmac_sha256("key", "The quick brown fox jumps over the lazy dog"))
	assert.Equal(t,
		"f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8",
		Sign("key", "The quick brown fox jumps over the lazy dog"))
}
