// Package token acquires and renews the cluster bearer credential.
//
// The first credential is obtained through a challenge-response handshake:
// the node fetches a one-time challenge for its cluster ID and answers with
// hex(HMAC-SHA256(secret, challenge)). Renewals present the current
// credential instead.
package token

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirrornode/edgenode/internal/logging"
	"golang.org/x/sync/singleflight"
)

// ErrHandshake is returned when the control plane rejects the handshake
var ErrHandshake = errors.New("token handshake failed")

const renewLead = 10 * time.Minute

// Credential is one issued bearer credential
type Credential struct {
	Value    string
	TTL      time.Duration
	IssuedAt time.Time
}

// Config configures a Manager
type Config struct {
	ClusterID     string
	ClusterSecret string
	BaseURL       string
	UserAgent     string
	Timeout       time.Duration // Per-request bound
	RetryInterval time.Duration // Delay before retrying a failed renewal
	HTTPClient    *http.Client
}

type stopper interface {
	Stop() bool
}

// Manager caches the current credential and renews it before expiry
type Manager struct {
	cfg    Config
	client *http.Client
	logger *logging.Logger

	current atomic.Pointer[Credential]
	group   singleflight.Group

	mu     sync.Mutex
	timer  stopper
	closed bool

	afterFunc func(d time.Duration, f func()) stopper
	now       func() time.Time
}

// NewManager creates a Manager. No request is made until Token is called.
func NewManager(cfg Config, logger *logging.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Manager{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "token"),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		now: time.Now,
	}
}

// RenewalDelay returns how long after issuance a credential with the given
// TTL is renewed: ten minutes before expiry, but never before half the TTL.
func RenewalDelay(ttl time.Duration) time.Duration {
	return max(ttl-renewLead, ttl/2)
}

// Token returns the cached credential, performing the handshake on first
// use. Concurrent first callers share a single handshake.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if c := m.current.Load(); c != nil {
		return c.Value, nil
	}

	ch := m.group.DoChan("handshake", func() (interface{}, error) {
		if c := m.current.Load(); c != nil {
			return c.Value, nil
		}

		hsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Timeout)
		defer cancel()

		cred, err := m.handshake(hsCtx)
		if err != nil {
			return "", err
		}

		m.install(cred)
		return cred.Value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Current returns the cached credential without contacting the control plane
func (m *Manager) Current() (Credential, bool) {
	c := m.current.Load()
	if c == nil {
		return Credential{}, false
	}
	return *c, true
}

// Stop cancels any pending renewal
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) install(cred *Credential) {
	m.current.Store(cred)
	m.schedule(RenewalDelay(cred.TTL))
}

func (m *Manager) schedule(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = m.afterFunc(d, m.refresh)

	m.logger.Debug("Scheduled token renewal", "in", d)
}

// refresh exchanges the current credential for a new one. A failure keeps
// the current credential and retries after RetryInterval.
func (m *Manager) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	prev := m.current.Load()
	if prev == nil {
		return
	}

	var resp tokenResponse
	err := m.postJSON(ctx, "openbmclapi-agent/token", map[string]string{
		"clusterId": m.cfg.ClusterID,
		"token":     prev.Value,
	}, &resp)
	if err == nil {
		err = resp.validate()
	}
	if err != nil {
		m.logger.Error("Token renewal failed, keeping current token",
			"error", err,
			"retry_in", m.cfg.RetryInterval,
		)
		m.schedule(m.cfg.RetryInterval)
		return
	}

	m.logger.Debug("Token renewed", "ttl", resp.ttl())
	m.install(&Credential{Value: resp.Token, TTL: resp.ttl(), IssuedAt: m.now()})
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

type tokenResponse struct {
	Token string `json:"token"`
	TTL   int64  `json:"ttl"` // milliseconds
}

func (r *tokenResponse) ttl() time.Duration {
	return time.Duration(r.TTL) * time.Millisecond
}

func (r *tokenResponse) validate() error {
	if r.Token == "" {
		return fmt.Errorf("%w: empty token", ErrHandshake)
	}
	if r.TTL <= 0 {
		return fmt.Errorf("%w: invalid ttl %d", ErrHandshake, r.TTL)
	}
	return nil
}

func (m *Manager) handshake(ctx context.Context) (*Credential, error) {
	var ch challengeResponse
	q := url.Values{"clusterId": []string{m.cfg.ClusterID}}
	if err := m.getJSON(ctx, "openbmclapi-agent/challenge?"+q.Encode(), &ch); err != nil {
		return nil, fmt.Errorf("failed to fetch challenge: %w", err)
	}
	if ch.Challenge == "" {
		return nil, fmt.Errorf("%w: empty challenge", ErrHandshake)
	}

	var resp tokenResponse
	err := m.postJSON(ctx, "openbmclapi-agent/token", map[string]string{
		"clusterId": m.cfg.ClusterID,
		"challenge": ch.Challenge,
		"signature": Sign(m.cfg.ClusterSecret, ch.Challenge),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange challenge: %w", err)
	}
	if err := resp.validate(); err != nil {
		return nil, err
	}

	m.logger.Info("Token acquired", "ttl", resp.ttl())

	return &Credential{Value: resp.Token, TTL: resp.ttl(), IssuedAt: m.now()}, nil
}

// Sign answers a challenge with the cluster secret
func Sign(secret, challenge string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *Manager) endpoint(path string) string {
	return strings.TrimRight(m.cfg.BaseURL, "/") + "/" + path
}

func (m *Manager) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint(path), nil)
	if err != nil {
		return err
	}
	return m.do(req, out)
}

func (m *Manager) postJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint(path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return m.do(req, out)
}

func (m *Manager) do(req *http.Request, out interface{}) error {
	if m.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", m.cfg.UserAgent)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s %s returned %d: %s",
			ErrHandshake, req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
