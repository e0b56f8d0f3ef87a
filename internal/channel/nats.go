package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/nats-io/nats.go"
)

// TokenFunc returns the credential presented on every connection attempt
type TokenFunc func(ctx context.Context) (string, error)

// NATSConfig configures a NATS control channel
type NATSConfig struct {
	URL           string
	Subject       string // Subject prefix; messages go to <Subject>.<ClusterID>.<event>
	ClusterID     string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration // Applied to Emit when ctx has no deadline
	Token         TokenFunc
}

// NATS is a Channel over NATS request/reply
type NATS struct {
	cfg    NATSConfig
	logger *logging.Logger

	mu   sync.Mutex
	conn *nats.Conn

	events  chan Event
	closing atomic.Bool
}

// NewNATS creates a NATS channel. No connection is made until Connect.
func NewNATS(cfg NATSConfig, logger *logging.Logger) *NATS {
	if cfg.Subject == "" {
		cfg.Subject = "cluster"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &NATS{
		cfg:    cfg,
		logger: logger.With("component", "channel"),
		events: make(chan Event, 64),
	}
}

// Connect opens the NATS connection
func (n *NATS) Connect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil && !n.conn.IsClosed() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n.closing.Store(false)

	opts := []nats.Option{
		nats.Name(n.cfg.Name),
		nats.MaxReconnects(n.cfg.MaxReconnects),
		nats.ReconnectWait(n.cfg.ReconnectWait),
		nats.DisconnectErrHandler(n.onDisconnect),
		nats.ReconnectHandler(n.onReconnect),
		nats.ClosedHandler(n.onClosed),
		nats.ErrorHandler(n.onAsyncError),
	}
	if n.cfg.Token != nil {
		opts = append(opts, nats.TokenHandler(n.token))
	}

	conn, err := nats.Connect(n.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to control plane: %w", err)
	}
	n.conn = conn

	n.logger.Debug("Control channel connected", "url", conn.ConnectedUrlRedacted())
	n.emit(Event{Type: EventConnect})

	return nil
}

// Emit publishes a request to <prefix>.<clusterId>.<event> and decodes the reply
func (n *NATS) Emit(ctx context.Context, event string, payload interface{}) (*Ack, error) {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()

	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}

	msg, err := conn.RequestWithContext(ctx, n.subject(event), data)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", event, err)
	}

	return DecodeAck(msg.Data)
}

// Events returns the notification stream
func (n *NATS) Events() <-chan Event {
	return n.events
}

// Connected reports whether the connection is up
func (n *NATS) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil && n.conn.IsConnected()
}

// Close closes the connection without emitting reconnect_failed
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		return nil
	}
	n.closing.Store(true)
	n.conn.Close()
	n.conn = nil
	return nil
}

func (n *NATS) subject(event string) string {
	return n.cfg.Subject + "." + n.cfg.ClusterID + "." + event
}

func (n *NATS) token() string {
	tok, err := n.cfg.Token(context.Background())
	if err != nil {
		n.logger.Error("Failed to obtain token for control channel", "error", err)
		n.emit(Event{Type: EventError, Err: fmt.Errorf("token: %w", err)})
		return ""
	}
	return tok
}

// stale reports whether nc is a connection this channel already let go of
func (n *NATS) stale(nc *nats.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nc
}

func (n *NATS) onDisconnect(nc *nats.Conn, err error) {
	if n.closing.Load() || n.stale(nc) {
		return
	}
	n.emit(Event{Type: EventDisconnect, Err: err})
}

func (n *NATS) onReconnect(nc *nats.Conn) {
	if n.stale(nc) {
		return
	}
	n.emit(Event{Type: EventReconnect, Attempt: int(nc.Stats().Reconnects)})
}

func (n *NATS) onClosed(nc *nats.Conn) {
	if n.closing.Load() || n.stale(nc) {
		return
	}
	n.emit(Event{Type: EventReconnectFailed, Err: errors.New("reconnect attempts exhausted")})
}

// onAsyncError forwards authentication failures, which no reconnect can
// fix. Other asynchronous errors are only logged.
func (n *NATS) onAsyncError(_ *nats.Conn, _ *nats.Subscription, err error) {
	if isAuthError(err) {
		n.emit(Event{Type: EventError, Err: err})
		return
	}
	n.logger.Warn("Control channel error", "error", err)
}

func isAuthError(err error) bool {
	return errors.Is(err, nats.ErrAuthorization) ||
		errors.Is(err, nats.ErrAuthExpired) ||
		errors.Is(err, nats.ErrAuthRevoked)
}

func (n *NATS) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.logger.Warn("Dropped control channel event", "event", ev.Type.String())
	}
}
