// Package cluster drives the node's membership in the mirror mesh: it owns
// the control channel, the enable/disable lifecycle and content sync.
package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/mirrornode/edgenode/internal/channel"
	"github.com/mirrornode/edgenode/internal/keepalive"
	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/mirrornode/edgenode/internal/models"
	"github.com/mirrornode/edgenode/internal/queue"
	"github.com/mirrornode/edgenode/internal/storage"
)

// ErrRegistration is returned when the control plane rejects enable
var ErrRegistration = errors.New("registration rejected")

// Source is the control plane's REST surface used by the agent
type Source interface {
	GetFileList(ctx context.Context) (*models.FileList, error)
	GetConfiguration(ctx context.Context) (*models.AgentConfiguration, error)
	Download(ctx context.Context, file models.FileRecord) ([]byte, error)
}

// Recorder observes agent state. *metrics.Metrics satisfies it.
type Recorder interface {
	SetChannelState(v int)
	SetRegistrationState(v int)
	RecordRestart()
	RecordKeepalive(result string)
	RecordSync(files int, bytes int64)
	RecordGC()
	SetIndexedFiles(n int)
}

// Config configures an Agent
type Config struct {
	ClusterID    string
	Host         string
	Port         int // Announced port
	Version      string
	BYOC         bool
	NoFastEnable bool
	Flavor       string // Runtime flavor; defaults to the Go version
	StorageType  string

	EnableTimeout  time.Duration
	RPCTimeout     time.Duration
	RestartTimeout time.Duration

	// ReenableInterval spaces re-enable attempts after a reconnect while
	// the node should be registered. Defaults to the keepalive interval.
	ReenableInterval time.Duration

	Keepalive keepalive.Config

	SyncConcurrency int
	Progress        bool
}

// Deps are the collaborators an Agent composes
type Deps struct {
	Channel  channel.Channel
	Storage  storage.Engine
	Source   Source
	Counters *models.Counters
	Index    *models.FileIndex
	Recorder Recorder        // optional
	Usage    queue.Publisher // optional
	Fatal    func(error)     // called on unrecoverable failures; must not return to the caller's loop
}

// Agent is the node's lifecycle state machine. Connect, Enable, Disable and
// Restart are serialized; transport events are applied by Run.
type Agent struct {
	cfg      Config
	ch       channel.Channel
	storage  storage.Engine
	source   Source
	counters *models.Counters
	index    *models.FileIndex
	recorder Recorder
	fatal    func(error)
	logger   *logging.Logger

	keepalive *keepalive.Monitor

	opMu sync.Mutex

	mu             sync.Mutex
	channelState   ChannelState
	registration   RegistrationState
	desiredEnabled bool
	opened         bool
	shuttingDown   bool
	reenabling     bool
}

// New creates an Agent
func New(cfg Config, deps Deps, logger *logging.Logger) *Agent {
	if cfg.EnableTimeout <= 0 {
		cfg.EnableTimeout = 5 * time.Minute
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 30 * time.Second
	}
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = 10 * time.Minute
	}
	if cfg.ReenableInterval <= 0 {
		cfg.ReenableInterval = cfg.Keepalive.Interval
	}
	if cfg.ReenableInterval <= 0 {
		cfg.ReenableInterval = time.Minute
	}
	if cfg.SyncConcurrency < 1 {
		cfg.SyncConcurrency = 10
	}
	if cfg.Flavor == "" {
		cfg.Flavor = "go/" + runtime.Version()
	}
	if deps.Counters == nil {
		deps.Counters = &models.Counters{}
	}
	if deps.Index == nil {
		deps.Index = models.NewFileIndex()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}

	a := &Agent{
		cfg:      cfg,
		ch:       deps.Channel,
		storage:  deps.Storage,
		source:   deps.Source,
		counters: deps.Counters,
		index:    deps.Index,
		recorder: deps.Recorder,
		fatal:    deps.Fatal,
		logger:   logger.With("component", "cluster"),
	}
	if a.fatal == nil {
		a.fatal = func(err error) { a.logger.Fatal("Unrecoverable control channel failure", "error", err) }
	}

	kcfg := cfg.Keepalive
	kcfg.ClusterID = cfg.ClusterID
	a.keepalive = keepalive.New(kcfg, a.ch, a.counters, a.restartFromKeepalive, logger.With("component", "keepalive"))
	a.keepalive.SetRecorder(a.recorder)
	if deps.Usage != nil {
		a.keepalive.SetPublisher(deps.Usage)
	}

	return a
}

// Counters returns the shared delivery counters
func (a *Agent) Counters() *models.Counters {
	return a.counters
}

// Index returns the index of files installed by the last reconcile
func (a *Agent) Index() *models.FileIndex {
	return a.index
}

// Status returns the current state
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Channel:        a.channelState,
		Registration:   a.registration,
		DesiredEnabled: a.desiredEnabled,
	}
}

// Connect opens the control channel. It is a no-op while connected.
func (a *Agent) Connect(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	return a.connectLocked(ctx)
}

func (a *Agent) connectLocked(ctx context.Context) error {
	a.mu.Lock()
	if a.channelState == ChannelConnected && a.ch.Connected() {
		a.mu.Unlock()
		return nil
	}
	a.setChannelLocked(ChannelConnecting)
	a.mu.Unlock()

	if err := a.ch.Connect(ctx); err != nil {
		a.mu.Lock()
		a.setChannelLocked(ChannelDisconnected)
		a.mu.Unlock()
		return fmt.Errorf("failed to open control channel: %w", err)
	}

	a.mu.Lock()
	a.opened = true
	a.setChannelLocked(ChannelConnected)
	a.mu.Unlock()

	a.logger.Info("Control channel connected")
	return nil
}

// Enable registers the node. It is a no-op while enabled. On failure the
// registration state is left as it was.
func (a *Agent) Enable(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	return a.enableLocked(ctx)
}

func (a *Agent) enableLocked(ctx context.Context) error {
	a.mu.Lock()
	if a.registration == RegistrationEnabled {
		a.mu.Unlock()
		return nil
	}
	prev := a.registration
	a.setRegistrationLocked(RegistrationEnabling)
	a.mu.Unlock()

	if err := a.register(ctx); err != nil {
		a.mu.Lock()
		a.setRegistrationLocked(prev)
		a.mu.Unlock()
		return err
	}

	a.mu.Lock()
	a.setRegistrationLocked(RegistrationEnabled)
	a.desiredEnabled = true
	a.mu.Unlock()

	a.keepalive.Start()
	a.logger.Info("Node enabled", "port", a.cfg.Port, "version", a.cfg.Version)
	return nil
}

func (a *Agent) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.EnableTimeout)
	defer cancel()

	ack, err := a.ch.Emit(ctx, channel.EventEnable, a.enableRequest())
	if err != nil {
		return fmt.Errorf("registration request failed: %w", err)
	}
	if err := ack.Result(); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	if !bytes.Equal(bytes.TrimSpace(ack.Data), []byte("true")) {
		return fmt.Errorf("%w: not acknowledged", ErrRegistration)
	}
	return nil
}

func (a *Agent) enableRequest() models.EnableRequest {
	return models.EnableRequest{
		Host:         a.cfg.Host,
		Port:         a.cfg.Port,
		Version:      a.cfg.Version,
		BYOC:         a.cfg.BYOC,
		NoFastEnable: a.cfg.NoFastEnable,
		Flavor: models.EnableFlavor{
			Runtime: a.cfg.Flavor,
			Storage: a.cfg.StorageType,
		},
	}
}

// Disable deregisters the node and closes the channel once the control
// plane acknowledges. It is a no-op if the channel was never opened.
func (a *Agent) Disable(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	return a.disableLocked(ctx)
}

func (a *Agent) disableLocked(ctx context.Context) error {
	a.mu.Lock()
	if !a.opened {
		a.mu.Unlock()
		return nil
	}
	a.desiredEnabled = false
	a.mu.Unlock()

	a.keepalive.Stop()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	defer cancel()

	ack, err := a.ch.Emit(ctx, channel.EventDisable, nil)

	a.mu.Lock()
	a.setRegistrationLocked(RegistrationDisabled)
	a.mu.Unlock()

	if err != nil {
		return fmt.Errorf("disable request failed: %w", err)
	}
	if err := ack.Result(); err != nil {
		return fmt.Errorf("disable rejected: %w", err)
	}
	if !ack.Truthy() {
		return errors.New("disable was not acknowledged")
	}

	a.closeChannel()
	a.logger.Info("Node disabled")
	return nil
}

// Shutdown deregisters the node and prevents any further restart
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.shuttingDown = true
	a.mu.Unlock()
	return a.Disable(ctx)
}

// RequestCertificate asks the control plane for a TLS certificate
func (a *Agent) RequestCertificate(ctx context.Context) (*models.CertPair, error) {
	if !a.ch.Connected() {
		return nil, fmt.Errorf("certificate request failed: %w", channel.ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	defer cancel()

	ack, err := a.ch.Emit(ctx, channel.EventRequestCert, nil)
	if err != nil {
		return nil, fmt.Errorf("certificate request failed: %w", err)
	}
	if err := ack.Result(); err != nil {
		return nil, fmt.Errorf("certificate request rejected: %w", err)
	}

	var pair models.CertPair
	if err := ack.Decode(&pair); err != nil {
		return nil, fmt.Errorf("invalid certificate reply: %w", err)
	}
	if err := pair.Validate(); err != nil {
		return nil, err
	}
	return &pair, nil
}

// Restart runs disable, connect and enable under one timeout. A failed
// disable is logged and the channel is closed regardless.
func (a *Agent) Restart(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	stopping := a.shuttingDown
	a.mu.Unlock()
	if stopping {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RestartTimeout)
	defer cancel()

	a.recorder.RecordRestart()
	a.logger.Warn("Restarting node registration")

	if err := a.disableLocked(ctx); err != nil {
		a.logger.Warn("Disable failed during restart", "error", err)
		a.closeChannel()
	}
	if err := a.connectLocked(ctx); err != nil {
		return err
	}
	if err := a.enableLocked(ctx); err != nil {
		return err
	}

	a.logger.Info("Node registration restarted")
	return nil
}

func (a *Agent) restartFromKeepalive() {
	if err := a.Restart(context.Background()); err != nil {
		a.fail(fmt.Errorf("restart failed: %w", err))
	}
}

// Run applies transport events until ctx is done
func (a *Agent) Run(ctx context.Context) error {
	events := a.ch.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *Agent) handle(ctx context.Context, ev channel.Event) {
	switch ev.Type {
	case channel.EventConnect:
		a.logger.Debug("Control channel connect event")

	case channel.EventDisconnect:
		a.logger.Warn("Disconnected from control plane", "reason", ev.Err)
		a.mu.Lock()
		a.setChannelLocked(ChannelDisconnected)
		a.setRegistrationLocked(RegistrationDisabled)
		a.mu.Unlock()
		a.keepalive.Stop()

	case channel.EventReconnect:
		a.logger.Info("Control channel recovered", "attempt", ev.Attempt)
		a.mu.Lock()
		a.setChannelLocked(ChannelConnected)
		start := a.desiredEnabled && !a.shuttingDown && !a.reenabling
		if start {
			a.reenabling = true
		}
		a.mu.Unlock()

		if start {
			go a.reenable(ctx)
		}

	case channel.EventReconnectError:
		a.logger.Error("Control channel reconnect attempt failed", "error", ev.Err)

	case channel.EventError, channel.EventReconnectFailed:
		a.fail(fmt.Errorf("%s: cannot connect to control plane: %w", ev.Type, ev.Err))
	}
}

// reenable retries Enable every ReenableInterval until the node is
// registered, registration is no longer wanted, or the channel drops again.
// Failures are logged; the next reconnect starts a new loop.
func (a *Agent) reenable(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		tried, err := a.tryReenable(ctx)
		if !tried {
			return
		}
		if err == nil {
			a.logger.Info("Re-enabled after reconnect", "attempt", attempt)
			continue
		}
		a.logger.Error("Failed to re-enable after reconnect",
			"attempt", attempt, "retry_in", a.cfg.ReenableInterval, "error", err)

		timer := time.NewTimer(a.cfg.ReenableInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.mu.Lock()
			a.reenabling = false
			a.mu.Unlock()
			return
		case <-timer.C:
		}
	}
}

// tryReenable runs one Enable, checking under the operation lock that it
// is still wanted so it cannot overtake a Disable or Shutdown
func (a *Agent) tryReenable(ctx context.Context) (bool, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if !a.shouldReenable() {
		return false, nil
	}
	return true, a.enableLocked(ctx)
}

// shouldReenable reports whether another attempt is due and clears the
// loop flag when it is not
func (a *Agent) shouldReenable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ok := a.desiredEnabled && !a.shuttingDown &&
		a.channelState == ChannelConnected &&
		a.registration != RegistrationEnabled
	if !ok {
		a.reenabling = false
	}
	return ok
}

// fail closes the channel and hands err to the fatal hook
func (a *Agent) fail(err error) {
	a.logger.Error("Control channel failure", "error", err)
	a.keepalive.Stop()
	a.closeChannel()
	a.fatal(err)
}

func (a *Agent) closeChannel() {
	if err := a.ch.Close(); err != nil {
		a.logger.Warn("Failed to close control channel", "error", err)
	}
	a.mu.Lock()
	a.opened = false
	a.setChannelLocked(ChannelDisconnected)
	a.mu.Unlock()
}

func (a *Agent) setChannelLocked(s ChannelState) {
	a.channelState = s
	a.recorder.SetChannelState(int(s))
}

func (a *Agent) setRegistrationLocked(s RegistrationState) {
	a.registration = s
	a.recorder.SetRegistrationState(int(s))
}

type nopRecorder struct{}

func (nopRecorder) SetChannelState(int)      {}
func (nopRecorder) SetRegistrationState(int) {}
func (nopRecorder) RecordRestart()           {}
func (nopRecorder) RecordKeepalive(string)   {}
func (nopRecorder) RecordSync(int, int64)    {}
func (nopRecorder) RecordGC()                {}
func (nopRecorder) SetIndexedFiles(int)      {}
