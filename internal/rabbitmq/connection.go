package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultMaxReconnectAttempts is the failure count at which reconnection stops
	DefaultMaxReconnectAttempts = 5
	// DefaultReconnectInterval is the fixed wait between reconnection attempts
	DefaultReconnectInterval = 3 * time.Second

	// operations that keep hitting a closed channel give up after this many runs
	maxOperationRuns = 3
)

// State is the connection manager lifecycle state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
	OnChannelRecovered()
}

// Recoverer replays client state onto a freshly opened channel.
type Recoverer interface {
	Recover(ch Channel) error
}

// ConnectionManager owns the single broker connection and the single channel
// multiplexed over it. It recovers a failed channel in place, re-dials a
// failed connection with a bounded fixed-interval loop, and replays the
// registered Recoverers after each recovery.
type ConnectionManager struct {
	url                  string
	dial                 Dialer
	amqpConfig           amqp.Config
	reconnectInterval    time.Duration
	maxReconnectAttempts int
	logger               *slog.Logger
	metrics              MetricsRecorder

	mu       sync.Mutex
	state    State
	conn     Connection
	ch       Channel
	attempts int
	terminal error
	// gen changes whenever conn is replaced or torn down; watchers of an
	// older generation ignore their notifications.
	gen      uint64
	changed  chan struct{}
	lifetime context.Context
	stop     context.CancelFunc
	// closed is set by Close and never cleared.
	closed bool

	// opMu serializes every operation on the channel with recovery replay.
	opMu       sync.Mutex
	recoverers []Recoverer

	flow *flowGate

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectInterval sets the fixed wait between reconnection attempts
func WithReconnectInterval(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectInterval = interval
	}
}

// WithMaxReconnectAttempts sets the failure count at which reconnection stops
func WithMaxReconnectAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxReconnectAttempts = attempts
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithAMQPConfig sets the config passed to the dialer
func WithAMQPConfig(config amqp.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.amqpConfig = config
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(metrics MetricsRecorder) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = metrics
	}
}

// NewConnectionManager creates a new connection manager. No connection is
// made until Connect or the first operation.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:                  url,
		dial:                 DialAMQP,
		reconnectInterval:    DefaultReconnectInterval,
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
		logger:               slog.Default(),
		metrics:              noopMetrics{},
		changed:              make(chan struct{}),
		flow:                 newFlowGate(),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.maxReconnectAttempts < 1 {
		cm.maxReconnectAttempts = 1
	}
	return cm
}

// AddRecoverer registers hooks replayed, in order, on every new channel.
func (cm *ConnectionManager) AddRecoverer(recoverers ...Recoverer) {
	cm.opMu.Lock()
	defer cm.opMu.Unlock()
	cm.recoverers = append(cm.recoverers, recoverers...)
}

// State returns the current lifecycle state
func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Attempts returns the consecutive connection failure count
func (cm *ConnectionManager) Attempts() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.attempts
}

// Err returns the terminal error once reconnection was given up.
func (cm *ConnectionManager) Err() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.terminal
}

// Connect establishes the connection and channel. It returns immediately when
// both are live, and waits for an in-progress (re)connection otherwise. A
// failed dial enters the bounded reconnect loop; once the attempt ceiling is
// reached the terminal error is returned. A closed manager returns
// ErrClientClosed.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	waited := false
	for {
		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return ErrClientClosed
		}
		switch cm.state {
		case StateConnected:
			cm.mu.Unlock()
			return nil
		case StateConnecting:
			changed := cm.changed
			cm.mu.Unlock()
			waited = true
			if err := waitChange(ctx, changed); err != nil {
				return err
			}
			continue
		}

		// someone else's attempt just gave up
		if waited && cm.terminal != nil {
			err := cm.terminal
			cm.mu.Unlock()
			return err
		}

		cm.terminal = nil
		if cm.lifetime == nil {
			cm.lifetime, cm.stop = context.WithCancel(context.Background())
		}
		lifetime := cm.lifetime
		cm.setStateLocked(StateConnecting)
		cm.mu.Unlock()

		return cm.establish(ctx, lifetime, nil)
	}
}

// Do runs fn against the live channel, connecting lazily first. Calls are
// serialized with each other and with recovery replay. When fn hits a closed
// channel, Do waits for recovery and runs fn again.
func (cm *ConnectionManager) Do(ctx context.Context, fn func(ch Channel) error) error {
	var lastErr error
	for runs := 0; runs < maxOperationRuns; {
		if err := cm.ensureConnected(ctx); err != nil {
			return err
		}

		cm.opMu.Lock()
		cm.mu.Lock()
		ch, changed, closed := cm.ch, cm.changed, cm.closed
		cm.mu.Unlock()

		if closed {
			cm.opMu.Unlock()
			return ErrClientClosed
		}

		if ch == nil || ch.IsClosed() {
			// a failure is being detected; wait for the watcher to act on it
			cm.opMu.Unlock()
			if err := waitChange(ctx, changed); err != nil {
				return err
			}
			continue
		}

		err := fn(ch)
		cm.opMu.Unlock()
		runs++

		if err == nil || !isClosedError(err) {
			return err
		}

		lastErr = err
		cm.logger.Debug("operation hit a closed channel, waiting for recovery", "error", err)
		if err := waitChange(ctx, changed); err != nil {
			return err
		}
	}

	return &ChannelError{Op: "operation", Err: lastErr, Timestamp: time.Now()}
}

// WithCurrentChannel runs fn against the live channel without connecting.
// It returns ErrNotConnected when there is none.
func (cm *ConnectionManager) WithCurrentChannel(fn func(ch Channel) error) error {
	cm.opMu.Lock()
	defer cm.opMu.Unlock()

	cm.mu.Lock()
	ch := cm.ch
	cm.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}
	return fn(ch)
}

// UnderBackpressure reports whether the broker currently throttles publishers.
func (cm *ConnectionManager) UnderBackpressure() bool {
	return cm.flow.pressured()
}

// WaitForDrain blocks until the broker lifts flow control or ctx ends.
func (cm *ConnectionManager) WaitForDrain(ctx context.Context) error {
	return cm.flow.wait(ctx)
}

// Close closes the channel, then the connection. Operations waiting on a
// reconnection fail with ErrClientClosed and the manager cannot be connected
// again. Closing an already closed manager is a no-op.
func (cm *ConnectionManager) Close() error {
	cm.opMu.Lock()
	defer cm.opMu.Unlock()

	cm.mu.Lock()
	cm.closed = true
	cm.gen++
	conn, ch := cm.conn, cm.ch
	cm.conn, cm.ch = nil, nil
	if cm.stop != nil {
		cm.stop()
	}
	cm.lifetime, cm.stop = nil, nil
	cm.attempts = 0
	cm.terminal = nil
	wasOpen := cm.state != StateDisconnected || conn != nil
	cm.setStateLocked(StateDisconnected)
	cm.mu.Unlock()

	cm.flow.reset()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !isClosedError(err) {
			errs = append(errs, &ChannelError{Op: "close", Err: err, Timestamp: time.Now()})
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !isClosedError(err) {
			errs = append(errs, &ConnectionError{Op: "close", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now()})
		}
	}

	if wasOpen {
		cm.logger.Info("connection manager closed")
	}
	return errors.Join(errs...)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) ensureConnected(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrClientClosed
	}
	if cm.state == StateDisconnected && cm.terminal != nil {
		err := cm.terminal
		cm.mu.Unlock()
		return err
	}
	cm.mu.Unlock()
	return cm.Connect(ctx)
}

// establish runs the bounded reconnect loop. cause is the failure that
// triggered it; nil means dial first.
func (cm *ConnectionManager) establish(ctx, lifetime context.Context, cause error) error {
	if cause == nil {
		if cause = cm.open(lifetime); cause == nil {
			return nil
		}
	}

	for {
		if errors.Is(cause, ErrClientClosed) {
			return cause
		}

		cm.mu.Lock()
		if cm.closed || cm.lifetime != lifetime {
			cm.mu.Unlock()
			return ErrClientClosed
		}
		cm.attempts++
		attempt := cm.attempts
		if attempt >= cm.maxReconnectAttempts {
			err := &ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       fmt.Errorf("%w (last error: %v)", ErrReconnectExhausted, cause),
				Timestamp: time.Now(),
				Attempts:  attempt,
			}
			cm.terminal = err
			cm.setStateLocked(StateDisconnected)
			cm.mu.Unlock()

			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"error", cause)
			cm.notifyDisconnected(err)
			return err
		}
		cm.mu.Unlock()

		cm.logger.Warn("broker connection failed, retrying",
			"attempt", attempt,
			"maxAttempts", cm.maxReconnectAttempts,
			"retryIn", cm.reconnectInterval,
			"error", cause)
		cm.metrics.ReconnectAttempted(attempt)
		cm.notifyReconnecting(attempt)

		timer := time.NewTimer(cm.reconnectInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			cm.abandon(lifetime)
			return ctx.Err()
		case <-lifetime.Done():
			timer.Stop()
			return ErrClientClosed
		}

		cause = cm.open(lifetime)
		if cause == nil {
			return nil
		}
	}
}

// abandon drops back to Disconnected after the caller driving a connection
// attempt went away.
func (cm *ConnectionManager) abandon(lifetime context.Context) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.lifetime == lifetime && cm.state == StateConnecting {
		cm.setStateLocked(StateDisconnected)
	}
}

type channelNotify struct {
	closed chan *amqp.Error
	flow   chan bool
}

// open dials, opens the channel, replays recoverers and publishes the result.
func (cm *ConnectionManager) open(lifetime context.Context) error {
	conn, err := cm.dial(cm.url, cm.amqpConfig)
	if err != nil {
		return &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 4))

	ch, notify, err := cm.openChannel(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	cm.opMu.Lock()
	cm.replay(ch)

	cm.mu.Lock()
	if cm.closed || cm.lifetime != lifetime || lifetime.Err() != nil {
		cm.mu.Unlock()
		cm.opMu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return ErrClientClosed
	}
	cm.gen++
	gen := cm.gen
	cm.conn, cm.ch = conn, ch
	cm.attempts = 0
	cm.terminal = nil
	cm.setStateLocked(StateConnected)
	cm.mu.Unlock()
	cm.opMu.Unlock()

	cm.flow.reset()
	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.watch(gen, conn, connClosed, blocked, notify)
	return nil
}

func (cm *ConnectionManager) openChannel(conn Connection) (Channel, channelNotify, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, channelNotify{}, &ChannelError{
			Op:        "open channel",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	notify := channelNotify{
		closed: ch.NotifyClose(make(chan *amqp.Error, 1)),
		flow:   ch.NotifyFlow(make(chan bool, 4)),
	}
	return ch, notify, nil
}

// replay must be called with opMu held.
func (cm *ConnectionManager) replay(ch Channel) {
	for _, r := range cm.recoverers {
		if err := r.Recover(ch); err != nil {
			cm.logger.Warn("state replay incomplete", "error", err)
		}
	}
}

// watch classifies failure notifications for one connection generation.
func (cm *ConnectionManager) watch(gen uint64, conn Connection, connClosed chan *amqp.Error, blocked chan amqp.Blocking, notify channelNotify) {
	for {
		select {
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			if b.Active {
				cm.logger.Warn("broker blocked publishing", "reason", b.Reason)
			} else {
				cm.logger.Info("broker unblocked publishing")
			}
			cm.flow.setBlocked(b.Active)

		case active, ok := <-notify.flow:
			if !ok {
				notify.flow = nil
				continue
			}
			cm.flow.setPaused(!active)

		case amqpErr := <-connClosed:
			cm.onConnectionFailure(gen, conn, amqpErr)
			return

		case amqpErr := <-notify.closed:
			next, ok := cm.onChannelFailure(gen, conn, amqpErr)
			if !ok {
				return
			}
			notify = next
		}
	}
}

func (cm *ConnectionManager) onConnectionFailure(gen uint64, conn Connection, amqpErr *amqp.Error) {
	cm.mu.Lock()
	if gen != cm.gen {
		cm.mu.Unlock()
		return
	}
	cm.gen++
	cm.conn, cm.ch = nil, nil
	lifetime := cm.lifetime
	cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()

	if !conn.IsClosed() {
		_ = conn.Close()
	}
	cm.flow.reset()

	var cause error = amqp.ErrClosed
	if amqpErr != nil {
		cause = amqpErr
	}
	cm.logger.Error("connection closed", "error", cause)
	cm.notifyDisconnected(cause)

	if lifetime == nil {
		return
	}
	if err := cm.establish(lifetime, lifetime, cause); err != nil && !errors.Is(err, ErrClientClosed) {
		cm.logger.Error("reconnection abandoned", "error", err)
	}
}

func (cm *ConnectionManager) onChannelFailure(gen uint64, conn Connection, amqpErr *amqp.Error) (channelNotify, bool) {
	cm.mu.Lock()
	if gen != cm.gen {
		cm.mu.Unlock()
		return channelNotify{}, false
	}
	cm.ch = nil
	cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()

	cm.flow.setPaused(false)
	cm.logger.Warn("channel closed, recovering", "error", amqpErr)

	if conn.IsClosed() {
		cm.onConnectionFailure(gen, conn, amqpErr)
		return channelNotify{}, false
	}

	ch, notify, err := cm.openChannel(conn)
	if err != nil {
		cm.logger.Error("channel recovery failed, reconnecting", "error", err)
		cm.onConnectionFailure(gen, conn, amqpErr)
		return channelNotify{}, false
	}

	cm.opMu.Lock()
	cm.replay(ch)
	cm.mu.Lock()
	if gen != cm.gen {
		cm.mu.Unlock()
		cm.opMu.Unlock()
		_ = ch.Close()
		return channelNotify{}, false
	}
	cm.ch = ch
	cm.setStateLocked(StateConnected)
	cm.mu.Unlock()
	cm.opMu.Unlock()

	cm.logger.Info("channel recovered")
	cm.metrics.ChannelRecovered()
	cm.notifyChannelRecovered()
	return notify, true
}

// setStateLocked must be called with mu held. It wakes everyone waiting on
// the previous state.
func (cm *ConnectionManager) setStateLocked(state State) {
	cm.state = state
	close(cm.changed)
	cm.changed = make(chan struct{})
	cm.metrics.StateChanged(state)
}

func waitChange(ctx context.Context, changed <-chan struct{}) error {
	select {
	case <-changed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}

func (cm *ConnectionManager) notifyChannelRecovered() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnChannelRecovered()
	}
}
