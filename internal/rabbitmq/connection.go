package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/cogbus/internal/reliability"
)

const (
	defaultReconnectDelay = time.Second
	maxReconnectDelay     = time.Minute
	dialTimeout           = 30 * time.Second
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Dialer opens an AMQP connection
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionManager owns the AMQP connection and re-dials it with backoff
// whenever the broker closes it
type ConnectionManager struct {
	url            string
	dial           Dialer
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	closed      bool
	done        chan struct{}

	listenersMu sync.RWMutex
	listeners   []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithReconnectDelay sets the first reconnection delay; later attempts back
// off exponentially
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if delay > 0 {
			cm.reconnectDelay = delay
		}
	}
}

// WithMaxRetries bounds reconnection attempts. Zero or less retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dial != nil {
			cm.dial = dial
		}
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.Dial,
		reconnectDelay: defaultReconnectDelay,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attachLocked(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notify(func(l ConnectionStateListener) { l.OnConnected() })
	return nil
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			// a dial that completes late is closed
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}

func (cm *ConnectionManager) attachLocked(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notifyClose)
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// watch waits for the connection to close and reconnects unless the
// manager was closed
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	select {
	case err, ok := <-notifyClose:
		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		var cause error
		if ok && err != nil {
			cause = err
			cm.logger.Error("connection closed", "error", err)
		}
		cm.notify(func(l ConnectionStateListener) { l.OnDisconnected(cause) })
		cm.reconnect()

	case <-cm.done:
	}
}

func (cm *ConnectionManager) reconnect() {
	backoff := reliability.NewExponentialBackoff(cm.reconnectDelay, maxReconnectDelay, 2.0, cm.maxRetries)
	start := time.Now()

	for attempt := 1; ; attempt++ {
		if cm.maxRetries > 0 && attempt > cm.maxRetries {
			err := &ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt - 1,
			}
			cm.logger.Error("giving up on RabbitMQ", "attempts", attempt-1, "duration", time.Since(start))
			cm.notify(func(l ConnectionStateListener) { l.OnDisconnected(err) })
			return
		}

		delay := backoff.NextDelay(attempt)
		select {
		case <-time.After(delay):
		case <-cm.done:
			return
		}

		cm.notify(func(l ConnectionStateListener) { l.OnReconnecting(attempt) })

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-cm.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, err := cm.dialContext(ctx)
		cancel()
		if err != nil {
			cm.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			_ = conn.Close()
			return
		}
		cm.attachLocked(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ", "attempts", attempt, "duration", time.Since(start))
		cm.notify(func(l ConnectionStateListener) { l.OnConnected() })
		return
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

func (cm *ConnectionManager) notify(fn func(ConnectionStateListener)) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, l := range cm.listeners {
		go fn(l)
	}
}
