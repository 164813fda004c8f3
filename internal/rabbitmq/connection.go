package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultClientNameTag is appended to the host identity to name the connection
const DefaultClientNameTag = "WorkflowStatusListener"

// ConnectionManager owns the single publisher connection to the broker.
// The connection is created lazily and replaced on the next Acquire once it
// is found closed.
type ConnectionManager struct {
	dialer           Dialer
	endpoints        Endpoints
	clientName       string
	recoveryInterval time.Duration
	logger           *slog.Logger
	metrics          *Metrics
	observers        observers

	mu          sync.Mutex
	conn        Connection
	closed      bool
	lastFailure time.Time
	lastErr     error
	now         func() time.Time
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithClientName overrides the client provided connection name
func WithClientName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.clientName = name
	}
}

// WithRecoveryInterval makes Acquire fail fast, without dialing, until the
// interval has elapsed since the last failed dial. Calls inside that window
// get a *ConnectionError wrapping ErrRecoveryPending and the last cause, even
// when no connection exists. Zero, the default, dials on every Acquire.
func WithRecoveryInterval(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.recoveryInterval = interval
	}
}

// WithConnectionMetrics records connection metrics
func WithConnectionMetrics(m *Metrics) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = m
	}
}

// WithObserver registers a lifecycle observer
func WithObserver(o Observer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.observers.add(o)
	}
}

// DefaultClientName combines the local host identity with tag
func DefaultClientName(tag string) string {
	host := os.Getenv("HOSTNAME")
	if host == "" {
		host, _ = os.Hostname()
	}
	return host + "-" + tag
}

// NewConnectionManager creates a new connection manager. No connection is
// opened until the first Acquire.
func NewConnectionManager(dialer Dialer, endpoints Endpoints, options ...ConnectionOption) (*ConnectionManager, error) {
	if dialer == nil {
		return nil, &ConfigurationError{Field: "dialer", Err: fmt.Errorf("%w: dialer is nil", ErrInvalidConfiguration)}
	}
	if len(endpoints) == 0 {
		return nil, &ConfigurationError{Field: "hosts", Err: fmt.Errorf("%w: hosts are undefined", ErrInvalidConfiguration)}
	}

	cm := &ConnectionManager{
		dialer:     dialer,
		endpoints:  append(Endpoints(nil), endpoints...),
		clientName: DefaultClientName(DefaultClientNameTag),
		logger:     slog.Default(),
		now:        time.Now,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm, nil
}

// Acquire returns the live connection, creating it if there is none or the
// current one is closed. Concurrent callers share a single creation.
func (cm *ConnectionManager) Acquire(ctx context.Context) (Connection, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, cm.connectionError("acquire connection", ErrManagerClosed)
	}

	if cm.conn != nil {
		if !cm.conn.IsClosed() {
			return cm.conn, nil
		}
		cm.logger.Info("connection is closed, creating a new one",
			"connection", cm.clientName)
		cm.conn = nil
	}

	if cm.recoveryInterval > 0 && !cm.lastFailure.IsZero() {
		if wait := cm.recoveryInterval - cm.now().Sub(cm.lastFailure); wait > 0 {
			return nil, cm.connectionError("connect",
				fmt.Errorf("%w (retry in %s): %v", ErrRecoveryPending, wait.Round(time.Millisecond), cm.lastErr))
		}
	}

	conn, err := cm.dialer.Dial(ctx, cm.endpoints, cm.clientName)
	if err == nil && (conn == nil || conn.IsClosed()) {
		if conn != nil {
			conn.Close()
		}
		err = fmt.Errorf("%w: failed to open connection", ErrConnectionClosed)
	}
	if err != nil {
		if isTimeout(err) && !errors.Is(err, ErrConnectionTimeout) {
			err = fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
		}
		cm.lastFailure = cm.now()
		cm.lastErr = err
		cm.metrics.connectionFailed()

		cm.logger.Error("error while connecting",
			"endpoints", cm.endpoints.String(),
			"error", err)
		return nil, cm.connectionError("connect", err)
	}

	cm.lastFailure = time.Time{}
	cm.lastErr = nil
	cm.watch(conn)
	cm.conn = conn
	cm.metrics.connectionCreated(cm.clientName)

	cm.logger.Info("connected to RabbitMQ",
		"connection", cm.clientName,
		"endpoints", cm.endpoints.String())

	return conn, nil
}

// watch attaches the shutdown and blocked observers to conn. Both goroutines
// end when the transport closes the notification channels on shutdown.
func (cm *ConnectionManager) watch(conn Connection) {
	name := cm.clientName
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 4))

	go func() {
		for b := range blocked {
			if b.Active {
				cm.observers.connectionBlocked(name, b.Reason)
			} else {
				cm.observers.connectionUnblocked(name)
			}
		}
	}()

	go func() {
		var cause error
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			cause = amqpErr
		}
		cm.observers.connectionShutdown(name, cause)
	}()
}

// IsConnected reports whether an open connection currently exists
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Endpoints returns the address set the manager dials
func (cm *ConnectionManager) Endpoints() Endpoints {
	return cm.endpoints
}

// ClientName returns the client provided connection name
func (cm *ConnectionManager) ClientName() string {
	return cm.clientName
}

// AddObserver adds a lifecycle observer. It only sees connections created
// after the call for blocked events, but all shutdowns.
func (cm *ConnectionManager) AddObserver(o Observer) {
	cm.observers.add(o)
}

// RemoveObserver removes a lifecycle observer
func (cm *ConnectionManager) RemoveObserver(o Observer) {
	cm.observers.remove(o)
}

// Close closes the live connection and rejects later Acquire calls
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true

	if cm.conn == nil {
		return nil
	}

	err := cm.conn.Close()
	cm.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func (cm *ConnectionManager) connectionError(op string, err error) *ConnectionError {
	return &ConnectionError{
		Op:        op,
		Endpoints: cm.endpoints.String(),
		Err:       err,
		Timestamp: time.Now(),
	}
}
