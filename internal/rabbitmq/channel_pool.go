package rabbitmq

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool keeps idle, presumed open channels for reuse. It is a set:
// Borrow returns any open idle channel, in no particular order.
type ChannelPool struct {
	endpoints string
	maxSize   int
	logger    *slog.Logger
	metrics   *Metrics
	observers observers

	mu     sync.Mutex
	idle   map[Channel]struct{}
	live   int
	closed bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxChannels caps the number of live channels, idle and borrowed.
// Zero means unbounded.
func WithMaxChannels(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithChannelLogger sets the pool logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// WithPoolMetrics records pool metrics
func WithPoolMetrics(m *Metrics) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.metrics = m
	}
}

// WithChannelObserver registers an observer for channel shutdowns
func WithChannelObserver(o Observer) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.observers.add(o)
	}
}

// NewChannelPool creates an empty channel pool. endpoints is only used as
// error context.
func NewChannelPool(endpoints Endpoints, options ...ChannelPoolOption) (*ChannelPool, error) {
	pool := &ChannelPool{
		endpoints: endpoints.String(),
		logger:    slog.Default(),
		idle:      make(map[Channel]struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 0 {
		return nil, &ConfigurationError{
			Field: "max_channel_count",
			Err:   fmt.Errorf("%w: max channels must not be negative", ErrInvalidConfiguration),
		}
	}

	return pool, nil
}

// Borrow hands out an open idle channel, or opens a new one on conn.
// The first open idle channel is returned at once; closed ones met before
// it are dropped. Closed channels left idle are dropped by their watcher.
func (cp *ChannelPool) Borrow(conn Connection) (Channel, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil, cp.channelError("borrow a channel", ErrChannelPoolClosed)
	}

	for ch := range cp.idle {
		delete(cp.idle, ch)
		if ch.IsClosed() {
			cp.discardLocked()
			continue
		}
		cp.metrics.setIdle(len(cp.idle))
		cp.logger.Debug("borrowed the channel from the channel pool")
		return ch, nil
	}
	cp.metrics.setIdle(0)

	ch, err := cp.createLocked(conn)
	if err != nil {
		return nil, err
	}
	cp.logger.Debug("no open channels available in the pool, created a channel",
		"live", cp.live)
	return ch, nil
}

// Release returns a borrowed channel. Closed channels are discarded, never
// pooled.
func (cp *ChannelPool) Release(ch Channel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if ch.IsClosed() {
		cp.discardLocked()
		cp.logger.Debug("discarded a closed channel on return")
		return
	}

	if cp.closed {
		cp.live--
		ch.Close()
		return
	}

	if _, ok := cp.idle[ch]; ok {
		cp.logger.Warn("channel returned to the pool twice")
		return
	}

	cp.idle[ch] = struct{}{}
	cp.metrics.setIdle(len(cp.idle))
	cp.logger.Debug("returned the borrowed channel to the pool")
}

// Idle returns the number of idle channels
func (cp *ChannelPool) Idle() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.idle)
}

// Live returns the number of channels created and not yet discarded
func (cp *ChannelPool) Live() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.live
}

// MaxChannels returns the cap, zero when unbounded
func (cp *ChannelPool) MaxChannels() int {
	return cp.maxSize
}

// Close closes every idle channel. Channels released afterwards are closed
// instead of pooled.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	cp.closed = true

	for ch := range cp.idle {
		delete(cp.idle, ch)
		cp.live--
		if !ch.IsClosed() {
			ch.Close()
		}
	}
	cp.metrics.setIdle(0)

	return nil
}

// createLocked opens a new channel on conn, enforcing the cap
func (cp *ChannelPool) createLocked(conn Connection) (Channel, error) {
	if cp.maxSize > 0 && cp.live >= cp.maxSize {
		cp.sweepLocked()
		if cp.live >= cp.maxSize {
			return nil, cp.channelError("open a channel",
				fmt.Errorf("%w: %d channels in use", ErrChannelPoolExhausted, cp.live))
		}
	}

	if conn == nil {
		return nil, cp.channelError("open a channel", ErrConnectionClosed)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, cp.channelError("open a channel", fmt.Errorf("%w: %v", ErrChannelCreationFailed, err))
	}
	if ch == nil || ch.IsClosed() {
		return nil, cp.channelError("open a channel", fmt.Errorf("%w: channel is closed", ErrChannelCreationFailed))
	}

	go cp.watch(ch, ch.NotifyClose(make(chan *amqp.Error, 1)))

	cp.live++
	cp.metrics.channelCreated()
	return ch, nil
}

// watch reports the shutdown of ch and drops it if it is still idle
func (cp *ChannelPool) watch(ch Channel, closed <-chan *amqp.Error) {
	if amqpErr, ok := <-closed; ok && amqpErr != nil {
		cp.observers.channelShutdown(amqpErr)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if _, ok := cp.idle[ch]; !ok {
		return
	}
	delete(cp.idle, ch)
	cp.discardLocked()
	cp.metrics.setIdle(len(cp.idle))
	cp.logger.Debug("dropped an idle channel after shutdown")
}

// sweepLocked drops every closed idle channel
func (cp *ChannelPool) sweepLocked() {
	for ch := range cp.idle {
		if ch.IsClosed() {
			delete(cp.idle, ch)
			cp.discardLocked()
		}
	}
	cp.metrics.setIdle(len(cp.idle))
}

func (cp *ChannelPool) discardLocked() {
	cp.live--
	cp.metrics.channelEvicted()
}

func (cp *ChannelPool) channelError(op string, err error) *ChannelError {
	return &ChannelError{
		Op:        op,
		Endpoints: cp.endpoints,
		Err:       err,
		Timestamp: time.Now(),
	}
}
