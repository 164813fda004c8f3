package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type publishedMessage struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

// fakeChannel is an in-memory Channel. It counts overlapping publishes so
// tests can prove a channel is never held by two goroutines at once.
type fakeChannel struct {
	id int

	mu          sync.Mutex
	closed      bool
	notifyClose []chan *amqp.Error
	published   []publishedMessage
	publishErr  error
	onPublish   func(*fakeChannel)

	inFlight     int32
	overlapped   int32
	closedChecks int32
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if atomic.AddInt32(&c.inFlight, 1) > 1 {
		atomic.StoreInt32(&c.overlapped, 1)
	}
	defer atomic.AddInt32(&c.inFlight, -1)

	if c.onPublish != nil {
		c.onPublish(c)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, publishedMessage{exchange: exchange, routingKey: key, msg: msg})
	return nil
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifyClose = append(c.notifyClose, receiver)
	return receiver
}

func (c *fakeChannel) IsClosed() bool {
	atomic.AddInt32(&c.closedChecks, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *fakeChannel) shutdown(err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for _, r := range c.notifyClose {
		if err != nil {
			r <- err
		}
		close(r)
	}
	c.notifyClose = nil
}

func (c *fakeChannel) messages() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]publishedMessage, len(c.published))
	copy(out, c.published)
	return out
}

// fakeConnection is an in-memory Connection
type fakeConnection struct {
	mu            sync.Mutex
	closed        bool
	channels      []*fakeChannel
	channelErr    error
	notifyClose   []chan *amqp.Error
	notifyBlocked []chan amqp.Blocking
	onChannel     func(*fakeChannel)
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.channelErr != nil {
		return nil, c.channelErr
	}

	ch := &fakeChannel{id: len(c.channels) + 1}
	if c.onChannel != nil {
		c.onChannel(ch)
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifyClose = append(c.notifyClose, receiver)
	return receiver
}

func (c *fakeConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifyBlocked = append(c.notifyBlocked, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

// shutdown mimics the broker tearing the connection down: every channel is
// closed, close listeners receive err, and blocked listeners are closed.
func (c *fakeConnection) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	notifyClose := c.notifyClose
	notifyBlocked := c.notifyBlocked
	c.notifyClose = nil
	c.notifyBlocked = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, r := range notifyClose {
		if err != nil {
			r <- err
		}
		close(r)
	}
	for _, r := range notifyBlocked {
		close(r)
	}
}

func (c *fakeConnection) block(active bool, reason string) {
	c.mu.Lock()
	receivers := c.notifyBlocked
	c.mu.Unlock()

	for _, r := range receivers {
		r <- amqp.Blocking{Active: active, Reason: reason}
	}
}

func (c *fakeConnection) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func (c *fakeConnection) allChannels() []*fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*fakeChannel, len(c.channels))
	copy(out, c.channels)
	return out
}

// fakeDialer hands out fakeConnections and counts dials
type fakeDialer struct {
	dials int32
	delay time.Duration

	mu            sync.Mutex
	err           error
	conns         []*fakeConnection
	lastName      string
	lastEndpoints Endpoints
	onConnection  func(*fakeConnection)
}

func (d *fakeDialer) Dial(ctx context.Context, endpoints Endpoints, clientName string) (Connection, error) {
	atomic.AddInt32(&d.dials, 1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastName = clientName
	d.lastEndpoints = endpoints
	if d.err != nil {
		return nil, d.err
	}

	conn := &fakeConnection{}
	if d.onConnection != nil {
		d.onConnection(conn)
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	return int(atomic.LoadInt32(&d.dials))
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) last() *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// recordingObserver tracks lifecycle notifications
type recordingObserver struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (o *recordingObserver) record(event string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	if err != nil {
		o.errs = append(o.errs, err)
	}
}

func (o *recordingObserver) ConnectionShutdown(name string, err error) {
	o.record("shutdown:"+name, err)
}

func (o *recordingObserver) ConnectionBlocked(name, reason string) {
	o.record("blocked:"+reason, nil)
}

func (o *recordingObserver) ConnectionUnblocked(name string) {
	o.record("unblocked", nil)
}

func (o *recordingObserver) ChannelShutdown(err error) {
	o.record("channel-shutdown", err)
}

func (o *recordingObserver) Events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.events))
	copy(out, o.events)
	return out
}

func (o *recordingObserver) Errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]error, len(o.errs))
	copy(out, o.errs)
	return out
}

var testEndpoints = Endpoints{{Host: "rabbit-1", Port: 5672}, {Host: "rabbit-2", Port: 5673}}

var errBoom = errors.New("boom")
