package rabbitmq

import (
	"log/slog"
	"sync"
)

// Observer receives connection and channel lifecycle notifications.
// Implementations must not call back into the manager or the pool.
type Observer interface {
	ConnectionShutdown(name string, err error)
	ConnectionBlocked(name, reason string)
	ConnectionUnblocked(name string)
	ChannelShutdown(err error)
}

// LogObserver logs lifecycle events
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates an observer writing to logger
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) ConnectionShutdown(name string, err error) {
	o.logger.Error("received a shutdown for the connection",
		"connection", name,
		"error", err)
}

func (o *LogObserver) ConnectionBlocked(name, reason string) {
	o.logger.Error("connection is blocked",
		"connection", name,
		"reason", reason)
}

func (o *LogObserver) ConnectionUnblocked(name string) {
	o.logger.Info("connection is unblocked", "connection", name)
}

func (o *LogObserver) ChannelShutdown(err error) {
	o.logger.Error("channel has been shutdown", "error", err)
}

// observers fans a notification out to every registered Observer
type observers struct {
	mu   sync.RWMutex
	list []Observer
}

func (obs *observers) add(o Observer) {
	if o == nil {
		return
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	obs.list = append(obs.list, o)
}

func (obs *observers) remove(o Observer) {
	obs.mu.Lock()
	defer obs.mu.Unlock()

	for i, l := range obs.list {
		if l == o {
			obs.list = append(obs.list[:i], obs.list[i+1:]...)
			break
		}
	}
}

func (obs *observers) each(fn func(Observer)) {
	obs.mu.RLock()
	list := make([]Observer, len(obs.list))
	copy(list, obs.list)
	obs.mu.RUnlock()

	for _, o := range list {
		fn(o)
	}
}

func (obs *observers) connectionShutdown(name string, err error) {
	obs.each(func(o Observer) { o.ConnectionShutdown(name, err) })
}

func (obs *observers) connectionBlocked(name, reason string) {
	obs.each(func(o Observer) { o.ConnectionBlocked(name, reason) })
}

func (obs *observers) connectionUnblocked(name string) {
	obs.each(func(o Observer) { o.ConnectionUnblocked(name) })
}

func (obs *observers) channelShutdown(err error) {
	obs.each(func(o Observer) { o.ChannelShutdown(err) })
}
