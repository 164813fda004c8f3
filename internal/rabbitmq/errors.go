package rabbitmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")

	// Connection errors
	ErrConnectionClosed  = errors.New("rabbitmq: connection is closed")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")
	ErrManagerClosed     = errors.New("rabbitmq: connection manager is closed")
	ErrRecoveryPending   = errors.New("rabbitmq: waiting for network recovery interval")

	// Channel errors
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")
	ErrChannelPoolClosed     = errors.New("rabbitmq: channel pool is closed")
	ErrChannelPoolExhausted  = errors.New("rabbitmq: channel pool exhausted")
)

// ConfigurationError reports an invalid or missing setting. It is raised
// before any connection attempt.
type ConfigurationError struct {
	Field string // Offending setting
	Err   error  // Underlying error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rabbitmq configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ConnectionError represents a failure to establish the broker connection
type ConnectionError struct {
	Op        string    // Operation that failed
	Endpoints string    // Comma separated endpoint list
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s to %s failed: %v", e.Op, e.Endpoints, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a failure to open a channel on the connection
type ChannelError struct {
	Op        string    // Operation that failed
	Endpoints string    // Comma separated endpoint list
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: cannot %s on %s: %v", e.Op, e.Endpoints, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a failed publish. Err may itself be a
// *ConnectionError or *ChannelError when the failure happened before the write.
type PublishError struct {
	Exchange  string    // Target exchange
	Op        string    // Step that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: %s for exchange %q: %v", e.Op, e.Exchange, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the caller may reasonably retry the operation
// that produced err. This package never retries on its own.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var cfgErr *ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return false
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrManagerClosed), errors.Is(err, ErrChannelPoolClosed):
		return false
	}

	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}
