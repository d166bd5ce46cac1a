package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/snowmerak/polychat/lib/transport"
)

// Config holds the broker's timing and limits. It is the `broker:`
// section of the polychat configuration file.
type Config struct {
	// RequestTimeout is the deadline Call applies to each attempt.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// InitTimeout bounds the wait for a plugin's init instruction.
	InitTimeout time.Duration `yaml:"init_timeout"`

	// KeepaliveInterval is the period between keepalives.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// DegradedThreshold is the number of consecutive missed keepalives,
	// or consecutive request timeouts, that moves a session to Degraded.
	DegradedThreshold int `yaml:"degraded_threshold"`

	// SweepInterval is how often pending requests are checked for
	// expired deadlines.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxFrameSize bounds a single frame body in both directions.
	MaxFrameSize int `yaml:"max_frame_size"`

	// RequestRetries is how many times Call retries a timed out request.
	RequestRetries int `yaml:"request_retries"`

	// ShutdownGrace is how long Shutdown waits for the plugin to close
	// its end of the stream.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:    30 * time.Second,
		InitTimeout:       10 * time.Second,
		KeepaliveInterval: 15 * time.Second,
		DegradedThreshold: 3,
		SweepInterval:     250 * time.Millisecond,
		MaxFrameSize:      transport.DefaultMaxFrameSize,
		RequestRetries:    0,
		ShutdownGrace:     2 * time.Second,
	}
}

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("broker: invalid configuration")

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	switch {
	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: request_timeout must be positive, got %s", ErrInvalidConfig, c.RequestTimeout)
	case c.InitTimeout <= 0:
		return fmt.Errorf("%w: init_timeout must be positive, got %s", ErrInvalidConfig, c.InitTimeout)
	case c.KeepaliveInterval <= 0:
		return fmt.Errorf("%w: keepalive_interval must be positive, got %s", ErrInvalidConfig, c.KeepaliveInterval)
	case c.DegradedThreshold < 1:
		return fmt.Errorf("%w: degraded_threshold must be at least 1, got %d", ErrInvalidConfig, c.DegradedThreshold)
	case c.SweepInterval <= 0:
		return fmt.Errorf("%w: sweep_interval must be positive, got %s", ErrInvalidConfig, c.SweepInterval)
	case c.MaxFrameSize < 64:
		return fmt.Errorf("%w: max_frame_size must be at least 64 bytes, got %d", ErrInvalidConfig, c.MaxFrameSize)
	case c.RequestRetries < 0:
		return fmt.Errorf("%w: request_retries must not be negative, got %d", ErrInvalidConfig, c.RequestRetries)
	case c.ShutdownGrace < 0:
		return fmt.Errorf("%w: shutdown_grace must not be negative, got %s", ErrInvalidConfig, c.ShutdownGrace)
	}
	return nil
}
