// Package config loads unetctl settings from YAML and turns them into
// socket and engine options.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	unet "github.com/opd-ai/unet/net"
	"github.com/opd-ai/unet/stream"
	"github.com/opd-ai/unet/stun"
	"github.com/opd-ai/unet/transaction"
)

// ErrInvalidConfig indicates a setting outside its allowed range.
var ErrInvalidConfig = errors.New("config: invalid setting")

// Config holds the unetctl configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Socket      SocketConfig      `yaml:"socket"`
	Transaction TransactionConfig `yaml:"transaction"`
	Stream      StreamConfig      `yaml:"stream"`
	STUN        STUNConfig        `yaml:"stun"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SocketConfig is where the socket binds and how many packets it pools.
type SocketConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	PoolSize int    `yaml:"pool_size"`
}

// TransactionConfig tunes request retransmission.
type TransactionConfig struct {
	RTO            time.Duration `yaml:"rto"`
	Retries        int           `yaml:"retries"`
	IncreaseFactor int           `yaml:"increase_factor"`
}

// StreamConfig tunes stream liveness and status logging.
type StreamConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

// STUNConfig names the discovery server and its retry policy.
type STUNConfig struct {
	Server  string        `yaml:"server"`
	Port    int           `yaml:"port"`
	RTO     time.Duration `yaml:"rto"`
	Retries int           `yaml:"retries"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Socket: SocketConfig{PoolSize: unet.DefaultPoolSize},
		Transaction: TransactionConfig{
			RTO:            transaction.DefaultRTO,
			Retries:        transaction.DefaultMaxRetries,
			IncreaseFactor: transaction.DefaultIncreaseFactor,
		},
		Stream: StreamConfig{
			Timeout:        stream.DefaultTimeout,
			StatusInterval: stream.DefaultStatusInterval,
		},
		STUN: STUNConfig{
			Port:    stun.DefaultPort,
			RTO:     stun.DefaultRTO,
			Retries: stun.DefaultMaxRetries,
		},
	}
}

// DefaultPath returns ~/.unet/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".unet", "config.yaml")
	}
	return filepath.Join(home, ".unet", "config.yaml")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithFields(logrus.Fields{
				"component": "config",
				"function":  "Load",
				"path":      path,
			}).Debug("No config file, using defaults")
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges the engines would otherwise reject later.
func (c *Config) Validate() error {
	switch {
	case c.Socket.Port < 0 || c.Socket.Port > 0xFFFF:
		return fmt.Errorf("%w: socket.port %d", ErrInvalidConfig, c.Socket.Port)
	case c.Socket.PoolSize <= 0:
		return fmt.Errorf("%w: socket.pool_size %d", ErrInvalidConfig, c.Socket.PoolSize)
	case c.Transaction.RTO <= 0:
		return fmt.Errorf("%w: transaction.rto %s", ErrInvalidConfig, c.Transaction.RTO)
	case c.Transaction.Retries < 0:
		return fmt.Errorf("%w: transaction.retries %d", ErrInvalidConfig, c.Transaction.Retries)
	case c.Transaction.IncreaseFactor < 1:
		return fmt.Errorf("%w: transaction.increase_factor %d", ErrInvalidConfig, c.Transaction.IncreaseFactor)
	case c.Stream.Timeout <= 0:
		return fmt.Errorf("%w: stream.timeout %s", ErrInvalidConfig, c.Stream.Timeout)
	case c.Stream.StatusInterval <= 0:
		return fmt.Errorf("%w: stream.status_interval %s", ErrInvalidConfig, c.Stream.StatusInterval)
	case c.STUN.Port <= 0 || c.STUN.Port > 0xFFFF:
		return fmt.Errorf("%w: stun.port %d", ErrInvalidConfig, c.STUN.Port)
	case c.STUN.RTO <= 0:
		return fmt.Errorf("%w: stun.rto %s", ErrInvalidConfig, c.STUN.RTO)
	case c.STUN.Retries < 0:
		return fmt.Errorf("%w: stun.retries %d", ErrInvalidConfig, c.STUN.Retries)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// ApplyLogging configures the standard logrus logger.
func (c *Config) ApplyLogging() error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	logrus.SetLevel(level)
	if c.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// SocketOptions returns the options for net.Listen.
func (c *Config) SocketOptions() []unet.Option {
	return []unet.Option{unet.WithPoolSize(c.Socket.PoolSize)}
}

// TransactionOptions returns the options for transaction.NewEngine.
func (c *Config) TransactionOptions() []transaction.Option {
	return []transaction.Option{
		transaction.WithRTO(c.Transaction.RTO),
		transaction.WithMaxRetries(c.Transaction.Retries),
		transaction.WithIncreaseFactor(c.Transaction.IncreaseFactor),
	}
}

// StreamOptions returns the options for stream.NewEngine.
func (c *Config) StreamOptions() []stream.Option {
	return []stream.Option{
		stream.WithTimeout(c.Stream.Timeout),
		stream.WithStatusInterval(c.Stream.StatusInterval),
	}
}

// STUNOptions returns the options for stun.NewClient and stun.Resolve.
func (c *Config) STUNOptions() []stun.Option {
	return []stun.Option{
		stun.WithPort(c.STUN.Port),
		stun.WithRTO(c.STUN.RTO),
		stun.WithMaxRetries(c.STUN.Retries),
	}
}
