package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/kabili207/espat-go/device/esp8266"
	"github.com/kabili207/espat-go/transport/mqtt"
	"github.com/kabili207/espat-go/transport/serial"
	"gopkg.in/yaml.v3"
)

// Run modes.
const (
	ModeMQTT = "mqtt"
	ModeEcho = "echo"
)

// Config holds the daemon configuration.
type Config struct {
	// SerialPort is the modem's serial port, or "auto" to use the first one found.
	SerialPort string `yaml:"serial_port"`
	// BaudRate is the modem baud rate.
	BaudRate int `yaml:"baud_rate"`
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`
	// Mode selects the application: "mqtt" or "echo".
	Mode string `yaml:"mode"`
	// StatsInterval is how often transport counters are logged. Zero disables.
	StatsInterval time.Duration `yaml:"stats_interval"`

	Broker    BrokerConfig    `yaml:"broker"`
	Echo      EchoConfig      `yaml:"echo"`
	Transport TransportConfig `yaml:"transport"`
}

// BrokerConfig configures the MQTT mode.
type BrokerConfig struct {
	Host              string        `yaml:"host"`
	Port              string        `yaml:"port"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	ClientID          string        `yaml:"client_id"`
	StateTopic        string        `yaml:"state_topic"`
	ControlTopic      string        `yaml:"control_topic"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// EchoConfig configures the echo mode.
type EchoConfig struct {
	Host          string        `yaml:"host"`
	Port          string        `yaml:"port"`
	BlockSize     int           `yaml:"block_size"`
	Interval      time.Duration `yaml:"interval"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// TransportConfig tunes the modem transport. Zero values keep the
// transport defaults.
type TransportConfig struct {
	RecvTimeout    time.Duration `yaml:"recv_timeout"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	DrainWindow    time.Duration `yaml:"drain_window"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
// and validates the result.
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = serial.DefaultBaudRate
		c.LogLevel = "info"
		c.LogFormat = "text"
		c.Mode = ModeMQTT
		c.StatsInterval = time.Minute
		c.Broker = BrokerConfig{
			Host:              "192.168.0.235",
			Port:              mqtt.DefaultPort,
			StateTopic:        mqtt.DefaultStateTopic,
			ControlTopic:      mqtt.DefaultControlTopic,
			RetryInterval:     3 * time.Second,
			HeartbeatInterval: 2 * time.Second,
		}
		c.Echo = EchoConfig{
			Host:          "192.168.0.235",
			Port:          "7",
			BlockSize:     32,
			Interval:      200 * time.Millisecond,
			RetryInterval: 3 * time.Second,
		}
		return nil
	}
}

// WithFile loads configuration from a YAML file. An empty path or a
// missing file leaves the config untouched.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if port := os.Getenv("ESPAT_SERIAL_PORT"); port != "" {
			c.SerialPort = port
		}

		if baud := os.Getenv("ESPAT_BAUD_RATE"); baud != "" {
			b, err := strconv.Atoi(baud)
			if err != nil {
				return fmt.Errorf("ESPAT_BAUD_RATE: %w", err)
			}
			c.BaudRate = b
		}

		if level := os.Getenv("ESPAT_LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if mode := os.Getenv("ESPAT_MODE"); mode != "" {
			c.Mode = mode
		}

		if host := os.Getenv("ESPAT_BROKER_HOST"); host != "" {
			c.Broker.Host = host
		}

		if port := os.Getenv("ESPAT_BROKER_PORT"); port != "" {
			c.Broker.Port = port
		}

		if user := os.Getenv("ESPAT_BROKER_USERNAME"); user != "" {
			c.Broker.Username = user
		}

		if pass := os.Getenv("ESPAT_BROKER_PASSWORD"); pass != "" {
			c.Broker.Password = pass
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags that were set
// explicitly.
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				b, perr := strconv.Atoi(f.Value.String())
				if perr != nil {
					err = fmt.Errorf("-baud-rate: %w", perr)
					return
				}
				c.BaudRate = b
			case "log-level":
				c.LogLevel = f.Value.String()
			case "mode":
				c.Mode = f.Value.String()
			case "broker-host":
				c.Broker.Host = f.Value.String()
			case "broker-port":
				c.Broker.Port = f.Value.String()
			case "echo-host":
				c.Echo.Host = f.Value.String()
			case "echo-port":
				c.Echo.Port = f.Value.String()
			}
		})
		return err
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.SerialPort == "" {
		return errors.New("serial port is required")
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.BaudRate)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.Mode {
	case ModeMQTT:
		if c.Broker.Host == "" {
			return errors.New("broker host is required in mqtt mode")
		}
		if c.Broker.RetryInterval <= 0 || c.Broker.HeartbeatInterval <= 0 {
			return errors.New("broker retry and heartbeat intervals must be positive")
		}
	case ModeEcho:
		if c.Echo.Host == "" || c.Echo.Port == "" {
			return errors.New("echo host and port are required in echo mode")
		}
		if c.Echo.BlockSize <= 0 || c.Echo.Interval <= 0 || c.Echo.RetryInterval <= 0 {
			return errors.New("echo block size and intervals must be positive")
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	return nil
}

// SessionConfig returns the modem transport configuration.
func (c *Config) SessionConfig(logger *slog.Logger) esp8266.Config {
	return esp8266.Config{
		RecvTimeout:    c.Transport.RecvTimeout,
		SettleDelay:    c.Transport.SettleDelay,
		DrainWindow:    c.Transport.DrainWindow,
		ConnectTimeout: c.Transport.ConnectTimeout,
		Logger:         logger,
	}
}

// MQTTConfig returns the MQTT client configuration.
func (c *Config) MQTTConfig(logger *slog.Logger) mqtt.Config {
	return mqtt.Config{
		Host:          c.Broker.Host,
		Port:          c.Broker.Port,
		Username:      c.Broker.Username,
		Password:      c.Broker.Password,
		ClientID:      c.Broker.ClientID,
		StateTopic:    c.Broker.StateTopic,
		ControlTopic:  c.Broker.ControlTopic,
		AutoReconnect: true,
		Logger:        logger,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
