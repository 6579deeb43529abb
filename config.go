package chatcore

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/swarn/chatcore/transport"
)

// Config carries the engine's tunables. The zero value is not usable;
// start from DefaultConfig, LoadConfig or LoadConfigFile.
type Config struct {
	// MaxReconnectAttempts bounds consecutive reconnects before the
	// connection parks in the terminal Error state.
	MaxReconnectAttempts int `env:"CHATCORE_MAX_RECONNECT_ATTEMPTS,default=3" yaml:"max_reconnect_attempts"`
	// ReconnectDelay is the base backoff delay; it doubles per attempt.
	ReconnectDelay time.Duration `env:"CHATCORE_RECONNECT_DELAY,default=3s" yaml:"reconnect_delay"`
	// MaxReconnectDelay caps the backoff.
	MaxReconnectDelay time.Duration `env:"CHATCORE_MAX_RECONNECT_DELAY,default=10s" yaml:"max_reconnect_delay"`

	// QueueCapacity bounds the offline FIFO; overflow evicts oldest.
	QueueCapacity int `env:"CHATCORE_QUEUE_CAPACITY,default=20" yaml:"queue_capacity"`
	// RetryInterval is the fixed delay between retry-loop attempts.
	RetryInterval time.Duration `env:"CHATCORE_RETRY_INTERVAL,default=1s" yaml:"retry_interval"`
	// MaxMessageBytes rejects larger payloads outright.
	MaxMessageBytes int `env:"CHATCORE_MAX_MESSAGE_BYTES,default=1048576" yaml:"max_message_bytes"`
	// SeenIDCap bounds the dedup set; oldest ids are forgotten first.
	SeenIDCap int `env:"CHATCORE_SEEN_ID_CAP,default=4096" yaml:"seen_id_cap"`

	// ViewLimit truncates per-conversation views to the most recent N.
	ViewLimit int `env:"CHATCORE_VIEW_LIMIT,default=100" yaml:"view_limit"`

	// DataDir enables the durable history log when non-empty.
	DataDir string `env:"CHATCORE_DATA_DIR" yaml:"data_dir"`

	// Transport credentials.
	APIKey    string `env:"CHATCORE_API_KEY" yaml:"api_key"`
	ClusterID string `env:"CHATCORE_CLUSTER_ID" yaml:"cluster_id"`
	Room      string `env:"CHATCORE_ROOM,default=1" yaml:"room"`
}

// DefaultConfig returns the reference deployment defaults.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 3,
		ReconnectDelay:       3 * time.Second,
		MaxReconnectDelay:    10 * time.Second,
		QueueCapacity:        20,
		RetryInterval:        time.Second,
		MaxMessageBytes:      1 << 20,
		SeenIDCap:            4096,
		ViewLimit:            100,
		Room:                 "1",
	}
}

// LoadConfig builds a Config from the environment.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing env vars: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML config file over the defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// UnmarshalYAML decodes a config document, accepting Go duration strings
// ("3s", "250ms") for the delay fields. Absent fields leave the receiver
// untouched so file values layer over defaults.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig struct {
		MaxReconnectAttempts *int    `yaml:"max_reconnect_attempts"`
		ReconnectDelay       string  `yaml:"reconnect_delay"`
		MaxReconnectDelay    string  `yaml:"max_reconnect_delay"`
		QueueCapacity        *int    `yaml:"queue_capacity"`
		RetryInterval        string  `yaml:"retry_interval"`
		MaxMessageBytes      *int    `yaml:"max_message_bytes"`
		SeenIDCap            *int    `yaml:"seen_id_cap"`
		ViewLimit            *int    `yaml:"view_limit"`
		DataDir              *string `yaml:"data_dir"`
		APIKey               *string `yaml:"api_key"`
		ClusterID            *string `yaml:"cluster_id"`
		Room                 *string `yaml:"room"`
	}
	var raw rawConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}

	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(dst *time.Duration, src, field string) error {
		if src == "" {
			return nil
		}
		d, err := time.ParseDuration(src)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", field, err)
		}
		*dst = d
		return nil
	}

	setInt(&c.MaxReconnectAttempts, raw.MaxReconnectAttempts)
	setInt(&c.QueueCapacity, raw.QueueCapacity)
	setInt(&c.MaxMessageBytes, raw.MaxMessageBytes)
	setInt(&c.SeenIDCap, raw.SeenIDCap)
	setInt(&c.ViewLimit, raw.ViewLimit)
	setString(&c.DataDir, raw.DataDir)
	setString(&c.APIKey, raw.APIKey)
	setString(&c.ClusterID, raw.ClusterID)
	setString(&c.Room, raw.Room)
	if err := setDuration(&c.ReconnectDelay, raw.ReconnectDelay, "reconnect_delay"); err != nil {
		return err
	}
	if err := setDuration(&c.MaxReconnectDelay, raw.MaxReconnectDelay, "max_reconnect_delay"); err != nil {
		return err
	}
	return setDuration(&c.RetryInterval, raw.RetryInterval, "retry_interval")
}

// credentials converts config fields to the transport's form.
func (c Config) credentials() transport.Credentials {
	return transport.Credentials{
		APIKey:    c.APIKey,
		ClusterID: c.ClusterID,
		Room:      c.Room,
	}
}

// normalized fills zero fields with defaults so a sparse literal Config
// still behaves.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	if c.SeenIDCap <= 0 {
		c.SeenIDCap = def.SeenIDCap
	}
	if c.ViewLimit <= 0 {
		c.ViewLimit = def.ViewLimit
	}
	if c.Room == "" {
		c.Room = def.Room
	}
	return c
}
