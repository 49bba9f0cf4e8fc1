package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the motorlink daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume a
// well-formed config.
type Config struct {
	// Serial link to the motor controller
	Serial SerialConfig `yaml:"serial"`

	// Channel policy (ordering, bulk trigger)
	Channels ChannelsConfig `yaml:"channels"`

	// IPC configuration (host scripts, motorlink send/ctl)
	IPC IPCConfig `yaml:"ipc"`

	// HTTP server (host WebSocket, status)
	HTTP HTTPConfig `yaml:"http"`

	// Optional MQTT bridge
	MQTT MQTTConfig `yaml:"mqtt"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type SerialConfig struct {
	Device string `yaml:"device"`

	// BulkDevice receives S data frames. The motor firmware only parses line commands,
	// so bulk frames never go to Device unless BulkDevice names the same port. Empty
	// disables bulk output.
	BulkDevice string `yaml:"bulk_device,omitempty"`

	// ReadTimeoutMS bounds each port read so the reader notices shutdown. Must be > 0.
	Baud          int    `yaml:"baud"`
	ReadTimeoutMS int `yaml:"read_timeout_ms"`
	Retries       int  `yaml:"retries"`
	RetryDelayMS  int  `yaml:"retry_delay_ms"`
	Lock          bool `yaml:"lock"`
}

type ChannelsConfig struct {
	// Priority orders channels within one frame. Unlisted channels follow, by name.
	Priority []string `yaml:"priority"`

	// BulkTrigger names the channel whose rising edge sends the data buffer. Empty disables.
	BulkTrigger string `yaml:"bulk_trigger"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id,omitempty"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`

	// File, if set, sends logs to a size-rotated file instead of stdout.
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Serial: SerialConfig{
			Device:        defaultSerialDevice,
			Baud:          defaultSerialBaud,
			ReadTimeoutMS: defaultSerialReadTimeoutMS,
			Retries:       defaultSerialRetries,
			RetryDelayMS:  defaultSerialRetryDelayMS,
		},
		Channels: ChannelsConfig{
			Priority:    []string{channelMode, channelCalib, channelPos},
			BulkTrigger: defaultBulkTriggerChannel,
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocketPath,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Port:    defaultHTTPPort,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			TopicPrefix: defaultMQTTTopicPrefix,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
// Unknown fields are rejected (helps catch typos).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds flag values to apply on top of a loaded config. Each pointer is
// only applied if non-nil; main.go sets only the flags that were given.
type FlagOverrides struct {
	SerialDevice     *string
	SerialBulkDevice *string
	SerialBaud       *int
	SerialLock       *bool

	BulkTrigger *string

	IPCSocketPath *string

	HTTPEnabled *bool
	HTTPPort    *int

	MQTTEnabled *bool
	MQTTBroker  *string

	LogLevel *string
	LogFile  *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.SerialDevice != nil {
		cfg.Serial.Device = *o.SerialDevice
	}
	if o.SerialBulkDevice != nil {
		cfg.Serial.BulkDevice = *o.SerialBulkDevice
	}
	if o.SerialBaud != nil {
		cfg.Serial.Baud = *o.SerialBaud
	}
	if o.SerialLock != nil {
		cfg.Serial.Lock = *o.SerialLock
	}
	if o.BulkTrigger != nil {
		cfg.Channels.BulkTrigger = *o.BulkTrigger
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPEnabled != nil {
		cfg.HTTP.Enabled = *o.HTTPEnabled
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}
	if o.MQTTEnabled != nil {
		cfg.MQTT.Enabled = *o.MQTTEnabled
	}
	if o.MQTTBroker != nil {
		cfg.MQTT.Broker = *o.MQTTBroker
		if *o.MQTTBroker != "" {
			cfg.MQTT.Enabled = true
		}
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.LogFile != nil {
		cfg.Logging.File = *o.LogFile
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	if c.Serial.Device == "" {
		return errors.New("serial.device must not be empty")
	}
	if c.Serial.Baud <= 0 {
		return errors.New("serial.baud must be > 0")
	}
	if c.Serial.ReadTimeoutMS <= 0 {
		// A zero timeout makes reads block forever and the reader could not stop.
		return errors.New("serial.read_timeout_ms must be > 0")
	}
	if c.Serial.Retries <= 0 {
		return errors.New("serial.retries must be > 0")
	}
	if c.Serial.RetryDelayMS < 0 {
		return errors.New("serial.retry_delay_ms must be >= 0")
	}

	seen := make(map[string]bool, len(c.Channels.Priority))
	for i, ch := range c.Channels.Priority {
		if ch == "" {
			return fmt.Errorf("channels.priority[%d] is empty", i)
		}
		if seen[ch] {
			return fmt.Errorf("channels.priority lists %q twice", ch)
		}
		seen[ch] = true
	}
	switch c.Channels.BulkTrigger {
	case channelMode, channelCalib, channelPos:
		return fmt.Errorf("channels.bulk_trigger must not be a control channel (%q)", c.Channels.BulkTrigger)
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.enabled is true but mqtt.broker is empty")
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ToReduceConfig converts the channel policy into the reducer's config.
func (c *Config) ToReduceConfig() ReduceConfig {
	return ReduceConfig{
		ChannelPriority:    append([]string(nil), c.Channels.Priority...),
		BulkTriggerChannel: c.Channels.BulkTrigger,
	}
}

// ToSerialClientConfig converts the serial section into the motor transport's config.
func (c *Config) ToSerialClientConfig() SerialClientConfig {
	return SerialClientConfig{
		Device:     c.Serial.Device,
		Retries:    c.Serial.Retries,
		RetryDelay: time.Duration(c.Serial.RetryDelayMS) * time.Millisecond,
		Lock:       c.Serial.Lock,
	}
}

// BulkPort reports how bulk frames are routed: not at all, over the motor port, or
// over a port of their own.
func (c *Config) BulkPort() (enabled, shared bool) {
	switch c.Serial.BulkDevice {
	case "":
		return false, false
	case c.Serial.Device:
		return true, true
	default:
		return true, false
	}
}

// ToBulkClientConfig converts the serial section into the bulk transport's config.
// The bulk port is write-only, so it reopens itself on the next send.
func (c *Config) ToBulkClientConfig() SerialClientConfig {
	sc := c.ToSerialClientConfig()
	sc.Device = c.Serial.BulkDevice
	sc.Retries = 1
	sc.ConnectOnSend = true
	return sc
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
