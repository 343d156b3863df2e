package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultName           = "busctl"
	DefaultAddr           = "127.0.0.1:7400"
	DefaultWorkerPath     = "busworker"
	DefaultRequestTimeout = 5 * time.Second
	DefaultPins           = 16
	DefaultTopicPrefix    = "workerbus"
)

// HostConfig is the busctl host file: admin surface plus worker location.
type HostConfig struct {
	Name           string       `toml:"name" yaml:"name"`
	Addr           string       `toml:"addr" yaml:"addr"`
	CorsOrigins    []string     `toml:"cors_origins" yaml:"cors_origins"`
	Token          string       `toml:"token" yaml:"token"`
	RequestTimeout string       `toml:"request_timeout" yaml:"request_timeout"`
	Worker         WorkerConfig `toml:"worker" yaml:"worker"`
	MQTT           MQTTConfig   `toml:"mqtt" yaml:"mqtt"`
}

// WorkerConfig locates the worker: a child process by path, or a websocket URL.
type WorkerConfig struct {
	Path  string   `toml:"path" yaml:"path"`
	Args  []string `toml:"args" yaml:"args"`
	URL   string   `toml:"url" yaml:"url"`
	Token string   `toml:"token" yaml:"token"`
}

// MQTTConfig mirrors broadcasts onto a broker. An empty broker disables it.
type MQTTConfig struct {
	Broker         string   `toml:"broker" yaml:"broker"`
	ClientID       string   `toml:"client_id" yaml:"client_id"`
	TopicPrefix    string   `toml:"topic_prefix" yaml:"topic_prefix"`
	Actions        []string `toml:"actions" yaml:"actions"`
	QoS            int      `toml:"qos" yaml:"qos"`
	Control        bool     `toml:"control" yaml:"control"`
	RequestTimeout string   `toml:"request_timeout" yaml:"request_timeout"`
	Encoding       string   `toml:"encoding" yaml:"encoding"`
}

// WorkerNodeConfig is the busworker file.
type WorkerNodeConfig struct {
	Name   string `toml:"name" yaml:"name"`
	Listen string `toml:"listen" yaml:"listen"`
	Token  string `toml:"token" yaml:"token"`
	Pins   int    `toml:"pins" yaml:"pins"`
}

func LoadHostConfig(path string) (HostConfig, error) {
	var cfg HostConfig
	if err := loadFile(path, &cfg); err != nil {
		return HostConfig{}, err
	}
	ApplyHostDefaults(&cfg)
	if err := ValidateHostConfig(cfg); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}

func LoadWorkerNodeConfig(path string) (WorkerNodeConfig, error) {
	var cfg WorkerNodeConfig
	if err := loadFile(path, &cfg); err != nil {
		return WorkerNodeConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "busworker"
	}
	if cfg.Pins == 0 {
		cfg.Pins = DefaultPins
	}
	if cfg.Pins < 0 {
		return WorkerNodeConfig{}, fmt.Errorf("worker config pins must be positive")
	}
	return cfg, nil
}

// ApplyHostDefaults fills unset fields. A worker URL suppresses the default path.
func ApplyHostDefaults(cfg *HostConfig) {
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = DefaultName
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if strings.TrimSpace(cfg.RequestTimeout) == "" {
		cfg.RequestTimeout = DefaultRequestTimeout.String()
	}
	if strings.TrimSpace(cfg.Worker.URL) == "" && strings.TrimSpace(cfg.Worker.Path) == "" {
		cfg.Worker.Path = DefaultWorkerPath
	}
	if cfg.MQTT.Enabled() {
		if strings.TrimSpace(cfg.MQTT.TopicPrefix) == "" {
			cfg.MQTT.TopicPrefix = DefaultTopicPrefix
		}
		if strings.TrimSpace(cfg.MQTT.ClientID) == "" {
			cfg.MQTT.ClientID = cfg.Name
		}
	}
}

func ValidateHostConfig(cfg HostConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("host config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("host config missing addr")
	}
	if _, err := cfg.Timeout(); err != nil {
		return err
	}
	if err := ValidateWorkerEntry(cfg.Worker); err != nil {
		return fmt.Errorf("worker invalid: %w", err)
	}
	if err := ValidateMQTT(cfg.MQTT); err != nil {
		return fmt.Errorf("mqtt invalid: %w", err)
	}
	return nil
}

func ValidateMQTT(cfg MQTTConfig) error {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2")
	}
	if _, err := cfg.Timeout(); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Encoding)) {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("encoding must be json or msgpack")
	}
	if len(cfg.Actions) == 0 && !cfg.Control {
		return fmt.Errorf("actions or control is required")
	}
	return nil
}

func ValidateWorkerEntry(cfg WorkerConfig) error {
	path := strings.TrimSpace(cfg.Path)
	url := strings.TrimSpace(cfg.URL)
	switch {
	case path == "" && url == "":
		return fmt.Errorf("path or url is required")
	case path != "" && url != "":
		return fmt.Errorf("path and url are mutually exclusive")
	case url != "" && !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://"):
		return fmt.Errorf("url must use ws:// or wss://")
	}
	return nil
}

// Timeout parses RequestTimeout. Zero disables the admin deadline.
func (c HostConfig) Timeout() (time.Duration, error) {
	raw := strings.TrimSpace(c.RequestTimeout)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse request_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("request_timeout must not be negative")
	}
	return d, nil
}

func (m MQTTConfig) Enabled() bool {
	return strings.TrimSpace(m.Broker) != ""
}

// Timeout parses the deadline for requests forwarded from the broker.
func (m MQTTConfig) Timeout() (time.Duration, error) {
	raw := strings.TrimSpace(m.RequestTimeout)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse mqtt request_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("mqtt request_timeout must not be negative")
	}
	return d, nil
}

// IsYAML reports whether path is read as YAML rather than TOML.
func IsYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Remote reports whether the worker is reached over a websocket.
func (w WorkerConfig) Remote() bool {
	return strings.TrimSpace(w.URL) != ""
}

func loadFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if IsYAML(path) {
		err = yaml.Unmarshal(data, out)
	} else {
		err = toml.Unmarshal(data, out)
	}
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
