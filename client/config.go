package client

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	commoncfg "github.com/schemawire/schemawire/core/config"
	"github.com/schemawire/schemawire/core/reconnect"
)

// Config holds the settings for one protocol client.
type Config struct {
	// ServerURL is the WebSocket endpoint (e.g. ws://localhost:8080/ws).
	ServerURL string `yaml:"server_url"`
	// ClientName is a display name shown in logs; defaults to the hostname.
	ClientName string `yaml:"client_name"`
	// DialTimeout bounds a single WebSocket dial.
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// ConnectWait bounds how long a Connect call waits for an attempt
	// already in flight before giving up with ErrConnectTimeout.
	ConnectWait time.Duration `yaml:"connect_wait"`
	// Reconnect enables automatic reconnection after an unexpected close.
	Reconnect bool `yaml:"reconnect"`
	// ReconnectBase is the backoff base delay; doubles per failed attempt.
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	// MaxReconnectAttempts caps consecutive failed reconnect attempts.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// MetricsAddr enables a Prometheus /metrics listener when non-empty.
	MetricsAddr string `yaml:"metrics_port"`
	// LogLevel is passed to logx.Configure by the embedding application.
	LogLevel string `yaml:"log_level"`
	// ConfigFile is the YAML file LoadDefault reads; it is not itself a
	// file entry.
	ConfigFile string `yaml:"-"`
}

// FromEnv populates the config with defaults from environment variables.
func (c *Config) FromEnv() {
	c.ConfigFile = commoncfg.GetEnv("CONFIG_FILE", commoncfg.DefaultConfigPath("client.yaml"))
	c.ServerURL = commoncfg.GetEnv("SERVER_URL", "ws://localhost:8080/ws")
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "client-" + uuid.NewString()[:8]
	}
	c.ClientName = commoncfg.GetEnv("CLIENT_NAME", host)
	c.LogLevel = commoncfg.GetEnv("LOG_LEVEL", "info")
	c.MetricsAddr = commoncfg.GetEnv("METRICS_PORT", "")
	if v, err := time.ParseDuration(commoncfg.GetEnv("DIAL_TIMEOUT", "10s")); err == nil {
		c.DialTimeout = v
	}
	if v, err := time.ParseDuration(commoncfg.GetEnv("CONNECT_WAIT", "10s")); err == nil {
		c.ConnectWait = v
	}
	if v, err := strconv.ParseBool(commoncfg.GetEnv("RECONNECT", "true")); err == nil {
		c.Reconnect = v
	}
	if v, err := time.ParseDuration(commoncfg.GetEnv("RECONNECT_BASE", "1s")); err == nil {
		c.ReconnectBase = v
	}
	if v, err := strconv.Atoi(commoncfg.GetEnv("MAX_RECONNECT_ATTEMPTS", "5")); err == nil {
		c.MaxReconnectAttempts = v
	}
}

// LoadDefault reads ConfigFile when it exists. A missing file is not an
// error; any other read or parse failure is.
func (c *Config) LoadDefault() error {
	if c.ConfigFile == "" {
		return nil
	}
	if _, err := os.Stat(c.ConfigFile); os.IsNotExist(err) {
		return nil
	}
	return c.LoadFile(c.ConfigFile)
}

// LoadFile populates the config from a YAML file. Fields already set remain
// unless overwritten by corresponding entries in the file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 10 * time.Second
}

func (c Config) connectWait() time.Duration {
	if c.ConnectWait > 0 {
		return c.ConnectWait
	}
	return 10 * time.Second
}

func (c Config) backoff() reconnect.Policy {
	return reconnect.Policy{BaseDelay: c.ReconnectBase, MaxAttempts: c.MaxReconnectAttempts}
}
