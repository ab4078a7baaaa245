// Package config loads server and client settings from a YAML file, a .env
// file and RELAY_* environment variables, in that order of precedence
// (later wins). Command-line flags are applied on top by the binaries.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/orris-inc/orris-relay/internal/mux"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// EnvPrefix prefixes every environment variable read by this package.
const EnvPrefix = "RELAY_"

// Store backends.
const (
	StoreFile  = "file"
	StoreRedis = "redis"
)

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SessionConfig tunes control sessions. The server announces the heartbeat
// interval and stream window to clients.
type SessionConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	StreamWindow        int           `yaml:"stream_window"`
	BackpressureTimeout time.Duration `yaml:"backpressure_timeout"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	MaxStreams          int           `yaml:"max_streams"`
}

// RedisConfig locates a shared Redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// StoreConfig selects where users and tunnels come from.
type StoreConfig struct {
	Type  string      `yaml:"type"`
	Path  string      `yaml:"path"`
	Redis RedisConfig `yaml:"redis"`
}

type ServerConfig struct {
	Listen        string        `yaml:"listen"`
	Transport     string        `yaml:"transport"`
	TLSCert       string        `yaml:"tls_cert"`
	TLSKey        string        `yaml:"tls_key"`
	MetricsListen string        `yaml:"metrics_listen"`
	StatsInterval time.Duration `yaml:"stats_interval"`

	DialTimeout    time.Duration `yaml:"dial_timeout"`
	UDPIdleTimeout time.Duration `yaml:"udp_idle_timeout"`

	// AuthRate is the sustained number of authentication attempts allowed
	// per remote IP per second, AuthBurst the bucket size.
	AuthRate  float64 `yaml:"auth_rate"`
	AuthBurst int     `yaml:"auth_burst"`

	Session SessionConfig `yaml:"session"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
}

type ClientConfig struct {
	Server        string `yaml:"server"`
	Transport     string `yaml:"transport"`
	TLS           bool   `yaml:"tls"`
	TLSServerName string `yaml:"tls_server_name"`
	TLSInsecure   bool   `yaml:"tls_insecure"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`

	DialTimeout       time.Duration `yaml:"dial_timeout"`
	UDPIdleTimeout    time.Duration `yaml:"udp_idle_timeout"`
	StatsInterval     time.Duration `yaml:"stats_interval"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`

	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
}

func defaultSession() SessionConfig {
	d := mux.DefaultConfig()
	return SessionConfig{
		HeartbeatInterval:   d.HeartbeatInterval,
		HeartbeatTimeout:    d.HeartbeatTimeout,
		StreamWindow:        d.StreamWindow,
		BackpressureTimeout: d.BackpressureTimeout,
		OpenTimeout:         d.OpenTimeout,
		MaxStreams:          d.MaxStreams,
	}
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:         ":7000",
		Transport:      tunnel.TransportTCP,
		StatsInterval:  60 * time.Second,
		DialTimeout:    10 * time.Second,
		UDPIdleTimeout: 2 * time.Minute,
		AuthRate:       1,
		AuthBurst:      5,
		Session:        defaultSession(),
		Store:          StoreConfig{Type: StoreFile, Path: "relay.yaml"},
		Log:            LogConfig{Level: "info", Format: "text"},
	}
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Server:            "localhost:7000",
		Transport:         tunnel.TransportTCP,
		DialTimeout:       10 * time.Second,
		UDPIdleTimeout:    2 * time.Minute,
		StatsInterval:     60 * time.Second,
		ReconnectInterval: time.Second,
		ReconnectMax:      30 * time.Second,
		Session:           defaultSession(),
		Log:               LogConfig{Level: "info", Format: "text"},
	}
}

// LoadServer builds the server configuration from defaults, the YAML file at
// path (skipped when empty) and the environment.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient builds the client configuration from defaults, the YAML file at
// path (skipped when empty) and the environment.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *ServerConfig) applyEnv() error {
	e := envReader{}
	e.strVar("LISTEN", &c.Listen)
	e.strVar("TRANSPORT", &c.Transport)
	e.strVar("TLS_CERT", &c.TLSCert)
	e.strVar("TLS_KEY", &c.TLSKey)
	e.strVar("METRICS_LISTEN", &c.MetricsListen)
	e.durationVar("STATS_INTERVAL", &c.StatsInterval)
	e.durationVar("DIAL_TIMEOUT", &c.DialTimeout)
	e.durationVar("UDP_IDLE_TIMEOUT", &c.UDPIdleTimeout)
	e.floatVar("AUTH_RATE", &c.AuthRate)
	e.intVar("AUTH_BURST", &c.AuthBurst)
	e.session(&c.Session)
	e.strVar("STORE", &c.Store.Type)
	e.strVar("STORE_PATH", &c.Store.Path)
	e.strVar("REDIS_ADDR", &c.Store.Redis.Addr)
	e.strVar("REDIS_USERNAME", &c.Store.Redis.Username)
	e.strVar("REDIS_PASSWORD", &c.Store.Redis.Password)
	e.intVar("REDIS_DB", &c.Store.Redis.DB)
	e.strVar("REDIS_PREFIX", &c.Store.Redis.Prefix)
	e.strVar("LOG_LEVEL", &c.Log.Level)
	e.strVar("LOG_FORMAT", &c.Log.Format)
	return e.err
}

func (c *ClientConfig) applyEnv() error {
	e := envReader{}
	e.strVar("SERVER", &c.Server)
	e.strVar("TRANSPORT", &c.Transport)
	e.boolVar("TLS", &c.TLS)
	e.strVar("TLS_SERVER_NAME", &c.TLSServerName)
	e.boolVar("TLS_INSECURE", &c.TLSInsecure)
	e.strVar("USERNAME", &c.Username)
	e.strVar("PASSWORD", &c.Password)
	e.durationVar("DIAL_TIMEOUT", &c.DialTimeout)
	e.durationVar("UDP_IDLE_TIMEOUT", &c.UDPIdleTimeout)
	e.durationVar("STATS_INTERVAL", &c.StatsInterval)
	e.durationVar("RECONNECT_INTERVAL", &c.ReconnectInterval)
	e.durationVar("RECONNECT_MAX", &c.ReconnectMax)
	e.session(&c.Session)
	e.strVar("LOG_LEVEL", &c.Log.Level)
	e.strVar("LOG_FORMAT", &c.Log.Format)
	return e.err
}

// Validate checks the settings the server cannot start without.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if err := checkTransport(c.Transport); err != nil {
		return err
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	switch c.Store.Type {
	case StoreFile:
		if c.Store.Path == "" {
			return errors.New("store path is required")
		}
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("redis address is required")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store.Type)
	}
	if c.AuthRate <= 0 || c.AuthBurst <= 0 {
		return errors.New("auth_rate and auth_burst must be positive")
	}
	return nil
}

// Validate checks the settings the client cannot start without.
func (c *ClientConfig) Validate() error {
	if c.Server == "" {
		return errors.New("server address is required")
	}
	if c.Username == "" {
		return errors.New("username is required (use --username or RELAY_USERNAME env)")
	}
	return checkTransport(c.Transport)
}

func checkTransport(kind string) error {
	switch kind {
	case tunnel.TransportTCP, tunnel.TransportWebsocket:
		return nil
	default:
		return fmt.Errorf("unknown transport %q", kind)
	}
}

// TLSConfig loads the server certificate, or returns nil when TLS is off.
func (c *ServerConfig) TLSConfig() (*tls.Config, error) {
	if c.TLSCert == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// TLSConfig returns the client TLS settings, or nil when TLS is off.
func (c *ClientConfig) TLSConfig() *tls.Config {
	if !c.TLS {
		return nil
	}
	return &tls.Config{
		ServerName:         c.TLSServerName,
		InsecureSkipVerify: c.TLSInsecure,
		MinVersion:         tls.VersionTLS12,
	}
}

// Mux converts the session settings. Events and Logger are left for the
// caller.
func (s SessionConfig) Mux() mux.Config {
	return mux.Config{
		HeartbeatInterval:   s.HeartbeatInterval,
		HeartbeatTimeout:    s.HeartbeatTimeout,
		StreamWindow:        s.StreamWindow,
		BackpressureTimeout: s.BackpressureTimeout,
		OpenTimeout:         s.OpenTimeout,
		MaxStreams:          s.MaxStreams,
	}
}

// envReader overlays RELAY_* variables and keeps the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
}

func (e *envReader) strVar(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) floatVar(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolVar(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) durationVar(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) session(s *SessionConfig) {
	e.durationVar("HEARTBEAT_INTERVAL", &s.HeartbeatInterval)
	e.durationVar("HEARTBEAT_TIMEOUT", &s.HeartbeatTimeout)
	e.intVar("STREAM_WINDOW", &s.StreamWindow)
	e.durationVar("BACKPRESSURE_TIMEOUT", &s.BackpressureTimeout)
	e.durationVar("OPEN_TIMEOUT", &s.OpenTimeout)
	e.intVar("MAX_STREAMS", &s.MaxStreams)
}
