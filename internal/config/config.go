// Package config holds the server configuration: built-in defaults, an
// optional YAML file and environment overrides, applied in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListen         = ":8080"
	DefaultPath           = "/vlessws"
	DefaultResolver       = "https://1.1.1.1/dns-query"
	DefaultUsersFile      = "users.json"
	DefaultMaxAttempts    = 5
	DefaultConnectTimeout = 10 * time.Second
	DefaultDoHTimeout     = 10 * time.Second
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultAdminRate      = 5.0
	DefaultAdminBurst     = 10
	DefaultMaxMessageSize = 1 << 20 // largest WebSocket message accepted from a client
	DefaultMaxPending     = 1 << 20 // client bytes held while the destination is connecting
)

// Relay is the fallback destination used from the second connection attempt
// on. An empty Address or a zero Port falls back to the value carried in the
// request header.
type Relay struct {
	Address string `yaml:"address"`
	Port    uint16 `yaml:"port"`
}

func (r *Relay) String() string {
	if r == nil {
		return "none"
	}
	return net.JoinHostPort(r.Address, strconv.Itoa(int(r.Port)))
}

// Config stores every server parameter.
type Config struct {
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	Resolver    string `yaml:"resolver"`
	RelayRaw    string `yaml:"proxy"` // "host:port", "host" or ":port"
	APIToken    string `yaml:"api_token"`
	UsersFile   string `yaml:"users_file"`
	MaxAttempts int    `yaml:"max_attempts"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	DoHTimeout     time.Duration `yaml:"doh_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"` // 0 disables

	MaxMessageSize int64 `yaml:"max_message_size"`
	MaxPending     int   `yaml:"max_pending"`

	AdminRate  float64 `yaml:"admin_rate"` // requests per second
	AdminBurst int     `yaml:"admin_burst"`

	Debug bool `yaml:"debug"`

	// Relay is parsed from RelayRaw by Validate.
	Relay *Relay `yaml:"-"`

	// Now is the clock used for account expiry checks.
	Now func() time.Time `yaml:"-"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Listen:         DefaultListen,
		Path:           DefaultPath,
		Resolver:       DefaultResolver,
		UsersFile:      DefaultUsersFile,
		MaxAttempts:    DefaultMaxAttempts,
		ConnectTimeout: DefaultConnectTimeout,
		DoHTimeout:     DefaultDoHTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
		MaxPending:     DefaultMaxPending,
		AdminRate:      DefaultAdminRate,
		AdminBurst:     DefaultAdminBurst,
		Now:            time.Now,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside of tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LISTEN":       &c.Listen,
		"WS_PATH":      &c.Path,
		"DNS_RESOLVER": &c.Resolver,
		"PROXY":        &c.RelayRaw,
		"API_TOKEN":    &c.APIToken,
		"USERS_FILE":   &c.UsersFile,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	if v, ok := lookup("MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid MAX_ATTEMPTS %q: %w", v, err)
		}
		c.MaxAttempts = n
	}
	return nil
}

// Validate checks the configuration and derives Relay from RelayRaw.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if !strings.HasPrefix(c.Path, "/") || c.Path == "/" {
		return fmt.Errorf("websocket path %q must start with '/' and not be the root", c.Path)
	}

	u, err := url.Parse(c.Resolver)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("invalid DoH resolver %q", c.Resolver)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.MaxMessageSize <= 0 || c.MaxPending <= 0 {
		return errors.New("message and pending limits must be positive")
	}
	if c.ConnectTimeout <= 0 || c.DoHTimeout <= 0 || c.IdleTimeout < 0 {
		return errors.New("timeouts must be positive")
	}

	relay, err := ParseRelay(c.RelayRaw)
	if err != nil {
		return err
	}
	c.Relay = relay

	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// ParseRelay parses a relay override. Accepted forms are "host:port",
// "[v6]:port", "host" and ":port". An empty string yields (nil, nil).
func ParseRelay(raw string) (*Relay, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		// No port part.
		host = strings.Trim(raw, "[]")
		portStr = ""
	}

	r := &Relay{Address: host}
	if portStr != "" {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid relay port in %q: %w", raw, err)
		}
		r.Port = uint16(port)
	}
	if r.Address == "" && r.Port == 0 {
		return nil, fmt.Errorf("invalid relay %q", raw)
	}
	return r, nil
}
