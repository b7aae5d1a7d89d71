package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"
)

// EnvPath names the environment variable that overrides the config file location.
const EnvPath = "GCHAT_CONFIG"

const defaultConf = `server:
    name: "gchat"
    host: ""
    port: "5000"
    max_connections: 50
    idle_timeout: 0s
    debug: false
log:
    level: "info"
    file: ""
redis:
    enabled: false
    url: "redis://localhost:6379/0"
    pod_id: ""
`

// Config holds every setting of the chat server. The zero value is not useful, start from Default.
type Config struct {
	Server struct {
		Name           string        `yaml:"name"`
		Host           string        `yaml:"host"`
		Port           string        `yaml:"port"`
		MaxConnections int           `yaml:"max_connections"`
		IdleTimeout    time.Duration `yaml:"idle_timeout"`
		Debug          bool          `yaml:"debug"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`

	Redis struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		PodID   string `yaml:"pod_id"`
	} `yaml:"redis"`
}

// Default returns the configuration written to disk on first run.
func Default() *Config {
	c := &Config{}
	if err := yaml.Unmarshal([]byte(defaultConf), c); err != nil {
		// defaultConf is a constant, failing here is a build defect
		panic(err)
	}
	return c
}

// Path resolves the config file location: $GCHAT_CONFIG, or ~/.gchat/conf.yaml.
func Path() (string, error) {
	if p := os.Getenv(EnvPath); p != "" {
		return p, nil
	}
	osUser, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolving current user: %w", err)
	}
	return filepath.Join(osUser.HomeDir, ".gchat", "conf.yaml"), nil
}

// Bootstrap writes the default config to path unless a file already exists there.
func Bootstrap(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConf), 0o644); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	log.Infof("Wrote default configuration to %s", path)
	return nil
}

// Load decodes the YAML file at path on top of the defaults. A missing file
// yields the defaults unchanged.
func Load(path string) (*Config, error) {
	c := Default()

	yamlFile, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(yamlFile, c); err != nil {
		return nil, fmt.Errorf("decoding config file %s: %w", path, err)
	}
	return c, nil
}

// Validate reports the first setting that would keep the server from starting.
func (c *Config) Validate() error {
	if _, err := ParsePort(c.Server.Port); err != nil {
		return err
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be positive, got %d", c.Server.MaxConnections)
	}
	if c.Server.IdleTimeout < 0 {
		return fmt.Errorf("server.idle_timeout must not be negative, got %s", c.Server.IdleTimeout)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return errors.New("redis.url is required when redis is enabled")
	}
	return nil
}

// Address is the host:port the server listens on.
func (c *Config) Address() string {
	return c.Server.Host + ":" + c.Server.Port
}

// ParsePort checks that s is a TCP port number usable for listening or dialing.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: not a number", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %d: must be between 1 and 65535", port)
	}
	return port, nil
}
