package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/jbweber/homelab/tunnelguard/internal/lease"
	"github.com/jbweber/homelab/tunnelguard/internal/netns"
	"github.com/jbweber/homelab/tunnelguard/internal/repository"
)

// EnvPrefix prefixes every environment override, e.g. TUNNELGUARD_SERVER_LISTEN.
const EnvPrefix = "TUNNELGUARD"

// Config holds all configuration for the tunnelguard service
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WireGuard WireGuardConfig `mapstructure:"wireguard"`
	Socks5    Socks5Config    `mapstructure:"socks5"`
	Verifier  VerifierConfig  `mapstructure:"verifier"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Listen     string   `mapstructure:"listen"`
	PublicURL  string   `mapstructure:"public_url"`
	LocalCIDRs []string `mapstructure:"local_cidrs"` // Callers allowed to run tests and mint challenges
	RateLimit  float64  `mapstructure:"rate_limit"`  // Lease requests per second per caller; 0 disables
	RateBurst  int      `mapstructure:"rate_burst"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or mysql
	DSN    string `mapstructure:"dsn"`
}

type WireGuardConfig struct {
	ConfigDir     string        `mapstructure:"config_dir"`
	PeerCount     int           `mapstructure:"peer_count"`
	PrioritySlots int           `mapstructure:"priority_slots"`
	Container     string        `mapstructure:"container"`
	ReadyTimeout  time.Duration `mapstructure:"ready_timeout"`
}

type Socks5Config struct {
	PasswordDir string `mapstructure:"password_dir"`
	PublicHost  string `mapstructure:"public_host"`
	Port        int    `mapstructure:"port"`
	Container   string `mapstructure:"container"`
	EchoURL     string `mapstructure:"echo_url"`
}

type VerifierConfig struct {
	Backend       string        `mapstructure:"backend"` // netlink or command
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	IPFreeTimeout time.Duration `mapstructure:"ip_free_timeout"`
	Resolver      string        `mapstructure:"resolver"`
	Uplink        string        `mapstructure:"uplink"` // Empty means the default route's device
	TmpDir        string        `mapstructure:"tmp_dir"`
}

type PresenceConfig struct {
	Backend   string `mapstructure:"backend"` // memory or redis
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	Prefix    string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:     ":3000",
			PublicURL:  "http://localhost:3000",
			LocalCIDRs: []string{"127.0.0.0/8", "::1/128", "172.20.0.0/16", "172.21.0.0/16"},
			RateBurst:  10,
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "~/tunnelguard/data/tunnelguard.db"},
		WireGuard: WireGuardConfig{
			ConfigDir:     "/app/wireguard",
			PeerCount:     250,
			PrioritySlots: 1,
			Container:     "wireguard",
			ReadyTimeout:  30 * time.Second,
		},
		Socks5: Socks5Config{
			PasswordDir: "/passwords",
			PublicHost:  "127.0.0.1",
			Port:        1080,
			Container:   "dante",
			EchoURL:     "http://ipv4.icanhazip.com",
		},
		Verifier: VerifierConfig{
			Backend:       netns.BackendNetlink,
			ProbeTimeout:  30 * time.Second,
			IPFreeTimeout: 150 * time.Second,
			Resolver:      netns.DefaultResolver,
			TmpDir:        os.TempDir(),
		},
		Presence: PresenceConfig{Backend: "memory", Prefix: "tunnelguard:"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

func setDefaults(v *viper.Viper) {
	d := NewConfig()
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.public_url", d.Server.PublicURL)
	v.SetDefault("server.local_cidrs", d.Server.LocalCIDRs)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("wireguard.config_dir", d.WireGuard.ConfigDir)
	v.SetDefault("wireguard.peer_count", d.WireGuard.PeerCount)
	v.SetDefault("wireguard.priority_slots", d.WireGuard.PrioritySlots)
	v.SetDefault("wireguard.container", d.WireGuard.Container)
	v.SetDefault("wireguard.ready_timeout", d.WireGuard.ReadyTimeout)
	v.SetDefault("socks5.password_dir", d.Socks5.PasswordDir)
	v.SetDefault("socks5.public_host", d.Socks5.PublicHost)
	v.SetDefault("socks5.port", d.Socks5.Port)
	v.SetDefault("socks5.container", d.Socks5.Container)
	v.SetDefault("socks5.echo_url", d.Socks5.EchoURL)
	v.SetDefault("verifier.backend", d.Verifier.Backend)
	v.SetDefault("verifier.probe_timeout", d.Verifier.ProbeTimeout)
	v.SetDefault("verifier.ip_free_timeout", d.Verifier.IPFreeTimeout)
	v.SetDefault("verifier.resolver", d.Verifier.Resolver)
	v.SetDefault("verifier.uplink", d.Verifier.Uplink)
	v.SetDefault("verifier.tmp_dir", d.Verifier.TmpDir)
	v.SetDefault("presence.backend", d.Presence.Backend)
	v.SetDefault("presence.redis_addr", d.Presence.RedisAddr)
	v.SetDefault("presence.redis_db", d.Presence.RedisDB)
	v.SetDefault("presence.prefix", d.Presence.Prefix)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads .env (when present), then the YAML file at path, then
// TUNNELGUARD_* environment overrides. An empty path looks for
// tunnelguard.yaml in the working directory and /etc/tunnelguard; a missing
// file is fine there.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("tunnelguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tunnelguard")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &c, nil
}

// Validate reports every problem at once as a *lease.ConfigurationError.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.Server.Listen == "" {
		add("server.listen is required")
	}
	if u, err := url.Parse(c.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("server.public_url must be an absolute URL, got %q", c.Server.PublicURL)
	}
	for _, cidr := range c.Server.LocalCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			add("server.local_cidrs: invalid CIDR %q", cidr)
		}
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit must not be negative")
	}

	if _, err := repository.ParseDialect(c.Database.Driver); err != nil {
		add("database.driver must be sqlite or mysql, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		add("database.dsn is required")
	}

	if c.WireGuard.ConfigDir == "" {
		add("wireguard.config_dir is required")
	}
	if c.WireGuard.PeerCount < 1 {
		add("wireguard.peer_count must be at least 1")
	}
	if c.WireGuard.PrioritySlots < 1 {
		add("wireguard.priority_slots must be at least 1")
	}

	if c.Socks5.PasswordDir == "" {
		add("socks5.password_dir is required")
	}
	if c.Socks5.PublicHost == "" {
		add("socks5.public_host is required")
	}
	if c.Socks5.Port < 1 || c.Socks5.Port > 65535 {
		add("socks5.port must be within 1-65535, got %d", c.Socks5.Port)
	}

	switch c.Verifier.Backend {
	case netns.BackendNetlink, netns.BackendCommand:
	default:
		add("verifier.backend must be %s or %s, got %q", netns.BackendNetlink, netns.BackendCommand, c.Verifier.Backend)
	}
	if net.ParseIP(c.Verifier.Resolver) == nil {
		add("verifier.resolver must be an IP address, got %q", c.Verifier.Resolver)
	}
	if c.Verifier.ProbeTimeout <= 0 {
		add("verifier.probe_timeout must be positive")
	}

	switch c.Presence.Backend {
	case "memory":
	case "redis":
		if c.Presence.RedisAddr == "" {
			add("presence.redis_addr is required for the redis backend")
		}
	default:
		add("presence.backend must be memory or redis, got %q", c.Presence.Backend)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}

	if len(problems) > 0 {
		return &lease.ConfigurationError{Problems: problems}
	}
	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Return original path if we can't get home dir
		return path
	}

	return filepath.Join(homeDir, path[2:])
}
