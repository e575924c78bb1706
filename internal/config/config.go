package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"copilotmesh/internal/mesh"
)

const EnvPrefix = "COPILOT"

type Config struct {
	Role             string        `mapstructure:"ROLE"`
	Home             string        `mapstructure:"HOME"`
	UserID           string        `mapstructure:"USER_ID"`
	DisplayName      string        `mapstructure:"DISPLAY_NAME"`
	ListenAddr       string        `mapstructure:"LISTEN_ADDR"`
	BeaconAddr       string        `mapstructure:"BEACON_ADDR"`
	BeaconTargets    []string      `mapstructure:"BEACON_TARGETS"`
	BeaconInterval   time.Duration `mapstructure:"BEACON_INTERVAL"`
	PeerTTL          time.Duration `mapstructure:"PEER_TTL"`
	HandshakeTimeout time.Duration `mapstructure:"HANDSHAKE_TIMEOUT"`
	HistoryWindow    time.Duration `mapstructure:"HISTORY_WINDOW"`
	UplinkEnabled    bool          `mapstructure:"UPLINK_ENABLED"`
	APIBase          string        `mapstructure:"API_BASE"`
	APIToken         string        `mapstructure:"API_TOKEN"`
	FlushSize        int           `mapstructure:"FLUSH_SIZE"`
	FlushInterval    time.Duration `mapstructure:"FLUSH_INTERVAL"`
	PostgresURL      string        `mapstructure:"POSTGRES_URL"`
	RedisAddr        string        `mapstructure:"REDIS_ADDR"`
	RedisPassword    string        `mapstructure:"REDIS_PASSWORD"`
	JWTSecret        string        `mapstructure:"JWT_SECRET"`
	ServerAddr       string        `mapstructure:"SERVER_ADDR"`
	MetricsPath      string        `mapstructure:"METRICS_PATH"`
	PprofAddr        string        `mapstructure:"PPROF_ADDR"`
	PprofAllowPublic bool          `mapstructure:"PPROF_ALLOW_PUBLIC"`
	Debug            bool          `mapstructure:"DEBUG"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("ROLE", mesh.RoleNameController)
	v.SetDefault("HOME", ".copilot")
	v.SetDefault("USER_ID", "")
	v.SetDefault("DISPLAY_NAME", "")
	v.SetDefault("LISTEN_ADDR", "0.0.0.0:4610")
	v.SetDefault("BEACON_ADDR", "0.0.0.0:4611")
	v.SetDefault("BEACON_TARGETS", []string{"255.255.255.255:4611"})
	v.SetDefault("BEACON_INTERVAL", 2*time.Second)
	v.SetDefault("PEER_TTL", 10*time.Second)
	v.SetDefault("HANDSHAKE_TIMEOUT", mesh.DefaultHandshakeTimeout)
	v.SetDefault("HISTORY_WINDOW", time.Duration(0))
	v.SetDefault("UPLINK_ENABLED", false)
	v.SetDefault("API_BASE", "")
	v.SetDefault("API_TOKEN", "")
	v.SetDefault("FLUSH_SIZE", 120)
	v.SetDefault("FLUSH_INTERVAL", 120*time.Second)
	v.SetDefault("POSTGRES_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("SERVER_ADDR", ":8080")
	v.SetDefault("METRICS_PATH", "")
	v.SetDefault("PPROF_ADDR", "")
	v.SetDefault("PPROF_ALLOW_PUBLIC", false)
	v.SetDefault("DEBUG", false)
}

// Load reads COPILOT_* environment variables over the defaults. If
// COPILOT_CONFIG names a file, its values sit between the two.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	defaults(v)
	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := mesh.RoleByName(c.Role); err != nil {
		return err
	}
	if c.Home == "" {
		return errors.New("HOME must be set")
	}
	if c.FlushSize <= 0 || c.FlushInterval <= 0 {
		return errors.New("FLUSH_SIZE and FLUSH_INTERVAL must be positive")
	}
	if c.BeaconInterval <= 0 || c.PeerTTL <= 0 {
		return errors.New("BEACON_INTERVAL and PEER_TTL must be positive")
	}
	if c.HandshakeTimeout < 0 || c.HistoryWindow < 0 {
		return errors.New("HANDSHAKE_TIMEOUT and HISTORY_WINDOW must not be negative")
	}
	if c.IsController() && c.UserID == "" {
		return errors.New("USER_ID is required for a controller")
	}
	if c.UplinkEnabled && c.APIBase == "" {
		return errors.New("API_BASE is required when UPLINK_ENABLED is set")
	}
	return nil
}

func (c Config) IsController() bool {
	r, err := mesh.RoleByName(c.Role)
	return err == nil && r.HandshakeOnConnect
}
