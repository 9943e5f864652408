// Package config holds the flat runtime Config shared by the cmd/ binaries,
// generalizing the teacher's internal/config.Config (a flat struct plus a
// Default() constructor, overridden by flags/env in main) with a viper
// loader so service-identity fields (tags, weight, registry address) can
// come from an env var or an optional YAML file instead of only flags.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is shared by both the messaging engines and the discovery
// bootstrap; a binary that only needs one half leaves the other at its
// zero/default value.
type Config struct {
	// Connection Core
	WSListen          string        `mapstructure:"ws_listen"`
	QUICListen        string        `mapstructure:"quic_listen"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	PongTimeout       time.Duration `mapstructure:"pong_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"` // watchdog eviction age
	WatchdogInterval  time.Duration `mapstructure:"watchdog_interval"`
	MaxReconnect      int           `mapstructure:"max_reconnect"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	SendBuffer        int           `mapstructure:"send_buffer"`

	// Service Discovery Core
	RegistryBackend string            `mapstructure:"registry_backend"` // "consul" | "kv"
	ConsulAddr      string            `mapstructure:"consul_addr"`
	ConsulToken     string            `mapstructure:"consul_token"`
	ArgusURL        string            `mapstructure:"argus_url"`
	ArgusBucket     string            `mapstructure:"argus_bucket"`
	ArgusAuth       string            `mapstructure:"argus_auth"`
	KVPrefix        string            `mapstructure:"kv_prefix"`
	ServiceName     string            `mapstructure:"service_name"`
	ServiceID       string            `mapstructure:"service_id"`
	ServiceVersion  string            `mapstructure:"service_version"`
	ServiceTags     []string          `mapstructure:"service_tags"`
	ServiceMeta     map[string]string `mapstructure:"service_meta"`
	ServiceWeight   int               `mapstructure:"service_weight"`
	SyncInterval    time.Duration     `mapstructure:"sync_interval"`
	TTL             int               `mapstructure:"ttl"` // registration lease/check TTL, seconds

	LogLevel string `mapstructure:"log_level"`
}

// Default mirrors the teacher's Default(): a complete, runnable zero state.
func Default() Config {
	return Config{
		WSListen:          ":8082",
		QUICListen:        ":8083",
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		PingInterval:      30 * time.Second,
		PongTimeout:       10 * time.Second,
		ConnectionTimeout: 90 * time.Second,
		WatchdogInterval:  30 * time.Second,
		MaxReconnect:      5,
		ReconnectInterval: 5 * time.Second,
		SendBuffer:        100,

		RegistryBackend: "kv",
		ArgusURL:        "http://localhost:6600",
		ArgusBucket:     "services",
		KVPrefix:        "/flare/services/",
		ServiceWeight:   1,
		SyncInterval:    3 * time.Second,
		TTL:             30,

		LogLevel: "info",
	}
}

// Load builds a Config starting from Default(), then layering an optional
// YAML file and FLARE_-prefixed environment variables on top via viper,
// matching the teacher's flag+env-override texture but generalized to a
// full config surface instead of two or three ad-hoc os.Getenv calls.
func Load(configFile string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("FLARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// bindDefaults seeds viper's own defaults from cfg so env-only overrides
// (no config file at all) still resolve every key.
func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("ws_listen", cfg.WSListen)
	v.SetDefault("quic_listen", cfg.QUICListen)
	v.SetDefault("read_timeout", cfg.ReadTimeout)
	v.SetDefault("write_timeout", cfg.WriteTimeout)
	v.SetDefault("ping_interval", cfg.PingInterval)
	v.SetDefault("pong_timeout", cfg.PongTimeout)
	v.SetDefault("connection_timeout", cfg.ConnectionTimeout)
	v.SetDefault("watchdog_interval", cfg.WatchdogInterval)
	v.SetDefault("max_reconnect", cfg.MaxReconnect)
	v.SetDefault("reconnect_interval", cfg.ReconnectInterval)
	v.SetDefault("send_buffer", cfg.SendBuffer)
	v.SetDefault("registry_backend", cfg.RegistryBackend)
	v.SetDefault("consul_addr", cfg.ConsulAddr)
	v.SetDefault("consul_token", cfg.ConsulToken)
	v.SetDefault("argus_url", cfg.ArgusURL)
	v.SetDefault("argus_bucket", cfg.ArgusBucket)
	v.SetDefault("argus_auth", cfg.ArgusAuth)
	v.SetDefault("kv_prefix", cfg.KVPrefix)
	v.SetDefault("service_name", cfg.ServiceName)
	v.SetDefault("service_id", cfg.ServiceID)
	v.SetDefault("service_version", cfg.ServiceVersion)
	v.SetDefault("service_tags", cfg.ServiceTags)
	v.SetDefault("service_meta", cfg.ServiceMeta)
	v.SetDefault("service_weight", cfg.ServiceWeight)
	v.SetDefault("sync_interval", cfg.SyncInterval)
	v.SetDefault("ttl", cfg.TTL)
	v.SetDefault("log_level", cfg.LogLevel)
}
