package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/MWhitburn/fleetscan/internal/config"
)

// Settings holds the daemon's runtime configuration, loaded from an optional
// YAML file and FLEETSCAN_* environment variables. This is distinct from the
// scan-group configuration, which lives in its own JSON document and is
// edited through the API.
type Settings struct {
	Server struct {
		Host string
		Port int
	}
	Scan struct {
		Concurrency int
		Timeout     time.Duration
		Buffer      int
		RateLimit   float64
		PingFirst   bool
		PingTimeout time.Duration
		StalePolicy string
	}
	Store struct {
		ConfigPath  string
		HistoryPath string
	}
	Discovery struct {
		MDNS struct {
			Enabled  bool
			Interval time.Duration
		}
	}
}

// Addr returns the listen address.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Server.Host, s.Server.Port)
}

// StalePolicy returns the configured merge policy for interrupted scans.
func (s *Settings) StalePolicy() config.StalePolicy {
	p := config.StalePolicy(s.Scan.StalePolicy)
	if !p.Valid() {
		return config.StaleMarkPartial
	}
	return p
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8420)

	v.SetDefault("scan.concurrency", 64)
	v.SetDefault("scan.timeout", "5s")
	v.SetDefault("scan.buffer", 256)
	v.SetDefault("scan.rate_limit", 0.0)
	v.SetDefault("scan.ping_first", false)
	v.SetDefault("scan.ping_timeout", "1s")
	v.SetDefault("scan.stale_policy", string(config.StaleMarkPartial))

	v.SetDefault("store.config_path", "fleetscan.json")
	v.SetDefault("store.history_path", "fleetscan.db")

	v.SetDefault("discovery.mdns.enabled", false)
	v.SetDefault("discovery.mdns.interval", "60s")
}

// LoadSettings reads settings from path (optional; empty means defaults and
// environment only). Environment variables use the FLEETSCAN prefix with
// underscores, e.g. FLEETSCAN_SERVER_PORT=9000.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLEETSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %q: %w", path, err)
		}
	}

	s := &Settings{}
	s.Server.Host = v.GetString("server.host")
	s.Server.Port = v.GetInt("server.port")
	s.Scan.Concurrency = v.GetInt("scan.concurrency")
	s.Scan.Timeout = v.GetDuration("scan.timeout")
	s.Scan.Buffer = v.GetInt("scan.buffer")
	s.Scan.RateLimit = v.GetFloat64("scan.rate_limit")
	s.Scan.PingFirst = v.GetBool("scan.ping_first")
	s.Scan.PingTimeout = v.GetDuration("scan.ping_timeout")
	s.Scan.StalePolicy = v.GetString("scan.stale_policy")
	s.Store.ConfigPath = v.GetString("store.config_path")
	s.Store.HistoryPath = v.GetString("store.history_path")
	s.Discovery.MDNS.Enabled = v.GetBool("discovery.mdns.enabled")
	s.Discovery.MDNS.Interval = v.GetDuration("discovery.mdns.interval")

	if s.Scan.Concurrency <= 0 {
		return nil, fmt.Errorf("scan.concurrency must be positive, got %d", s.Scan.Concurrency)
	}
	if s.Scan.Timeout <= 0 {
		return nil, fmt.Errorf("scan.timeout must be positive, got %v", s.Scan.Timeout)
	}
	return s, nil
}
