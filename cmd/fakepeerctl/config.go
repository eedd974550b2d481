package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/fakepeer/internal/beacon"
	"github.com/danmuck/fakepeer/internal/fakeserver"
)

// fakepeerctl config.toml key mapping to runtime settings. Durations use
// Go duration strings ("250ms", "5s").
type fileConfig struct {
	ListenAddr       string `toml:"listen_addr"`
	ProtocolVersion  string `toml:"protocol_version"`
	MaxSessions      int    `toml:"max_sessions"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	ConnectTimeout   string `toml:"connect_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	EOSBackoff       string `toml:"eos_backoff"`
	EOSRetryLimit    int    `toml:"eos_retry_limit"`
	BeaconEnabled    bool   `toml:"beacon_enabled"`
	BeaconAddr       string `toml:"beacon_addr"`
	BeaconInterval   string `toml:"beacon_interval"`
	BeaconName       string `toml:"beacon_name"`
	MetricsAddr      string `toml:"metrics_addr"`
	ReportInterval   string `toml:"report_interval"`
}

type appConfig struct {
	Server         fakeserver.Config
	BeaconEnabled  bool
	Beacon         beacon.Config
	BeaconName     string
	MetricsAddr    string
	ReportInterval time.Duration
}

func defaultAppConfig() appConfig {
	return appConfig{
		Server:         fakeserver.DefaultConfig(),
		BeaconEnabled:  false,
		Beacon:         beacon.DefaultConfig(),
		BeaconName:     "fakepeer",
		ReportInterval: time.Second,
	}
}

// fakepeerctl loader for TOML config with default overlay.
func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load fakepeer config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return appConfig{}, fmt.Errorf("load fakepeer config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.Server.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("protocol_version") {
		cfg.Server.Session.ProtocolVersion = strings.TrimSpace(raw.ProtocolVersion)
	}
	if meta.IsDefined("max_sessions") {
		cfg.Server.MaxSessions = raw.MaxSessions
	}
	if meta.IsDefined("eos_retry_limit") {
		cfg.Server.Session.EndOfStream.RetryLimit = raw.EOSRetryLimit
	}
	if meta.IsDefined("beacon_enabled") {
		cfg.BeaconEnabled = raw.BeaconEnabled
	}
	if meta.IsDefined("beacon_addr") {
		cfg.Beacon.Addr = strings.TrimSpace(raw.BeaconAddr)
	}
	if meta.IsDefined("beacon_name") {
		cfg.BeaconName = strings.TrimSpace(raw.BeaconName)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Server.Session.HandshakeTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Server.Session.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Server.Session.WriteTimeout},
		{"eos_backoff", raw.EOSBackoff, &cfg.Server.Session.EndOfStream.Backoff.InitialDelay},
		{"beacon_interval", raw.BeaconInterval, &cfg.Beacon.Interval},
		{"report_interval", raw.ReportInterval, &cfg.ReportInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return appConfig{}, fmt.Errorf("load fakepeer config: %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if cfg.Server.MaxSessions < 0 {
		return appConfig{}, fmt.Errorf("load fakepeer config: max_sessions must be >= 0, got %d", cfg.Server.MaxSessions)
	}
	if cfg.BeaconEnabled && cfg.BeaconName == "" {
		return appConfig{}, fmt.Errorf("load fakepeer config: beacon_name is required when beacon_enabled=true")
	}

	cfg.Server = cfg.Server.WithDefaults()
	cfg.Beacon = cfg.Beacon.WithDefaults()
	return cfg, nil
}
