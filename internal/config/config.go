// Package config loads the process-wide redirection configuration from the
// environment into an immutable struct. It is read exactly once at startup;
// every later reader sees the same frozen value, so no synchronization is
// needed.
package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/machinae/agentfs/internal/netpolicy"
)

// DefaultPrefix is the namespace under which paths are redirected to the
// filesystem service. Everything outside it passes through untouched.
const DefaultPrefix = "/agentfs/"

// Environment variables read at process start.
const (
	EnvEnabled        = "AGENTFS_ENABLED"
	EnvServer         = "AGENTFS_SERVER"
	EnvPrefix         = "AGENTFS_PREFIX"
	EnvStrategy       = "NETWORK_STRATEGY"
	EnvListenBase     = "LISTENING_BASE_PORT"
	EnvListenCount    = "LISTENING_PORT_COUNT"
	EnvListenDevice   = "LISTENING_LOOPBACK_DEVICE"
	EnvConnectDevice  = "CONNECT_LOOPBACK_DEVICE"
	EnvPortMapFile    = "AGENTFS_PORT_MAP"
)

// Config is the frozen process configuration.
type Config struct {
	// Enabled turns filesystem redirection on. Without a Server endpoint
	// redirection stays off regardless.
	Enabled bool   `mapstructure:"enabled"`
	Server  string `mapstructure:"server"`
	Prefix  string `mapstructure:"prefix"`

	Network NetworkConfig `mapstructure:"network"`
}

// NetworkConfig selects the socket redirection strategy and its inputs.
type NetworkConfig struct {
	Strategy      string `mapstructure:"strategy"`
	ListenBase    uint16 `mapstructure:"listen_base"`
	ListenCount   uint16 `mapstructure:"listen_count"`
	ListenDevice  string `mapstructure:"listen_device"`
	ConnectDevice string `mapstructure:"connect_device"`
	PortMapFile   string `mapstructure:"port_map_file"`

	// Parsed at load time from ListenDevice / ConnectDevice.
	ListenDeviceAddr  netip.Addr `mapstructure:"-"`
	ConnectDeviceAddr netip.Addr `mapstructure:"-"`
}

// Redirecting reports whether filesystem calls should be redirected at all.
// A missing endpoint is clean pass-through, not an error.
func (c *Config) Redirecting() bool {
	return c.Enabled && c.Server != ""
}

// FromEnv reads the environment once and returns the validated, immutable
// configuration.
func FromEnv() (*Config, error) {
	v := viper.New()
	v.SetDefault("enabled", false)
	v.SetDefault("prefix", DefaultPrefix)
	v.SetDefault("network.strategy", netpolicy.StrategyFail)

	for key, env := range map[string]string{
		"enabled":                EnvEnabled,
		"server":                 EnvServer,
		"prefix":                 EnvPrefix,
		"network.strategy":       EnvStrategy,
		"network.listen_base":    EnvListenBase,
		"network.listen_count":   EnvListenCount,
		"network.listen_device":  EnvListenDevice,
		"network.connect_device": EnvConnectDevice,
		"network.port_map_file":  EnvPortMapFile,
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(c *mapstructure.DecoderConfig) {
		// Environment values arrive as strings; let mapstructure coerce
		// "1"/"true" and numeric ports.
		c.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finish normalizes and validates a decoded configuration.
func (c *Config) finish() error {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if !strings.HasPrefix(c.Prefix, "/") {
		return fmt.Errorf("redirect prefix %q is not absolute", c.Prefix)
	}
	if !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}

	switch c.Network.Strategy {
	case "", netpolicy.StrategyFail, netpolicy.StrategyRewriteDevice, netpolicy.StrategyRewritePort:
	default:
		return fmt.Errorf("unknown network strategy %q", c.Network.Strategy)
	}

	var err error
	if c.Network.ListenDeviceAddr, err = parseDevice(c.Network.ListenDevice); err != nil {
		return fmt.Errorf("%s: %w", EnvListenDevice, err)
	}
	if c.Network.ConnectDeviceAddr, err = parseDevice(c.Network.ConnectDevice); err != nil {
		return fmt.Errorf("%s: %w", EnvConnectDevice, err)
	}
	return nil
}

func parseDevice(s string) (netip.Addr, error) {
	if strings.TrimSpace(s) == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse device address %q: %w", s, err)
	}
	return addr, nil
}
