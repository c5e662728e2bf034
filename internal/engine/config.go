package engine

import (
	"fmt"

	"github.com/spf13/viper"
)

// Limits caps the resources one engine may consume. Zero means the default
// for that limit, not unlimited.
type Limits struct {
	MaxBytesInMemory uint64 `mapstructure:"max_bytes_in_memory"`
	MaxOpenHandles   uint32 `mapstructure:"max_open_handles"`
	MaxBranches      uint32 `mapstructure:"max_branches"`
	MaxSnapshots     uint32 `mapstructure:"max_snapshots"`
}

// Config constructs an engine.
type Config struct {
	CaseSensitive bool   `mapstructure:"case_sensitive"`
	Limits        Limits `mapstructure:"limits"`
}

// DefaultConfig returns the limits used when no configuration file is given.
func DefaultConfig() Config {
	return Config{
		CaseSensitive: true,
		Limits: Limits{
			MaxBytesInMemory: 1 << 30,
			MaxOpenHandles:   10000,
			MaxBranches:      1000,
			MaxSnapshots:     10000,
		},
	}
}

// LoadConfig reads an engine configuration from a JSON file. Absent keys
// keep their defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read engine config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode engine config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Limits.MaxOpenHandles == 0 {
		return fmt.Errorf("engine config: max_open_handles must be positive")
	}
	if c.Limits.MaxBranches == 0 {
		return fmt.Errorf("engine config: max_branches must be positive")
	}
	return nil
}
