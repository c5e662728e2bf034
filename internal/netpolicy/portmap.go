package netpolicy

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const portSpace = 1 << 16

// PortTable maps every representable port to a replacement port. It starts
// as the identity mapping; explicit overrides replace individual entries.
// Readers see a consistent table at all times: updates build a fresh copy
// and publish it with an atomic swap, so a reload never exposes a
// half-written mapping.
type PortTable struct {
	entries atomic.Pointer[[portSpace]uint16]
}

// NewPortTable returns an identity table.
func NewPortTable() *PortTable {
	t := &PortTable{}
	t.entries.Store(identityEntries())
	return t
}

func identityEntries() *[portSpace]uint16 {
	var e [portSpace]uint16
	for i := range e {
		e[i] = uint16(i)
	}
	return &e
}

// Lookup returns the replacement for port, or port itself when no override
// exists.
func (t *PortTable) Lookup(port uint16) uint16 {
	return t.entries.Load()[port]
}

// Replace installs mappings on top of a fresh identity table.
func (t *PortTable) Replace(mappings map[uint16]uint16) {
	e := identityEntries()
	for from, to := range mappings {
		e[from] = to
	}
	t.entries.Store(e)
}

// LoadFile reads port mappings from a config file (any format viper can
// read; keys are source ports, values replacement ports) and installs them.
func (t *PortTable) LoadFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read port map file: %w", err)
	}
	mappings, err := decodePortMappings(v)
	if err != nil {
		return err
	}
	t.Replace(mappings)
	return nil
}

// WatchFile loads the file and keeps the table in sync with later edits.
// Each change rebuilds the table and publishes it atomically; a file that
// becomes unreadable or malformed keeps the previous table and reports
// through onError.
func (t *PortTable) WatchFile(path string, onError func(error)) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read port map file: %w", err)
	}
	mappings, err := decodePortMappings(v)
	if err != nil {
		return err
	}
	t.Replace(mappings)

	v.OnConfigChange(func(fsnotify.Event) {
		mappings, err := decodePortMappings(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		t.Replace(mappings)
	})
	v.WatchConfig()
	return nil
}

func decodePortMappings(v *viper.Viper) (map[uint16]uint16, error) {
	var raw map[string]uint16
	if err := mapstructure.Decode(v.AllSettings(), &raw); err != nil {
		return nil, fmt.Errorf("decode port map: %w", err)
	}
	mappings := make(map[uint16]uint16, len(raw))
	for key, to := range raw {
		from, err := strconv.ParseUint(key, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("port map key %q is not a port: %w", key, err)
		}
		mappings[uint16(from)] = to
	}
	return mappings, nil
}
