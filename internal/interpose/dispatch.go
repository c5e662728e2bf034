package interpose

import (
	"io/fs"
	"net/netip"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/machinae/agentfs/internal/config"
	"github.com/machinae/agentfs/internal/logging"
	"github.com/machinae/agentfs/internal/netpolicy"
	"github.com/machinae/agentfs/internal/session"
)

// Dispatcher holds the process-wide interception state: the frozen
// configuration, the original-entry resolver, the socket policy, and the
// session registry. One Dispatcher exists per process, built at startup and
// torn down once at exit.
type Dispatcher struct {
	cfg      *config.Config
	resolver *Resolver
	policy   *netpolicy.Policy
	registry *session.Registry // nil when filesystem redirection is off
}

// New builds the dispatcher from the frozen configuration, binding original
// entry points to the host OS. An embedding runtime constructs it once at
// startup and hands each worker its own Caller:
//
//	cfg, err := config.FromEnv()
//	if err != nil { ... }
//	d, err := interpose.New(cfg)
//	if err != nil { ... }
//	defer d.Close()
//
//	// per worker:
//	c := d.NewCaller()
//	defer c.Close()
//	fd, err := c.Open(path, flags, mode)
func New(cfg *config.Config) (*Dispatcher, error) {
	return newDispatcher(cfg, DefaultChain())
}

func newDispatcher(cfg *config.Config, chain Chain) (*Dispatcher, error) {
	ports := netpolicy.NewPortTable()
	if file := cfg.Network.PortMapFile; file != "" {
		// Keep the table in sync with external edits; a bad update keeps
		// the previous table.
		err := ports.WatchFile(file, func(err error) {
			logging.Logger().Warn("port map reload failed", "file", file, "err", err)
		})
		if err != nil {
			return nil, err
		}
	}

	policy, err := netpolicy.New(netpolicy.Options{
		Strategy:      cfg.Network.Strategy,
		ListenRange:   netpolicy.PortRange{Base: cfg.Network.ListenBase, Count: cfg.Network.ListenCount},
		ListenDevice:  cfg.Network.ListenDeviceAddr,
		ConnectDevice: cfg.Network.ConnectDeviceAddr,
		Ports:         ports,
	})
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:      cfg,
		resolver: NewResolver(chain),
		policy:   policy,
	}
	if cfg.Redirecting() {
		d.registry = session.NewRegistry(cfg.Server)
		logging.Logger().Info("filesystem redirection enabled",
			"server", cfg.Server, "prefix", cfg.Prefix)
	} else {
		logging.Logger().Debug("filesystem redirection disabled")
	}
	return d, nil
}

// Close releases every outstanding session. Entry points keep working
// afterwards in pass-through mode.
func (d *Dispatcher) Close() error {
	if d.registry == nil {
		return nil
	}
	return d.registry.Close()
}

// eligible reports whether a path falls under the redirect namespace.
func (d *Dispatcher) eligible(path string) bool {
	return strings.HasPrefix(path, d.cfg.Prefix) ||
		path+"/" == d.cfg.Prefix
}

// Bind is the replacement bind entry point. Policy rejections surface as
// EACCES; everything else reaches the original with the possibly rewritten
// address.
func (d *Dispatcher) Bind(fd int, addr netip.AddrPort) error {
	orig, err := d.resolver.bind()
	if err != nil {
		return unix.EACCES
	}
	target, err := d.policy.ApplyBind(addr)
	if err != nil {
		// A blocked port is a genuine permission failure for the caller,
		// never recovered by falling back.
		logging.Logger().Debug("bind blocked", "addr", addr)
		return unix.EACCES
	}
	if target != addr {
		logging.Logger().Debug("bind rewritten", "from", addr, "to", target)
	}
	return orig(fd, target)
}

// Connect is the replacement connect entry point. Connects are never
// rejected, only rewritten or passed through.
func (d *Dispatcher) Connect(fd int, addr netip.AddrPort) error {
	orig, err := d.resolver.connect()
	if err != nil {
		return unix.EACCES
	}
	target, err := d.policy.ApplyConnect(addr)
	if err != nil {
		return unix.EACCES
	}
	if target != addr {
		logging.Logger().Debug("connect rewritten", "from", addr, "to", target)
	}
	return orig(fd, target)
}

// ReadDir is the replacement directory listing entry point. Directory
// streams always pass through: redirecting them needs per-stream handle
// state the session does not track yet.
func (d *Dispatcher) ReadDir(path string) ([]fs.DirEntry, error) {
	orig, err := d.resolver.readDir()
	if err != nil {
		return nil, unix.EACCES
	}
	return orig(path)
}

// NewCaller returns the per-worker view of the dispatcher. The worker uses
// it for all intercepted filesystem calls and closes it on its way out,
// which releases the worker's session transport.
func (d *Dispatcher) NewCaller() *Caller {
	return &Caller{d: d}
}
