// Package netpolicy decides what happens to socket bind and connect calls
// that target loopback addresses: reject them, rewrite the loopback device,
// or rewrite the port. Non-loopback addresses are never touched.
package netpolicy

import (
	"errors"
	"fmt"
	"net/netip"
)

// Strategy names accepted in configuration.
const (
	// StrategyFail rejects binds outside the allowed port range. Connects
	// are never policed by this strategy.
	StrategyFail = "fail"
	// StrategyRewriteDevice substitutes an alternate loopback address for
	// the network portion of bind and connect targets.
	StrategyRewriteDevice = "rewrite_device"
	// StrategyRewritePort maps bind and connect ports through the port
	// table, leaving unmapped ports untouched.
	StrategyRewritePort = "rewrite_port"
)

// ErrPortBlocked is the permission failure surfaced when the fail strategy
// rejects a bind. Callers map it to the OS permission-denied errno.
var ErrPortBlocked = errors.New("netpolicy: bind port outside allowed range")

// PortRange is the inclusive-lower-bound listening range policed by the fail
// strategy. A zero Count means no restriction.
type PortRange struct {
	Base  uint16
	Count uint16
}

// Allows reports whether port falls inside the range. An unconfigured range
// allows every port.
func (r PortRange) Allows(port uint16) bool {
	if r.Count == 0 {
		return true
	}
	return port >= r.Base && uint32(port) < uint32(r.Base)+uint32(r.Count)
}

// Policy applies one redirection strategy, selected once at process start.
type Policy struct {
	strategy      string
	listenRange   PortRange
	listenDevice  netip.Addr
	connectDevice netip.Addr
	ports         *PortTable
}

// Options configures a Policy. Device addresses are only consulted by the
// rewrite_device strategy, the table only by rewrite_port, the range only by
// fail.
type Options struct {
	Strategy      string
	ListenRange   PortRange
	ListenDevice  netip.Addr
	ConnectDevice netip.Addr
	Ports         *PortTable
}

// New validates the strategy name and builds the policy. An empty strategy
// defaults to fail, matching the historical behavior of an unconfigured
// environment.
func New(opts Options) (*Policy, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyFail
	}
	switch strategy {
	case StrategyFail, StrategyRewriteDevice, StrategyRewritePort:
	default:
		return nil, fmt.Errorf("unknown network strategy %q", strategy)
	}
	ports := opts.Ports
	if ports == nil {
		ports = NewPortTable()
	}
	return &Policy{
		strategy:      strategy,
		listenRange:   opts.ListenRange,
		listenDevice:  opts.ListenDevice,
		connectDevice: opts.ConnectDevice,
		ports:         ports,
	}, nil
}

// Strategy returns the active strategy name.
func (p *Policy) Strategy() string { return p.strategy }

// IsLoopback reports whether addr is in 127.0.0.0/8 or is the IPv6 loopback
// address.
func IsLoopback(addr netip.Addr) bool {
	if addr.Is4() || addr.Is4In6() {
		return addr.Unmap().As4()[0] == 127
	}
	return addr == netip.IPv6Loopback()
}

// ApplyBind returns the address a bind call should actually use. The input
// value is never modified; rejections return ErrPortBlocked alongside the
// caller's original address so error paths can report what was asked for.
func (p *Policy) ApplyBind(addr netip.AddrPort) (netip.AddrPort, error) {
	if !IsLoopback(addr.Addr()) {
		return addr, nil
	}
	switch p.strategy {
	case StrategyFail:
		if !p.listenRange.Allows(addr.Port()) {
			return addr, ErrPortBlocked
		}
		return addr, nil
	case StrategyRewriteDevice:
		return rewriteDevice(addr, p.listenDevice), nil
	case StrategyRewritePort:
		return p.rewritePort(addr), nil
	}
	return addr, nil
}

// ApplyConnect returns the address a connect call should actually use.
// Connects are never rejected; the fail strategy polices binds only.
func (p *Policy) ApplyConnect(addr netip.AddrPort) (netip.AddrPort, error) {
	if !IsLoopback(addr.Addr()) {
		return addr, nil
	}
	switch p.strategy {
	case StrategyRewriteDevice:
		return rewriteDevice(addr, p.connectDevice), nil
	case StrategyRewritePort:
		return p.rewritePort(addr), nil
	}
	return addr, nil
}

// rewriteDevice substitutes the configured device address, keeping the
// caller's port. An unconfigured device leaves the address alone.
func rewriteDevice(addr netip.AddrPort, device netip.Addr) netip.AddrPort {
	if !device.IsValid() {
		return addr
	}
	return netip.AddrPortFrom(device, addr.Port())
}

// rewritePort maps the port through the table. Ports without an explicit
// mapping come back unchanged (identity default).
func (p *Policy) rewritePort(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr(), p.ports.Lookup(addr.Port()))
}
