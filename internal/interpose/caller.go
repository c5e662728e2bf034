package interpose

import (
	"golang.org/x/sys/unix"

	"github.com/machinae/agentfs/internal/logging"
	"github.com/machinae/agentfs/internal/session"
	"github.com/machinae/agentfs/internal/wire"
)

// Caller is one worker's entry into the intercepted filesystem operations.
// It lazily owns that worker's session: the transport connects on the first
// redirected call and closes when the worker releases the caller. A Caller
// must not be shared between workers.
type Caller struct {
	d    *Dispatcher
	sess *session.Session
}

// session returns this worker's session, creating it on first use. A nil
// return means redirection is off (or shutting down) and the operation
// should pass through.
func (c *Caller) session() *session.Session {
	if c.sess != nil {
		return c.sess
	}
	if c.d.registry == nil {
		return nil
	}
	s, err := c.d.registry.Acquire()
	if err != nil {
		return nil
	}
	c.sess = s
	return s
}

// Close releases the worker's session transport. The caller is done; this
// is the worker-exit cleanup hook.
func (c *Caller) Close() error {
	if c.sess == nil {
		return nil
	}
	s := c.sess
	c.sess = nil
	return c.d.registry.Release(s)
}

// Open is the replacement open entry point. Eligible paths go to the
// service; any redirection failure falls back to the original so the
// intercepted program only ever sees errors the original could produce.
func (c *Caller) Open(path string, flags int, mode uint32) (int, error) {
	orig, err := c.d.resolver.open()
	if err != nil {
		return -1, unix.EACCES
	}
	if c.d.eligible(path) {
		if s := c.session(); s != nil {
			read, write, create := accessFromFlags(flags)
			fd, err := s.Open(path, read, write, create)
			if err == nil {
				return fd, nil
			}
			logging.Logger().Debug("redirected open fell back", "path", path, "err", err)
		}
	}
	return orig(path, flags, mode)
}

// CloseFD is the replacement close entry point. Only descriptors this
// worker's session minted are redirected; everything else is a real OS
// descriptor and goes to the original.
func (c *Caller) CloseFD(fd int) error {
	orig, err := c.d.resolver.close()
	if err != nil {
		return unix.EACCES
	}
	if s := c.sess; s != nil && s.Knows(fd) {
		if err := s.Close(fd); err == nil {
			return nil
		}
		// The remote handle is gone either way; nothing sensible remains
		// for the original call, which never owned this descriptor.
		return nil
	}
	return orig(fd)
}

// Read is the replacement read entry point. Session descriptors are served
// in bounded chunks, one round trip each; a failure on the first chunk
// falls back to the original, a later failure returns the partial count.
func (c *Caller) Read(fd int, p []byte) (int, error) {
	orig, err := c.d.resolver.read()
	if err != nil {
		return -1, unix.EACCES
	}
	s := c.sess
	if s == nil || !s.Knows(fd) {
		return orig(fd, p)
	}

	total := 0
	for total < len(p) {
		n, err := s.Read(fd, p[total:])
		if err != nil {
			if total == 0 {
				logging.Logger().Debug("redirected read fell back", "fd", fd, "err", err)
				return orig(fd, p)
			}
			break
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

// Write is the replacement write entry point, chunked like Read. A short
// acceptance from the service ends the loop with the partial count, which
// is a valid result for the intercepted caller.
func (c *Caller) Write(fd int, p []byte) (int, error) {
	orig, err := c.d.resolver.write()
	if err != nil {
		return -1, unix.EACCES
	}
	s := c.sess
	if s == nil || !s.Knows(fd) {
		return orig(fd, p)
	}

	total := 0
	for total < len(p) {
		chunk := p[total:]
		if len(chunk) > session.MaxChunk {
			chunk = chunk[:session.MaxChunk]
		}
		n, err := s.Write(fd, chunk)
		if err != nil {
			if total == 0 {
				logging.Logger().Debug("redirected write fell back", "fd", fd, "err", err)
				return orig(fd, p)
			}
			break
		}
		total += n
		if n < len(chunk) {
			break
		}
	}
	return total, nil
}

// Stat is the replacement stat entry point.
func (c *Caller) Stat(path string) (wire.Attr, error) {
	return c.statWith(path, c.d.resolver.stat)
}

// Lstat is the replacement lstat entry point. The service does not follow
// symlinks on getattr, so both redirect to the same operation.
func (c *Caller) Lstat(path string) (wire.Attr, error) {
	return c.statWith(path, c.d.resolver.lstat)
}

func (c *Caller) statWith(path string, resolve func() (StatFunc, error)) (wire.Attr, error) {
	orig, err := resolve()
	if err != nil {
		return wire.Attr{}, unix.EACCES
	}
	if c.d.eligible(path) {
		if s := c.session(); s != nil {
			attr, err := s.GetAttr(path)
			if err == nil {
				return attr, nil
			}
			logging.Logger().Debug("redirected getattr fell back", "path", path, "err", err)
		}
	}
	return orig(path)
}

// Mkdir is the replacement mkdir entry point.
func (c *Caller) Mkdir(path string, mode uint32) error {
	orig, err := c.d.resolver.mkdir()
	if err != nil {
		return unix.EACCES
	}
	if c.d.eligible(path) {
		if s := c.session(); s != nil {
			err := s.Mkdir(path)
			if err == nil {
				return nil
			}
			logging.Logger().Debug("redirected mkdir fell back", "path", path, "err", err)
		}
	}
	return orig(path, mode)
}

// Unlink is the replacement unlink entry point.
func (c *Caller) Unlink(path string) error {
	orig, err := c.d.resolver.unlink()
	if err != nil {
		return unix.EACCES
	}
	if c.d.eligible(path) {
		if s := c.session(); s != nil {
			err := s.Unlink(path)
			if err == nil {
				return nil
			}
			logging.Logger().Debug("redirected unlink fell back", "path", path, "err", err)
		}
	}
	return orig(path)
}
