// Package service runs the filesystem service: a unix-socket listener that
// decodes framed wire requests, applies them to an engine, and answers with
// framed responses. Each connection gets its own goroutine and its own
// process identity, so handles never leak between clients.
package service

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/machinae/agentfs/internal/engine"
	"github.com/machinae/agentfs/internal/logging"
	"github.com/machinae/agentfs/internal/wire"
)

// maxChunk caps the payload served per read round trip, matching the
// client's chunking.
const maxChunk = 64 * 1024

// Server accepts redirection clients on a unix socket.
type Server struct {
	eng     engine.Engine
	ln      net.Listener
	nextPID atomic.Uint32

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	wg sync.WaitGroup
}

// New builds a server over the given engine.
func New(eng engine.Engine) *Server {
	return &Server{eng: eng, conns: make(map[net.Conn]struct{})}
}

// Listen binds the unix socket, replacing a stale socket file from an
// earlier run.
func (s *Server) Listen(socket string) error {
	if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", socket, err)
	}
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socket, err)
	}
	s.ln = ln
	logging.Logger().Info("filesystem service listening", "socket", socket)
	return nil
}

// Addr returns the bound socket address. Listen must have succeeded.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until Close. It returns nil on clean shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		pid := engine.PID(s.nextPID.Add(1))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn, pid)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Close stops accepting, disconnects every client and waits for their
// goroutines to drain.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

// serveConn answers one client until it disconnects. All handles the client
// opened are released on the way out.
func (s *Server) serveConn(conn net.Conn, pid engine.PID) {
	defer s.untrack(conn)
	defer conn.Close()
	defer s.eng.CloseAll(pid)

	log := logging.Logger().With("client", pid)
	log.Debug("client connected")
	for {
		body, err := wire.ReadFrame(conn)
		if err != nil {
			log.Debug("client disconnected", "err", err)
			return
		}
		resp := s.dispatch(pid, body)
		out, err := wire.EncodeResponse(resp)
		if err != nil {
			log.Warn("encode response failed", "err", err)
			return
		}
		if err := wire.WriteFrame(conn, out); err != nil {
			log.Debug("write response failed", "err", err)
			return
		}
	}
}

// dispatch decodes one request body and applies it to the engine. Engine
// failures come back as error responses carrying the OS errno; they never
// tear down the connection.
func (s *Server) dispatch(pid engine.PID, body []byte) wire.Response {
	env, err := wire.DecodeEnvelope(body)
	if err != nil {
		return protocolError(err)
	}

	switch env.Op {
	case wire.OpCreate:
		var req wire.CreateRequest
		if err := wire.DecodeRequest(body, &req); err != nil {
			return protocolError(err)
		}
		h, err := s.eng.Open(pid, req.Path, engine.OpenOptions{
			Read: req.Read, Write: req.Write, Create: true, Truncate: true,
		})
		if err != nil {
			return engineError(err)
		}
		return wire.HandleResponse(uint64(h))

	case wire.OpOpen:
		var req wire.OpenRequest
		if err := wire.DecodeRequest(body, &req); err != nil {
			return protocolError(err)
		}
		h, err := s.eng.Open(pid, req.Path, engine.OpenOptions{
			Read: req.Read, Write: req.Write, Create: req.Create,
		})
		if err != nil {
			return engineError(err)
		}
		return wire.HandleResponse(uint64(h))

	case wire.OpClose:
		var req wire.CloseRequest
		if err := wire.DecodeRequest(body, &req); err != nil {
			return protocolError(err)
		}
		if err := s.eng.Close(pid, engine.Handle(req.Handle)); err != nil {
			return engineError(err)
		}
		return wire.OKResponse()

	case wire.OpRead:
		var req wire.ReadRequest
		if err := wire.DecodeRequest(body, &req); err != nil {
			return protocolError(err)
		}
		if req.Len < 0 {
			return wire.ErrorResponse("negative read length", int32(engine.ErrnoOf(engine.ErrInvalid)))
		}
		n := req.Len
		if n > maxChunk {
			n = maxChunk
		}
		buf := make([]byte, n)
		read, err := s.eng.ReadAt(pid, engine.Handle(req.Handle), req.Offset, buf)
		if err != nil {
			return engineError(err)
		}
		return wire.DataResponse(buf[:read])

	case wire.OpWrite:
		var req wire.WriteRequest
		if err := wire.DecodeRequest(body, &req); err != nil {
			return protocolError(err)
		}
		data := req.Data
		if len(data) > maxChunk {
			data = data[:maxChunk]
		}
		n, err := s.eng.WriteAt(pid, engine.Handle(req.Handle), req.Offset, data)
		if err != nil {
			return engineError(err)
		}
		return wire.WrittenResponse(uint64(n))

	case wire.OpGetAttr:
		var req wire.PathRequest
		if err := wire.DecodeRequest(body, &req); err != nil {
			return protocolError(err)
		}
		attr, err := s.eng.GetAttr(pid, req.Path)
		if err != nil {
			return engineError(err)
		}
		return wire.AttrResponse(wire.Attr{Len: attr.Len, IsDir: attr.IsDir, IsSymlink: attr.IsSymlink})

	case wire.OpMkdir:
		var req wire.PathRequest
		if err := wire.DecodeRequest(body, &req); err != nil {
			return protocolError(err)
		}
		if err := s.eng.Mkdir(pid, req.Path); err != nil {
			return engineError(err)
		}
		return wire.OKResponse()

	case wire.OpUnlink:
		var req wire.PathRequest
		if err := wire.DecodeRequest(body, &req); err != nil {
			return protocolError(err)
		}
		if err := s.eng.Unlink(pid, req.Path); err != nil {
			return engineError(err)
		}
		return wire.OKResponse()

	case wire.OpReadDir:
		var req wire.PathRequest
		if err := wire.DecodeRequest(body, &req); err != nil {
			return protocolError(err)
		}
		listing, err := s.eng.ReadDir(pid, req.Path)
		if err != nil {
			return engineError(err)
		}
		entries := make([]wire.DirEntry, len(listing))
		for i, e := range listing {
			entries[i] = wire.DirEntry{Name: e.Name, IsDir: e.IsDir, IsSymlink: e.IsSymlink, Len: e.Len}
		}
		return wire.EntriesResponse(entries)
	}

	return wire.ErrorResponse(fmt.Sprintf("unsupported operation %q", env.Op), int32(engine.ErrnoOf(engine.ErrInvalid)))
}

func protocolError(err error) wire.Response {
	return wire.ErrorResponse(err.Error(), int32(engine.ErrnoOf(engine.ErrInvalid)))
}

func engineError(err error) wire.Response {
	return wire.ErrorResponse(err.Error(), int32(engine.ErrnoOf(err)))
}
