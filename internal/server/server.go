// Package server serves the store's command surface over TCP using the RESP
// protocol: SET, GET, and DEL/DELETE. One goroutine per connection stands in
// for the original readiness loop and thread pool.
package server

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tierkv/tierkv/internal/common"
	"github.com/tierkv/tierkv/internal/resp"
	"github.com/tierkv/tierkv/pkg/tierkv"
)

// Server accepts RESP connections and dispatches commands to the store.
type Server struct {
	addr   string
	store  tierkv.Store
	logger common.Logger

	ln     net.Listener
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a server for addr, e.g. ":6379".
func New(addr string, store tierkv.Store, logger common.Logger) *Server {
	if logger == nil {
		logger = common.NewNullLogger()
	}
	return &Server{
		addr:   addr,
		store:  store,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the server's TCP listener.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until the listener is closed by Shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// ListenAndServe binds and serves.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown closes the listener and all live connections, then waits for the
// connection handlers to drain.
func (s *Server) Shutdown() error {
	if s.closed.Swap(true) {
		return nil
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	r := resp.NewReader(conn)
	w := resp.NewWriter(conn)

	for {
		args, err := r.ReadCommand()
		if err != nil {
			if err == io.EOF {
				return
			}
			if errors.Is(err, resp.ErrProtocol) {
				w.WriteError("ERR Protocol error")
				w.Flush()
			}
			return
		}

		s.dispatch(w, args)
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *resp.Writer, args [][]byte) {
	if len(args) == 0 {
		w.WriteError("ERR Empty command")
		return
	}

	switch cmd := strings.ToUpper(string(args[0])); cmd {
	case "SET":
		if len(args) != 3 {
			w.WriteError("ERR wrong number of arguments for SET")
			return
		}
		if err := s.store.Set(args[1], args[2]); err != nil {
			w.WriteError("ERR")
			return
		}
		w.WriteSimple("OK")

	case "GET":
		if len(args) != 2 {
			w.WriteError("ERR wrong number of arguments for GET")
			return
		}
		value, found, err := s.store.Get(args[1])
		if err != nil {
			w.WriteError("ERR")
			return
		}
		if !found {
			w.WriteNull()
			return
		}
		w.WriteBulk(value)

	case "DEL", "DELETE":
		if len(args) != 2 {
			w.WriteError("ERR wrong number of arguments for " + cmd)
			return
		}
		if err := s.store.Delete(args[1]); err != nil {
			w.WriteError("ERR")
			return
		}
		w.WriteSimple("OK")

	default:
		w.WriteError("ERR Unknown command")
	}
}
