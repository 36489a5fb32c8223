// Package transport implements the local stream socket described in
// spec.md §6: one line of JSON per request, one line of JSON per
// response, dispatched over a closed set of five request types.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wasmcore/wasmcore/internal/executor"
	"github.com/wasmcore/wasmcore/internal/idgen"
	"github.com/wasmcore/wasmcore/internal/pipeline"
	"github.com/wasmcore/wasmcore/internal/registry"
	"github.com/wasmcore/wasmcore/internal/wasmerr"
)

// Registry is the subset of *registry.Registry the transport dispatcher
// depends on.
type Registry interface {
	Load(ctx context.Context, path string) (idgen.ID, error)
	List() []registry.Metadata
	Unload(ctx context.Context, id idgen.ID) error
}

// Executor is the subset of *executor.Executor the dispatcher depends on.
type Executor interface {
	Execute(ctx context.Context, binaryID idgen.ID, input []byte, cfg executor.Config) (executor.Result, error)
}

// Driver is the subset of *pipeline.Driver the dispatcher depends on.
type Driver interface {
	Run(ctx context.Context, binaryIDs []idgen.ID, input []byte, cfg executor.Config) (pipeline.Result, error)
}

// Server serves the unix socket protocol over a Registry, Executor and
// pipeline Driver.
type Server struct {
	socketPath    string
	registry      Registry
	executor      Executor
	driver        Driver
	logger        *zap.Logger
	sem           *semaphore.Weighted
	shutdownGrace time.Duration

	listener net.Listener

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// Config configures a Server.
type Config struct {
	SocketPath         string
	MaxConcurrentCalls int64 // spec.md §5's default 1000 backpressure cap
	// ShutdownGrace bounds how long Serve waits for in-flight requests to
	// drain after ctx is cancelled before force-closing their
	// connections (SPEC_FULL.md §11.4's bounded shutdown grace period).
	ShutdownGrace time.Duration
}

// New constructs a Server. logger may be nil.
func New(cfg Config, reg Registry, exec Executor, driver Driver, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 1000
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return &Server{
		socketPath:    cfg.SocketPath,
		registry:      reg,
		executor:      exec,
		driver:        driver,
		logger:        logger,
		sem:           semaphore.NewWeighted(cfg.MaxConcurrentCalls),
		shutdownGrace: cfg.ShutdownGrace,
		conns:         make(map[net.Conn]struct{}),
	}
}

// Serve unlinks any stale socket file, listens, and accepts connections
// until ctx is cancelled, at which point it stops accepting, waits up to
// shutdownGrace for in-flight requests to finish (force-closing any that
// haven't), and unlinks the socket (spec.md §6's process lifecycle).
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return wasmerr.Wrap(wasmerr.KindIoError, "Server.Serve", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return wasmerr.Wrap(wasmerr.KindIoError, "Server.Serve", err)
	}
	s.listener = listener
	s.logger.Info("listening", zap.String("socket_path", s.socketPath))

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.trackConn(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.untrackConn(conn)
			s.handleConn(ctx, conn)
		}()
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.shutdownGrace):
		s.logger.Warn("shutdown grace period elapsed, force-closing in-flight connections",
			zap.Duration("grace", s.shutdownGrace))
		s.closeAllConns()
		<-drained
	}

	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			writeResponse(writer, Response{Success: false, Error: string(wasmerr.KindCancelled)})
			return
		}
		resp := s.dispatch(ctx, line)
		s.sem.Release(1)

		if err := writeResponse(writer, resp); err != nil {
			s.logger.Warn("writing response", zap.Error(err))
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Debug("connection read error", zap.Error(err))
	}
}

func writeResponse(w *bufio.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// dispatch is the single switch spec.md §9 calls for, over the closed
// set of five request types.
func (s *Server) dispatch(ctx context.Context, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return errorResponse(wasmerr.New(wasmerr.KindInvalidRequest, "Server.dispatch"))
	}

	switch req.Type {
	case TypeLoadBinary:
		return s.handleLoadBinary(ctx, req.Payload)
	case TypeExecute:
		return s.handleExecute(ctx, req.Payload)
	case TypeExecuteChain:
		return s.handleExecuteChain(ctx, req.Payload)
	case TypeListBinaries:
		return s.handleListBinaries()
	case TypeUnloadBinary:
		return s.handleUnloadBinary(ctx, req.Payload)
	default:
		return errorResponse(wasmerr.New(wasmerr.KindInvalidRequest, "Server.dispatch"))
	}
}

func errorResponse(err error) Response {
	classified := wasmerr.AsWasmErr("Server.dispatch", err)
	return Response{Success: false, Error: string(classified.Kind)}
}
