// Package operator implements the root-only administrative surface: a
// Unix domain stream socket accepting newline-delimited JSON commands,
// used to inspect and nudge a running daemon without restarting it.
package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/statsd-core/statsd/internal/diagnostics"
	"github.com/statsd-core/statsd/internal/event"
	"github.com/statsd-core/statsd/internal/pull"
	"github.com/statsd-core/statsd/internal/queue"
)

// maxConcurrentConns bounds simultaneous operator connections so a
// misbehaving client cannot starve the daemon of goroutines.
const maxConcurrentConns = 4

// Request is a single newline-delimited JSON command.
type Request struct {
	Cmd   string  `json:"cmd"`
	TagID *uint32 `json:"tag_id,omitempty"`
}

// Response is always returned on one line as JSON.
type Response struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Server is the admin surface. It never mutates queue or pull state
// except through the same exported entry points the core daemon uses.
type Server struct {
	path string
	reg   *pull.Registry
	diag  *diagnostics.Diagnostics
	q     *queue.Queue
	clock event.Clock
	log   *zap.Logger

	ln  net.Listener
	sem chan struct{}
}

// New constructs a Server bound to path, which will be created with mode
// 0600 so only the daemon's owner (root) can connect.
func New(path string, reg *pull.Registry, diag *diagnostics.Diagnostics, q *queue.Queue, clock event.Clock, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if clock == nil {
		clock = event.SystemClock{}
	}
	return &Server{
		path:  path,
		reg:   reg,
		diag:  diag,
		q:     q,
		clock: clock,
		log:   log,
		sem:   make(chan struct{}, maxConcurrentConns),
	}
}

// Open removes any stale socket file and binds a new listening socket.
func (s *Server) Open() error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("operator: listen %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("operator: chmod %s: %w", s.path, err)
	}
	s.ln = ln
	return nil
}

// Run accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("operator accept failed", zap.Error(err))
			continue
		}
		select {
		case s.sem <- struct{}{}:
			go func() {
				defer func() { <-s.sem }()
				s.handleConn(conn)
			}()
		default:
			s.log.Warn("operator connection rejected, at concurrency limit")
			conn.Close()
		}
	}
}

// Close releases the listener and removes the socket file.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	os.Remove(s.path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(Response{OK: false, Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}
		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "snapshot":
		return Response{OK: true, Payload: s.diag.Snapshot()}

	case "clear_cache":
		if req.TagID != nil {
			s.reg.ForceClearCacheTag(*req.TagID)
			s.log.Info("operator cleared cache for tag", zap.Uint32("tag_id", *req.TagID))
		} else {
			s.reg.ForceClearCache()
			s.log.Info("operator cleared cache for all tags")
		}
		return Response{OK: true}

	case "clear_stale_cache":
		elapsedNS, _ := s.clock.Now()
		s.reg.ClearCacheIfStale(elapsedNS)
		return Response{OK: true}

	case "queue_depth":
		return Response{OK: true, Payload: map[string]int{"depth": s.q.Len(), "capacity": s.q.Cap()}}

	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}
