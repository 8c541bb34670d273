package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/fxd0h/jetsonscope/internal/hardware"
	"github.com/fxd0h/jetsonscope/internal/health"
	"github.com/fxd0h/jetsonscope/internal/parser"
)

const (
	// maxRequestBytes bounds a single request frame. Requests are a
	// few hundred bytes at most; anything larger is hostile or broken.
	maxRequestBytes = 1 << 20

	connTimeout = 5 * time.Second
)

// StatsProvider is the read side the server serves from.
type StatsProvider interface {
	Current() *parser.Snapshot
	Meta() hardware.Meta
}

// ControlProvider lists and applies hardware controls.
type ControlProvider interface {
	List() []ControlInfo
	Apply(name, value string) (ControlInfo, *ErrorInfo)
}

// Server answers one-shot requests on a unix socket.
type Server struct {
	stats    StatsProvider
	controls ControlProvider
	tracker  *health.Tracker
	auth     string // shared secret; empty disables SetControl auth
	log      *slog.Logger

	ln net.Listener
}

// NewServer wires a server. tracker may not be nil; auth may be empty.
func NewServer(stats StatsProvider, controls ControlProvider, tracker *health.Tracker, auth string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{stats: stats, controls: controls, tracker: tracker, auth: auth, log: log}
}

// Listen binds the unix socket, replacing any stale socket file left
// by a previous run.
func (s *Server) Listen(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	// World-writable so unprivileged monitors can query; SetControl is
	// gated by the shared secret, not by socket permissions.
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket %s: %w", path, err)
	}
	s.ln = ln
	return nil
}

// Serve accepts connections until ctx is cancelled. Listen must have
// been called first.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("protocol: Serve called before Listen")
	}
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
			return fmt.Errorf("accept: %w", err)
		}
		go s.handle(conn)
	}
}

// Close tears down the listener.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// Addr returns the bound socket path, or "" before Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	s.tracker.ClientConnected()
	defer s.tracker.ClientDisconnected()

	conn.SetDeadline(time.Now().Add(connTimeout))

	raw, err := io.ReadAll(io.LimitReader(conn, maxRequestBytes))
	if err != nil {
		s.log.Debug("request read failed", "err", err)
		return
	}
	req, enc := DecodeRequest(raw)
	s.tracker.RequestServed()

	resp := s.dispatch(req)
	if resp.Error != nil {
		s.tracker.RequestFailed(resp.Error.Message)
	}

	out, err := EncodeResponse(resp, enc)
	if err != nil {
		s.log.Error("response encode failed", "err", err, "encoding", enc.String())
		return
	}
	if _, err := conn.Write(out); err != nil {
		s.log.Debug("response write failed", "err", err)
	}
}

func (s *Server) dispatch(req Request) *Response {
	switch req.Op {
	case OpGetStats:
		snap := s.stats.Current()
		source := ""
		if snap != nil {
			source = snap.Source
		}
		return &Response{Stats: &StatsPayload{Source: source, Data: snap}}
	case OpGetMeta:
		meta := s.stats.Meta()
		return &Response{Meta: &meta}
	case OpListControls:
		return &Response{Controls: s.controls.List()}
	case OpGetHealth:
		h := s.tracker.Snapshot()
		return &Response{Health: &h}
	case OpSetControl:
		if s.auth != "" && req.Token != s.auth {
			return &Response{Error: Errorf(CodeAuthFailed, "missing or invalid auth token")}
		}
		info, cerr := s.controls.Apply(req.Control, req.Value)
		if cerr != nil {
			return &Response{Error: cerr}
		}
		return &Response{ControlState: &info}
	default:
		return &Response{Error: Errorf(CodeControlError, "unhandled request op %q", req.Op)}
	}
}
