package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/dantte-lp/govpnd/internal/tunnel"
)

// ErrUnknownOp indicates a control request named an operation this
// server doesn't recognize.
var ErrUnknownOp = errors.New("server: unknown control operation")

// ErrPanicRecovered indicates a control operation panicked and was
// recovered; the triggering request gets an error response instead of
// taking the listener down.
var ErrPanicRecovered = errors.New("server: panic recovered handling control request")

// controlRequest is one newline-delimited JSON request read from the
// control socket.
type controlRequest struct {
	Op string `json:"op"`
}

// controlResponse is the JSON reply written back for each request.
type controlResponse struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	Sessions []sessionStatus `json:"sessions,omitempty"`
}

// sessionStatus is the JSON projection of a tunnel.StatusRow for the
// "list" operation.
type sessionStatus struct {
	CommonName     string    `json:"common_name"`
	RealAddr       string    `json:"real_addr"`
	VirtualAddr    string    `json:"virtual_addr"`
	BytesIn        uint64    `json:"bytes_in"`
	BytesOut       uint64    `json:"bytes_out"`
	ConnectedSince time.Time `json:"connected_since"`
}

// ControlServer serves the Unix-socket newline-JSON control protocol:
// "list" returns the current session table, "reload"/"restart"/"stop"
// latch the corresponding tunnel.SignalFlags entry for the event loop
// to observe on its next iteration.
type ControlServer struct {
	ln     *net.UnixListener
	reg    *tunnel.Registry
	sig    *tunnel.SignalFlags
	logger *slog.Logger
}

// NewControlServer binds a Unix socket at socketPath, replacing any
// stale socket file left behind by a previous run.
func NewControlServer(socketPath string, reg *tunnel.Registry, sig *tunnel.SignalFlags, logger *slog.Logger) (*ControlServer, error) {
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("server: remove stale control socket %s: %w", socketPath, err)
	}

	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("server: resolve control socket %s: %w", socketPath, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen control socket %s: %w", socketPath, err)
	}

	return &ControlServer{
		ln:     ln,
		reg:    reg,
		sig:    sig,
		logger: logger.With(slog.String("component", "server.control")),
	}, nil
}

// Serve accepts control connections until ctx is canceled, handling
// each connection concurrently. It returns nil on a clean shutdown.
func (c *ControlServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.ln.Close()
	}()

	for {
		conn, err := c.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept control connection: %w", err)
		}
		go c.handleConn(ctx, conn)
	}
}

// Close closes the listening socket.
func (c *ControlServer) Close() error {
	if err := c.ln.Close(); err != nil {
		return fmt.Errorf("server: close control socket: %w", err)
	}
	return nil
}

// handleConn decodes one newline-JSON request at a time from conn
// until it's closed or sends malformed input, logging and replying to
// each in turn.
func (c *ControlServer) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req controlRequest
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("decode control request", slog.String("error", err.Error()))
			}
			return
		}

		start := time.Now()
		resp := c.safeDispatch(req.Op)
		duration := time.Since(start)

		attrs := []slog.Attr{
			slog.String("op", req.Op),
			slog.Duration("duration", duration),
		}
		if resp.Error != "" {
			attrs = append(attrs, slog.String("error", resp.Error))
			c.logger.LogAttrs(ctx, slog.LevelWarn, "control request completed with error", attrs...)
		} else {
			c.logger.LogAttrs(ctx, slog.LevelInfo, "control request completed", attrs...)
		}

		if err := enc.Encode(resp); err != nil {
			c.logger.Warn("encode control response", slog.String("error", err.Error()))
			return
		}
	}
}

// safeDispatch wraps dispatch with panic recovery, so one malformed or
// buggy operation can't take the whole control listener down.
func (c *ControlServer) safeDispatch(op string) (resp controlResponse) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			c.logger.Error("panic recovered handling control request",
				slog.String("op", op),
				slog.Any("panic", r),
				slog.String("stack", string(buf[:n])),
			)
			resp = controlResponse{OK: false, Error: ErrPanicRecovered.Error()}
		}
	}()
	return c.dispatch(op)
}

func (c *ControlServer) dispatch(op string) controlResponse {
	switch op {
	case "list":
		rows := tunnel.StatusRows(c.reg)
		sessions := make([]sessionStatus, 0, len(rows))
		for _, r := range rows {
			sessions = append(sessions, sessionStatus{
				CommonName:     r.CommonName,
				RealAddr:       r.RealAddr.String(),
				VirtualAddr:    r.VirtualAddr.String(),
				BytesIn:        r.BytesIn,
				BytesOut:       r.BytesOut,
				ConnectedSince: r.ConnectedSince,
			})
		}
		return controlResponse{OK: true, Sessions: sessions}
	case "reload":
		c.sig.RaiseSoftRestart()
		return controlResponse{OK: true}
	case "restart":
		c.sig.RaiseHardRestart()
		return controlResponse{OK: true}
	case "stop":
		c.sig.RaiseTerm()
		return controlResponse{OK: true}
	default:
		return controlResponse{OK: false, Error: fmt.Errorf("%q: %w", op, ErrUnknownOp).Error()}
	}
}
