package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/Paranoid-AF/evalvana"
	"github.com/Paranoid-AF/evalvana/codec"
	"github.com/Paranoid-AF/evalvana/coordinator"
	"github.com/Paranoid-AF/evalvana/process"
	"github.com/Paranoid-AF/evalvana/router"
)

// maxMessageBytes bounds a single client message.
const maxMessageBytes = 1 << 20

// Server listens on a Unix domain socket for evaluation requests from UI
// clients. Each connection is served by a worker from an ants pool.
type Server struct {
	listener net.Listener
	sockPath string
	coord    *coordinator.Coordinator
	procs    *process.Manager
	workers  *ants.Pool
	closing  sync.Once

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer creates a new IPC server bound to the given socket path.
// maxConns bounds the connections served at once; further clients are
// refused.
func NewServer(sockPath string, coord *coordinator.Coordinator, procs *process.Manager, maxConns int) (*Server, error) {
	// Remove stale socket file if it exists
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	workers, err := ants.NewPool(maxConns,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			slog.Error("connection handler panicked", "panic", p)
		}),
	)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		workers.Release()
		return nil, err
	}

	return &Server{
		listener: listener,
		sockPath: sockPath,
		coord:    coord,
		procs:    procs,
		workers:  workers,
		conns:    make(map[*conn]struct{}),
	}, nil
}

// Serve accepts connections and handles requests. It returns nil once
// Close is called.
func (s *Server) Serve() error {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c := s.track(nc)
		if err := s.workers.Submit(func() { s.handleConn(c) }); err != nil {
			slog.Warn("refusing connection", "error", err)
			c.send(errorMessage(typeError, err))
			s.untrack(c)
			nc.Close()
		}
	}
}

// Close stops accepting connections, hangs up on connected clients and
// removes the socket file. Sessions opened by the clients are closed by
// their handlers.
func (s *Server) Close() {
	s.closing.Do(func() {
		s.listener.Close()
		os.Remove(s.sockPath)

		s.mu.Lock()
		for c := range s.conns {
			c.nc.Close()
		}
		s.mu.Unlock()

		if err := s.workers.ReleaseTimeout(5 * time.Second); err != nil {
			slog.Warn("connection handlers still running", "error", err)
		}
	})
}

func (s *Server) track(nc net.Conn) *conn {
	c := &conn{
		srv:      s,
		nc:       nc,
		enc:      json.NewEncoder(nc),
		sessions: make(map[string]*coordinator.Stream),
		submits:  make(map[string]context.CancelFunc),
	}
	c.enc.SetEscapeHTML(false)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	return c
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// conn is one client connection. Sessions opened through it belong to it
// and are closed when it ends.
type conn struct {
	srv *Server
	nc  net.Conn

	wmu sync.Mutex
	enc *json.Encoder

	mu       sync.Mutex
	sessions map[string]*coordinator.Stream // session -> outstanding eval, or nil
	submits  map[string]context.CancelFunc  // session -> eval still being submitted
	streams  sync.WaitGroup
}

func (s *Server) handleConn(c *conn) {
	defer s.untrack(c)
	defer c.nc.Close()
	defer c.closeSessions()

	r := codec.NewReader(c.nc, maxMessageBytes)
	for {
		raw, err := r.ReadFrame()
		if err != nil {
			var de *codec.DecodeError
			if errors.As(err, &de) && de.Reason == codec.Malformed {
				c.send(errorMessage(typeError, err))
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("connection ended", "error", err)
			}
			return
		}
		slog.Debug("request", "data", string(raw))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.send(serverMessage{
				Type:  typeError,
				Error: &errorBody{Code: "invalid_request", Message: err.Error()},
			})
			continue
		}
		c.dispatch(msg)
	}
}

func (c *conn) dispatch(msg clientMessage) {
	coord := c.srv.coord
	switch msg.Type {
	case typePlugins:
		c.send(serverMessage{Type: typePlugins, Plugins: coord.Plugins()})

	case typeOpen:
		id, err := coord.Open(msg.Plugin)
		if err != nil {
			c.send(errorMessage(typeOpen, err))
			return
		}
		c.mu.Lock()
		c.sessions[id] = nil
		c.mu.Unlock()
		c.send(serverMessage{Type: typeOpen, SessionID: id})

	case typeEval:
		c.eval(msg)

	case typeCancel:
		c.cancel(msg)

	case typeClose:
		if !c.owns(msg.SessionID) {
			c.send(unknownSession(typeClose, msg.SessionID))
			return
		}
		c.mu.Lock()
		delete(c.sessions, msg.SessionID)
		c.mu.Unlock()
		if err := coord.Close(msg.SessionID); err != nil {
			c.send(errorMessage(typeClose, err))
			return
		}
		c.send(serverMessage{Type: typeClose, SessionID: msg.SessionID})

	case typeTranscript:
		if !c.owns(msg.SessionID) {
			c.send(unknownSession(typeTranscript, msg.SessionID))
			return
		}
		ts, err := coord.Transcript(msg.SessionID)
		if err != nil {
			c.send(errorMessage(typeTranscript, err))
			return
		}
		c.send(serverMessage{Type: typeTranscript, SessionID: msg.SessionID, Transcript: ts})

	case typeRecall:
		limit := msg.Limit
		if limit <= 0 {
			limit = defaultRecallLimit
		}
		c.send(serverMessage{Type: typeRecall, Recall: coord.Recall(msg.Query, limit)})

	case typeHealth:
		c.send(serverMessage{Type: typeHealth, Processes: c.srv.procs.Health()})

	default:
		c.send(serverMessage{
			Type:  typeError,
			Error: &errorBody{Code: "unknown_type", Message: "unknown message type: " + msg.Type},
		})
	}
}

func (c *conn) eval(msg clientMessage) {
	if !c.owns(msg.SessionID) {
		c.send(unknownSession(typeEval, msg.SessionID))
		return
	}

	var opts []router.SubmitOption
	if msg.TimeoutMS != nil && *msg.TimeoutMS > 0 {
		opts = append(opts, router.WithTimeout(time.Duration(*msg.TimeoutMS)*time.Millisecond))
	}

	ctx, abort := context.WithCancel(context.Background())
	c.mu.Lock()
	if _, pending := c.submits[msg.SessionID]; pending {
		c.mu.Unlock()
		abort()
		c.send(errorMessage(typeEval, evalvana.ErrSessionBusy))
		return
	}
	c.submits[msg.SessionID] = abort
	c.mu.Unlock()

	c.streams.Add(1)
	go c.submit(ctx, abort, msg.SessionID, msg.Code, opts)
}

// submit runs one evaluation off the read loop, so a cancel for the session
// is read while its plugin process is still starting.
func (c *conn) submit(ctx context.Context, abort context.CancelFunc, sessionID, code string, opts []router.SubmitOption) {
	defer c.streams.Done()
	defer abort()

	stream, err := c.srv.coord.Evaluate(ctx, sessionID, code, opts...)

	c.mu.Lock()
	delete(c.submits, sessionID)
	_, owned := c.sessions[sessionID]
	if err == nil && owned {
		c.sessions[sessionID] = stream
	}
	c.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			err = evalvana.ErrCancelled
		}
		out := errorMessage(typeEval, err)
		out.SessionID = sessionID
		c.send(out)
		return
	}
	if !owned {
		_ = stream.Cancel()
		return
	}
	c.send(serverMessage{Type: typeEval, SessionID: sessionID, RequestID: stream.RequestID()})
	c.pump(sessionID, stream)
}

// pump forwards the responses of one evaluation to the client.
func (c *conn) pump(sessionID string, stream *coordinator.Stream) {
	for resp := range stream.Responses(context.Background()) {
		c.send(serverMessage{
			Type:      typeResponse,
			SessionID: sessionID,
			RequestID: stream.RequestID(),
			Response:  &resp,
		})
	}

	c.mu.Lock()
	if cur, ok := c.sessions[sessionID]; ok && cur == stream {
		c.sessions[sessionID] = nil
	}
	c.mu.Unlock()

	if err := stream.Err(); err != nil {
		out := errorMessage(typeCancelled, err)
		out.SessionID = sessionID
		out.RequestID = stream.RequestID()
		c.send(out)
	}
}

func (c *conn) cancel(msg clientMessage) {
	c.mu.Lock()
	stream, owned := c.sessions[msg.SessionID]
	abort, submitting := c.submits[msg.SessionID]
	c.mu.Unlock()
	if !owned {
		c.send(unknownSession(typeCancel, msg.SessionID))
		return
	}
	if submitting {
		abort()
		c.send(serverMessage{Type: typeCancel, SessionID: msg.SessionID})
		return
	}
	if stream == nil || (msg.RequestID != 0 && stream.RequestID() != msg.RequestID) {
		c.send(errorMessage(typeCancel, evalvana.ErrNoActiveRequest))
		return
	}
	if err := stream.Cancel(); err != nil {
		c.send(errorMessage(typeCancel, err))
		return
	}
	c.send(serverMessage{Type: typeCancel, SessionID: msg.SessionID, RequestID: stream.RequestID()})
}

func (c *conn) owns(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[sessionID]
	return ok
}

func (c *conn) closeSessions() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.sessions = make(map[string]*coordinator.Stream)
	for _, abort := range c.submits {
		abort()
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.srv.coord.Close(id); err != nil && !errors.Is(err, evalvana.ErrUnknownSession) {
			slog.Warn("failed to close session", "session", id, "error", err)
		}
	}
	c.streams.Wait()
}

func (c *conn) send(msg serverMessage) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.Encode(msg); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func unknownSession(typ, sessionID string) serverMessage {
	return errorMessage(typ, fmt.Errorf("%w: %s", evalvana.ErrUnknownSession, sessionID))
}
