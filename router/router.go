// Package router maps REPL sessions onto plugin processes. Each session has
// at most one request in flight; the router assigns request ids, forwards
// code to the session's leased process and hands responses back in order.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/Paranoid-AF/evalvana"
	"github.com/Paranoid-AF/evalvana/metrics"
	"github.com/Paranoid-AF/evalvana/process"
)

// ErrSessionExists is returned by Open for an id that is already open.
var ErrSessionExists = errors.New("session already open")

// Pool hands out plugin processes. *process.Manager implements it.
type Pool interface {
	Acquire(ctx context.Context, pluginID string) (*process.Process, error)
	Release(p *process.Process)
	Registry() *evalvana.Registry
}

// Session is one REPL tab bound to a plugin.
type Session struct {
	id       string
	pluginID string
	created  time.Time

	mu         sync.Mutex
	proc       *process.Process
	nextID     int64
	active     *inflight
	transcript []evalvana.Exchange
	closed     bool
}

func (s *Session) ID() string         { return s.id }
func (s *Session) PluginID() string   { return s.pluginID }
func (s *Session) Created() time.Time { return s.created }

// inflight is the session's outstanding request.
type inflight struct {
	req     evalvana.Request
	started time.Time

	// ready is closed once dispatch finished; call or err is set then.
	ready chan struct{}
	call  *process.Call
	err   error

	// cancelled is closed by Cancel and Close.
	cancelled chan struct{}
	once      sync.Once
}

func (a *inflight) cancel() {
	a.once.Do(func() { close(a.cancelled) })
}

// Router is safe for concurrent use. Sessions are independent: work on one
// never waits for another.
type Router struct {
	pool     Pool
	sessions cmap.ConcurrentMap[string, *Session]
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Router.
type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func New(pool Pool, opts ...Option) *Router {
	r := &Router{
		pool:     pool,
		sessions: cmap.New[*Session](),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open creates a session for pluginID. No process is started until the
// first Submit.
func (r *Router) Open(sessionID, pluginID string) (*Session, error) {
	if _, ok := r.pool.Registry().Lookup(pluginID); !ok {
		return nil, fmt.Errorf("open session %s: %w: %s", sessionID, evalvana.ErrUnknownPlugin, pluginID)
	}
	s := &Session{id: sessionID, pluginID: pluginID, created: time.Now()}
	if !r.sessions.SetIfAbsent(sessionID, s) {
		return nil, fmt.Errorf("open session %s: %w", sessionID, ErrSessionExists)
	}
	r.metrics.SessionOpened()
	r.log.Debug("session opened", "session", sessionID, "plugin", pluginID)
	return s, nil
}

// Plugins returns the ids of the plugins sessions can be opened for.
func (r *Router) Plugins() []string {
	return r.pool.Registry().IDs()
}

// Session returns the open session with the given id.
func (r *Router) Session(sessionID string) (*Session, bool) {
	return r.sessions.Get(sessionID)
}

// Sessions returns the ids of all open sessions, sorted.
func (r *Router) Sessions() []string {
	ids := r.sessions.Keys()
	slices.Sort(ids)
	return ids
}

// Close cancels the session's outstanding request, releases its process
// lease and forgets the session. The process itself stays pooled.
func (r *Router) Close(sessionID string) error {
	s, ok := r.sessions.Pop(sessionID)
	if !ok {
		return fmt.Errorf("close session %s: %w", sessionID, evalvana.ErrUnknownSession)
	}

	s.mu.Lock()
	s.closed = true
	a := s.active
	s.active = nil
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()

	if a != nil {
		a.cancel()
		if call := a.readyCall(); call != nil {
			if err := call.Cancel(); err != nil {
				r.log.Debug("cancel on close", "session", sessionID, "error", err)
			}
		}
	}
	if proc != nil {
		r.pool.Release(proc)
	}
	r.metrics.SessionClosed()
	r.log.Debug("session closed", "session", sessionID)
	return nil
}

// CloseAll closes every open session.
func (r *Router) CloseAll() {
	for _, id := range r.sessions.Keys() {
		_ = r.Close(id)
	}
}

type submitOptions struct {
	timeout time.Duration
}

// SubmitOption adjusts a single submission.
type SubmitOption func(*submitOptions)

// WithTimeout bounds the request; zero keeps the plugin or pool default.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

// Submit sends code to the session's plugin and returns the new request id.
// It fails with evalvana.ErrSessionBusy, changing nothing, while an earlier
// request is still outstanding.
func (r *Router) Submit(ctx context.Context, sessionID, code string, opts ...SubmitOption) (int64, error) {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}

	s, ok := r.sessions.Get(sessionID)
	if !ok {
		return 0, fmt.Errorf("submit: %w: %s", evalvana.ErrUnknownSession, sessionID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, fmt.Errorf("submit: %w: %s", evalvana.ErrUnknownSession, sessionID)
	}
	if s.active != nil {
		s.mu.Unlock()
		return 0, evalvana.ErrSessionBusy
	}
	s.nextID++
	a := &inflight{
		req: evalvana.Request{
			ID:        s.nextID,
			SessionID: sessionID,
			Code:      code,
			Timeout:   o.timeout,
		},
		started:   time.Now(),
		ready:     make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	s.active = a
	held := s.proc
	s.mu.Unlock()

	call, proc, err := r.dispatch(ctx, s, held, a.req)

	s.mu.Lock()
	if err != nil {
		if s.proc == held {
			s.proc = nil
		}
		if s.active == a {
			s.active = nil
		}
		a.err = err
		close(a.ready)
		s.mu.Unlock()
		return 0, err
	}
	if s.closed {
		s.mu.Unlock()
		a.err = evalvana.ErrCancelled
		close(a.ready)
		_ = call.Cancel()
		if proc != held {
			// Close already released held.
			r.pool.Release(proc)
		}
		return 0, fmt.Errorf("submit: %w: %s", evalvana.ErrUnknownSession, sessionID)
	}
	a.call = call
	close(a.ready)
	if s.active != a {
		// Cancelled while the process was being acquired. A newer request
		// may have leased a process of its own meanwhile; keep that one.
		release := false
		switch {
		case s.proc == proc:
		case s.active == nil && (s.proc == nil || s.proc == held):
			s.proc = proc
		default:
			release = true
		}
		s.mu.Unlock()
		_ = call.Cancel()
		if release {
			r.pool.Release(proc)
		}
		return 0, evalvana.ErrCancelled
	}
	s.proc = proc
	s.mu.Unlock()

	r.log.Debug("request submitted", "session", sessionID, "request_id", a.req.ID, "process", proc.Key())
	return a.req.ID, nil
}

// dispatch sends req on the session's process, acquiring one when the
// session has none or its process died since the last request.
func (r *Router) dispatch(ctx context.Context, s *Session, proc *process.Process, req evalvana.Request) (*process.Call, *process.Process, error) {
	for attempt := 0; ; attempt++ {
		if proc == nil {
			p, err := r.pool.Acquire(ctx, s.pluginID)
			if err != nil {
				return nil, nil, err
			}
			proc = p
		}
		call, err := proc.Send(req)
		if err == nil {
			return call, proc, nil
		}
		r.pool.Release(proc)
		proc = nil
		if !errors.Is(err, process.ErrNotRunning) || attempt > 0 {
			return nil, nil, fmt.Errorf("submit to %s: %w", s.pluginID, err)
		}
		r.log.Debug("session process gone, reacquiring", "session", s.id, "error", err)
	}
}

// Poll returns the next response of the session's outstanding request,
// blocking until one is available. After the terminal response the session
// is free for the next Submit. Poll returns evalvana.ErrCancelled once the
// request is cancelled and evalvana.ErrNoActiveRequest when nothing is
// outstanding.
func (r *Router) Poll(ctx context.Context, sessionID string) (evalvana.Response, error) {
	return r.poll(ctx, sessionID, 0)
}

// Await is Poll for a specific request. It returns evalvana.ErrCancelled
// when requestID is no longer the session's outstanding request, so a reader
// holding an old id never sees frames of a newer request.
func (r *Router) Await(ctx context.Context, sessionID string, requestID int64) (evalvana.Response, error) {
	return r.poll(ctx, sessionID, requestID)
}

func (r *Router) poll(ctx context.Context, sessionID string, want int64) (evalvana.Response, error) {
	s, ok := r.sessions.Get(sessionID)
	if !ok {
		return evalvana.Response{}, fmt.Errorf("poll: %w: %s", evalvana.ErrUnknownSession, sessionID)
	}
	s.mu.Lock()
	a := s.active
	s.mu.Unlock()
	switch {
	case a == nil && want == 0:
		return evalvana.Response{}, evalvana.ErrNoActiveRequest
	case a == nil || (want != 0 && a.req.ID != want):
		return evalvana.Response{}, evalvana.ErrCancelled
	}

	select {
	case <-a.ready:
	case <-a.cancelled:
		return evalvana.Response{}, evalvana.ErrCancelled
	case <-ctx.Done():
		return evalvana.Response{}, ctx.Err()
	}
	if a.err != nil {
		return evalvana.Response{}, a.err
	}

	resp, err := a.call.Next(ctx)
	if err != nil {
		return resp, err
	}
	if resp.Terminal() {
		s.mu.Lock()
		if s.active == a {
			s.active = nil
		}
		s.mu.Unlock()
	}
	return resp, nil
}

// Cancel abandons the session's outstanding request. The session accepts a
// new Submit as soon as Cancel returns; pollers are released with
// evalvana.ErrCancelled and any later frames for the request are dropped.
func (r *Router) Cancel(ctx context.Context, sessionID string, requestID int64) error {
	s, ok := r.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("cancel: %w: %s", evalvana.ErrUnknownSession, sessionID)
	}
	s.mu.Lock()
	a := s.active
	if a == nil || a.req.ID != requestID {
		s.mu.Unlock()
		return fmt.Errorf("cancel request %d: %w", requestID, evalvana.ErrNoActiveRequest)
	}
	s.active = nil
	s.mu.Unlock()

	a.cancel()
	r.log.Debug("request cancelled", "session", sessionID, "request_id", requestID)
	if call := a.readyCall(); call != nil {
		return call.Cancel()
	}
	return nil
}

// readyCall returns the dispatched call, or nil while dispatch is running.
func (a *inflight) readyCall() *process.Call {
	select {
	case <-a.ready:
		return a.call
	default:
		return nil
	}
}

// Active returns the outstanding request of the session, if any.
func (r *Router) Active(sessionID string) (evalvana.Request, bool) {
	s, ok := r.sessions.Get(sessionID)
	if !ok {
		return evalvana.Request{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return evalvana.Request{}, false
	}
	return s.active.req, true
}

// Record appends a completed exchange to the session's transcript.
func (r *Router) Record(sessionID string, ex evalvana.Exchange) error {
	s, ok := r.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("record: %w: %s", evalvana.ErrUnknownSession, sessionID)
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, ex)
	s.mu.Unlock()
	return nil
}

// Transcript returns a copy of the session's completed exchanges in order.
func (r *Router) Transcript(sessionID string) ([]evalvana.Exchange, error) {
	s, ok := r.sessions.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("transcript: %w: %s", evalvana.ErrUnknownSession, sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transcript), nil
}
