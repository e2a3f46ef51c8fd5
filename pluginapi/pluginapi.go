// Package pluginapi is the plugin side of the evaluation protocol. A plugin
// binary calls Serve with its stdin and stdout and an Evaluator; Serve
// handles framing, per-request deadlines, cancel frames and error reporting.
package pluginapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Paranoid-AF/evalvana"
	"github.com/Paranoid-AF/evalvana/codec"
)

// ErrResponseDone is returned by ResponseWriter methods once a terminal
// response has been written.
var ErrResponseDone = errors.New("pluginapi: terminal response already written")

// Evaluator evaluates one request. It streams partial output and finishes
// with exactly one of Value or Error. Returning without a terminal response
// makes Serve send one: an error response when the evaluator returned an
// error, an empty value otherwise.
type Evaluator interface {
	Eval(ctx context.Context, code string, w *ResponseWriter) error
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, code string, w *ResponseWriter) error

func (f EvaluatorFunc) Eval(ctx context.Context, code string, w *ResponseWriter) error {
	return f(ctx, code, w)
}

// ResponseWriter writes the responses for one request.
type ResponseWriter struct {
	id  int64
	out *codec.Writer

	mu   sync.Mutex
	done bool
}

// ID returns the wire id of the request being answered.
func (w *ResponseWriter) ID() int64 {
	return w.id
}

// Partial streams a chunk of output.
func (w *ResponseWriter) Partial(text string) error {
	return w.write(evalvana.Response{ID: w.id, Kind: evalvana.KindPartial, Text: text})
}

// Value finishes the request with a result. meta, when non-nil, is
// marshalled into the response's meta object.
func (w *ResponseWriter) Value(text string, meta any) error {
	resp := evalvana.Response{ID: w.id, Kind: evalvana.KindValue, Text: text}
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
		resp.Meta = raw
	}
	return w.write(resp)
}

// Error finishes the request with a failure. span may be nil.
func (w *ResponseWriter) Error(msg string, span *evalvana.Span) error {
	return w.write(evalvana.Response{ID: w.id, Kind: evalvana.KindError, Text: msg, Span: span})
}

// Done reports whether a terminal response was written.
func (w *ResponseWriter) Done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *ResponseWriter) write(resp evalvana.Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return ErrResponseDone
	}
	if resp.Terminal() {
		w.done = true
	}
	return w.out.WriteResponse(resp)
}

type options struct {
	concurrent bool
	maxFrame   int
	logger     *slog.Logger
}

// Option configures Serve.
type Option func(*options)

// Concurrent evaluates requests in parallel instead of one at a time.
// Plugins using it should declare the "concurrent" capability.
func Concurrent() Option {
	return func(o *options) { o.concurrent = true }
}

// WithMaxFrame sets the largest accepted request frame.
func WithMaxFrame(n int) Option {
	return func(o *options) { o.maxFrame = n }
}

// WithLogger sets the logger for protocol problems. Plugins should log to
// stderr; stdout carries frames.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Serve reads requests from in and writes responses to out until in is
// closed or ctx is done. On end of input Serve waits for outstanding
// evaluations to finish; in every other case they are cancelled first.
func Serve(ctx context.Context, in io.Reader, out io.Writer, ev Evaluator, opts ...Option) error {
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &server{
		ev:    ev,
		out:   codec.NewWriter(out),
		log:   o.logger,
		calls: make(map[int64]*call),
	}

	var (
		wg    sync.WaitGroup
		queue chan *call
	)
	if !o.concurrent {
		queue = make(chan *call, 64)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range queue {
				s.handle(c)
			}
		}()
	}
	drain := false
	defer func() {
		if !drain {
			cancel()
		}
		if queue != nil {
			close(queue)
		}
		wg.Wait()
	}()

	frames := make(chan frameOrErr)
	go func() {
		r := codec.NewReader(in, o.maxFrame)
		for {
			f, err := r.ReadRequest()
			select {
			case frames <- frameOrErr{f, err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, codec.ErrMalformed) {
				return
			}
		}
	}()

	for {
		var fe frameOrErr
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fe = <-frames:
		}

		if fe.err != nil {
			var de *codec.DecodeError
			switch {
			case errors.Is(fe.err, io.EOF):
				drain = true
				return nil
			case errors.As(fe.err, &de) && de.Reason == codec.Malformed:
				s.malformed(de)
				continue
			default:
				return fe.err
			}
		}

		if fe.f.Cancel {
			s.cancel(fe.f.ID)
			continue
		}
		// Register before queueing so a cancel that arrives while the request
		// waits behind another one still finds it.
		c := s.register(ctx, fe.f)
		if queue != nil {
			queue <- c
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(c)
		}()
	}
}

type frameOrErr struct {
	f   codec.RequestFrame
	err error
}

type call struct {
	ctx    context.Context
	cancel context.CancelFunc
	frame  codec.RequestFrame
}

type server struct {
	ev  Evaluator
	out *codec.Writer
	log *slog.Logger

	mu    sync.Mutex
	calls map[int64]*call
}

func (s *server) register(ctx context.Context, f codec.RequestFrame) *call {
	c := &call{frame: f}
	if f.Timeout > 0 {
		c.ctx, c.cancel = context.WithTimeout(ctx, f.Timeout)
	} else {
		c.ctx, c.cancel = context.WithCancel(ctx)
	}
	s.mu.Lock()
	if prev, ok := s.calls[f.ID]; ok {
		s.log.Warn("duplicate request id", "id", f.ID)
		prev.cancel()
	}
	s.calls[f.ID] = c
	s.mu.Unlock()
	return c
}

func (s *server) cancel(id int64) {
	s.mu.Lock()
	c, ok := s.calls[id]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("cancel for unknown request", "id", id)
		return
	}
	c.cancel()
}

func (s *server) handle(c *call) {
	defer func() {
		c.cancel()
		s.mu.Lock()
		if s.calls[c.frame.ID] == c {
			delete(s.calls, c.frame.ID)
		}
		s.mu.Unlock()
	}()

	w := &ResponseWriter{id: c.frame.ID, out: s.out}
	err := c.ctx.Err()
	if err == nil {
		err = s.eval(c, w)
	}
	if w.Done() {
		return
	}

	var werr error
	switch {
	case errors.Is(err, context.Canceled):
		werr = w.Error("cancelled", nil)
	case errors.Is(err, context.DeadlineExceeded):
		werr = w.Error("timed out", nil)
	case err != nil:
		werr = w.Error(err.Error(), nil)
	default:
		werr = w.Value("", nil)
	}
	if werr != nil {
		s.log.Error("write terminal response", "id", c.frame.ID, "error", werr)
	}
}

// eval runs the evaluator, turning a panic into an error response so one
// bad request does not take the plugin down.
func (s *server) eval(c *call, w *ResponseWriter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("evaluator panic", "id", c.frame.ID, "panic", r)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return s.ev.Eval(c.ctx, c.frame.Code, w)
}

func (s *server) malformed(de *codec.DecodeError) {
	if !de.HasID {
		s.log.Warn("dropping malformed frame", "error", de, "frame", string(de.Frame))
		return
	}
	w := &ResponseWriter{id: de.ID, out: s.out}
	if err := w.Error("malformed request: "+de.Err.Error(), nil); err != nil {
		s.log.Error("write error response", "id", de.ID, "error", err)
	}
}
