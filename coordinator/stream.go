package coordinator

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Paranoid-AF/evalvana"
	"github.com/Paranoid-AF/evalvana/router"
)

// Stream delivers the responses of one evaluation. Next is meant for a
// single reader; Cancel may be called from any goroutine.
type Stream struct {
	c       *Coordinator
	session string
	plugin  string
	id      int64
	code    string
	started time.Time
	span    trace.Span
	stop    func() bool

	mu     sync.Mutex
	done   bool
	err    error
	output []string
	result evalvana.Response
}

func newStream(c *Coordinator, sess *router.Session, id int64, code string, span trace.Span) *Stream {
	return &Stream{
		c:       c,
		session: sess.ID(),
		plugin:  sess.PluginID(),
		id:      id,
		code:    code,
		started: time.Now(),
		span:    span,
	}
}

// watch runs f once ctx is done, unless the stream finished first.
func (s *Stream) watch(ctx context.Context, f func()) {
	stop := context.AfterFunc(ctx, f)
	s.mu.Lock()
	s.stop = stop
	done := s.done
	s.mu.Unlock()
	if done {
		stop()
	}
}

// RequestID returns the session-scoped id of the evaluation.
func (s *Stream) RequestID() int64 { return s.id }

// Next blocks for the next response. After the terminal response it returns
// io.EOF; after Cancel it returns evalvana.ErrCancelled. A done ctx only
// interrupts the wait: the evaluation continues and Next may be called again.
func (s *Stream) Next(ctx context.Context) (evalvana.Response, error) {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return evalvana.Response{}, err
	}
	s.mu.Unlock()

	resp, err := s.c.router.Await(ctx, s.session, s.id)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return resp, err
		}
		s.finish(nil, err)
		return evalvana.Response{}, err
	}

	if !resp.Terminal() {
		s.mu.Lock()
		s.output = append(s.output, resp.Text)
		s.mu.Unlock()
		return resp, nil
	}
	s.finish(&resp, nil)
	return resp, nil
}

// Responses iterates over the remaining responses up to and including the
// terminal one. Stop conditions other than a terminal response are reported
// by Err.
func (s *Stream) Responses(ctx context.Context) iter.Seq[evalvana.Response] {
	return func(yield func(evalvana.Response) bool) {
		for {
			resp, err := s.Next(ctx)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.setErr(err)
				}
				return
			}
			if !yield(resp) || resp.Terminal() {
				return
			}
		}
	}
}

// Err returns the error that ended the stream early, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Result returns the terminal response once the stream has completed.
func (s *Stream) Result() (evalvana.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.done && s.err == nil
}

// Cancel abandons the evaluation. The session accepts a new request as soon
// as Cancel returns. Cancelling a completed stream is a no-op.
func (s *Stream) Cancel() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.c.router.Cancel(context.Background(), s.session, s.id)
	if errors.Is(err, evalvana.ErrNoActiveRequest) || errors.Is(err, evalvana.ErrUnknownSession) {
		// Completed or closed concurrently.
		return nil
	}
	if err != nil {
		return err
	}
	s.finish(nil, evalvana.ErrCancelled)
	return nil
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// finish ends the stream with either a terminal response or an error. Only
// the first call has any effect.
func (s *Stream) finish(result *evalvana.Response, err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	output := s.output
	stop := s.stop
	if result != nil {
		s.result = *result
	}
	s.mu.Unlock()

	if stop != nil {
		stop()
	}

	if err != nil {
		outcome := "failed"
		if errors.Is(err, evalvana.ErrCancelled) {
			outcome = "cancelled"
		}
		s.c.observe(s.plugin, outcome, time.Since(s.started))
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
		s.span.End()
		return
	}

	s.span.SetAttributes(
		attribute.String("evalvana.kind", string(result.Kind)),
		attribute.Int("evalvana.partials", len(output)),
	)
	if result.Kind == evalvana.KindError {
		s.span.SetStatus(codes.Error, result.Text)
	}
	s.span.End()

	finished := time.Now()
	s.c.observe(s.plugin, string(result.Kind), finished.Sub(s.started))
	s.c.record(evalvana.Exchange{
		RequestID: s.id,
		SessionID: s.session,
		PluginID:  s.plugin,
		Code:      s.code,
		Output:    output,
		Result:    *result,
		Started:   s.started,
		Finished:  finished,
	})
}
