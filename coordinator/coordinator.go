// Package coordinator is the entry point user interfaces evaluate code
// through. It hides process acquisition, framing and routing behind
// sessions and response streams.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Paranoid-AF/evalvana"
	"github.com/Paranoid-AF/evalvana/router"
	"github.com/Paranoid-AF/evalvana/transcript"
)

const instrumentationName = "github.com/Paranoid-AF/evalvana/coordinator"

// Coordinator is safe for concurrent use.
type Coordinator struct {
	router *router.Router
	recall *transcript.Index
	tracer trace.Tracer
	meter  metric.Meter
	log    *slog.Logger

	evaluations metric.Int64Counter
	duration    metric.Float64Histogram
}

type Option func(*Coordinator)

// WithRecall records every completed exchange in idx.
func WithRecall(idx *transcript.Index) Option {
	return func(c *Coordinator) { c.recall = idx }
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) { c.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Coordinator) { c.meter = mp.Meter(instrumentationName) }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func New(r *router.Router, opts ...Option) *Coordinator {
	c := &Coordinator{
		router: r,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	c.evaluations, err = c.meter.Int64Counter("evalvana.evaluations",
		metric.WithDescription("Evaluations that reached a terminal response or were abandoned."))
	if err != nil {
		c.log.Warn("failed to create evaluation counter", "error", err)
	}
	c.duration, err = c.meter.Float64Histogram("evalvana.evaluation.duration",
		metric.WithDescription("Time from submit to terminal response."),
		metric.WithUnit("s"))
	if err != nil {
		c.log.Warn("failed to create duration histogram", "error", err)
	}
	return c
}

// Plugins returns the plugin ids sessions can be opened for.
func (c *Coordinator) Plugins() []string {
	return c.router.Plugins()
}

// Open starts a session bound to pluginID and returns its generated id.
// No process is started until the first evaluation.
func (c *Coordinator) Open(pluginID string) (string, error) {
	id := uuid.NewString()
	if _, err := c.router.Open(id, pluginID); err != nil {
		return "", err
	}
	c.log.Debug("session opened", "session", id, "plugin", pluginID)
	return id, nil
}

// Close ends a session, cancelling anything it still has in flight.
func (c *Coordinator) Close(sessionID string) error {
	if err := c.router.Close(sessionID); err != nil {
		return err
	}
	c.log.Debug("session closed", "session", sessionID)
	return nil
}

// CloseAll ends every open session.
func (c *Coordinator) CloseAll() {
	c.router.CloseAll()
}

// Sessions returns the ids of the open sessions.
func (c *Coordinator) Sessions() []string {
	return c.router.Sessions()
}

// Evaluate submits code on the session and returns the stream of its
// responses. The stream yields zero or more partial responses followed by
// exactly one value or error. When ctx is done before the terminal response
// the request is cancelled.
func (c *Coordinator) Evaluate(ctx context.Context, sessionID, code string, opts ...router.SubmitOption) (*Stream, error) {
	sess, ok := c.router.Session(sessionID)
	if !ok {
		return nil, fmt.Errorf("evaluate: %w: %s", evalvana.ErrUnknownSession, sessionID)
	}

	spanCtx, span := c.tracer.Start(ctx, "evalvana.evaluate",
		trace.WithAttributes(
			attribute.String("evalvana.session", sessionID),
			attribute.String("evalvana.plugin", sess.PluginID()),
			attribute.Int("evalvana.code_bytes", len(code)),
		))

	id, err := c.router.Submit(spanCtx, sessionID, code, opts...)
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.Int64("evalvana.request", id))

	s := newStream(c, sess, id, code, span)
	s.watch(ctx, func() {
		if s.Cancel() == nil {
			c.log.Debug("evaluation cancelled by caller", "session", sessionID, "request", id, "error", ctx.Err())
		}
	})
	return s, nil
}

// Cancel abandons whatever the session has in flight.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) error {
	req, ok := c.router.Active(sessionID)
	if !ok {
		if _, open := c.router.Session(sessionID); !open {
			return fmt.Errorf("cancel: %w: %s", evalvana.ErrUnknownSession, sessionID)
		}
		return evalvana.ErrNoActiveRequest
	}
	return c.router.Cancel(ctx, sessionID, req.ID)
}

// Transcript returns the session's completed exchanges in order.
func (c *Coordinator) Transcript(sessionID string) ([]evalvana.Exchange, error) {
	return c.router.Transcript(sessionID)
}

// Recall returns up to k remembered inputs resembling query. It returns nil
// when no recall index is configured.
func (c *Coordinator) Recall(query string, k int) []transcript.Entry {
	if c.recall == nil {
		return nil
	}
	return c.recall.Search(query, k)
}

// observe records the outcome of one evaluation; outcome is the response
// kind or "cancelled"/"failed" for streams that ended without one.
func (c *Coordinator) observe(plugin, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("evalvana.plugin", plugin),
		attribute.String("evalvana.outcome", outcome),
	)
	if c.evaluations != nil {
		c.evaluations.Add(context.Background(), 1, attrs)
	}
	if c.duration != nil {
		c.duration.Record(context.Background(), d.Seconds(), attrs)
	}
}

func (c *Coordinator) record(ex evalvana.Exchange) {
	if err := c.router.Record(ex.SessionID, ex); err != nil {
		// The session was closed while its last response was being read.
		if !errors.Is(err, evalvana.ErrUnknownSession) {
			c.log.Warn("failed to record exchange", "session", ex.SessionID, "error", err)
		}
	}
	if c.recall != nil {
		c.recall.Add(ex)
	}
}
