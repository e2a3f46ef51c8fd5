package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Paranoid-AF/evalvana"
	"github.com/Paranoid-AF/evalvana/internal/plugintest"
	"github.com/Paranoid-AF/evalvana/process"
	"github.com/Paranoid-AF/evalvana/router"
	"github.com/Paranoid-AF/evalvana/transcript"
)

func TestMain(m *testing.M) {
	plugintest.Main(m)
}

func newCoordinator(t *testing.T) (*Coordinator, *transcript.Index) {
	t.Helper()
	reg, err := evalvana.NewRegistry(
		plugintest.Descriptor("echo", plugintest.ModeEcho, evalvana.CapCancel, evalvana.CapStreaming),
		plugintest.Descriptor("calc", plugintest.ModeCalc),
	)
	require.NoError(t, err)
	quiet := slog.New(slog.DiscardHandler)
	pm := process.NewManager(reg, process.Options{Logger: quiet, TerminateGrace: time.Second})
	idx := transcript.NewIndex()
	c := New(router.New(pm, router.WithLogger(quiet)),
		WithRecall(idx),
		WithLogger(quiet),
		WithTracerProvider(noop.NewTracerProvider()),
		WithMeterProvider(metricnoop.NewMeterProvider()),
	)
	t.Cleanup(func() {
		c.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, pm.Shutdown(ctx))
	})
	return c, idx
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func collect(t *testing.T, s *Stream) []evalvana.Response {
	t.Helper()
	var out []evalvana.Response
	for resp := range s.Responses(testCtx(t)) {
		out = append(out, resp)
	}
	require.NoError(t, s.Err())
	return out
}

func TestEvaluateValue(t *testing.T) {
	c, _ := newCoordinator(t)
	sid, err := c.Open("calc")
	require.NoError(t, err)
	assert.Contains(t, c.Sessions(), sid)

	s, err := c.Evaluate(testCtx(t), sid, "1 + 1")
	require.NoError(t, err)
	resps := collect(t, s)
	require.Len(t, resps, 1)
	assert.Equal(t, evalvana.KindValue, resps[0].Kind)
	assert.Equal(t, "2", resps[0].Text)

	result, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, "2", result.Text)

	_, err = s.Next(testCtx(t))
	assert.ErrorIs(t, err, io.EOF)
}

func TestEvaluateStreamsPartialsBeforeTerminal(t *testing.T) {
	c, _ := newCoordinator(t)
	sid, err := c.Open("echo")
	require.NoError(t, err)

	s, err := c.Evaluate(testCtx(t), sid, "stream 3")
	require.NoError(t, err)
	resps := collect(t, s)
	require.Len(t, resps, 4)
	for _, r := range resps[:3] {
		assert.Equal(t, evalvana.KindPartial, r.Kind)
	}
	assert.True(t, resps[3].Terminal())

	ts, err := c.Transcript(sid)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, "stream 3", ts[0].Code)
	assert.Len(t, ts[0].Output, 3)
	assert.Equal(t, resps[3].Text, ts[0].Result.Text)
	assert.Equal(t, s.RequestID(), ts[0].RequestID)
	assert.False(t, ts[0].Finished.Before(ts[0].Started))
}

func TestErrorResponseIsRecorded(t *testing.T) {
	c, idx := newCoordinator(t)
	sid, err := c.Open("calc")
	require.NoError(t, err)

	s, err := c.Evaluate(testCtx(t), sid, "undefinedName")
	require.NoError(t, err)
	resps := collect(t, s)
	require.Len(t, resps, 1)
	assert.Equal(t, evalvana.KindError, resps[0].Kind)
	assert.NotNil(t, resps[0].Span)

	ts, err := c.Transcript(sid)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, evalvana.KindError, ts[0].Result.Kind)
	assert.Equal(t, 1, idx.Len())
}

func TestStreamCancel(t *testing.T) {
	c, _ := newCoordinator(t)
	sid, err := c.Open("echo")
	require.NoError(t, err)

	s, err := c.Evaluate(testCtx(t), sid, "sleep 10s")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Next(testCtx(t))
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Cancel())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, evalvana.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after Cancel")
	}
	assert.ErrorIs(t, s.Err(), evalvana.ErrCancelled)
	assert.NoError(t, s.Cancel(), "second cancel is a no-op")

	// The session takes a new request at once and nothing was recorded.
	s2, err := c.Evaluate(testCtx(t), sid, "after")
	require.NoError(t, err)
	resps := collect(t, s2)
	assert.Equal(t, "after", resps[len(resps)-1].Text)

	ts, err := c.Transcript(sid)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, "after", ts[0].Code)
}

func TestCallerContextCancelsRequest(t *testing.T) {
	c, _ := newCoordinator(t)
	sid, err := c.Open("echo")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.Evaluate(ctx, sid, "hang")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		return errors.Is(s.Err(), evalvana.ErrCancelled)
	}, 5*time.Second, 10*time.Millisecond)
	_, active := c.router.Active(sid)
	assert.False(t, active)
}

func TestNextContextOnlyInterruptsWait(t *testing.T) {
	c, _ := newCoordinator(t)
	sid, err := c.Open("echo")
	require.NoError(t, err)

	s, err := c.Evaluate(testCtx(t), sid, "sleep 200ms")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, s.Err())

	resps := collect(t, s)
	require.NotEmpty(t, resps)
	assert.True(t, resps[len(resps)-1].Terminal())
}

func TestCoordinatorCancel(t *testing.T) {
	c, _ := newCoordinator(t)
	sid, err := c.Open("echo")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Cancel(testCtx(t), sid), evalvana.ErrNoActiveRequest)
	assert.ErrorIs(t, c.Cancel(testCtx(t), "nope"), evalvana.ErrUnknownSession)

	s, err := c.Evaluate(testCtx(t), sid, "hang")
	require.NoError(t, err)
	require.NoError(t, c.Cancel(testCtx(t), sid))
	_, err = s.Next(testCtx(t))
	assert.ErrorIs(t, err, evalvana.ErrCancelled)
}

func TestEvaluateErrors(t *testing.T) {
	c, _ := newCoordinator(t)

	_, err := c.Evaluate(testCtx(t), "missing", "1")
	assert.ErrorIs(t, err, evalvana.ErrUnknownSession)

	_, err = c.Open("nope")
	assert.ErrorIs(t, err, evalvana.ErrUnknownPlugin)

	sid, err := c.Open("echo")
	require.NoError(t, err)
	_, err = c.Evaluate(testCtx(t), sid, "hang")
	require.NoError(t, err)
	_, err = c.Evaluate(testCtx(t), sid, "again")
	assert.ErrorIs(t, err, evalvana.ErrSessionBusy)

	require.NoError(t, c.Close(sid))
	assert.ErrorIs(t, c.Close(sid), evalvana.ErrUnknownSession)
}

func TestRecall(t *testing.T) {
	c, _ := newCoordinator(t)
	sid, err := c.Open("calc")
	require.NoError(t, err)

	for _, code := range []string{`len("gopher")`, "1 << 10", `"a" + "b"`} {
		s, err := c.Evaluate(testCtx(t), sid, code)
		require.NoError(t, err)
		collect(t, s)
	}

	got := c.Recall(`len("go")`, 1)
	require.Len(t, got, 1)
	assert.Equal(t, `len("gopher")`, got[0].Code)
	assert.Equal(t, "6", got[0].Result)
	assert.Equal(t, "calc", got[0].PluginID)

	assert.Equal(t, []string{"calc", "echo"}, c.Plugins())
}

func TestRecallDisabled(t *testing.T) {
	c := New(nil)
	assert.Nil(t, c.Recall("anything", 3))
}
