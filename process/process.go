package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/Paranoid-AF/evalvana"
	"github.com/Paranoid-AF/evalvana/codec"
)

// ErrNotRunning is returned by Send once a process is shutting down or dead.
// Callers holding a lease should release it and acquire again.
var ErrNotRunning = errors.New("plugin process is not running")

type state int

const (
	running state = iota
	stopping
	dead
)

func (s state) String() string {
	switch s {
	case running:
		return "running"
	case stopping:
		return "stopping"
	case dead:
		return "dead"
	}
	return "unknown"
}

// Process is one running plugin instance. It is owned by its Manager; holders
// of a lease talk to it through Send and the returned Calls.
type Process struct {
	m       *Manager
	key     string
	desc    evalvana.Descriptor
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	w       *codec.Writer
	log     *slog.Logger
	started time.Time

	mu                  sync.Mutex
	state               state
	pending             map[int64]*Call
	nextID              int64
	leases              int
	lastUsed            time.Time
	consecutiveTimeouts int
	exitErr             error

	stderrDone chan struct{}
	done       chan struct{}
}

// Key returns the instance key, "<plugin>/<seq>".
func (p *Process) Key() string { return p.key }

func (p *Process) PluginID() string { return p.desc.ID }

// Descriptor returns a copy of the descriptor the process was started from.
func (p *Process) Descriptor() evalvana.Descriptor { return p.desc }

func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Alive reports whether the process accepts new requests.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == running
}

// Done is closed once the process has exited and been removed from the pool.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the process's exit status after Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// InFlight returns the number of requests still awaiting a terminal frame,
// including cancelled ones the plugin has not answered yet.
func (p *Process) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Send writes req to the plugin under a fresh wire id and returns the call
// that collects its responses. Responses read from the call carry req.ID.
func (p *Process) Send(req evalvana.Request) (*Call, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.desc.Timeout
	}
	if timeout <= 0 {
		timeout = p.m.opts.RequestTimeout
	}

	p.mu.Lock()
	if p.state != running {
		p.mu.Unlock()
		return nil, ErrNotRunning
	}
	p.nextID++
	c := &Call{
		p:      p,
		wireID: p.nextID,
		req:    req,
		sent:   time.Now(),
		mbox:   newMailbox(),
	}
	p.pending[c.wireID] = c
	p.lastUsed = c.sent
	p.mu.Unlock()
	p.m.touch(p)

	wire := req
	wire.ID = c.wireID
	wire.Timeout = timeout
	if err := p.w.WriteRequest(wire); err != nil {
		p.mu.Lock()
		delete(p.pending, c.wireID)
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: write request: %v", ErrNotRunning, err)
	}
	p.log.Debug("request sent", "session", req.SessionID, "request_id", req.ID, "wire_id", c.wireID)

	if timeout > 0 {
		p.mu.Lock()
		if !c.finished {
			c.timer = time.AfterFunc(timeout, func() { p.expire(c) })
		}
		p.mu.Unlock()
	}
	return c, nil
}

// start launches the reader goroutines. The manager calls it once the
// process is in the pool.
func (p *Process) start() {
	p.m.wg.Add(2)
	go func() {
		defer p.m.wg.Done()
		p.readStderr()
	}()
	go func() {
		defer p.m.wg.Done()
		p.readStdout()
	}()
}

func (p *Process) readStderr() {
	defer close(p.stderrDone)
	sc := bufio.NewScanner(p.stderr)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		p.log.Debug("plugin stderr", "line", sc.Text())
	}
	// Drain whatever an over-long line left behind so the plugin never blocks.
	_, _ = io.Copy(io.Discard, p.stderr)
}

func (p *Process) readStdout() {
	r := codec.NewReader(p.stdout, p.m.opts.MaxFrameBytes)
	for {
		resp, err := r.ReadResponse()
		if err == nil {
			p.deliver(resp)
			continue
		}
		var de *codec.DecodeError
		if errors.As(err, &de) && de.Reason == codec.Malformed {
			p.malformed(de)
			continue
		}
		if !errors.Is(err, io.EOF) {
			p.log.Warn("plugin stdout closed", "error", err)
		}
		break
	}
	p.exit()
}

func (p *Process) deliver(resp evalvana.Response) {
	p.mu.Lock()
	c, ok := p.pending[resp.ID]
	if !ok {
		p.mu.Unlock()
		p.log.Debug("discarding frame for finished request", "wire_id", resp.ID, "kind", resp.Kind)
		return
	}
	terminal := resp.Terminal()
	if terminal {
		c.finishLocked()
		p.consecutiveTimeouts = 0
		p.lastUsed = time.Now()
	}
	discard := c.discard
	p.mu.Unlock()

	if terminal {
		p.m.touch(p)
		p.m.metrics.Evaluated(p.desc.ID, string(resp.Kind), time.Since(c.sent))
	}
	if discard {
		return
	}
	resp.ID = c.req.ID
	c.mbox.push(resp)
	if terminal {
		c.mbox.close(io.EOF)
	}
}

// malformed handles an undecodable frame. It fails the request it names when
// the id survived, and is dropped otherwise.
func (p *Process) malformed(de *codec.DecodeError) {
	p.m.metrics.MalformedFrame(p.desc.ID)

	var c *Call
	if de.HasID {
		p.mu.Lock()
		c = p.pending[de.ID]
		if c != nil {
			c.finishLocked()
		}
		p.mu.Unlock()
	}
	if c == nil {
		p.log.Warn("dropping malformed frame", "error", de, "frame", string(de.Frame))
		return
	}
	p.log.Warn("malformed frame", "request_id", c.req.ID, "error", de)
	p.m.touch(p)
	c.fail(de)
}

// expire fires when a call's timeout elapses without a terminal frame.
func (p *Process) expire(c *Call) {
	p.mu.Lock()
	if c.finished {
		p.mu.Unlock()
		return
	}
	c.finishLocked()
	p.consecutiveTimeouts++
	n := p.consecutiveTimeouts
	p.mu.Unlock()

	p.m.metrics.TimedOut(p.desc.ID)
	p.log.Warn("request timed out", "session", c.req.SessionID, "request_id", c.req.ID, "consecutive", n)
	c.fail(evalvana.ErrTimeout)

	if p.desc.Has(evalvana.CapCancel) {
		if err := p.w.WriteCancel(c.wireID); err != nil {
			p.log.Debug("cancel after timeout", "error", err)
		}
	}
	if limit := p.m.opts.MaxConsecutiveTimeouts; limit > 0 && n >= limit {
		p.log.Warn("terminating unresponsive plugin process", "timeouts", n)
		go func() {
			if err := p.m.Terminate(context.Background(), p); err != nil {
				p.log.Error("terminate unresponsive process", "error", err)
			}
		}()
		return
	}
	p.m.touch(p)
}

// exit runs once stdout is closed: it reaps the process, fails whatever was
// outstanding and removes the process from the pool.
func (p *Process) exit() {
	p.mu.Lock()
	wasStopping := p.state == stopping
	p.mu.Unlock()

	if !wasStopping {
		// stdout closed on its own; make sure the process is really gone.
		_ = p.cmd.Process.Kill()
	}
	<-p.stderrDone
	err := p.cmd.Wait()

	p.mu.Lock()
	crashed := p.state == running
	p.state = dead
	p.exitErr = err
	var outstanding []*Call
	for _, c := range p.pending {
		outstanding = append(outstanding, c)
		c.finishLocked()
	}
	p.mu.Unlock()

	if crashed {
		p.log.Warn("plugin process exited unexpectedly", "error", err, "outstanding", len(outstanding))
	} else {
		p.log.Debug("plugin process exited", "error", err)
	}
	for _, c := range outstanding {
		c.fail(evalvana.ErrProcessTerminated)
	}
	p.m.remove(p, crashed)
	close(p.done)
}

// Call collects the responses to one request.
type Call struct {
	p      *Process
	wireID int64
	req    evalvana.Request
	sent   time.Time
	mbox   *mailbox

	// Guarded by p.mu.
	timer    *time.Timer
	finished bool
	discard  bool
}

// Request returns the request as submitted.
func (c *Call) Request() evalvana.Request { return c.req }

// Next returns the next response, blocking until one arrives or ctx is
// done. After the terminal response it returns io.EOF; after Cancel it
// returns evalvana.ErrCancelled.
func (c *Call) Next(ctx context.Context) (evalvana.Response, error) {
	return c.mbox.next(ctx)
}

// Cancel abandons the call; it is a no-op once the call has finished.
// Readers are released at once with evalvana.ErrCancelled. A plugin with the supports-cancel capability is
// told to stop; frames that still arrive for the call are dropped.
func (c *Call) Cancel() error {
	p := c.p
	p.mu.Lock()
	if c.finished || c.discard {
		p.mu.Unlock()
		return nil
	}
	c.discard = true
	p.mu.Unlock()

	c.mbox.abort(evalvana.ErrCancelled)
	p.m.metrics.Cancelled(p.desc.ID)
	p.log.Debug("request cancelled", "session", c.req.SessionID, "request_id", c.req.ID)

	if !p.desc.Has(evalvana.CapCancel) {
		return nil
	}
	if err := p.w.WriteCancel(c.wireID); err != nil {
		return fmt.Errorf("send cancel: %w", err)
	}
	return nil
}

// finishLocked marks the call complete and forgets it. p.mu must be held.
func (c *Call) finishLocked() {
	c.finished = true
	if c.timer != nil {
		c.timer.Stop()
	}
	delete(c.p.pending, c.wireID)
}

// fail delivers a synthesized terminal error unless the call was cancelled.
func (c *Call) fail(cause error) {
	c.p.mu.Lock()
	discard := c.discard
	c.p.mu.Unlock()
	if discard {
		return
	}
	c.mbox.push(evalvana.Synthesize(c.req.ID, cause))
	c.mbox.close(io.EOF)
}
