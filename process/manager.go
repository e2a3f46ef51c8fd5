// Package process supervises plugin subprocesses: it spawns them on demand,
// leases them to sessions, multiplexes requests over their stdin/stdout and
// reaps them on crash, idle eviction or shutdown.
package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Paranoid-AF/evalvana"
	"github.com/Paranoid-AF/evalvana/codec"
	"github.com/Paranoid-AF/evalvana/metrics"
	"github.com/Paranoid-AF/evalvana/shellcmd"
)

// ErrClosed is returned by Acquire after Shutdown.
var ErrClosed = errors.New("process manager is shut down")

// Options configures a Manager. Zero values disable the corresponding limit.
type Options struct {
	// IdleTimeout terminates processes that saw no activity for this long.
	IdleTimeout time.Duration
	// RequestTimeout applies to requests that neither carry their own
	// timeout nor belong to a plugin with one.
	RequestTimeout time.Duration
	// TerminateGrace is how long a process may take to exit after its stdin
	// is closed before it is killed.
	TerminateGrace time.Duration
	// MaxInstances caps the processes per plugin.
	MaxInstances int
	// MaxConsecutiveTimeouts terminates a process after this many timeouts
	// in a row.
	MaxConsecutiveTimeouts int
	// SpawnRetries is how many times a failed start is retried.
	SpawnRetries int
	// MaxFrameBytes bounds a single response frame.
	MaxFrameBytes int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// OptionsFromConfig maps the pool section of cfg onto Options, applying the
// environment overrides.
func OptionsFromConfig(cfg *evalvana.Config) Options {
	o := Options{
		IdleTimeout:            evalvana.ResolveIdleTimeout(cfg),
		RequestTimeout:         evalvana.ResolveRequestTimeout(cfg),
		TerminateGrace:         cfg.Pool.TerminateGrace,
		MaxInstances:           cfg.Pool.MaxInstances,
		MaxConsecutiveTimeouts: cfg.Pool.MaxConsecutiveTimeouts,
		MaxFrameBytes:          cfg.Pool.MaxFrameBytes,
	}
	if cfg.Pool.SpawnRetries != nil {
		o.SpawnRetries = *cfg.Pool.SpawnRetries
	}
	return o
}

// Manager owns the pool of plugin processes. All pool mutations happen under
// its lock; it is safe for concurrent use.
type Manager struct {
	reg     *evalvana.Registry
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	pools    map[string][]*Process
	starting map[string]int
	seq      map[string]int
	closed   bool

	idle   *ttlcache.Cache[string, *Process]
	spawns singleflight.Group
	wg     sync.WaitGroup
}

// NewManager returns a manager for the plugins in reg. Processes are started
// lazily by Acquire.
func NewManager(reg *evalvana.Registry, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = 2 * time.Second
	}
	m := &Manager{
		reg:      reg,
		opts:     opts,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		pools:    make(map[string][]*Process),
		starting: make(map[string]int),
		seq:      make(map[string]int),
	}
	if opts.IdleTimeout > 0 {
		m.idle = ttlcache.New[string, *Process](
			ttlcache.WithTTL[string, *Process](opts.IdleTimeout),
			ttlcache.WithDisableTouchOnHit[string, *Process](),
		)
		m.idle.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Process]) {
			if reason != ttlcache.EvictionReasonExpired {
				return
			}
			go m.evictIdle(item.Value())
		})
		go m.idle.Start()
	}
	return m
}

// Registry returns the plugin registry the manager launches from.
func (m *Manager) Registry() *evalvana.Registry { return m.reg }

// Acquire returns a live process for pluginID, leased to the caller until
// Release. A plugin without the concurrent capability gets a process no one
// else holds, started if necessary; a concurrent plugin shares one process
// among all callers.
func (m *Manager) Acquire(ctx context.Context, pluginID string) (*Process, error) {
	desc, ok := m.reg.Lookup(pluginID)
	if !ok {
		return nil, &evalvana.ProcessError{PluginID: pluginID, Op: "lookup", Err: evalvana.ErrUnknownPlugin}
	}
	if desc.Has(evalvana.CapConcurrent) {
		return m.acquireShared(ctx, desc)
	}
	return m.acquireExclusive(ctx, desc)
}

func (m *Manager) acquireExclusive(ctx context.Context, desc evalvana.Descriptor) (*Process, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &evalvana.ProcessError{PluginID: desc.ID, Op: "acquire", Err: ErrClosed}
	}
	for _, p := range m.pools[desc.ID] {
		if p.tryLease() {
			m.mu.Unlock()
			m.touch(p)
			return p, nil
		}
	}
	if limit := m.opts.MaxInstances; limit > 0 && len(m.pools[desc.ID])+m.starting[desc.ID] >= limit {
		m.mu.Unlock()
		return nil, &evalvana.ProcessError{PluginID: desc.ID, Op: "acquire", Err: evalvana.ErrPoolExhausted}
	}
	m.starting[desc.ID]++
	m.mu.Unlock()

	p, err := m.spawn(ctx, desc)
	m.mu.Lock()
	m.starting[desc.ID]--
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Manager) acquireShared(ctx context.Context, desc evalvana.Descriptor) (*Process, error) {
	for {
		if p := m.shared(desc.ID); p != nil {
			if p.addLease() {
				m.touch(p)
				return p, nil
			}
			continue
		}

		// One spawn per plugin; concurrent callers share its result, so it
		// must not die with the first caller's context.
		v, err, _ := m.spawns.Do(desc.ID, func() (any, error) {
			if p := m.shared(desc.ID); p != nil {
				return p, nil
			}
			p, err := m.spawn(context.WithoutCancel(ctx), desc)
			if err != nil {
				return nil, err
			}
			// spawn hands out the first lease; the shared path counts its
			// own below.
			p.releaseLease()
			return p, nil
		})
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := v.(*Process)
		if p.addLease() {
			m.touch(p)
			return p, nil
		}
		// It died between spawn and lease; start over.
	}
}

// shared returns the running instance of a concurrent plugin, if any.
func (m *Manager) shared(pluginID string) *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools[pluginID] {
		if p.Alive() {
			return p
		}
	}
	return nil
}

// spawn starts a new process for desc, retrying transient failures, and
// adds it to the pool leased to the caller.
func (m *Manager) spawn(ctx context.Context, desc evalvana.Descriptor) (*Process, error) {
	log := m.log.With("plugin", desc.ID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(m.opts.SpawnRetries, 0))), ctx)

	var p *Process
	op := func() error {
		var err error
		p, err = m.start(desc)
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("plugin spawn failed, retrying", "error", err, "backoff", wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		m.metrics.SpawnFailed(desc.ID)
		return nil, &evalvana.ProcessError{PluginID: desc.ID, Op: "spawn", Err: err}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		p.abandon()
		return nil, &evalvana.ProcessError{PluginID: desc.ID, Op: "spawn", Err: ErrClosed}
	}
	m.seq[desc.ID]++
	p.key = desc.ID + "/" + strconv.Itoa(m.seq[desc.ID])
	p.log = log.With("process", p.key, "pid", p.PID())
	p.leases = 1
	m.pools[desc.ID] = append(m.pools[desc.ID], p)
	m.mu.Unlock()

	m.metrics.ProcessStarted(desc.ID)
	p.log.Info("plugin process started",
		"command", shellcmd.Redact(commandLine(desc)),
		"env", strings.Join(shellcmd.RedactEnv(desc.Env), " "))
	p.start()
	m.touch(p)
	return p, nil
}

// start execs the plugin with the host environment plus desc.Env.
func (m *Manager) start(desc evalvana.Descriptor) (*Process, error) {
	cmd := exec.Command(desc.Path, desc.Args...)
	cmd.Env = append(os.Environ(), envList(desc.Env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &Process{
		m:          m,
		desc:       desc,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		w:          codec.NewWriter(stdin),
		log:        m.log,
		started:    time.Now(),
		state:      running,
		pending:    make(map[int64]*Call),
		lastUsed:   time.Now(),
		stderrDone: make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// permanent reports spawn errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission)
}

// Release returns a lease taken by Acquire. The process stays in the pool
// for reuse until it goes idle.
func (m *Manager) Release(p *Process) {
	if p == nil {
		return
	}
	p.releaseLease()
	m.touch(p)
}

// Terminate stops p: stdin is closed, and the process is killed if it has
// not exited within the grace period. Outstanding requests receive a
// synthesized "plugin process terminated" error.
func (m *Manager) Terminate(ctx context.Context, p *Process) error {
	p.mu.Lock()
	switch p.state {
	case dead:
		p.mu.Unlock()
		return nil
	case running:
		p.state = stopping
	}
	p.mu.Unlock()

	if m.idle != nil {
		m.idle.Delete(p.key)
	}
	return m.stop(ctx, p)
}

func (m *Manager) stop(ctx context.Context, p *Process) error {
	_ = p.stdin.Close()

	grace := time.NewTimer(m.opts.TerminateGrace)
	defer grace.Stop()
	select {
	case <-p.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	p.log.Warn("plugin process did not exit in time, killing")
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", p.key, err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown terminates every process and stops accepting Acquire calls.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var all []*Process
	for _, pool := range m.pools {
		all = append(all, pool...)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range all {
		g.Go(func() error { return m.Terminate(ctx, p) })
	}
	err := g.Wait()

	if m.idle != nil {
		m.idle.Stop()
	}
	if err == nil {
		m.wg.Wait()
	}
	return err
}

// evictIdle terminates p if nothing is in flight; otherwise it rearms the
// idle timer.
func (m *Manager) evictIdle(p *Process) {
	p.mu.Lock()
	if p.state != running {
		p.mu.Unlock()
		return
	}
	if len(p.pending) > 0 {
		p.mu.Unlock()
		m.touch(p)
		return
	}
	p.state = stopping
	p.mu.Unlock()

	m.metrics.Evicted(p.desc.ID)
	p.log.Info("evicting idle plugin process")
	if err := m.stop(context.Background(), p); err != nil {
		p.log.Error("evict idle process", "error", err)
	}
}

// touch restarts p's idle timer.
func (m *Manager) touch(p *Process) {
	if m.idle == nil || p.key == "" || !p.Alive() {
		return
	}
	m.idle.Set(p.key, p, ttlcache.DefaultTTL)
}

// remove drops a dead process from the pool.
func (m *Manager) remove(p *Process, crashed bool) {
	m.mu.Lock()
	m.pools[p.desc.ID] = slices.DeleteFunc(m.pools[p.desc.ID], func(q *Process) bool { return q == p })
	if len(m.pools[p.desc.ID]) == 0 {
		delete(m.pools, p.desc.ID)
	}
	m.mu.Unlock()

	if m.idle != nil {
		m.idle.Delete(p.key)
	}
	m.metrics.ProcessExited(p.desc.ID, crashed)
}

// Processes returns the pooled processes of pluginID in start order.
func (m *Manager) Processes(pluginID string) []*Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pools[pluginID])
}

func (p *Process) tryLease() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != running || p.leases > 0 || len(p.pending) > 0 {
		return false
	}
	p.leases = 1
	p.lastUsed = time.Now()
	return true
}

func (p *Process) addLease() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != running {
		return false
	}
	p.leases++
	p.lastUsed = time.Now()
	return true
}

func (p *Process) releaseLease() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leases > 0 {
		p.leases--
	}
	p.lastUsed = time.Now()
}

// abandon kills a process that never made it into the pool.
func (p *Process) abandon() {
	_ = p.stdin.Close()
	_ = p.cmd.Process.Kill()
	go p.cmd.Wait()
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func commandLine(desc evalvana.Descriptor) string {
	return shellcmd.Join(append([]string{desc.Path}, desc.Args...))
}
