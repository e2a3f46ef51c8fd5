package process

import (
	"errors"
	"fmt"
	"sort"
	"time"

	psprocess "github.com/shirou/gopsutil/v3/process"
)

// Status is a point-in-time view of one pooled process.
type Status struct {
	Key      string    `json:"key"`
	PluginID string    `json:"plugin"`
	PID      int       `json:"pid"`
	State    string    `json:"state"`
	Running  bool      `json:"running"`
	InFlight int       `json:"in_flight"`
	Leases   int       `json:"leases"`
	Started  time.Time `json:"started"`
	LastUsed time.Time `json:"last_used"`
	// RSS is the resident set size in bytes, when the OS reports it.
	RSS uint64 `json:"rss,omitempty"`
}

// Health returns the status of every pooled process, ordered by key.
func (m *Manager) Health() []Status {
	m.mu.Lock()
	var all []*Process
	for _, pool := range m.pools {
		all = append(all, pool...)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(all))
	for _, p := range all {
		p.mu.Lock()
		st := Status{
			Key:      p.key,
			PluginID: p.desc.ID,
			PID:      p.PID(),
			State:    p.state.String(),
			InFlight: len(p.pending),
			Leases:   p.leases,
			Started:  p.started,
			LastUsed: p.lastUsed,
		}
		p.mu.Unlock()

		if proc, err := psprocess.NewProcess(int32(st.PID)); err == nil {
			st.Running, _ = proc.IsRunning()
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				st.RSS = mem.RSS
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Check reports processes the pool believes are running but the OS does
// not know about.
func (m *Manager) Check() error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var errs []error
	for _, st := range m.Health() {
		if st.State == running.String() && !st.Running {
			errs = append(errs, fmt.Errorf("%s (pid %d) is gone", st.Key, st.PID))
		}
	}
	return errors.Join(errs...)
}
