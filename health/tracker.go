package health

import (
	"sort"
	"sync"
	"time"
)

type componentState struct {
	healthy    bool
	lastError  string
	lastCheck  time.Time
	errorCount int
	since      time.Time
}

// Tracker keeps the live health state of registered components and
// derives an aggregate for the whole process.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*componentState
	started    time.Time
	now        func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		components: make(map[string]*componentState),
		started:    time.Now(),
		now:        time.Now,
	}
}

// Register adds a component in healthy state. Re-registering resets it.
func (t *Tracker) Register(component string) {
	now := t.now()
	t.mu.Lock()
	t.components[component] = &componentState{healthy: true, lastCheck: now, since: now}
	t.mu.Unlock()
}

// SetHealthy marks a component healthy and clears its last error.
func (t *Tracker) SetHealthy(component string) {
	t.mu.Lock()
	state := t.ensure(component)
	state.healthy = true
	state.lastError = ""
	state.lastCheck = t.now()
	t.mu.Unlock()
}

// SetUnhealthy marks a component unhealthy with its failure cause. The
// message is sanitized on the way out, not here, so operators reading
// logs still see the raw error.
func (t *Tracker) SetUnhealthy(component string, err error) {
	t.mu.Lock()
	state := t.ensure(component)
	state.healthy = false
	if err != nil {
		state.lastError = err.Error()
	}
	state.errorCount++
	state.lastCheck = t.now()
	t.mu.Unlock()
}

// ensure must be called with the lock held.
func (t *Tracker) ensure(component string) *componentState {
	state, ok := t.components[component]
	if !ok {
		state = &componentState{since: t.now()}
		t.components[component] = state
	}
	return state
}

// Component returns the status record of one component.
func (t *Tracker) Component(component string) (Status, bool) {
	t.mu.RLock()
	state, ok := t.components[component]
	if !ok {
		t.mu.RUnlock()
		return Status{}, false
	}
	status := t.statusLocked(component, state)
	t.mu.RUnlock()
	return status, true
}

// Aggregate rolls every component up into one status: healthy only when
// all components are, degraded when some are, unhealthy when none are.
func (t *Tracker) Aggregate() Status {
	t.mu.RLock()
	names := make([]string, 0, len(t.components))
	for name := range t.components {
		names = append(names, name)
	}
	sort.Strings(names)

	subs := make([]Status, 0, len(names))
	healthyCount := 0
	for _, name := range names {
		status := t.statusLocked(name, t.components[name])
		if status.Healthy {
			healthyCount++
		}
		subs = append(subs, status)
	}
	t.mu.RUnlock()

	overall := Status{
		Component:   "platform",
		LastCheck:   t.now(),
		Uptime:      time.Since(t.started).Round(time.Second).String(),
		SubStatuses: subs,
	}
	switch {
	case len(subs) == 0 || healthyCount == len(subs):
		overall.Healthy = true
		overall.Status = StatusHealthy
	case healthyCount > 0:
		overall.Status = StatusDegraded
	default:
		overall.Status = StatusUnhealthy
	}
	return overall
}

// statusLocked must be called with at least a read lock held.
func (t *Tracker) statusLocked(name string, state *componentState) Status {
	status := Status{
		Component: name,
		Healthy:   state.healthy,
		LastCheck: state.lastCheck,
		Uptime:    t.now().Sub(state.since).Round(time.Second).String(),
	}
	if state.healthy {
		status.Status = StatusHealthy
		status.Message = "component healthy"
	} else {
		status.Status = StatusUnhealthy
		status.LastError = sanitizeErrorMessage(state.lastError)
		status.Message = status.LastError
	}
	return status
}
