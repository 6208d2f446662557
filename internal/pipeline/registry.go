package pipeline

import "sync"

// Execution is the in-process handle of a run that a session is attached to.
type Execution struct {
	RunID  string
	Token  *Token
	resume chan struct{}
}

// NotifyResume wakes a session suspended at the review gate. Extra signals are dropped.
func (e *Execution) NotifyResume() {
	select {
	case e.resume <- struct{}{}:
	default:
	}
}

// ResumeSignal receives after NotifyResume.
func (e *Execution) ResumeSignal() <-chan struct{} {
	return e.resume
}

// Registry tracks attached executions so one process never drives a run twice
// and so cancel and review requests can reach the session that owns a run.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*Execution
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Execution)}
}

// Attach registers a new execution for runID. It returns false if one is already attached.
func (r *Registry) Attach(runID string) (*Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[runID]; ok {
		return nil, false
	}
	e := &Execution{RunID: runID, Token: NewToken(), resume: make(chan struct{}, 1)}
	r.active[runID] = e
	return e, true
}

// Detach removes e if it is still the registered execution for its run.
func (r *Registry) Detach(e *Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[e.RunID]; ok && cur == e {
		delete(r.active, e.RunID)
	}
}

// Release removes e unless a resume signal is pending for it. A pending signal is
// consumed and Release reports false; the owner must then look at the run again.
func (r *Registry) Release(e *Execution) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-e.resume:
		return false
	default:
	}
	if cur, ok := r.active[e.RunID]; ok && cur == e {
		delete(r.active, e.RunID)
	}
	return true
}

// Notify signals the execution attached to runID, if any, and reports whether one was.
func (r *Registry) Notify(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[runID]
	if ok {
		e.NotifyResume()
	}
	return ok
}

func (r *Registry) Get(runID string) (*Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.active[runID]
	return e, ok
}

// Len returns the number of attached executions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
