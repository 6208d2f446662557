package pipeline

import "sync"

// Reason records why a run execution was cancelled.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonRequested
	ReasonDisconnected
)

func (r Reason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonDisconnected:
		return "disconnected"
	}
	return "none"
}

// Token is the cancellation signal shared by one run execution. Cancel is
// idempotent; the first reason wins.
type Token struct {
	mu     sync.Mutex
	reason Reason
	done   chan struct{}
}

// NewToken returns a token that is not cancelled.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel raises the signal and reports whether this call raised it.
func (t *Token) Cancel(r Reason) bool {
	if r == ReasonNone {
		r = ReasonRequested
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reason != ReasonNone {
		return false
	}
	t.reason = r
	close(t.done)
	return true
}

// Done is closed once the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

func (t *Token) Reason() Reason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *Token) Cancelled() bool {
	return t.Reason() != ReasonNone
}
