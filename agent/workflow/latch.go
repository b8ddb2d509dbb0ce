package workflow

import "sync"

// Latch is the one-shot response event a held workflow waits on. The
// responder fires it; the ingress call blocks on Done until then.
type Latch struct {
	once sync.Once
	ch   chan struct{}
}

func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Fire releases every waiter. Safe to call more than once.
func (l *Latch) Fire() {
	l.once.Do(func() { close(l.ch) })
}

// Done returns the channel closed by Fire.
func (l *Latch) Done() <-chan struct{} {
	return l.ch
}

// Fired reports whether Fire has been called.
func (l *Latch) Fired() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}
