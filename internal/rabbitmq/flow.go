package rabbitmq

import (
	"context"
	"sync"
)

// flowGate tracks broker backpressure. The connection can be blocked
// (connection.blocked) and the channel can be paused (channel.flow false);
// the gate is drained once neither holds.
type flowGate struct {
	mu      sync.Mutex
	blocked bool
	paused  bool
	drained chan struct{}
}

func newFlowGate() *flowGate {
	g := &flowGate{drained: make(chan struct{})}
	close(g.drained)
	return g
}

func (g *flowGate) setBlocked(blocked bool) {
	g.update(func() { g.blocked = blocked })
}

func (g *flowGate) setPaused(paused bool) {
	g.update(func() { g.paused = paused })
}

// reset releases any waiters; used when the link carrying the signals is gone.
func (g *flowGate) reset() {
	g.update(func() {
		g.blocked = false
		g.paused = false
	})
}

func (g *flowGate) update(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	wasOpen := !g.blocked && !g.paused
	fn()
	open := !g.blocked && !g.paused

	switch {
	case wasOpen && !open:
		g.drained = make(chan struct{})
	case !wasOpen && open:
		close(g.drained)
	}
}

func (g *flowGate) pressured() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked || g.paused
}

func (g *flowGate) wait(ctx context.Context) error {
	g.mu.Lock()
	drained := g.drained
	g.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
