package remotefs

import (
	"context"
	"sync/atomic"

	"github.com/fruitsalade/remotefs/pkg/index"
)

// State is the initialization state of an FS.
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// gate is a one-shot readiness signal. done is closed exactly once, after
// idx or err has been set, so readers that observe the close see both.
type gate struct {
	state atomic.Int32
	done  chan struct{}

	idx *index.Index
	err error
}

func newGate() *gate {
	return &gate{done: make(chan struct{})}
}

func (g *gate) finish(idx *index.Index, err error) {
	g.idx, g.err = idx, err
	if err != nil {
		g.state.Store(int32(StateFailed))
	} else {
		g.state.Store(int32(StateReady))
	}
	close(g.done)
}

func (g *gate) current() State {
	return State(g.state.Load())
}

// wait blocks until initialization completes or ctx is done.
func (g *gate) wait(ctx context.Context) (*index.Index, error) {
	select {
	case <-g.done:
		return g.idx, g.err
	default:
	}

	select {
	case <-g.done:
		return g.idx, g.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
