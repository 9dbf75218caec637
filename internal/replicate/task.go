package replicate

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/volantsearch/replicate/internal/wire"
)

// inflightTask is the Go stand-in for the closure the original consensus
// runtime threads through a submitted task: the (req, res) pair a local
// Write call is waiting on, plus the leader term it was submitted under
// (the expected_term ABA guard).
type inflightTask struct {
	req          *wire.Request
	res          *wire.Response
	expectedTerm uint64
}

// taskRegistry maps a local-only task id - the codec's 8-byte entry prefix -
// to the inflightTask it was submitted with. A lookup miss during apply
// means the entry was not originated on this node, either replayed from an
// earlier boot or submitted by a peer, and the apply loop falls back to
// deserializing the log bytes fresh.
type taskRegistry struct {
	next  atomic.Uint64
	tasks *xsync.MapOf[uint64, *inflightTask]
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: xsync.NewMapOf[uint64, *inflightTask]()}
}

// register allocates a fresh task id, stores t under it and returns the id
// to embed in the serialized log entry.
func (r *taskRegistry) register(t *inflightTask) uint64 {
	id := r.next.Add(1)
	r.tasks.Store(id, t)
	return id
}

// takeLocal removes and returns the task registered under id. Called from
// the apply path.
func (r *taskRegistry) takeLocal(id uint64) (*inflightTask, bool) {
	return r.tasks.LoadAndDelete(id)
}

// abandon removes id without applying it, used when Propose itself fails
// before the entry is ever committed - the apply path will never see it.
func (r *taskRegistry) abandon(id uint64) (*inflightTask, bool) {
	return r.tasks.LoadAndDelete(id)
}
