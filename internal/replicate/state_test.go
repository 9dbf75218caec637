package replicate

import (
	"context"
	"sync"
	"testing"
	"time"

	sm "github.com/lni/dragonboat/v4/statemachine"

	"github.com/volantsearch/replicate/internal/codec"
	"github.com/volantsearch/replicate/internal/wire"
)

// fakeNode is a consensusNode test double: Propose runs the entry straight
// through the owning StateMachine's Update, mimicking SyncPropose's
// "blocks until applied" contract without a live dragonboat cluster.
type fakeNode struct {
	mu sync.Mutex

	sm *StateMachine

	leader     bool
	leaderID   uint64
	haveLeader bool
	term       uint64

	snapshotRequests int
	changePeersCalls [][]Peer
	resetPeersCalls  [][]Peer
	closed           bool
}

func (n *fakeNode) Propose(_ context.Context, cmd []byte) error {
	_, err := n.sm.Update([]sm.Entry{{Cmd: cmd}})
	return err
}
func (n *fakeNode) IsLeader() bool               { n.mu.Lock(); defer n.mu.Unlock(); return n.leader }
func (n *fakeNode) LeaderID() (uint64, bool)     { n.mu.Lock(); defer n.mu.Unlock(); return n.leaderID, n.haveLeader }
func (n *fakeNode) Term() uint64                 { n.mu.Lock(); defer n.mu.Unlock(); return n.term }
func (n *fakeNode) RequestSnapshot() error       { n.mu.Lock(); defer n.mu.Unlock(); n.snapshotRequests++; return nil }
func (n *fakeNode) Status() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leader {
		return 2
	}
	if n.haveLeader {
		return 1
	}
	return 0
}
func (n *fakeNode) ChangePeers(_ context.Context, peers []Peer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changePeersCalls = append(n.changePeersCalls, peers)
	return nil
}
func (n *fakeNode) ResetPeers(_ context.Context, peers []Peer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resetPeersCalls = append(n.resetPeersCalls, peers)
	return nil
}
func (n *fakeNode) Close() error { n.mu.Lock(); defer n.mu.Unlock(); n.closed = true; return nil }

type completingDispatcher struct {
	mu   sync.Mutex
	msgs []*wire.Message
}

func (d *completingDispatcher) SendMessage(_ string, msg *wire.Message) error {
	d.mu.Lock()
	d.msgs = append(d.msgs, msg)
	d.mu.Unlock()
	msg.Res.Status = 201
	msg.Res.Final = true
	msg.Res.Complete()
	return nil
}

type fakeCollections struct{ loads int }

func (f *fakeCollections) Load() error { f.loads++; return nil }

type fakeForwarder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeForwarder) Forward(req *wire.Request, res *wire.Response) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	req.RouteHash = wire.AlreadyHandled
	res.Status = 500
	res.Complete()
}

func newTestStateMachine() (*StateMachine, *fakeNode) {
	disp := &completingDispatcher{}
	s := New(1, codec.New(), disp, &fakeCollections{})
	node := &fakeNode{sm: s}
	s.node = node
	return s, node
}

func awaitOrTimeout(t *testing.T, res *wire.Response) {
	t.Helper()
	done := make(chan struct{})
	go func() { res.Await(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response completion")
	}
}

func TestWriteLeaderDispatchesAndCompletes(t *testing.T) {
	s, node := newTestStateMachine()
	node.leader = true

	req := &wire.Request{Method: "POST", Path: "/collections/c/documents", Live: true, Body: []byte(`{"id":"1"}`)}
	res := wire.NewResponse()

	s.Write(req, res)
	awaitOrTimeout(t, res)

	if res.Status != 201 {
		t.Fatalf("Status = %d, want 201", res.Status)
	}
	if !res.Final {
		t.Fatal("Final = false, want true")
	}
}

func TestWriteFollowerForwards(t *testing.T) {
	s, node := newTestStateMachine()
	node.leader = false
	fwd := &fakeForwarder{}
	s.SetForwarder(fwd)

	req := &wire.Request{Method: "POST", Path: "/keys"}
	res := wire.NewResponse()
	s.Write(req, res)
	awaitOrTimeout(t, res)

	if fwd.calls != 1 {
		t.Fatalf("Forward called %d times, want 1", fwd.calls)
	}
}

func TestABAGuardRejectsStaleTerm(t *testing.T) {
	s, node := newTestStateMachine()
	node.term = 9

	req := &wire.Request{Method: "POST", Path: "/keys", Live: true}
	res := wire.NewResponse()
	taskID := s.tasks.register(&inflightTask{req: req, res: res, expectedTerm: 5})

	cmd, err := s.codec.Serialize(taskID, req)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	_, decoded, err := s.codec.Deserialize(cmd)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}

	gotReq, gotRes := s.recoverOrAllocate(taskID, decoded)
	if gotReq != req || gotRes != res {
		t.Fatal("recoverOrAllocate did not return the registered task")
	}
	if gotReq.RouteHash != wire.AlreadyHandled {
		t.Fatalf("RouteHash = %d, want AlreadyHandled", gotReq.RouteHash)
	}

	awaitOrTimeout(t, res)
	if res.Status != 500 {
		t.Fatalf("Status = %d, want 500 on term mismatch", res.Status)
	}
}

func TestIsAliveAndNodeState(t *testing.T) {
	s, node := newTestStateMachine()

	node.leader = true
	if !s.IsAlive() || s.NodeState() != 2 {
		t.Fatalf("leader: IsAlive=%v NodeState=%d", s.IsAlive(), s.NodeState())
	}

	node.leader = false
	node.haveLeader = true
	if !s.IsAlive() || s.NodeState() != 1 {
		t.Fatalf("follower w/ leader: IsAlive=%v NodeState=%d", s.IsAlive(), s.NodeState())
	}

	node.haveLeader = false
	if s.IsAlive() || s.NodeState() != 0 {
		t.Fatalf("no leader: IsAlive=%v NodeState=%d", s.IsAlive(), s.NodeState())
	}
}

func TestRefreshNodesLeaderChangesPeers(t *testing.T) {
	s, node := newTestStateMachine()
	node.leader = true

	err := s.RefreshNodes(context.Background(), "10.0.0.1:8001:8000,10.0.0.2:8001:8000")
	if err != nil {
		t.Fatalf("RefreshNodes() error = %v", err)
	}
	if len(node.changePeersCalls) != 1 || len(node.changePeersCalls[0]) != 2 {
		t.Fatalf("changePeersCalls = %+v", node.changePeersCalls)
	}
}

func TestRefreshNodesNoLeaderSingletonRequiresOptIn(t *testing.T) {
	s, node := newTestStateMachine()
	node.leader = false
	node.haveLeader = false

	if err := s.RefreshNodes(context.Background(), "10.0.0.9:8001:8000"); err == nil {
		t.Fatal("expected RefreshNodes to decline without AllowUnsafeSingleNodeReset")
	}
	if len(node.resetPeersCalls) != 0 {
		t.Fatalf("resetPeersCalls = %+v, want none", node.resetPeersCalls)
	}

	s.AllowUnsafeSingleNodeReset = true
	if err := s.RefreshNodes(context.Background(), "10.0.0.9:8001:8000"); err != nil {
		t.Fatalf("RefreshNodes() error = %v", err)
	}
	if len(node.resetPeersCalls) != 1 {
		t.Fatalf("resetPeersCalls = %+v, want 1 call", node.resetPeersCalls)
	}
}

func TestRefreshNodesNoLeaderMultiNodeRefuses(t *testing.T) {
	s, node := newTestStateMachine()
	node.leader = false
	node.haveLeader = false

	s.mu.Lock()
	before := len(s.peers)
	s.mu.Unlock()

	if err := s.RefreshNodes(context.Background(), "10.0.0.1:8001:8000,10.0.0.2:8001:8000"); err == nil {
		t.Fatal("expected RefreshNodes to refuse a multi-node reconfiguration without a leader")
	}
	if len(node.changePeersCalls) != 0 || len(node.resetPeersCalls) != 0 {
		t.Fatal("expected no membership change calls")
	}

	s.mu.Lock()
	after := len(s.peers)
	s.mu.Unlock()
	if before != after {
		t.Fatalf("peers changed: before=%d after=%d", before, after)
	}
}

func TestInitSnapshotEntryTriggersSnapshotNotDispatch(t *testing.T) {
	s, node := newTestStateMachine()
	node.leader = true

	req := &wire.Request{Live: false, Body: []byte(wire.InitSnapshotBody)}
	res := wire.NewResponse()
	s.Write(req, res)
	awaitOrTimeout(t, res)

	if node.snapshotRequests != 1 {
		t.Fatalf("snapshotRequests = %d, want 1", node.snapshotRequests)
	}
	disp := s.dispatcher.(*completingDispatcher)
	disp.mu.Lock()
	dispatched := len(disp.msgs)
	disp.mu.Unlock()
	if dispatched != 0 {
		t.Fatalf("dispatcher got %d messages, want 0", dispatched)
	}
}
