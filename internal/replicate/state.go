package replicate

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/config"
	sm "github.com/lni/dragonboat/v4/statemachine"

	"github.com/volantsearch/replicate/internal/codec"
	"github.com/volantsearch/replicate/internal/metrics"
	"github.com/volantsearch/replicate/internal/store"
	"github.com/volantsearch/replicate/internal/wire"
)

// Options carries the parameters spec.md §4.4.1's start() takes.
type Options struct {
	PeeringEndpoint      string // host:port dragonboat's raft transport binds
	APIPort              int
	ElectionTimeoutMS    int
	SnapshotIntervalS    int
	RaftDir              string
	StateDir             string
	NodesConfig          string
	CreateInitDBSnapshot bool
}

// StateMachine is the ReplicationStateMachine: it owns write()/is_alive()/
// refresh_nodes() for the HTTP layer, and separately plays dragonboat's
// sm.IConcurrentStateMachine role (Update/SaveSnapshot/RecoverFromSnapshot)
// for the consensus runtime. Both faces share the same task registry and
// leader-term state, matching spec.md §4.4's single-component boundary.
type StateMachine struct {
	shardID uint64

	codec       codec.Codec
	dispatcher  wire.Dispatcher
	collections wire.CollectionManager
	tasks       *taskRegistry

	// AllowUnsafeSingleNodeReset gates the reset_peers-equivalent path
	// (spec.md §9 open question): forced single-node membership resets are
	// disabled unless explicitly opted into.
	AllowUnsafeSingleNodeReset bool

	mu        sync.RWMutex
	node      consensusNode
	store     *store.Store
	stateDir  string
	raftDir   string
	peers     map[uint64]Peer // replicaID -> Peer, latest known configuration
	forwarder forwarderFace

	initReadinessCount atomic.Uint64
	shutDown           atomic.Bool
}

// New constructs a StateMachine. Start must be called before write() or
// any liveness query is meaningful.
func New(shardID uint64, c codec.Codec, dispatcher wire.Dispatcher, collections wire.CollectionManager) *StateMachine {
	return &StateMachine{
		shardID:     shardID,
		codec:       c,
		dispatcher:  dispatcher,
		collections: collections,
		tasks:       newTaskRegistry(),
		peers:       map[uint64]Peer{},
	}
}

// Start implements spec.md §4.4.1.
func (s *StateMachine) Start(ctx context.Context, opts Options) error {
	localIP, peeringPort, err := splitHostPortInt(opts.PeeringEndpoint)
	if err != nil {
		return errors.Wrap(err, "replicate: invalid peering endpoint")
	}

	nodesConfig := resolveNodesConfig(localIP, peeringPort, opts.APIPort, opts.NodesConfig)
	peers, err := ParseNodesConfig(nodesConfig)
	if err != nil {
		return errors.Wrap(err, "replicate: invalid nodes configuration")
	}

	s.mu.Lock()
	s.raftDir = opts.RaftDir
	s.stateDir = opts.StateDir
	for _, p := range peers {
		s.peers[replicaIDFor(p.APIPort)] = p
	}
	s.mu.Unlock()

	snapshotRoot := filepath.Join(opts.RaftDir, "snapshot")
	snapshotExists, err := dirHasEntries(snapshotRoot)
	if err != nil {
		return errors.Wrap(err, "replicate: inspect snapshot directory")
	}

	switch {
	case snapshotExists:
		// on_snapshot_load will run during StartConcurrentReplica and will
		// open the store itself.
	case !opts.CreateInitDBSnapshot:
		if err := s.bootstrapDB(); err != nil {
			return errors.Wrap(err, "replicate: init_db")
		}
	default:
		// First leader boot that will itself produce the initial snapshot;
		// the leader path below triggers INIT_SNAPSHOT after election.
	}

	replicaID := replicaIDFor(opts.APIPort)
	nhc := config.NodeHostConfig{
		WALDir:         filepath.Join(opts.RaftDir, "log"),
		NodeHostDir:    filepath.Join(opts.RaftDir, "meta"),
		RTTMillisecond: 200,
		RaftAddress:    opts.PeeringEndpoint,
	}

	nh, err := dragonboat.NewNodeHost(nhc)
	if err != nil {
		return errors.Wrap(err, "replicate: create node host")
	}

	node := newDragonboatNode(nh, s.shardID, replicaID, time.Duration(opts.ElectionTimeoutMS)*time.Millisecond)
	nhc.RaftEventListener = node

	cfg := config.Config{
		ShardID:            s.shardID,
		ReplicaID:          replicaID,
		ElectionRTT:        uint64(opts.ElectionTimeoutMS) / 200,
		HeartbeatRTT:       uint64(opts.ElectionTimeoutMS) / 200 / 10,
		CheckQuorum:        true,
		SnapshotEntries:    1, // force the snapshot-gap threshold per spec.md §4.4.1 step 5
		CompactionOverhead: 5,
	}
	if cfg.ElectionRTT < 10 {
		cfg.ElectionRTT = 10
	}
	if cfg.HeartbeatRTT < 1 {
		cfg.HeartbeatRTT = 1
	}

	initialMembers := make(map[uint64]string, len(peers))
	for _, p := range peers {
		initialMembers[replicaIDFor(p.APIPort)] = fmt.Sprintf("%s:%d", p.IP, p.PeeringPort)
	}

	factory := func(_, _ uint64) sm.IConcurrentStateMachine { return s }
	node.restart = func(members map[uint64]string) error {
		return nh.StartConcurrentReplica(members, false, factory, cfg)
	}

	if err := nh.StartConcurrentReplica(initialMembers, false, factory, cfg); err != nil {
		nh.Close()
		return errors.Wrap(err, "replicate: start replica")
	}

	// Assign the node only on success, per spec.md §4.4.1 step 4.
	s.mu.Lock()
	s.node = node
	s.mu.Unlock()

	if opts.CreateInitDBSnapshot && !snapshotExists {
		go s.triggerInitSnapshotOnceLeader(ctx)
	}

	return nil
}

// triggerInitSnapshotOnceLeader waits for this node to become leader, then
// proposes the INIT_SNAPSHOT sentinel exactly once (spec.md §4.4.1 step 3's
// deferred path).
func (s *StateMachine) triggerInitSnapshotOnceLeader(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.IsLeader() {
				continue
			}
			req := &wire.Request{Body: []byte(wire.InitSnapshotBody)}
			res := wire.NewResponse()
			s.Write(req, res)
			return
		}
	}
}

// Write implements spec.md §4.4.2.
func (s *StateMachine) Write(req *wire.Request, res *wire.Response) {
	s.mu.RLock()
	node := s.node
	s.mu.RUnlock()

	if node == nil {
		res.Status = 500
		res.Body = []byte("node not initialized")
		res.Complete()
		return
	}

	if !node.IsLeader() {
		s.forward(req, res)
		return
	}

	task := &inflightTask{req: req, res: res, expectedTerm: node.Term()}
	taskID := s.tasks.register(task)

	cmd, err := s.codec.Serialize(taskID, req)
	if err != nil {
		s.tasks.abandon(taskID)
		res.Status = 500
		res.Body = []byte(err.Error())
		res.Complete()
		return
	}

	go func() {
		if err := node.Propose(context.Background(), cmd); err != nil {
			if t, ok := s.tasks.abandon(taskID); ok {
				t.res.Status = 500
				t.res.Body = []byte(err.Error())
				t.res.Complete()
			}
		}
		// On success, Update has already run the entry to completion - and
		// therefore already completed res - by the time Propose returns,
		// since Propose blocks until the entry is applied.
	}()
}

// forward is set indirectly via the Forwarder registered through
// SetForwarder; kept as a small indirection so StateMachine does not import
// internal/forward directly (avoiding an import cycle with
// forward.LeaderLocator, which StateMachine satisfies).
func (s *StateMachine) forward(req *wire.Request, res *wire.Response) {
	s.mu.RLock()
	fwd := s.forwarder
	s.mu.RUnlock()
	if fwd == nil {
		res.Status = 500
		res.Body = []byte("Could not find a leader.")
		req.RouteHash = wire.AlreadyHandled
		res.Complete()
		return
	}
	fwd.Forward(req, res)
}

// currentNode returns s.node under the read lock. Update and
// recoverOrAllocate run only from dragonboat's Update callback, which never
// fires before StartConcurrentReplica assigns s.node - but they still go
// through the lock like every other accessor in this file, rather than
// relying on that ordering.
func (s *StateMachine) currentNode() consensusNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.node
}

// forwarderFace is the subset of *forward.Forwarder StateMachine calls; kept
// local to avoid a hard dependency edge between the two packages.
type forwarderFace interface {
	Forward(req *wire.Request, res *wire.Response)
}

// SetForwarder wires the Forwarder a follower delegates writes to. Callers
// construct forward.New(sm, dispatcher, poolSize) and pass it back here,
// since StateMachine implements forward.LeaderLocator.
func (s *StateMachine) SetForwarder(f forwarderFace) {
	s.mu.Lock()
	s.forwarder = f
	s.mu.Unlock()
}

// LeaderHTTPAddr implements forward.LeaderLocator.
func (s *StateMachine) LeaderHTTPAddr() (string, bool) {
	s.mu.RLock()
	node := s.node
	s.mu.RUnlock()
	if node == nil {
		return "", false
	}
	leaderID, ok := node.LeaderID()
	if !ok {
		return "", false
	}
	s.mu.RLock()
	peer, known := s.peers[leaderID]
	s.mu.RUnlock()
	if !known {
		return "", false
	}
	return peer.HTTPAddr(), true
}

// --------------------------------------------------------------------------
// Apply loop - spec.md §4.4.3, implemented as dragonboat's Update callback.
// --------------------------------------------------------------------------

// Update processes one batch of committed entries in order. Dragonboat
// guarantees a single in-flight Update call per shard, matching the spec's
// "apply thread is single-threaded per node".
func (s *StateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	for idx, entry := range entries {
		entryStart := time.Now()
		taskID, decoded, err := s.codec.Deserialize(entry.Cmd)
		if err != nil {
			entries[idx].Result = sm.Result{Value: 0, Data: []byte(err.Error())}
			continue
		}

		req, res := s.recoverOrAllocate(taskID, decoded)

		if req.RouteHash == wire.AlreadyHandled {
			// recoverOrAllocate already completed res (expected_term mismatch);
			// nothing left to dispatch for this entry.
			entries[idx].Result = sm.Result{Value: uint64(res.Status)}
			continue
		}

		if req.IsInitSnapshot() {
			if err := s.currentNode().RequestSnapshot(); err != nil {
				nodeLog.Errorf("request snapshot after INIT_SNAPSHOT entry: %v", err)
				res.Status = 500
			} else {
				res.Status = 200
			}
			res.Complete()
			entries[idx].Result = sm.Result{Value: uint64(res.Status)}
			continue
		}

		res.AutoDispose = false
		if err := s.dispatcher.SendMessage(wire.ReplicationChannel, &wire.Message{Req: req, Res: res}); err != nil {
			nodeLog.Errorf("post REPLICATION_MSG: %v", err)
			res.Status = 500
			res.Complete()
		}
		res.Await()
		metrics.ObserveApplyDuration(time.Since(entryStart).Seconds())

		entries[idx].Result = sm.Result{Value: uint64(res.Status)}

		if s.shutDown.Load() {
			return entries[:idx+1], errors.New("replicate: shutdown requested during apply")
		}
	}
	return entries, nil
}

// Lookup is intentionally unimplemented: spec.md §9 leaves read() out of the
// core's public surface rather than inferring a linearizable-read contract
// that was never specified.
func (s *StateMachine) Lookup(_ interface{}) (interface{}, error) {
	return nil, errors.New("replicate: linearizable reads through the log are not supported")
}

// recoverOrAllocate recognizes an entry this node itself submitted by
// looking up the codec's task-id prefix locally, checking the
// expected_term ABA guard along the way. A local-registry miss means the
// entry was replayed or submitted by a peer; decoded is used as-is.
func (s *StateMachine) recoverOrAllocate(taskID uint64, decoded *wire.Request) (*wire.Request, *wire.Response) {
	task, ok := s.tasks.takeLocal(taskID)
	if !ok {
		return decoded, wire.NewResponse()
	}
	if task.expectedTerm != s.currentNode().Term() {
		task.res.Status = 500
		task.res.Body = []byte("leader term changed since submit")
		task.req.RouteHash = wire.AlreadyHandled
		task.res.Complete()
	}
	return task.req, task.res
}

func (s *StateMachine) PrepareSnapshot() (interface{}, error) {
	return nil, nil
}

// --------------------------------------------------------------------------
// Liveness - spec.md §4.4.7.
// --------------------------------------------------------------------------

func (s *StateMachine) IsLeader() bool {
	s.mu.RLock()
	node := s.node
	s.mu.RUnlock()
	return node != nil && node.IsLeader()
}

// IsAlive reports node initialized and either leading or aware of a leader.
// It does not check whether the store has been opened (see
// GetInitReadinessCount).
func (s *StateMachine) IsAlive() bool {
	s.mu.RLock()
	node := s.node
	s.mu.RUnlock()
	if node == nil {
		return false
	}
	if node.IsLeader() {
		return true
	}
	_, ok := node.LeaderID()
	return ok
}

// NodeState returns the opaque consensus state code, or 0 when
// uninitialized.
func (s *StateMachine) NodeState() uint64 {
	s.mu.RLock()
	node := s.node
	s.mu.RUnlock()
	if node == nil {
		return 0
	}
	return node.Status()
}

func (s *StateMachine) GetInitReadinessCount() uint64 {
	return s.initReadinessCount.Load()
}

// Store returns the current store handle, or nil before the first init_db
// has run. The returned pointer can go stale across a snapshot install -
// callers that hold onto it across requests must call Store again rather
// than caching it, since RecoverFromSnapshot swaps in a fresh *store.Store.
func (s *StateMachine) Store() *store.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// RefreshNodes implements spec.md §4.4.6.
func (s *StateMachine) RefreshNodes(ctx context.Context, newNodesConfig string) error {
	peers, err := ParseNodesConfig(newNodesConfig)
	if err != nil {
		return errors.Wrap(err, "replicate: invalid nodes configuration")
	}

	s.mu.RLock()
	node := s.node
	s.mu.RUnlock()
	if node == nil {
		return errors.New("replicate: node not initialized")
	}

	switch {
	case node.IsLeader():
		if err := node.ChangePeers(ctx, peers); err != nil {
			return errors.Wrap(err, "change_peers")
		}
	case len(peers) == 1:
		if !s.AllowUnsafeSingleNodeReset {
			nodeLog.Warningf("refusing unsafe single-node reset_peers: AllowUnsafeSingleNodeReset is false")
			return errors.New("replicate: reset_peers declined, AllowUnsafeSingleNodeReset is false")
		}
		nodeLog.Warningf("no leader known; forcing single-node membership reset (safety loss accepted)")
		if err := node.ResetPeers(ctx, peers); err != nil {
			return errors.Wrap(err, "reset_peers")
		}
	default:
		nodeLog.Warningf("refresh_nodes: no leader known and configuration is multi-node; refusing")
		return errors.New("replicate: cannot change peers without a known leader")
	}

	s.mu.Lock()
	s.peers = make(map[uint64]Peer, len(peers))
	for _, p := range peers {
		s.peers[replicaIDFor(p.APIPort)] = p
	}
	s.mu.Unlock()
	return nil
}

func (s *StateMachine) Close() error {
	s.mu.RLock()
	node := s.node
	st := s.store
	s.mu.RUnlock()
	if node != nil {
		if err := node.Close(); err != nil {
			return err
		}
	}
	if st != nil {
		return st.Close()
	}
	return nil
}

// Shutdown marks the apply loop for graceful rollback on its next entry,
// matching spec.md §4.4.3 step 6.
func (s *StateMachine) Shutdown() {
	s.shutDown.Store(true)
}

// --------------------------------------------------------------------------
// DB bootstrap - init_db.
// --------------------------------------------------------------------------

// bootstrapDB wipes stateDir and opens a brand-new, empty store - used only
// on a cold first boot that will build up its state by replaying the log
// from index zero, never after a snapshot install.
func (s *StateMachine) bootstrapDB() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return errors.Wrap(err, "close existing store")
		}
		s.store = nil
	}
	if err := os.RemoveAll(s.stateDir); err != nil {
		return errors.Wrap(err, "remove state dir")
	}
	return s.openDBLocked()
}

// initDB (re)opens the store already sitting in stateDir - the path after
// RecoverFromSnapshot has populated it with checkpoint files - and reloads
// the in-memory collections from it. It must never remove stateDir, or it
// would destroy the snapshot it was just handed.
func (s *StateMachine) initDB() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openDBLocked()
}

// openDBLocked opens the store at stateDir and reloads collections. Callers
// hold s.mu.
func (s *StateMachine) openDBLocked() error {
	st, err := store.Open(s.stateDir)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	s.store = st

	if s.collections != nil {
		if err := s.collections.Load(); err != nil {
			return errors.Wrap(err, "reload collections")
		}
	}
	s.initReadinessCount.Add(1)
	return nil
}

func splitHostPortInt(endpoint string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, err
	}
	var n int
	if _, err := fmt.Sscanf(p, "%d", &n); err != nil {
		return "", 0, errors.Wrapf(err, "invalid port %q", p)
	}
	return h, n, nil
}

func dirHasEntries(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}
