package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/persistent"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func generateClusterConfig(n int) common.ClusterConfig {
	var servers []common.Server
	for i := 0; i < n; i++ {
		servers = append(servers, common.Server{
			ID:         uuid.New(),
			NetAddress: common.ServerAddress(fmt.Sprintf("127.0.0.1:%d", 12345+i)),
		})
	}
	return common.ClusterConfig{
		Cluster:          servers,
		HeartBeatTimeout: 30 * time.Millisecond,
		ElectionTimeout:  150 * time.Millisecond,
		RPCTimeout:       50 * time.Millisecond,
		ClientTimeout:    2 * time.Second,
	}
}

// recordingFSM echoes every command back and remembers what it applied.
type recordingFSM struct {
	mu      sync.Mutex
	applied []common.LogEntry
}

func (r *recordingFSM) Apply(entry common.LogEntry) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, entry)
	return entry.Data, nil
}

func (r *recordingFSM) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, entry := range r.applied {
		out = append(out, string(entry.Data))
	}
	return out
}

type sentVote struct {
	peer uuid.UUID
	args common.RequestVoteRPC
}

// scriptedTransport answers every RPC through its grant and ack hooks and
// records what was sent. Nil hooks deny votes and accept entries.
type scriptedTransport struct {
	grant func(peer uuid.UUID, args *common.RequestVoteRPC) (*common.RequestVoteRPCResult, error)
	ack   func(peer uuid.UUID, args *common.AppendEntriesRPC) (*common.AppendEntriesRPCResult, error)

	mu      sync.Mutex
	votes   []sentVote
	appends int
}

func (s *scriptedTransport) SendRequestVote(_ context.Context, peer uuid.UUID, args *common.RequestVoteRPC) (*common.RequestVoteRPCResult, error) {
	s.mu.Lock()
	s.votes = append(s.votes, sentVote{peer: peer, args: *args})
	s.mu.Unlock()
	if s.grant == nil {
		return &common.RequestVoteRPCResult{Term: args.Term}, nil
	}
	return s.grant(peer, args)
}

func (s *scriptedTransport) SendAppendEntries(_ context.Context, peer uuid.UUID, args *common.AppendEntriesRPC) (*common.AppendEntriesRPCResult, error) {
	s.mu.Lock()
	s.appends++
	s.mu.Unlock()
	if s.ack == nil {
		return &common.AppendEntriesRPCResult{Term: args.Term, Success: true}, nil
	}
	return s.ack(peer, args)
}

// votesInTerm returns the peers asked for a vote in term.
func (s *scriptedTransport) votesInTerm(term int64) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var peers []uuid.UUID
	for _, v := range s.votes {
		if v.args.Term == term {
			peers = append(peers, v.peer)
		}
	}
	return peers
}

// fixture is a single core whose peers are played by a scriptedTransport.
// Its timers are long enough to never fire on their own.
type fixture struct {
	core      *ConsensusCore
	cluster   common.ClusterConfig
	logStore  *persistent.MemLogStore
	pStore    *persistent.MemPStore
	transport *scriptedTransport
	fsm       *recordingFSM
}

// newFixture builds an uninitialized core for the first server of an n node
// cluster, at the given term and with a log holding one entry per logTerm.
func newFixture(t *testing.T, n int, term int64, logTerms ...int64) *fixture {
	cluster := generateClusterConfig(n)
	cluster.HeartBeatTimeout = time.Minute
	cluster.ElectionTimeout = time.Hour
	f := &fixture{
		cluster:   cluster,
		logStore:  persistent.NewMemLogStore(),
		pStore:    persistent.NewMemPStore(),
		transport: &scriptedTransport{},
		fsm:       &recordingFSM{},
	}
	require.NoError(t, setTerm(f.pStore, term))
	for i, logTerm := range logTerms {
		require.NoError(t, f.logStore.Append(common.LogEntry{
			Index: int64(i + 1),
			Term:  logTerm,
			Data:  []byte(fmt.Sprintf("cmd%d", i+1)),
		}))
	}
	core, err := NewConsensusCore(cluster.Cluster[0], cluster, f.logStore, f.pStore, f.transport, f.fsm)
	require.NoError(t, err)
	f.core = core
	return f
}

func (f *fixture) peer(i int) uuid.UUID {
	return f.cluster.Cluster[i+1].ID
}

func (f *fixture) start(t *testing.T) *fixture {
	require.NoError(t, f.core.Initialize())
	t.Cleanup(func() { f.core.Stop() })
	return f
}

func (f *fixture) epoch() uint64 {
	f.core.mu.Lock()
	defer f.core.mu.Unlock()
	return f.core.epoch
}

func (f *fixture) withLock(fn func()) {
	f.core.mu.Lock()
	defer f.core.mu.Unlock()
	fn()
}

// fireElectionTimer expires the active role's election timer the way the
// runtime would.
func (f *fixture) fireElectionTimer(t *testing.T) {
	var timer *roleTimer
	var gen uint64
	f.withLock(func() {
		switch r := f.core.role.(type) {
		case *follower:
			timer = r.electionTimer
		case *candidate:
			timer = r.electionTimer
		default:
			t.Fatalf("role %v has no election timer", r.Role())
		}
		gen = timer.gen
	})
	timer.expire(gen)
}

func (f *fixture) waitForRole(t *testing.T, role RaftState) {
	require.Eventuallyf(t, func() bool {
		return f.core.Role() == role
	}, waitFor, tick, "node never became %v", role)
}

// electLeader takes a started fixture from Follower to Leader in the next term.
func (f *fixture) electLeader(t *testing.T) {
	f.transport.grant = func(_ uuid.UUID, args *common.RequestVoteRPC) (*common.RequestVoteRPCResult, error) {
		return &common.RequestVoteRPCResult{Term: args.Term, VoteGranted: true}, nil
	}
	f.fireElectionTimer(t)
	f.waitForRole(t, Leader)
}

func (f *fixture) logTerms(t *testing.T) []int64 {
	last, err := f.logStore.LastIndex()
	require.NoError(t, err)
	var terms []int64
	for i := int64(1); i <= last; i++ {
		entry, err := f.logStore.EntryAt(i)
		require.NoError(t, err)
		terms = append(terms, entry.Term)
	}
	return terms
}

// localNetwork connects cores in the same process. A node that is down
// neither sends nor receives.
type localNetwork struct {
	mu    sync.Mutex
	nodes map[uuid.UUID]*ConsensusCore
	down  map[uuid.UUID]bool
}

func newLocalNetwork() *localNetwork {
	return &localNetwork{
		nodes: make(map[uuid.UUID]*ConsensusCore),
		down:  make(map[uuid.UUID]bool),
	}
}

func (n *localNetwork) join(core *ConsensusCore) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[core.MyID] = core
}

func (n *localNetwork) Disconnect(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

func (n *localNetwork) Reconnect(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, id)
}

func (n *localNetwork) route(from, to uuid.UUID) (*ConsensusCore, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	node, ok := n.nodes[to]
	if !ok || n.down[from] || n.down[to] {
		return nil, common.ErrDisconnected
	}
	return node, nil
}

type localTransport struct {
	net  *localNetwork
	from uuid.UUID
}

func (l *localTransport) SendAppendEntries(ctx context.Context, peer uuid.UUID, args *common.AppendEntriesRPC) (*common.AppendEntriesRPCResult, error) {
	node, err := l.net.route(l.from, peer)
	if err != nil {
		return nil, err
	}
	var result common.AppendEntriesRPCResult
	err = deliver(ctx, func() error { return node.AppendEntries(args, &result) })
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (l *localTransport) SendRequestVote(ctx context.Context, peer uuid.UUID, args *common.RequestVoteRPC) (*common.RequestVoteRPCResult, error) {
	node, err := l.net.route(l.from, peer)
	if err != nil {
		return nil, err
	}
	var result common.RequestVoteRPCResult
	err = deliver(ctx, func() error { return node.RequestVote(args, &result) })
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func deliver(ctx context.Context, call func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- call()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type clusterNode struct {
	core     *ConsensusCore
	logStore *persistent.MemLogStore
	fsm      *recordingFSM
}

// makeRaftCluster starts one node per config; configs[i] must all describe
// the same cluster and node i runs as configs[i].Cluster[i]. logs optionally
// pre-fills node i's log with one entry per term in logs[i].
func makeRaftCluster(t *testing.T, net *localNetwork, configs []common.ClusterConfig, logs ...[]int64) []*clusterNode {
	var nodes []*clusterNode
	for i, config := range configs {
		node := &clusterNode{
			logStore: persistent.NewMemLogStore(),
			fsm:      &recordingFSM{},
		}
		pStore := persistent.NewMemPStore()
		if i < len(logs) {
			var last int64
			for j, term := range logs[i] {
				require.NoError(t, node.logStore.Append(common.LogEntry{Index: int64(j + 1), Term: term}))
				last = term
			}
			require.NoError(t, setTerm(pStore, last))
		}
		me := config.Cluster[i]
		core, err := NewConsensusCore(me, config, node.logStore, pStore, &localTransport{net: net, from: me.ID}, node.fsm)
		require.NoError(t, err)
		node.core = core
		nodes = append(nodes, node)
	}
	for _, node := range nodes {
		require.NoError(t, node.core.Initialize())
		net.join(node.core)
		core := node.core
		t.Cleanup(func() { core.Stop() })
	}
	return nodes
}

func sameConfigs(config common.ClusterConfig) []common.ClusterConfig {
	configs := make([]common.ClusterConfig, len(config.Cluster))
	for i := range configs {
		configs[i] = config
	}
	return configs
}

// verifyElectionSafetyAndLiveness watches the cluster for a while: there is
// never more than one leader per term, and some leader shows up.
func verifyElectionSafetyAndLiveness(t *testing.T, nodes []*clusterNode) {
	liveness := false
	for i := 0; i < 20; i++ {
		leaders := make(map[int64][]uuid.UUID)
		for _, node := range nodes {
			status := node.core.Status()
			if status.Role == Leader.String() {
				leaders[status.Term] = append(leaders[status.Term], status.ID)
			}
		}
		for term, ldrs := range leaders {
			require.LessOrEqualf(t, len(ldrs), 1, "multiple leaders for term %d", term)
			liveness = true
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.Truef(t, liveness, "election liveness not satisfied (no leader elected ever)")
}

// currentLeader returns the leader of the highest term among the nodes
// that are not in down.
func currentLeader(nodes []*clusterNode, down ...uuid.UUID) *clusterNode {
	var best *clusterNode
	var bestTerm int64 = -1
outer:
	for _, node := range nodes {
		for _, id := range down {
			if node.core.MyID == id {
				continue outer
			}
		}
		status := node.core.Status()
		if status.Role == Leader.String() && status.Term > bestTerm {
			best, bestTerm = node, status.Term
		}
	}
	return best
}

func waitForLeader(t *testing.T, nodes []*clusterNode, down ...uuid.UUID) *clusterNode {
	var leader *clusterNode
	require.Eventually(t, func() bool {
		leader = currentLeader(nodes, down...)
		return leader != nil
	}, 5*time.Second, 10*time.Millisecond, "no leader elected")
	return leader
}

func submit(t *testing.T, node *clusterNode, data string) common.ClientRequestRPCResult {
	var result common.ClientRequestRPCResult
	require.NoError(t, node.core.ClientRequest(&common.ClientRequestRPC{Data: []byte(data)}, &result))
	return result
}

// waitForLogsToMatch waits until every node stores the same log and has
// applied all of it.
func waitForLogsToMatch(t *testing.T, nodes []*clusterNode) {
	require.Eventually(t, func() bool {
		first := nodes[0].core.Status()
		for _, node := range nodes {
			status := node.core.Status()
			if status.LastLogIndex != first.LastLogIndex || status.LastLogTerm != first.LastLogTerm {
				return false
			}
			if status.LastApplied != status.LastLogIndex {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond, "servers took too long to match up")
}

func checkEqualLogs(t *testing.T, nodes []*clusterNode) {
	last, err := nodes[0].logStore.LastIndex()
	require.NoError(t, err)
	for _, node := range nodes[1:] {
		l, err := node.logStore.LastIndex()
		require.NoError(t, err)
		require.Equal(t, last, l)
		for index := int64(1); index <= last; index++ {
			entry1, err := nodes[0].logStore.EntryAt(index)
			require.NoError(t, err)
			entry2, err := node.logStore.EntryAt(index)
			require.NoError(t, err)
			require.Equal(t, *entry1, *entry2, "index %d does not match", index)
		}
	}
}
