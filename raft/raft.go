package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sushantsondhi/raft-core/common"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// ConsensusCore is the single owner of a node's Raft state and of its
// active RoleBehavior. RPCs and timer callbacks are delegated to the active
// role under one lock; role changes are only ever performed by the
// transition worker, in the order they were requested.
type ConsensusCore struct {
	// Data Stores
	LogStore        common.LogStore
	PersistentStore common.PersistentStore
	FSM             common.FSM

	// Peers
	MyID      uuid.UUID
	Cluster   common.ClusterConfig
	Peers     []uuid.UUID
	Transport common.Transport

	factory RoleFactory
	log     *log.Entry

	// Access to everything below must be synchronized through mu
	mu      sync.Mutex
	state   *NodeState
	role    RoleBehavior
	epoch   uint64
	leader  *uuid.UUID
	waiters map[int64]applyWaiter
	rand    *rand.Rand
	// seq of the last transition requested by the active role
	requested uint64

	transitions *transitionQueue
	ctx         context.Context
	cancel      context.CancelFunc
	stopped     *atomic.Bool
	workerDone  chan struct{}
}

var _ common.RPCServer = &ConsensusCore{}

type Option func(*ConsensusCore)

// WithRoleFactory replaces DefaultRoleFactory.
func WithRoleFactory(factory RoleFactory) Option {
	return func(c *ConsensusCore) {
		c.factory = factory
	}
}

func WithLogger(logger *log.Entry) Option {
	return func(c *ConsensusCore) {
		c.log = logger
	}
}

// NewConsensusCore wires a core together. fsm may be nil when nothing
// consumes committed entries. The core does not run until Initialize.
func NewConsensusCore(
	me common.Server,
	cluster common.ClusterConfig,
	logStore common.LogStore,
	persistentStore common.PersistentStore,
	transport common.Transport,
	fsm common.FSM,
	opts ...Option,
) (*ConsensusCore, error) {
	cluster = cluster.WithDefaults()
	if err := cluster.Validate(me.ID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	core := &ConsensusCore{
		LogStore:        logStore,
		PersistentStore: persistentStore,
		FSM:             fsm,
		MyID:            me.ID,
		Cluster:         cluster,
		Transport:       transport,
		factory:         DefaultRoleFactory,
		log:             log.WithField("node", me.ID.String()),
		waiters:         make(map[int64]applyWaiter),
		rand:            rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(me.ID.ID()))),
		transitions:     newTransitionQueue(),
		ctx:             ctx,
		cancel:          cancel,
		stopped:         atomic.NewBool(false),
		workerDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(core)
	}
	for _, peer := range cluster.Peers(me.ID) {
		core.Peers = append(core.Peers, peer.ID)
	}
	state, err := NewNodeState(persistentStore, core.log)
	if err != nil {
		cancel()
		return nil, err
	}
	core.state = state
	return core, nil
}

// Initialize installs the initial Follower and starts the transition
// worker. It must be called exactly once, before any RPC is delegated.
func (c *ConsensusCore) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped.Load() {
		return common.ErrStopped
	}
	if c.role != nil {
		return common.ErrAlreadyInitialized
	}
	role, err := c.factory(c, Follower, c.epoch+1)
	if err != nil {
		return fmt.Errorf("initializing raft: %w", err)
	}
	c.epoch++
	c.role = role
	// replay whatever was committed before a restart
	c.applyCommitted()
	role.On()
	go c.transitionWorker()
	c.log.WithFields(log.Fields{
		"term":        c.state.Term(),
		"commitIndex": c.state.CommitIndex(),
	}).Info("initialization complete")
	return nil
}

func (c *ConsensusCore) mustRole() RoleBehavior {
	if c.role == nil {
		panic("raft: consensus core used before Initialize")
	}
	return c.role
}

func (c *ConsensusCore) HandleAppendEntries(args *common.AppendEntriesRPC) *common.AppendEntriesRPCResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result common.AppendEntriesRPCResult
	role := c.mustRole()
	if c.stopped.Load() {
		reject(c.state.Term(), &result)
		return &result
	}
	role.AppendEntries(args, &result)
	return &result
}

func (c *ConsensusCore) HandleRequestVote(args *common.RequestVoteRPC) *common.RequestVoteRPCResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result common.RequestVoteRPCResult
	role := c.mustRole()
	if c.stopped.Load() {
		denyVote(c.state.Term(), &result)
		return &result
	}
	role.RequestVote(args, &result)
	return &result
}

// requestTransition queues a role change on behalf of the role instance
// with the given epoch. The caller holds the lock; it never blocks.
func (c *ConsensusCore) requestTransition(role RaftState, from uint64) {
	req := transitionRequest{
		role:  role,
		term:  c.state.Term(),
		epoch: from,
	}
	if from == c.epoch {
		c.requested++
		req.seq = c.requested
	}
	c.log.WithFields(log.Fields{
		"to":    role,
		"term":  req.term,
		"epoch": from,
		"seq":   req.seq,
	}).Debug("transition requested")
	c.transitions.push(req)
}

func (c *ConsensusCore) transitionWorker() {
	defer close(c.workerDone)
	for {
		req, err := c.transitions.take(c.ctx)
		if err != nil {
			if c.stopped.Load() {
				return
			}
			c.log.WithError(err).Warn("transition wait interrupted, resuming")
			continue
		}
		c.performTransition(req)
	}
}

// performTransition swaps the active role: off old, build new, on new.
// Requests made by a role that is no longer active are dropped, and so are
// requests the active role has since overridden with a later one. The
// active role is retired once it asks for a transition, so its latest
// request is always carried out; if the term moved on since it was made
// the node becomes a Follower instead.
func (c *ConsensusCore) performTransition(req transitionRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped.Load() {
		return
	}
	logger := c.log.WithFields(log.Fields{
		"from": c.role.Role(),
		"to":   req.role,
		"term": c.state.Term(),
	})
	if req.epoch != c.epoch || req.seq != c.requested {
		logger.WithFields(log.Fields{
			"requestEpoch": req.epoch,
			"requestSeq":   req.seq,
		}).Debug("dropping stale transition request")
		return
	}
	if req.term != c.state.Term() {
		logger.WithField("requestTerm", req.term).Info("term moved on since transition was requested, stepping down")
		req.role = Follower
		logger = logger.WithField("to", req.role)
	}
	c.role.Off()
	next, err := c.factory(c, req.role, c.epoch+1)
	if err != nil {
		logger.WithError(err).Panic("fatal: cannot build requested role")
	}
	c.epoch++
	c.role = next
	next.On()
	logger.Info("converted role")
}

// observeTerm adopts term if it is newer than ours. It reports whether the
// term changed, in which case the caller must not remain Candidate or Leader.
func (c *ConsensusCore) observeTerm(term int64) bool {
	previous := c.state.Term()
	changed, err := c.state.AdvanceTerm(term)
	if err != nil {
		c.log.WithError(err).WithField("term", term).Error("failed to persist node state")
	}
	if !changed {
		return false
	}
	c.leader = nil
	c.log.WithFields(log.Fields{"from": previous, "to": term}).Info("discovered higher term")
	return true
}

func (c *ConsensusCore) GetID() uuid.UUID {
	return c.MyID
}

// Role returns the currently active role.
func (c *ConsensusCore) Role() RaftState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mustRole().Role()
}

func (c *ConsensusCore) Term() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Term()
}

// Leader returns the leader this node currently knows of, if any.
func (c *ConsensusCore) Leader() *uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyID(c.leader)
}

func copyID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// Status is a point-in-time view of the node.
type Status struct {
	ID           uuid.UUID  `json:"id"`
	Role         string     `json:"role"`
	Term         int64      `json:"term"`
	VotedFor     *uuid.UUID `json:"votedFor,omitempty"`
	Leader       *uuid.UUID `json:"leader,omitempty"`
	CommitIndex  int64      `json:"commitIndex"`
	LastApplied  int64      `json:"lastApplied"`
	LastLogIndex int64      `json:"lastLogIndex"`
	LastLogTerm  int64      `json:"lastLogTerm"`
}

func (c *ConsensusCore) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{
		ID:          c.MyID,
		Role:        "uninitialized",
		Term:        c.state.Term(),
		VotedFor:    c.state.VotedFor(),
		Leader:      copyID(c.leader),
		CommitIndex: c.state.CommitIndex(),
		LastApplied: c.state.LastApplied(),
	}
	if c.role != nil {
		status.Role = c.role.Role().String()
	}
	if c.stopped.Load() {
		status.Role = "stopped"
		return status
	}
	var err error
	if status.LastLogIndex, status.LastLogTerm, err = lastLogInfo(c.LogStore); err != nil {
		c.log.WithError(err).Warn("error reading last log entry")
	}
	return status
}

// Submit appends a command to the log if this node is the active leader and
// starts replicating it. It returns the index and term the entry was given.
func (c *ConsensusCore) Submit(data []byte) (index, term int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.propose(data, nil)
}

type proposer interface {
	propose(data []byte, waiter chan ApplyMsg) (index, term int64, err error)
}

func (c *ConsensusCore) propose(data []byte, waiter chan ApplyMsg) (int64, int64, error) {
	if c.stopped.Load() {
		return 0, 0, common.ErrStopped
	}
	p, ok := c.mustRole().(proposer)
	if !ok {
		return 0, 0, common.ErrNotLeader
	}
	return p.propose(data, waiter)
}

func (c *ConsensusCore) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	if c.stopped.Load() {
		return common.ErrStopped
	}
	waiter := make(chan ApplyMsg, 1)
	c.mu.Lock()
	index, _, err := c.propose(args.Data, waiter)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		result.LeaderHint = copyID(c.leader)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.log.WithField("index", index).Debug("handling client request as leader")

	timer := time.NewTimer(c.Cluster.ClientTimeout)
	defer timer.Stop()
	select {
	case msg := <-waiter:
		result.Data = msg.Bytes
		if msg.Err != nil {
			result.Success = false
			result.Error = msg.Err.Error()
		} else {
			result.Success = true
			result.Error = ""
		}
	case <-timer.C:
		c.mu.Lock()
		if w, ok := c.waiters[index]; ok && w.ch == waiter {
			delete(c.waiters, index)
		}
		c.mu.Unlock()
		result.Success = false
		result.Error = common.ErrTimeout.Error()
	}
	return nil
}

func (c *ConsensusCore) RequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult) error {
	if c.stopped.Load() {
		return common.ErrStopped
	}
	*result = *c.HandleRequestVote(args)
	return nil
}

func (c *ConsensusCore) AppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult) error {
	if c.stopped.Load() {
		return common.ErrStopped
	}
	*result = *c.HandleAppendEntries(args)
	return nil
}

// Stop switches the active role off, stops the transition worker and
// closes the stores. No method should be called on a stopped core.
func (c *ConsensusCore) Stop() error {
	c.mu.Lock()
	if c.stopped.Load() {
		c.mu.Unlock()
		return common.ErrStopped
	}
	c.stopped.Store(true)
	initialized := c.role != nil
	if initialized {
		c.role.Off()
	}
	c.cancel()
	c.failWaitersFrom(0, common.ErrStopped)
	c.mu.Unlock()

	if initialized {
		<-c.workerDone
	}
	logErr := c.LogStore.Close()
	pErr := c.PersistentStore.Close()
	c.log.Info("SHUTDOWN!")
	return multierr.Combine(logErr, pErr)
}
