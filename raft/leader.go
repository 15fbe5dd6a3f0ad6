package raft

import (
	"context"
	"sort"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sushantsondhi/raft-core/common"
)

type leader struct {
	roleBase
	heartbeat *roleTimer

	// Volatile state on leaders (Section 5.3)
	nextIndex  map[uuid.UUID]int64
	matchIndex map[uuid.UUID]int64
	// at most one AppendEntries per peer is outstanding
	inflight map[uuid.UUID]bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newLeader(core *ConsensusCore, epoch uint64) *leader {
	l := &leader{
		roleBase:   roleBase{core: core, epoch: epoch},
		nextIndex:  make(map[uuid.UUID]int64),
		matchIndex: make(map[uuid.UUID]int64),
		inflight:   make(map[uuid.UUID]bool),
	}
	l.heartbeat = newRoleTimer(&l.roleBase, core.heartbeatTimeout, l.onHeartbeat)
	return l
}

func (l *leader) Role() RaftState {
	return Leader
}

func (l *leader) On() {
	c := l.core
	l.ctx, l.cancel = context.WithCancel(c.ctx)
	lastIndex, err := c.LogStore.LastIndex()
	if err != nil {
		c.log.WithError(err).Error("error reading log, stepping down")
		l.transition(Follower)
		return
	}
	for _, peer := range c.Peers {
		l.nextIndex[peer] = lastIndex + 1
		l.matchIndex[peer] = 0
	}
	me := c.MyID
	c.leader = &me

	// Entries from earlier terms only commit once something from this
	// term does, so start the term with an entry of our own.
	marker := common.LogEntry{
		Index: lastIndex + 1,
		Term:  c.state.Term(),
		Type:  common.EntryLeaderChange,
	}
	if err := c.LogStore.Append(marker); err != nil {
		c.log.WithError(err).Error("error appending leader change entry, stepping down")
		l.transition(Follower)
		return
	}
	c.log.WithFields(log.Fields{
		"term":  c.state.Term(),
		"index": marker.Index,
	}).Info("became leader")

	l.advanceCommit()
	l.replicate()
	l.heartbeat.reset()
}

func (l *leader) Off() {
	l.retired = true
	l.heartbeat.stop()
	if l.cancel != nil {
		l.cancel()
	}
	if c := l.core; c.leader != nil && *c.leader == c.MyID {
		c.leader = nil
	}
}

func (l *leader) onHeartbeat() {
	l.replicate()
	l.heartbeat.reset()
}

func (l *leader) replicate() {
	for _, peer := range l.core.Peers {
		l.replicateTo(peer)
	}
}

func (l *leader) replicateTo(peer uuid.UUID) {
	if l.inflight[peer] {
		return
	}
	request, err := l.buildRequest(peer)
	if err != nil {
		l.core.log.WithError(err).WithField("peer", peer).Error("error building append entries request")
		return
	}
	l.inflight[peer] = true
	go l.sendAppendEntries(l.ctx, peer, request)
}

// buildRequest carries the entries from nextIndex[peer] onwards, empty when
// the peer is caught up.
func (l *leader) buildRequest(peer uuid.UUID) (common.AppendEntriesRPC, error) {
	c := l.core
	next := l.nextIndex[peer]
	prevTerm, err := termAt(c.LogStore, next-1)
	if err != nil {
		return common.AppendEntriesRPC{}, err
	}
	lastIndex, err := c.LogStore.LastIndex()
	if err != nil {
		return common.AppendEntriesRPC{}, err
	}
	var entries []common.LogEntry
	for i := next; i <= lastIndex && len(entries) < c.Cluster.MaxEntriesPerAppend; i++ {
		entry, err := c.LogStore.EntryAt(i)
		if err != nil {
			return common.AppendEntriesRPC{}, err
		}
		entries = append(entries, *entry)
	}
	return common.AppendEntriesRPC{
		Term:              c.state.Term(),
		Leader:            c.MyID,
		PrevLogIndex:      next - 1,
		PrevLogTerm:       prevTerm,
		Entries:           entries,
		LeaderCommitIndex: c.state.CommitIndex(),
	}, nil
}

func (l *leader) sendAppendEntries(ctx context.Context, peer uuid.UUID, request common.AppendEntriesRPC) {
	c := l.core
	ctx, cancel := context.WithTimeout(ctx, c.Cluster.RPCTimeout)
	response, err := c.Transport.SendAppendEntries(ctx, peer, &request)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	l.inflight[peer] = false
	if !l.active() {
		return
	}
	logger := c.log.WithFields(log.Fields{
		"peer":         peer,
		"prevLogIndex": request.PrevLogIndex,
		"entries":      len(request.Entries),
	})
	if err != nil {
		// retried on the next heartbeat
		logger.WithError(err).Debug("error sending append entries")
		return
	}
	if c.observeTerm(response.Term) {
		l.transition(Follower)
		return
	}
	if response.Term != request.Term {
		return
	}
	if !response.Success {
		// Backtrack one entry; a later tick retries
		if l.nextIndex[peer] == request.PrevLogIndex+1 && l.nextIndex[peer] > 1 {
			l.nextIndex[peer]--
		}
		logger.WithField("nextIndex", l.nextIndex[peer]).Debug("follower rejected entries")
		return
	}

	match := request.PrevLogIndex + int64(len(request.Entries))
	if match > l.matchIndex[peer] {
		l.matchIndex[peer] = match
	}
	if match+1 > l.nextIndex[peer] {
		l.nextIndex[peer] = match + 1
	}
	l.advanceCommit()

	// keep streaming while the peer is behind
	lastIndex, err := c.LogStore.LastIndex()
	if err == nil && l.active() && l.nextIndex[peer] <= lastIndex {
		l.replicateTo(peer)
	}
}

// advanceCommit moves commitIndex to the highest index stored on a majority,
// provided that entry belongs to the current term (Section 5.4.2).
func (l *leader) advanceCommit() {
	c := l.core
	lastIndex, err := c.LogStore.LastIndex()
	if err != nil {
		c.log.WithError(err).Error("error reading last log index")
		return
	}
	matched := []int64{lastIndex}
	for _, peer := range c.Peers {
		matched = append(matched, l.matchIndex[peer])
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i] > matched[j]
	})
	index := matched[c.Cluster.Quorum()-1]
	if index <= c.state.CommitIndex() {
		return
	}
	term, err := termAt(c.LogStore, index)
	if err != nil {
		c.log.WithError(err).WithField("index", index).Error("error reading log entry")
		return
	}
	if term != c.state.Term() {
		return
	}
	c.state.SetCommitIndex(index)
	c.log.WithField("commitIndex", index).Debug("advanced commit index")
	c.applyCommitted()
}

func (l *leader) propose(data []byte, waiter chan ApplyMsg) (int64, int64, error) {
	c := l.core
	if l.retired {
		return 0, 0, common.ErrNotLeader
	}
	lastIndex, err := c.LogStore.LastIndex()
	if err != nil {
		return 0, 0, err
	}
	entry := common.LogEntry{
		Index: lastIndex + 1,
		Term:  c.state.Term(),
		Type:  common.EntryCommand,
		Data:  data,
	}
	if err := c.LogStore.Append(entry); err != nil {
		return 0, 0, err
	}
	// registered first, a single node cluster commits right below
	if waiter != nil {
		c.waiters[entry.Index] = applyWaiter{term: entry.Term, ch: waiter}
	}
	l.advanceCommit()
	l.replicate()
	return entry.Index, entry.Term, nil
}

func (l *leader) AppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult) {
	c := l.core
	if args.Term < c.state.Term() {
		reject(c.state.Term(), result)
		return
	}
	if c.observeTerm(args.Term) {
		l.transition(Follower)
	} else if !l.retired {
		// same term, we are the leader here
		reject(c.state.Term(), result)
		return
	}
	// stepping down, answer as a follower would
	result.Success = c.acceptAppendEntries(args)
	result.Term = c.state.Term()
}

func (l *leader) RequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult) {
	c := l.core
	if args.Term < c.state.Term() {
		denyVote(c.state.Term(), result)
		return
	}
	if c.observeTerm(args.Term) {
		l.transition(Follower)
	} else if !l.retired {
		denyVote(c.state.Term(), result)
		return
	}
	result.Term = c.state.Term()
	result.VoteGranted = c.considerVote(args)
}
