package raft

import (
	"context"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sushantsondhi/raft-core/common"
)

// candidate runs exactly one election. A new round is a new candidate
// instance, so none of this bookkeeping is ever reused across terms.
type candidate struct {
	roleBase
	electionTimer *roleTimer
	request       common.RequestVoteRPC
	votes         map[uuid.UUID]bool
	cancel        context.CancelFunc
}

func newCandidate(core *ConsensusCore, epoch uint64) *candidate {
	cd := &candidate{
		roleBase: roleBase{core: core, epoch: epoch},
		votes:    make(map[uuid.UUID]bool),
	}
	cd.electionTimer = newRoleTimer(&cd.roleBase, core.electionTimeout, cd.onElectionTimeout)
	return cd
}

func (cd *candidate) Role() RaftState {
	return Candidate
}

// On starts the election for the current term. The term was already
// incremented by whoever requested this candidate.
func (cd *candidate) On() {
	c := cd.core
	cd.electionTimer.reset()

	// We always vote ourselves
	granted, err := c.state.GrantVote(c.MyID)
	if err != nil {
		c.log.WithError(err).Error("failed to persist node state")
	}
	if granted {
		cd.votes[c.MyID] = true
	}
	lastIndex, lastTerm, err := lastLogInfo(c.LogStore)
	if err != nil {
		// sit this round out, the timer starts another one
		c.log.WithError(err).Error("error getting last log entry")
		return
	}
	cd.request = common.RequestVoteRPC{
		Term:         c.state.Term(),
		CandidateID:  c.MyID,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	c.log.WithFields(log.Fields{
		"term":   cd.request.Term,
		"quorum": c.Cluster.Quorum(),
	}).Info("starting election")
	if cd.tally() {
		return
	}

	var ctx context.Context
	ctx, cd.cancel = context.WithCancel(c.ctx)
	for _, peer := range c.Peers {
		go cd.solicitVote(ctx, peer, cd.request)
	}
}

func (cd *candidate) Off() {
	cd.retired = true
	cd.electionTimer.stop()
	if cd.cancel != nil {
		cd.cancel()
	}
}

// solicitVote runs without the lock while the RPC is in flight.
func (cd *candidate) solicitVote(ctx context.Context, peer uuid.UUID, request common.RequestVoteRPC) {
	c := cd.core
	ctx, cancel := context.WithTimeout(ctx, c.Cluster.RPCTimeout)
	defer cancel()
	response, err := c.Transport.SendRequestVote(ctx, peer, &request)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !cd.active() {
		return
	}
	logger := c.log.WithFields(log.Fields{"peer": peer, "term": request.Term})
	if err != nil {
		// counts as a non-vote for this round
		logger.WithError(err).Debug("error requesting vote from peer")
		return
	}
	if c.observeTerm(response.Term) {
		cd.transition(Follower)
		return
	}
	if response.Term != request.Term || !response.VoteGranted {
		logger.Debug("vote denied")
		return
	}
	cd.votes[peer] = true
	cd.tally()
}

// tally requests leadership once a majority, ourselves included, granted.
func (cd *candidate) tally() bool {
	c := cd.core
	if len(cd.votes) < c.Cluster.Quorum() {
		return false
	}
	c.log.WithFields(log.Fields{
		"votes": len(cd.votes),
		"term":  cd.request.Term,
	}).Info("majority votes received")
	cd.transition(Leader)
	return true
}

func (cd *candidate) onElectionTimeout() {
	c := cd.core
	c.log.WithFields(log.Fields{
		"votes": len(cd.votes),
		"term":  c.state.Term(),
	}).Info("election timed out, starting new round")
	if _, ok := c.nextElectionTerm(); !ok {
		cd.electionTimer.reset()
		return
	}
	cd.transition(Candidate)
}

func (cd *candidate) AppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult) {
	c := cd.core
	if args.Term < c.state.Term() {
		reject(c.state.Term(), result)
		return
	}
	// a leader exists for a term at least as new as ours, concede
	c.observeTerm(args.Term)
	cd.transition(Follower)
	result.Success = c.acceptAppendEntries(args)
	result.Term = c.state.Term()
}

func (cd *candidate) RequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult) {
	c := cd.core
	if args.Term < c.state.Term() {
		denyVote(c.state.Term(), result)
		return
	}
	if c.observeTerm(args.Term) {
		cd.transition(Follower)
	}
	result.Term = c.state.Term()
	result.VoteGranted = c.considerVote(args)
}
