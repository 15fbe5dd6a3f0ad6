package raft

import (
	"github.com/sushantsondhi/raft-core/common"
)

// RoleBehavior is what a node does while it holds a role. Every method is
// called with the core's lock held. A behavior never swaps itself out: when
// it decides the node must change role it asks the core for a transition
// and keeps answering RPCs until the transition worker replaces it.
type RoleBehavior interface {
	Role() RaftState
	// Epoch identifies this instance; it is unique per core.
	Epoch() uint64
	On()
	// Off must be idempotent.
	Off()
	AppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult)
	RequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult)
}

// roleBase carries what every role shares.
type roleBase struct {
	core  *ConsensusCore
	epoch uint64
	// retired is set once the role has asked to be replaced or was
	// switched off. A retired role still answers RPCs but no longer acts
	// on its own (timers, vote tallies, replication results).
	retired bool
}

func (b *roleBase) Epoch() uint64 {
	return b.epoch
}

func (b *roleBase) active() bool {
	return !b.retired && b.core.epoch == b.epoch && !b.core.stopped.Load()
}

// transition retires the role and queues the move to role.
func (b *roleBase) transition(role RaftState) {
	b.retired = true
	b.core.requestTransition(role, b.epoch)
}

func reject(term int64, result *common.AppendEntriesRPCResult) {
	result.Term = term
	result.Success = false
}

func denyVote(term int64, result *common.RequestVoteRPCResult) {
	result.Term = term
	result.VoteGranted = false
}
