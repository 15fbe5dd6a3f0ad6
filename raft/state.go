package raft

import (
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sushantsondhi/raft-core/common"
	"go.uber.org/multierr"
)

type RaftState int

const (
	Follower RaftState = iota
	Candidate
	Leader
)

func (s RaftState) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return fmt.Sprintf("RaftState(%d)", int(s))
	}
}

// NodeState holds the authoritative Raft state of one node. It is owned
// by a ConsensusCore and must only be touched with the core's lock held.
// The mutators below are the only way to change it and each one keeps
// the invariants it is responsible for:
//   - the term never decreases and a new term always clears the vote
//   - at most one vote is granted per term
//   - lastApplied never passes commitIndex, and neither ever decreases
type NodeState struct {
	store common.PersistentStore
	log   *log.Entry

	// These 3 variables are persisted
	term        int64
	votedFor    *uuid.UUID
	commitIndex int64

	// lastApplied is volatile, the FSM is rebuilt by replaying the log
	lastApplied int64
}

// NewNodeState loads the persisted part of the state from store.
func NewNodeState(store common.PersistentStore, logger *log.Entry) (*NodeState, error) {
	term, termErr := getTerm(store)
	votedFor, voteErr := getVotedFor(store)
	commitIndex, commitErr := getCommitIndex(store)
	if err := multierr.Combine(termErr, voteErr, commitErr); err != nil {
		return nil, fmt.Errorf("loading node state: %w", err)
	}
	return &NodeState{
		store:       store,
		log:         logger,
		term:        term,
		votedFor:    votedFor,
		commitIndex: commitIndex,
	}, nil
}

func (s *NodeState) Term() int64 {
	return s.term
}

// VotedFor returns a copy of the vote cast in the current term, or nil.
func (s *NodeState) VotedFor() *uuid.UUID {
	if s.votedFor == nil {
		return nil
	}
	id := *s.votedFor
	return &id
}

func (s *NodeState) CommitIndex() int64 {
	return s.commitIndex
}

func (s *NodeState) LastApplied() int64 {
	return s.lastApplied
}

// AdvanceTerm moves to term if it is newer than the current one and
// clears the vote. It reports whether the term changed. If the new term
// cannot be stored the state is left as it was.
func (s *NodeState) AdvanceTerm(term int64) (bool, error) {
	if term <= s.term {
		return false, nil
	}
	if err := setTerm(s.store, term); err != nil {
		return false, fmt.Errorf("persisting term %d: %w", term, err)
	}
	s.term = term
	s.votedFor = nil
	// a vote left on disk only makes a restarted node refuse to vote
	if err := setVotedFor(s.store, nil); err != nil {
		return true, fmt.Errorf("clearing vote for term %d: %w", term, err)
	}
	return true, nil
}

// IncrementTerm starts a new term and returns it.
func (s *NodeState) IncrementTerm() (int64, error) {
	_, err := s.AdvanceTerm(s.term + 1)
	return s.term, err
}

// GrantVote records a vote for candidate in the current term. It fails
// if a vote for somebody else was already cast in this term, and when the
// vote cannot be stored.
func (s *NodeState) GrantVote(candidate uuid.UUID) (bool, error) {
	if s.votedFor != nil {
		return *s.votedFor == candidate, nil
	}
	if err := setVotedFor(s.store, &candidate); err != nil {
		return false, fmt.Errorf("persisting vote in term %d: %w", s.term, err)
	}
	s.votedFor = &candidate
	return true, nil
}

// SetCommitIndex raises the commit index. Lower values are ignored.
func (s *NodeState) SetCommitIndex(index int64) bool {
	if index <= s.commitIndex {
		return false
	}
	s.commitIndex = index
	// commitIndex is re-learned from the leader, losing it is harmless
	if err := setCommitIndex(s.store, s.commitIndex); err != nil {
		s.log.WithError(err).Error("failed to persist commit index")
	}
	return true
}

func (s *NodeState) SetLastApplied(index int64) {
	if index > s.commitIndex {
		panic(fmt.Sprintf("fatal: lastApplied %d beyond commitIndex %d", index, s.commitIndex))
	}
	if index > s.lastApplied {
		s.lastApplied = index
	}
}
