package raft

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/sushantsondhi/raft-core/common"
)

type follower struct {
	roleBase
	electionTimer *roleTimer
}

func newFollower(core *ConsensusCore, epoch uint64) *follower {
	f := &follower{roleBase: roleBase{core: core, epoch: epoch}}
	f.electionTimer = newRoleTimer(&f.roleBase, core.electionTimeout, f.onElectionTimeout)
	return f
}

func (f *follower) Role() RaftState {
	return Follower
}

func (f *follower) On() {
	f.electionTimer.reset()
}

func (f *follower) Off() {
	f.retired = true
	f.electionTimer.stop()
}

func (f *follower) AppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult) {
	c := f.core
	if args.Term < c.state.Term() {
		// leader is stale, reject request without touching the timer
		reject(c.state.Term(), result)
		return
	}
	c.observeTerm(args.Term)
	// leader is alive
	f.electionTimer.reset()
	result.Success = c.acceptAppendEntries(args)
	result.Term = c.state.Term()
	if f.retired && result.Success {
		// a leader showed up while an election was on its way, stay
		f.transition(Follower)
	}
}

func (f *follower) RequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult) {
	c := f.core
	if args.Term < c.state.Term() {
		denyVote(c.state.Term(), result)
		return
	}
	c.observeTerm(args.Term)
	result.Term = c.state.Term()
	result.VoteGranted = c.considerVote(args)
	if result.VoteGranted {
		f.electionTimer.reset()
	}
}

func (f *follower) onElectionTimeout() {
	c := f.core
	term, ok := c.nextElectionTerm()
	if !ok {
		// try again on the next timeout
		f.electionTimer.reset()
		return
	}
	c.leader = nil
	c.log.WithField("term", term).Info("election timeout, becoming candidate")
	f.transition(Candidate)
}

// nextElectionTerm moves to a new term and votes for ourselves. It reports
// false when the new term could not be stored.
func (c *ConsensusCore) nextElectionTerm() (int64, bool) {
	previous := c.state.Term()
	term, err := c.state.IncrementTerm()
	if err != nil {
		c.log.WithError(err).Error("failed to persist node state")
		if term == previous {
			return term, false
		}
	}
	if _, err := c.state.GrantVote(c.MyID); err != nil {
		c.log.WithError(err).Error("failed to persist node state")
	}
	return term, true
}

// acceptAppendEntries applies the log matching rules of a follower. The
// caller has already rejected stale terms and adopted newer ones.
func (c *ConsensusCore) acceptAppendEntries(args *common.AppendEntriesRPC) bool {
	if args.Term != c.state.Term() {
		// the leader's term could not be adopted
		return false
	}
	leader := args.Leader
	c.leader = &leader

	logger := c.log.WithFields(log.Fields{
		"leader":       args.Leader,
		"prevLogIndex": args.PrevLogIndex,
		"prevLogTerm":  args.PrevLogTerm,
	})
	prevTerm, err := termAt(c.LogStore, args.PrevLogIndex)
	if errors.Is(err, common.ErrNotFound) {
		// Follower is behind the leader
		logger.Debug("missing previous log entry")
		return false
	}
	if err != nil {
		logger.WithError(err).Error("unable to read previous log entry")
		return false
	}
	if prevTerm != args.PrevLogTerm {
		// There is mismatch of log entries between leader and follower
		logger.WithField("localTerm", prevTerm).Debug("previous log entry term mismatch")
		return false
	}

	if err := c.mergeEntries(args.Entries); err != nil {
		logger.WithError(err).Error("unable to append entries")
		return false
	}

	lastNew := args.PrevLogIndex + int64(len(args.Entries))
	if args.LeaderCommitIndex > c.state.CommitIndex() {
		commitIndex := args.LeaderCommitIndex
		if lastNew < commitIndex {
			commitIndex = lastNew
		}
		if c.state.SetCommitIndex(commitIndex) {
			c.applyCommitted()
		}
	}
	return true
}

// mergeEntries skips entries already present, truncates the first
// conflicting suffix and appends the rest.
func (c *ConsensusCore) mergeEntries(entries []common.LogEntry) error {
	for i, entry := range entries {
		existing, err := c.LogStore.EntryAt(entry.Index)
		if errors.Is(err, common.ErrNotFound) {
			return c.LogStore.Append(entries[i:]...)
		}
		if err != nil {
			return err
		}
		if existing.Term == entry.Term {
			continue
		}
		if entry.Index <= c.state.CommitIndex() {
			return fmt.Errorf("entry %d conflicts with a committed entry", entry.Index)
		}
		c.log.WithFields(log.Fields{
			"index":    entry.Index,
			"local":    existing.Term,
			"incoming": entry.Term,
		}).Info("truncating conflicting log suffix")
		if err := c.LogStore.TruncateSuffixFrom(entry.Index); err != nil {
			return err
		}
		c.failWaitersFrom(entry.Index, common.ErrNotLeader)
		return c.LogStore.Append(entries[i:]...)
	}
	return nil
}

// considerVote decides a vote request whose term equals the current term.
func (c *ConsensusCore) considerVote(args *common.RequestVoteRPC) bool {
	if args.Term != c.state.Term() {
		return false
	}
	// Don't vote if already voted (Section 5.2)
	if votedFor := c.state.VotedFor(); votedFor != nil && *votedFor != args.CandidateID {
		return false
	}
	// Only vote if candidate is sufficiently up-to-date (Section 5.4)
	lastIndex, lastTerm, err := lastLogInfo(c.LogStore)
	if err != nil {
		c.log.WithError(err).Error("error getting last log entry")
		return false
	}
	if !atLeastAsUpToDate(args.LastLogIndex, args.LastLogTerm, lastIndex, lastTerm) {
		return false
	}
	granted, err := c.state.GrantVote(args.CandidateID)
	if err != nil {
		c.log.WithError(err).Error("failed to persist node state")
	}
	if !granted {
		return false
	}
	c.log.WithFields(log.Fields{
		"candidate": args.CandidateID,
		"term":      args.Term,
	}).Info("granted vote")
	return true
}
