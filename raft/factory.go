package raft

import (
	"fmt"

	"github.com/sushantsondhi/raft-core/common"
)

// RoleFactory builds a fresh behavior for role, wired to core. It must not
// mutate the node state; that is left to the behavior's On and handlers.
type RoleFactory func(core *ConsensusCore, role RaftState, epoch uint64) (RoleBehavior, error)

var _ RoleFactory = DefaultRoleFactory

func DefaultRoleFactory(core *ConsensusCore, role RaftState, epoch uint64) (RoleBehavior, error) {
	switch role {
	case Follower:
		return newFollower(core, epoch), nil
	case Candidate:
		return newCandidate(core, epoch), nil
	case Leader:
		return newLeader(core, epoch), nil
	default:
		return nil, fmt.Errorf("%w: %v", common.ErrUnknownRole, role)
	}
}
