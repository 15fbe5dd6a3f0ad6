package raft

import (
	"github.com/sushantsondhi/raft-core/common"
)

type ApplyMsg struct {
	Err   error
	Bytes []byte
}

// applyWaiter is a client waiting for the entry it proposed in term to
// be applied.
type applyWaiter struct {
	term int64
	ch   chan ApplyMsg
}

// applyCommitted hands every committed but unapplied entry to the FSM, in
// log order. It assumes that the caller has already acquired mutex.
func (c *ConsensusCore) applyCommitted() {
	for c.state.LastApplied() < c.state.CommitIndex() {
		index := c.state.LastApplied() + 1
		entry, err := c.LogStore.EntryAt(index)
		if err != nil {
			c.log.WithError(err).WithField("index", index).Error("error getting log entry from log store")
			return
		}
		var msg ApplyMsg
		if entry.Type == common.EntryCommand && c.FSM != nil {
			msg.Bytes, msg.Err = c.FSM.Apply(*entry)
			if msg.Err != nil {
				c.log.WithError(msg.Err).WithField("index", index).Debug("FSM rejected entry")
			}
		}
		c.state.SetLastApplied(index)

		if w, ok := c.waiters[index]; ok {
			delete(c.waiters, index)
			if w.term != entry.Term {
				// the proposal was overwritten by another leader's entry
				msg = ApplyMsg{Err: common.ErrNotLeader}
			}
			w.ch <- msg
		}
	}
}

// failWaitersFrom releases every waiter at index or above with err.
func (c *ConsensusCore) failWaitersFrom(index int64, err error) {
	for i, w := range c.waiters {
		if i >= index {
			delete(c.waiters, i)
			w.ch <- ApplyMsg{Err: err}
		}
	}
}
