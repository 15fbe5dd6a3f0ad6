package raft

import (
	"time"
)

// roleTimer is a one-shot timer owned by a role instance. Its callback
// runs under the core lock and is dropped when it is stale: the timer was
// reset or stopped after it fired, or its role is no longer active.
// reset and stop must be called with the core lock held.
type roleTimer struct {
	owner    *roleBase
	duration func() time.Duration
	fire     func()

	timer *time.Timer
	gen   uint64
}

func newRoleTimer(owner *roleBase, duration func() time.Duration, fire func()) *roleTimer {
	return &roleTimer{
		owner:    owner,
		duration: duration,
		fire:     fire,
	}
}

func (t *roleTimer) reset() {
	t.stop()
	gen := t.gen
	t.timer = time.AfterFunc(t.duration(), func() {
		t.expire(gen)
	})
}

func (t *roleTimer) stop() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *roleTimer) expire(gen uint64) {
	core := t.owner.core
	core.mu.Lock()
	defer core.mu.Unlock()
	if gen != t.gen || !t.owner.active() {
		core.log.WithField("epoch", t.owner.epoch).Debug("discarded stale timer tick")
		return
	}
	t.fire()
}

// electionTimeout is randomized in [ElectionTimeout, 2*ElectionTimeout) so
// that peers do not keep starting elections at the same instant.
func (c *ConsensusCore) electionTimeout() time.Duration {
	timeout := c.Cluster.ElectionTimeout
	return timeout + time.Duration(c.rand.Float64()*float64(timeout))
}

func (c *ConsensusCore) heartbeatTimeout() time.Duration {
	return c.Cluster.HeartBeatTimeout
}
