package raft

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushantsondhi/raft-core/common"
)

func Test_SimpleElection(t *testing.T) {
	clusterConfig := generateClusterConfig(3)
	nodes := makeRaftCluster(t, newLocalNetwork(), sameConfigs(clusterConfig))
	verifyElectionSafetyAndLiveness(t, nodes)
}

func Test_FiveNodeElection(t *testing.T) {
	clusterConfig := generateClusterConfig(5)
	nodes := makeRaftCluster(t, newLocalNetwork(), sameConfigs(clusterConfig))
	verifyElectionSafetyAndLiveness(t, nodes)
}

func Test_ReElection(t *testing.T) {
	net := newLocalNetwork()
	configs := sameConfigs(generateClusterConfig(3))
	// purposefully delay the election timeouts of 2 & 3 to ensure that 1 gets elected as leader first
	configs[1].ElectionTimeout = time.Second
	configs[2].ElectionTimeout = time.Second

	nodes := makeRaftCluster(t, net, configs)
	first := waitForLeader(t, nodes)
	require.Equal(t, nodes[0].core.MyID, first.core.MyID)
	// now 1 must have been elected as leader, so we disconnect it from cluster
	net.Disconnect(nodes[0].core.MyID)
	// someone else should be elected as a leader
	second := waitForLeader(t, nodes, nodes[0].core.MyID)
	assert.NotEqual(t, nodes[0].core.MyID, second.core.MyID)
	// note that server 1 will still remain a leader but of an older term
	assert.Equal(t, Leader, nodes[0].core.Role())
	assert.Less(t, nodes[0].core.Term(), second.core.Term())

	// now reconnect server 1 to cluster
	// it will convert to follower and catch up on the term
	net.Reconnect(nodes[0].core.MyID)
	require.Eventually(t, func() bool {
		return nodes[0].core.Role() == Follower && nodes[0].core.Term() >= second.core.Term()
	}, 5*time.Second, 10*time.Millisecond)
	verifyElectionSafetyAndLiveness(t, nodes)
}

func Test_ReJoin(t *testing.T) {
	net := newLocalNetwork()
	configs := sameConfigs(generateClusterConfig(3))
	configs[1].ElectionTimeout = time.Second
	configs[2].ElectionTimeout = time.Second

	nodes := makeRaftCluster(t, net, configs)
	waitForLeader(t, nodes)

	// now disconnect 2 (a follower) from the cluster
	net.Disconnect(nodes[2].core.MyID)
	// it should not affect election safety and liveness
	verifyElectionSafetyAndLiveness(t, nodes[:2])
	// its term runs ahead of the other two while it keeps failing elections
	require.Eventually(t, func() bool {
		return nodes[2].core.Role() == Candidate &&
			nodes[2].core.Term() > nodes[0].core.Term() &&
			nodes[2].core.Term() > nodes[1].core.Term()
	}, 5*time.Second, 10*time.Millisecond)

	// now we reconnect 2
	net.Reconnect(nodes[2].core.MyID)
	verifyElectionSafetyAndLiveness(t, nodes)
}

func Test_Replication(t *testing.T) {
	nodes := makeRaftCluster(t, newLocalNetwork(), sameConfigs(generateClusterConfig(3)))
	leader := waitForLeader(t, nodes)

	var want []string
	for i := 0; i < 20; i++ {
		cmd := fmt.Sprintf("cmd%d", i)
		result := submit(t, leader, cmd)
		require.True(t, result.Success, result.Error)
		assert.Equal(t, []byte(cmd), result.Data)
		want = append(want, cmd)
	}
	waitForLogsToMatch(t, nodes)
	checkEqualLogs(t, nodes)
	for _, node := range nodes {
		assert.Equal(t, want, node.fsm.commands())
	}
}

func Test_LaggingFollower(t *testing.T) {
	// This test verifies that a lagging (disconnected) follower will eventually be brought up to speed.
	// We start with a cluster of 3 servers A, B & C and wait for A to be elected.
	// Now, we will disconnect C (network partition) and send multiple requests to A.
	// Then we reconnect C without sending any further requests and verify
	// that eventually C also has all the logs.
	net := newLocalNetwork()
	configs := sameConfigs(generateClusterConfig(3))
	configs[1].ElectionTimeout = time.Second
	configs[2].ElectionTimeout = time.Second
	// small batches so that catching up takes several rounds
	for i := range configs {
		configs[i].MaxEntriesPerAppend = 4
	}

	nodes := makeRaftCluster(t, net, configs)
	leader := waitForLeader(t, nodes)
	require.Equal(t, nodes[0].core.MyID, leader.core.MyID, "server[0] not elected as leader")
	for i := 0; i < 5; i++ {
		require.True(t, submit(t, leader, fmt.Sprintf("a%d", i)).Success)
	}

	net.Disconnect(nodes[2].core.MyID)
	for i := 0; i < 30; i++ {
		require.True(t, submit(t, leader, fmt.Sprintf("b%d", i)).Success)
	}
	net.Reconnect(nodes[2].core.MyID)

	waitForLogsToMatch(t, nodes)
	checkEqualLogs(t, nodes)
	assert.Len(t, nodes[2].fsm.commands(), 35)
}

func Test_LeaderCompleteness(t *testing.T) {
	// This test verifies that our implementation obeys the leader completeness property.
	// We spin up a cluster of 3 raft servers with pre-filled logs (terms in index order):
	// Server 1:	1 1 2 2 3 4 4
	// Server 2:	1 1 2 2 3 3
	// Server 3:	1 1 2 4
	// Server 1 is the only one whose log is at least as up-to-date as a majority's,
	// so it has to be the first leader; its log must then overwrite the others.
	net := newLocalNetwork()
	configs := sameConfigs(generateClusterConfig(3))
	// keep 3 from beating 1 to 2's vote
	configs[1].ElectionTimeout = time.Second
	configs[2].ElectionTimeout = time.Second
	logs := [][]int64{
		{1, 1, 2, 2, 3, 4, 4},
		{1, 1, 2, 2, 3, 3},
		{1, 1, 2, 4},
	}

	nodes := makeRaftCluster(t, net, configs, logs...)
	leader := waitForLeader(t, nodes)
	assert.Equal(t, nodes[0].core.MyID, leader.core.MyID)

	waitForLogsToMatch(t, nodes)
	checkEqualLogs(t, nodes)
	entry, err := nodes[2].logStore.EntryAt(7)
	require.NoError(t, err)
	assert.EqualValues(t, 4, entry.Term)
}

func Test_OldLeaderEntriesOverwritten(t *testing.T) {
	// An isolated leader keeps accepting proposals it can never commit.
	// Once the partition heals they are replaced by the new leader's log
	// and the waiting clients are told the proposal failed.
	net := newLocalNetwork()
	configs := sameConfigs(generateClusterConfig(3))
	configs[1].ElectionTimeout = time.Second
	configs[2].ElectionTimeout = time.Second
	for i := range configs {
		configs[i].ClientTimeout = 10 * time.Second
	}
	nodes := makeRaftCluster(t, net, configs)
	old := waitForLeader(t, nodes)
	require.True(t, submit(t, old, "committed").Success)

	net.Disconnect(old.core.MyID)
	lost := make(chan bool, 1)
	go func() {
		var result common.ClientRequestRPCResult
		assert.NoError(t, old.core.ClientRequest(&common.ClientRequestRPC{Data: []byte("lost")}, &result))
		lost <- result.Success
	}()
	next := waitForLeader(t, nodes, old.core.MyID)
	require.True(t, submit(t, next, "kept").Success)

	net.Reconnect(old.core.MyID)
	select {
	case success := <-lost:
		assert.False(t, success)
	case <-time.After(5 * time.Second):
		t.Fatal("proposal of the isolated leader was never resolved")
	}
	waitForLogsToMatch(t, nodes)
	checkEqualLogs(t, nodes)
	for _, node := range nodes {
		assert.Equal(t, []string{"committed", "kept"}, node.fsm.commands())
	}
}
