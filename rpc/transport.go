package rpc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
)

// Transport implements common.Transport over a fixed set of net/rpc peers.
type Transport struct {
	peers map[uuid.UUID]*Peer
}

var _ common.Transport = &Transport{}

// NewTransport connects (lazily) to every server in peers.
func NewTransport(manager *Manager, peers []common.Server) *Transport {
	t := &Transport{peers: make(map[uuid.UUID]*Peer)}
	for _, server := range peers {
		t.peers[server.ID] = manager.peer(server.NetAddress, server.ID)
	}
	return t
}

func (t *Transport) lookup(id uuid.UUID) (*Peer, error) {
	peer, ok := t.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown peer %v", common.ErrInvalidConfig, id)
	}
	return peer, nil
}

func (t *Transport) SendAppendEntries(ctx context.Context, id uuid.UUID, args *common.AppendEntriesRPC) (*common.AppendEntriesRPCResult, error) {
	peer, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	var result common.AppendEntriesRPCResult
	if err := peer.call(ctx, "RPCServer.AppendEntries", args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (t *Transport) SendRequestVote(ctx context.Context, id uuid.UUID, args *common.RequestVoteRPC) (*common.RequestVoteRPCResult, error) {
	peer, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	var result common.RequestVoteRPCResult
	if err := peer.call(ctx, "RPCServer.RequestVote", args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
