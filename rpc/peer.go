package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
)

const retryDelay = 50 * time.Millisecond

// Peer is the implementation of common.RPCServer interface using the
// golang's net/rpc package
type Peer struct {
	id      uuid.UUID
	address common.ServerAddress
	manager *Manager

	mu     sync.Mutex
	client *rpc.Client
}

var _ common.RPCServer = &Peer{}

// NewPeer creates a Peer instance with lazy initialization.
// Actual RPC connection is not established until an actual RPC
// call takes place.
func NewPeer(address common.ServerAddress, id uuid.UUID, manager *Manager) *Peer {
	return &Peer{
		id:      id,
		address: address,
		manager: manager,
	}
}

func (peer *Peer) connect(ctx context.Context) (*rpc.Client, error) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client != nil {
		return peer.client, nil
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", string(peer.address))
	if err != nil {
		return nil, err
	}
	peer.client = rpc.NewClient(conn)
	return peer.client, nil
}

// reset drops client if it is still the cached connection.
func (peer *Peer) reset(client *rpc.Client) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client == client {
		peer.client.Close()
		peer.client = nil
	}
}

// call takes care of automatically re-trying on transient failures. It
// never outlives ctx.
func (peer *Peer) call(ctx context.Context, method string, args interface{}, result interface{}) (err error) {
	for i := 0; i < 3; i++ {
		if peer.manager.disconnected.Load() {
			return common.ErrDisconnected
		}
		var client *rpc.Client
		if client, err = peer.connect(ctx); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
				continue
			}
		}
		call := client.Go(method, args, result, make(chan *rpc.Call, 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case call = <-call.Done:
		}
		err = call.Error
		if err == rpc.ErrShutdown || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// likely that connection timed out, retry immediately
			peer.reset(client)
			continue
		}
		break
	}
	return
}

func (peer *Peer) withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), peer.manager.CallTimeout)
}

func (peer *Peer) GetID() uuid.UUID {
	return peer.id
}

func (peer *Peer) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	ctx, cancel := peer.withTimeout()
	defer cancel()
	return peer.call(ctx, "RPCServer.ClientRequest", args, result)
}

func (peer *Peer) RequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult) error {
	ctx, cancel := peer.withTimeout()
	defer cancel()
	return peer.call(ctx, "RPCServer.RequestVote", args, result)
}

func (peer *Peer) AppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult) error {
	ctx, cancel := peer.withTimeout()
	defer cancel()
	return peer.call(ctx, "RPCServer.AppendEntries", args, result)
}

func (peer *Peer) Close() error {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client == nil {
		return nil
	}
	err := peer.client.Close()
	peer.client = nil
	return err
}
