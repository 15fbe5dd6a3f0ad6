package rpc

import (
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sushantsondhi/raft-core/common"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// DefaultCallTimeout bounds calls made through the common.RPCServer
// methods of a Peer, which carry no context of their own.
const DefaultCallTimeout = 10 * time.Second

// Manager is the implementation of common.RPCManager interface using
// the golang's net/rpc package
type Manager struct {
	CallTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	peers    []*Peer
	stopped  bool

	disconnected *atomic.Bool
}

var _ common.RPCManager = &Manager{}

func NewManager() *Manager {
	return &Manager{
		CallTimeout:  DefaultCallTimeout,
		disconnected: atomic.NewBool(false),
	}
}

func (manager *Manager) Start(address common.ServerAddress, server common.RPCServer) error {
	rpcServ := rpc.NewServer()
	if err := rpcServ.RegisterName("RPCServer", &endpoint{server: server, manager: manager}); err != nil {
		return err
	}

	for {
		listener, err := net.Listen("tcp", string(address))
		if err != nil {
			return err
		}
		manager.mu.Lock()
		if manager.stopped {
			manager.mu.Unlock()
			return listener.Close()
		}
		manager.listener = listener
		manager.mu.Unlock()

		rpcServ.Accept(listener)

		manager.mu.Lock()
		stopped := manager.stopped
		manager.mu.Unlock()
		if stopped {
			return nil
		}
		// Code can only reach this line if there was a serious network
		// error preventing listener to break, so we loop and try to
		// re-establish listener.
		log.WithField("address", address).Warn("rpc listener broke, re-listening")
	}
}

func (manager *Manager) ConnectToPeer(address common.ServerAddress, id uuid.UUID) (common.RPCServer, error) {
	return manager.peer(address, id), nil
}

func (manager *Manager) peer(address common.ServerAddress, id uuid.UUID) *Peer {
	peer := NewPeer(address, id, manager)
	manager.mu.Lock()
	manager.peers = append(manager.peers, peer)
	manager.mu.Unlock()
	return peer
}

func (manager *Manager) Stop() error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	manager.stopped = true
	var err error
	if manager.listener != nil {
		err = multierr.Append(err, manager.listener.Close())
	}
	for _, peer := range manager.peers {
		err = multierr.Append(err, peer.Close())
	}
	return err
}

// Disconnect creates an artificial network partition (bi-directional):
// outgoing calls fail fast and incoming calls are answered with an error.
func (manager *Manager) Disconnect() {
	manager.disconnected.Store(true)
}

func (manager *Manager) Reconnect() {
	manager.disconnected.Store(false)
}

// endpoint is what gets registered with net/rpc. It only carries the RPC
// methods so that net/rpc does not see the rest of the server's API.
type endpoint struct {
	server  common.RPCServer
	manager *Manager
}

func (e *endpoint) ClientRequest(args *common.ClientRequestRPC, result *common.ClientRequestRPCResult) error {
	if e.manager.disconnected.Load() {
		return common.ErrDisconnected
	}
	return e.server.ClientRequest(args, result)
}

func (e *endpoint) RequestVote(args *common.RequestVoteRPC, result *common.RequestVoteRPCResult) error {
	if e.manager.disconnected.Load() {
		return common.ErrDisconnected
	}
	return e.server.RequestVote(args, result)
}

func (e *endpoint) AppendEntries(args *common.AppendEntriesRPC, result *common.AppendEntriesRPCResult) error {
	if e.manager.disconnected.Load() {
		return common.ErrDisconnected
	}
	return e.server.AppendEntries(args, result)
}
