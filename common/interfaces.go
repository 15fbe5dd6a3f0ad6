package common

import (
	"context"

	"github.com/google/uuid"
)

// EntryType distinguishes application commands from entries the
// consensus layer writes for itself.
type EntryType uint8

const (
	// EntryCommand carries an opaque client command for the FSM.
	EntryCommand EntryType = iota
	// EntryLeaderChange is appended by a newly elected leader in its own
	// term. It is replicated and committed like any entry but never applied.
	EntryLeaderChange
)

// LogEntry represents one particular log entry in the raft
type LogEntry struct {
	Index, Term int64
	Type        EntryType
	Data        []byte
}

// LogStore is the interface that when implemented can be used as
// a store for storing logs of one raft server. Indexes start at 1 and
// are contiguous; index 0 denotes the (empty) position before the first
// entry. All calls are atomic from the caller's point of view.
type LogStore interface {
	// Append adds entries at the end of the log. The first entry must
	// carry index LastIndex()+1 and the rest must follow contiguously.
	Append(entries ...LogEntry) error
	// EntryAt returns ErrNotFound when no entry exists at index.
	EntryAt(index int64) (*LogEntry, error)
	// TruncateSuffixFrom removes the entry at index and every entry after it.
	TruncateSuffixFrom(index int64) error
	LastIndex() (int64, error)
	LastTerm() (int64, error)
	Close() error
}

// PersistentStore implementations can be used as general-purpose stores
// for storing non-volatile data (such as Raft server's non-volatile state variables).
type PersistentStore interface {
	Set(key, value []byte) error
	Get(key []byte) ([]byte, error)
	GetDefault(key []byte, defaultVal []byte) ([]byte, error)
	Close() error
}

// FSM represents a general finite-state machine which has only a single operation -- Apply.
type FSM interface {
	Apply(entry LogEntry) ([]byte, error)
}

// Transport delivers consensus RPCs to peers. Implementations must
// honour ctx so that an unreachable peer never blocks the caller past
// the deadline.
type Transport interface {
	SendAppendEntries(ctx context.Context, peer uuid.UUID, args *AppendEntriesRPC) (*AppendEntriesRPCResult, error)
	SendRequestVote(ctx context.Context, peer uuid.UUID, args *RequestVoteRPC) (*RequestVoteRPCResult, error)
}

// RPCServer is the interface exposed by a Raft server
// to outside (including other Raft servers, and clients)
type RPCServer interface {
	GetID() uuid.UUID
	ClientRequest(args *ClientRequestRPC, result *ClientRequestRPCResult) error
	RequestVote(args *RequestVoteRPC, result *RequestVoteRPCResult) error
	AppendEntries(args *AppendEntriesRPC, result *AppendEntriesRPCResult) error
}

// RPCManager abstracts away RPC handling from RPC servers
type RPCManager interface {
	// Start is a blocking call.
	// It starts the RPC server at the given address and blocks until Stop.
	// Start only returns error if it fails to start the server.
	Start(address ServerAddress, server RPCServer) error
	ConnectToPeer(address ServerAddress, id uuid.UUID) (RPCServer, error)
	// Stop the RPCManager (permanent)
	Stop() error
	// Disconnect disconnects all managed peers
	Disconnect()
	// Reconnect can heal the disconnected managed peers
	Reconnect()
}
