package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// KVStore implements a simple key-value store over the Raft implementation.
// This acts as a simple abstraction over Raft's RPC interface intended to be used
// as a library by the clients.
// This is a thread-safe library.
type KVStore struct {
	RaftServers        []common.RPCServer
	LastKnownResponder *atomic.Int32
}

func NewKeyValStore(addrs []common.Server, manager common.RPCManager) (*KVStore, error) {
	store := KVStore{
		LastKnownResponder: atomic.NewInt32(0),
	}
	for _, addr := range addrs {
		server, err := manager.ConnectToPeer(addr.NetAddress, addr.ID)
		if err != nil {
			return nil, fmt.Errorf("error connecting to raft server at %v: %w", addr.NetAddress, err)
		}
		store.RaftServers = append(store.RaftServers, server)
	}
	if len(store.RaftServers) == 0 {
		return nil, fmt.Errorf("%w: no raft servers", common.ErrInvalidConfig)
	}
	return &store, nil
}

func (kv *KVStore) indexOf(id *uuid.UUID) int {
	if id == nil {
		return -1
	}
	for i, server := range kv.RaftServers {
		if server.GetID() == *id {
			return i
		}
	}
	return -1
}

// do sends request to the leader. It starts with the server that answered
// last, follows leader hints and otherwise tries the servers in turn.
func (kv *KVStore) do(request Request) (data []byte, err error) {
	bytes, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	n := len(kv.RaftServers)
	next := int(kv.LastKnownResponder.Load())
	for attempt := 0; attempt < 2*n; attempt++ {
		i := next % n
		server := kv.RaftServers[i]
		var result common.ClientRequestRPCResult
		reqErr := server.ClientRequest(&common.ClientRequestRPC{
			Data: bytes,
		}, &result)
		if reqErr != nil {
			err = multierr.Append(err, fmt.Errorf("%v: %w", server.GetID(), reqErr))
			next = i + 1
			continue
		}
		if !result.Success && result.Error == common.ErrNotLeader.Error() {
			err = multierr.Append(err, fmt.Errorf("%v: %s", server.GetID(), result.Error))
			if hint := kv.indexOf(result.LeaderHint); hint >= 0 && hint != i {
				next = hint
			} else {
				next = i + 1
			}
			continue
		}
		kv.LastKnownResponder.Store(int32(i))
		if !result.Success {
			return nil, errors.New(result.Error)
		}
		return result.Data, nil
	}
	return nil, err
}

// SetWithUUID method creates a PUT request with given id, if the store has
// already seen a request (even if GET) with the same id it will not apply
// this operation again.
func (kv *KVStore) SetWithUUID(key, val string, id uuid.UUID) error {
	_, err := kv.do(Request{
		Type:          Set,
		Key:           key,
		Val:           val,
		TransactionId: id,
	})
	return err
}

// Set method can be used to add or update key-value pair in the store.
// It returns a UUID which may be used to retry the operation with
// idempotence guarantees using the SetWithUUID method.
func (kv *KVStore) Set(key, val string) (uuid.UUID, error) {
	id := uuid.New()
	return id, kv.SetWithUUID(key, val, id)
}

func (kv *KVStore) GetWithUUID(key string, id uuid.UUID) (string, error) {
	data, err := kv.do(Request{
		Type:          Get,
		Key:           key,
		TransactionId: id,
	})
	return string(data), err
}

// Get method can be used to get the value corresponding to the given key in the store.
// It also returns a UUID that may be used to retry this operation with
// idempotence guarantees. In particular for get operation this means the call with
// return an older value that was at the time of the first call.
func (kv *KVStore) Get(key string) (uuid.UUID, string, error) {
	id := uuid.New()
	val, err := kv.GetWithUUID(key, id)
	return id, val, err
}
