package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
)

type RequestType int

const (
	Get RequestType = iota
	Set
)

func (r RequestType) String() string {
	switch r {
	case Get:
		return "GET"
	case Set:
		return "SET"
	default:
		return fmt.Sprintf("RequestType(%d)", int(r))
	}
}

// Request is the command carried in the Data of a log entry.
type Request struct {
	Type RequestType
	Key  string
	Val  string
	// TransactionId makes retries idempotent, the FSM answers a repeated
	// id with the result it gave the first time.
	TransactionId uuid.UUID
}

var ErrKeyNotFound = errors.New("key does not exist")

type result struct {
	val []byte
	err error
}

// KeyValFSM is the implementation of the common.FSM interface
// for the key-value store. We store the key value pairs
// in-memory because they can be reliably reconstructed
// on server restarts by simply replaying the log
type KeyValFSM struct {
	mu    sync.Mutex
	store map[string]string
	seen  map[uuid.UUID]result
}

var _ common.FSM = &KeyValFSM{}

func NewKeyValFSM() *KeyValFSM {
	return &KeyValFSM{
		store: make(map[string]string),
		seen:  make(map[uuid.UUID]result),
	}
}

func (fsm *KeyValFSM) Apply(entry common.LogEntry) ([]byte, error) {
	var request Request
	if err := json.Unmarshal(entry.Data, &request); err != nil {
		return nil, fmt.Errorf("malformed request at index %d: %w", entry.Index, err)
	}
	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	if request.TransactionId != uuid.Nil {
		if r, ok := fsm.seen[request.TransactionId]; ok {
			return r.val, r.err
		}
	}

	var r result
	switch request.Type {
	case Set:
		fsm.store[request.Key] = request.Val
	case Get:
		if val, ok := fsm.store[request.Key]; ok {
			r.val = []byte(val)
		} else {
			r.err = ErrKeyNotFound
		}
	default:
		r.err = fmt.Errorf("unknown request type %v", request.Type)
	}

	if request.TransactionId != uuid.Nil {
		fsm.seen[request.TransactionId] = r
	}
	return r.val, r.err
}

// Len returns the number of keys stored.
func (fsm *KeyValFSM) Len() int {
	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	return len(fsm.store)
}
