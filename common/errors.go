package common

import "errors"

var (
	// ErrNotFound is returned by a LogStore when no entry exists at an index.
	ErrNotFound = errors.New("raft: log entry not found")

	// ErrNonContiguous is returned when an append would leave a hole in the log.
	ErrNonContiguous = errors.New("raft: non-contiguous log append")

	// ErrNotLeader is returned when a write is attempted on a non-leader node.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrInvalidConfig is returned when the cluster configuration is invalid.
	ErrInvalidConfig = errors.New("raft: invalid configuration")

	// ErrUnknownRole is returned by a role factory asked for a role it cannot build.
	ErrUnknownRole = errors.New("raft: unknown role")

	// ErrAlreadyInitialized is returned when a core is initialized twice.
	ErrAlreadyInitialized = errors.New("raft: already initialized")

	// ErrStopped is returned when an operation is attempted on a stopped node.
	ErrStopped = errors.New("raft: node stopped")

	// ErrTimeout is returned when a client request is not applied in time.
	ErrTimeout = errors.New("raft: operation timeout")

	// ErrDisconnected is returned by an artificially partitioned endpoint.
	ErrDisconnected = errors.New("raft: disconnected")
)
