package raft

import (
	"context"
	"sync"
)

type transitionRequest struct {
	role RaftState
	// term and epoch at the time of the request
	term  int64
	epoch uint64
	// seq orders the requests made by the active role, only its latest
	// request is carried out
	seq uint64
}

// transitionQueue is an unbounded FIFO with a blocking take. push never
// blocks so it is safe to call with the core lock held.
type transitionQueue struct {
	mu      sync.Mutex
	pending []transitionRequest
	ready   chan struct{}
}

func newTransitionQueue() *transitionQueue {
	return &transitionQueue{ready: make(chan struct{}, 1)}
}

func (q *transitionQueue) push(req transitionRequest) {
	q.mu.Lock()
	q.pending = append(q.pending, req)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *transitionQueue) take(ctx context.Context) (transitionRequest, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			req := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return req, nil
		}
		q.mu.Unlock()
		select {
		case <-q.ready:
		case <-ctx.Done():
			return transitionRequest{}, ctx.Err()
		}
	}
}

func (q *transitionQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
