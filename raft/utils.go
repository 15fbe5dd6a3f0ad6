package raft

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
	"go.uber.org/multierr"
)

const (
	VotedFor    string = "votedFor"
	Term        string = "term"
	CommitIndex string = "commitIndex"
)

func getInt64(persistentStore common.PersistentStore, key string) (int64, error) {
	r, err := persistentStore.GetDefault([]byte(key), []byte("0"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(r), 10, 64)
}

func getTerm(persistentStore common.PersistentStore) (int64, error) {
	return getInt64(persistentStore, Term)
}

func setTerm(persistentStore common.PersistentStore, term int64) error {
	return persistentStore.Set([]byte(Term), []byte(strconv.FormatInt(term, 10)))
}

// uuid.Nil stands for "no vote" on disk.
func getVotedFor(persistentStore common.PersistentStore) (*uuid.UUID, error) {
	r, err := persistentStore.GetDefault([]byte(VotedFor), []byte(uuid.Nil.String()))
	if err != nil {
		return nil, err
	}
	votedFor, err := uuid.ParseBytes(r)
	if err != nil {
		return nil, err
	}
	if votedFor == uuid.Nil {
		return nil, nil
	}
	return &votedFor, nil
}

func setVotedFor(persistentStore common.PersistentStore, votedFor *uuid.UUID) error {
	id := uuid.Nil
	if votedFor != nil {
		id = *votedFor
	}
	return persistentStore.Set([]byte(VotedFor), []byte(id.String()))
}

func getCommitIndex(persistentStore common.PersistentStore) (int64, error) {
	return getInt64(persistentStore, CommitIndex)
}

func setCommitIndex(persistentStore common.PersistentStore, commitIndex int64) error {
	return persistentStore.Set([]byte(CommitIndex), []byte(strconv.FormatInt(commitIndex, 10)))
}

// lastLogInfo returns the index and term of the last log entry, (0, 0)
// for an empty log.
func lastLogInfo(logStore common.LogStore) (index, term int64, err error) {
	var indexErr, termErr error
	index, indexErr = logStore.LastIndex()
	term, termErr = logStore.LastTerm()
	err = multierr.Combine(indexErr, termErr)
	return
}

// termAt returns the term of the entry at index, 0 for index 0.
func termAt(logStore common.LogStore, index int64) (int64, error) {
	if index == 0 {
		return 0, nil
	}
	entry, err := logStore.EntryAt(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

// atLeastAsUpToDate compares logs by last term first, then by last index.
func atLeastAsUpToDate(lastLogIndex, lastLogTerm, myIndex, myTerm int64) bool {
	if lastLogTerm != myTerm {
		return lastLogTerm > myTerm
	}
	return lastLogIndex >= myIndex
}
