package orchestrator

import (
	"sync"

	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// keyedMutex hands out one mutex per job id. Entries are refcounted and
// dropped when the last holder unlocks, so the map only holds jobs that are
// currently being worked on.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[types.JobID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[types.JobID]*refMutex)}
}

// Lock blocks until id is free and returns the matching unlock.
//
//	defer o.locks.Lock(id)()
func (k *keyedMutex) Lock(id types.JobID) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// held returns the number of ids with a live entry.
func (k *keyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
