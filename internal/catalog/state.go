package catalog

import (
	"sync"

	"github.com/arroyodb/arroyo/pkg/types"
)

// BucketState tracks the externally visible lifecycle of a bucket in the
// global id→state table.
type BucketState uint8

const (
	// BucketStateNormal is an open bucket accepting inserts.
	BucketStateNormal BucketState = iota
	// BucketStatePrepared is a bucket with an in-flight prepared commit.
	BucketStatePrepared
	// BucketStateCleared marks a bucket invalidated externally; pending
	// batches will fail.
	BucketStateCleared
	// BucketStatePreparedAndCleared is a prepared bucket that was cleared
	// while its commit was in flight; the committer's storage transaction
	// must retry.
	BucketStatePreparedAndCleared
)

func (s BucketState) String() string {
	switch s {
	case BucketStateNormal:
		return "normal"
	case BucketStatePrepared:
		return "prepared"
	case BucketStateCleared:
		return "cleared"
	case BucketStatePreparedAndCleared:
		return "preparedAndCleared"
	default:
		return "unknown"
	}
}

// bucketStateMap is the global identity→state table. It has its own mutex,
// which may be taken while holding a bucket's mutex but never before a
// catalog stripe.
type bucketStateMap struct {
	mu     sync.Mutex
	states map[types.BucketID]BucketState
}

func newBucketStateMap() *bucketStateMap {
	return &bucketStateMap{states: make(map[types.BucketID]BucketState)}
}

func (m *bucketStateMap) insert(id types.BucketID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = BucketStateNormal
}

func (m *bucketStateMap) remove(id types.BucketID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
}

// rename moves a bucket's state entry to a rewritten id. Used when the
// bucket's nominal open time is rewound.
func (m *bucketStateMap) rename(old, new types.BucketID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, old)
	m.states[new] = BucketStateNormal
}

func (m *bucketStateMap) get(id types.BucketID) (BucketState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	return s, ok
}

// set transitions the bucket toward the target state and returns the
// resulting state. Transitions compose: clearing a prepared bucket yields
// preparedAndCleared, and finishing a preparedAndCleared bucket yields
// cleared. Unknown ids return ok == false.
func (m *bucketStateMap) set(id types.BucketID, target BucketState) (BucketState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok {
		return 0, false
	}

	switch target {
	case BucketStateNormal:
		switch state {
		case BucketStatePrepared:
			state = BucketStateNormal
		case BucketStatePreparedAndCleared:
			state = BucketStateCleared
		}
	case BucketStatePrepared:
		if state == BucketStateNormal {
			state = BucketStatePrepared
		}
	case BucketStateCleared:
		switch state {
		case BucketStateNormal:
			state = BucketStateCleared
		case BucketStatePrepared:
			state = BucketStatePreparedAndCleared
		}
	}

	m.states[id] = state
	return state, true
}
