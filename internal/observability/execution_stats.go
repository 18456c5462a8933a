// Package observability provides the bucket catalog's per-namespace
// execution statistics. The global catalog snapshot is rendered by the
// catalog itself.
package observability

import (
	"sync"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arroyodb/arroyo/pkg/types"
)

// ExecutionStats holds the per-namespace ingest counters. All fields are
// updated with relaxed atomics; readers may observe mid-operation values.
type ExecutionStats struct {
	NumBucketInserts                     atomic.Int64
	NumBucketUpdates                     atomic.Int64
	NumBucketsOpenedDueToMetadata        atomic.Int64
	NumBucketsClosedDueToCount           atomic.Int64
	NumBucketsClosedDueToSize            atomic.Int64
	NumBucketsClosedDueToTimeForward     atomic.Int64
	NumBucketsClosedDueToTimeBackward    atomic.Int64
	NumBucketsClosedDueToMemoryThreshold atomic.Int64
	NumCommits                           atomic.Int64
	NumWaits                             atomic.Int64
	NumMeasurementsCommitted             atomic.Int64
}

// Append renders the counters in their published order. When at least one
// commit has happened it also includes the average measurements per commit.
func (s *ExecutionStats) Append() bson.D {
	out := bson.D{
		{Key: "numBucketInserts", Value: s.NumBucketInserts.Load()},
		{Key: "numBucketUpdates", Value: s.NumBucketUpdates.Load()},
		{Key: "numBucketsOpenedDueToMetadata", Value: s.NumBucketsOpenedDueToMetadata.Load()},
		{Key: "numBucketsClosedDueToCount", Value: s.NumBucketsClosedDueToCount.Load()},
		{Key: "numBucketsClosedDueToSize", Value: s.NumBucketsClosedDueToSize.Load()},
		{Key: "numBucketsClosedDueToTimeForward", Value: s.NumBucketsClosedDueToTimeForward.Load()},
		{Key: "numBucketsClosedDueToTimeBackward", Value: s.NumBucketsClosedDueToTimeBackward.Load()},
		{Key: "numBucketsClosedDueToMemoryThreshold", Value: s.NumBucketsClosedDueToMemoryThreshold.Load()},
	}

	commits := s.NumCommits.Load()
	measurements := s.NumMeasurementsCommitted.Load()
	out = append(out,
		bson.E{Key: "numCommits", Value: commits},
		bson.E{Key: "numWaits", Value: s.NumWaits.Load()},
		bson.E{Key: "numMeasurementsCommitted", Value: measurements},
	)
	if commits > 0 {
		out = append(out, bson.E{Key: "avgNumMeasurementsPerCommit", Value: measurements / commits})
	}
	return out
}

// emptyStats is handed to read-only lookups of namespaces that never
// ingested anything, so callers always get a usable stats object.
var emptyStats = &ExecutionStats{}

// Registry tracks one ExecutionStats per namespace.
type Registry struct {
	mu    sync.RWMutex
	stats map[types.Namespace]*ExecutionStats
}

// NewRegistry creates an empty stats registry.
func NewRegistry() *Registry {
	return &Registry{stats: make(map[types.Namespace]*ExecutionStats)}
}

// Get returns the stats for a namespace, creating them on first use.
func (r *Registry) Get(ns types.Namespace) *ExecutionStats {
	r.mu.RLock()
	s, ok := r.stats[ns]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[ns]; ok {
		return s
	}
	s = &ExecutionStats{}
	r.stats[ns] = s
	return s
}

// Peek returns the stats for a namespace without creating them. Unknown
// namespaces get a shared zero-valued instance.
func (r *Registry) Peek(ns types.Namespace) *ExecutionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.stats[ns]; ok {
		return s
	}
	return emptyStats
}

// Remove drops the stats for a namespace. Called when the namespace's
// buckets are cleared by DDL.
func (r *Registry) Remove(ns types.Namespace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stats, ns)
}

// Empty reports whether no namespace has recorded stats yet.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stats) == 0
}

// Namespaces returns the namespaces with recorded stats.
func (r *Registry) Namespaces() []types.Namespace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Namespace, 0, len(r.stats))
	for ns := range r.stats {
		out = append(out, ns)
	}
	return out
}
