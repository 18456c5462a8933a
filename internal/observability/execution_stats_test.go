package observability

import (
	"sync"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arroyodb/arroyo/pkg/types"
)

func TestRegistryGetCreatesOnce(t *testing.T) {
	r := NewRegistry()
	ns := types.NewNamespace("telemetry", "cpu")

	a := r.Get(ns)
	b := r.Get(ns)
	if a != b {
		t.Error("Get should return the same stats instance for a namespace")
	}
	if r.Empty() {
		t.Error("registry should not be empty after Get")
	}
}

func TestRegistryPeekDoesNotCreate(t *testing.T) {
	r := NewRegistry()
	ns := types.NewNamespace("telemetry", "cpu")

	s := r.Peek(ns)
	if s == nil {
		t.Fatal("Peek must return a usable stats object")
	}
	if !r.Empty() {
		t.Error("Peek must not create registry entries")
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	ns := types.NewNamespace("telemetry", "cpu")
	r.Get(ns).NumCommits.Add(3)

	r.Remove(ns)
	if !r.Empty() {
		t.Error("registry should be empty after Remove")
	}
	if got := r.Peek(ns).NumCommits.Load(); got != 0 {
		t.Errorf("removed namespace should peek zeroed stats, got %d", got)
	}
}

func TestAppendIncludesAvgOnlyWithCommits(t *testing.T) {
	s := &ExecutionStats{}

	find := func(d bson.D, key string) (interface{}, bool) {
		for _, e := range d {
			if e.Key == key {
				return e.Value, true
			}
		}
		return nil, false
	}

	if _, ok := find(s.Append(), "avgNumMeasurementsPerCommit"); ok {
		t.Error("avg should be absent with zero commits")
	}

	s.NumCommits.Add(2)
	s.NumMeasurementsCommitted.Add(10)
	avg, ok := find(s.Append(), "avgNumMeasurementsPerCommit")
	if !ok {
		t.Fatal("avg should be present with commits")
	}
	if avg.(int64) != 5 {
		t.Errorf("avg = %v, want 5", avg)
	}
}

func TestConcurrentCounters(t *testing.T) {
	r := NewRegistry()
	ns := types.NewNamespace("telemetry", "cpu")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				r.Get(ns).NumCommits.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := r.Get(ns).NumCommits.Load(); got != 8000 {
		t.Errorf("NumCommits = %d, want 8000", got)
	}
}
