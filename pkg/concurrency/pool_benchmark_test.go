package concurrency

import (
	"fmt"
	"testing"
	"time"

	"repricer/pkg/logging"
)

// BenchmarkWorkerPool_PublishFanOut models one reconcile pass: a batch of
// short calls guarded per listing.
func BenchmarkWorkerPool_PublishFanOut(b *testing.B) {
	pool := NewWorkerPool(PoolConfig{Name: "bench", MaxWorkers: 8, MaxCapacity: 512}, logging.NewNopLogger())
	defer pool.Stop()
	guard := NewKeyedGuard()

	keys := make([]string, 200)
	for i := range keys {
		keys[i] = fmt.Sprintf("B%09d/ATVPDKIKX0DER", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tasks := make([]func(), len(keys))
		for j, key := range keys {
			tasks[j] = func() {
				release, ok := guard.TryAcquire(key)
				if !ok {
					return
				}
				defer release()
				time.Sleep(time.Microsecond)
			}
		}
		_ = pool.RunAll(tasks)
	}
}

func BenchmarkKeyedGuard_TryAcquire(b *testing.B) {
	g := NewKeyedGuard()
	for i := 0; i < b.N; i++ {
		release, _ := g.TryAcquire("B000123/ATVPDKIKX0DER")
		release()
	}
}
