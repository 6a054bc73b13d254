package slabhash

import (
	"runtime"
	"sync"
)

// parallelFactor bounds how many goroutines work on one batch at a
// time. This might be useful to lower in tests where too much
// parallelism slows things down in aggregate.
var parallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if parallelFactor <= 0 {
		parallelFactor = 1
	}
}

// forEachRange splits [0, count) into at most parallelFactor contiguous
// ranges, runs work on each concurrently, and waits for all of them.
// Ranges are disjoint, so work needs no synchronization of its own for
// per-element output.
func forEachRange(count int, work func(from, to int)) {
	if count <= 0 {
		return
	}
	workers := parallelFactor
	if workers > count {
		workers = count
	}
	chunk := (count + workers - 1) / workers
	var wg sync.WaitGroup
	for from := 0; from < count; from += chunk {
		to := from + chunk
		if to > count {
			to = count
		}
		wg.Add(1)
		go func(from, to int) {
			defer wg.Done()
			work(from, to)
		}(from, to)
	}
	wg.Wait()
}
