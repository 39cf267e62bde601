// Package parallel fans loop bodies out over a bounded number of goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Workers resolves a requested worker count. Non-positive values mean one
// worker per logical CPU.
func Workers(requested int) int {
	if requested <= 0 {
		return runtime.NumCPU()
	}
	return requested
}

// ForEach runs body(i) for every i in [0, length) with at most limit bodies in
// flight. It returns once every body has finished.
func ForEach(length, limit int, body func(i int)) {
	if length <= 0 {
		return
	}
	limit = Workers(limit)
	if limit == 1 || length == 1 {
		for i := 0; i < length; i++ {
			body(i)
		}
		return
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(length)

	for i := 0; i < length; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			body(i)
		}(i)
	}

	wg.Wait()
}

// ForEachErr is ForEach for bodies that can fail. Every body still runs; the
// error of the lowest failing index is returned so the result does not depend
// on scheduling.
func ForEachErr(length, limit int, body func(i int) error) error {
	if length <= 0 {
		return nil
	}
	errs := make([]error, length)
	ForEach(length, limit, func(i int) {
		errs[i] = body(i)
	})
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
