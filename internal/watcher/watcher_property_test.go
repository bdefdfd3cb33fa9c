//go:build property

package watcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestDebouncerProperties validates batching and deduplication
func TestDebouncerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(9876)
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	// Property: a burst yields one event per distinct path, sorted
	properties.Property("debouncer dedupes a burst by path", prop.ForAll(
		func(paths []int) bool {
			if len(paths) == 0 {
				return true
			}

			d := NewDebouncer(20 * time.Millisecond)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go d.start(ctx)

			distinct := make(map[string]bool)
			for _, p := range paths {
				path := fmt.Sprintf("src/js/file%d.js", p)
				distinct[path] = true
				d.events <- ChangeEvent{Path: path, Type: EventTypeModified}
			}

			select {
			case batch := <-d.output:
				if len(batch) != len(distinct) {
					return false
				}
				for i := 1; i < len(batch); i++ {
					if batch[i-1].Path >= batch[i].Path {
						return false
					}
				}
				return true
			case <-time.After(2 * time.Second):
				return false
			}
		},
		gen.SliceOfN(30, gen.IntRange(0, 9)),
	))

	// Property: runner claims never overlap
	properties.Property("runner grants one claim at a time", prop.ForAll(
		func(workers int) bool {
			r := &runner{task: "scripts"}
			var mu sync.Mutex
			granted := 0
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if r.claim() {
						mu.Lock()
						granted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			return granted == 1 && r.dirty == (workers > 1)
		},
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
