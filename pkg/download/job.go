package download

import (
	"sort"
	"sync"
)

// job tracks one download's shared state: which chunks have been verified,
// how many tuples have been fully processed, and the completion signal.
// Safe for concurrent use by every worker.
type job struct {
	id    string
	total int

	mu        sync.Mutex
	succeeded map[string]bool
	processed int

	done     chan struct{}
	doneOnce sync.Once
}

func newJob(id string, total int) *job {
	return &job{
		id:        id,
		total:     total,
		succeeded: make(map[string]bool),
		done:      make(chan struct{}),
	}
}

// finish records the outcome of one tuple. The completion signal fires as
// soon as every required chunk is verified, or once every tuple has been
// processed (success or exhaustion) so a hopeless job fails fast instead of
// waiting out the overall timeout.
func (j *job) finish(chunkName string, ok bool) {
	j.mu.Lock()
	if ok {
		j.succeeded[chunkName] = true
	}
	j.processed++
	complete := len(j.succeeded) == j.total || j.processed == j.total
	j.mu.Unlock()

	if complete {
		j.doneOnce.Do(func() { close(j.done) })
	}
}

// successCount returns how many chunks have been verified so far.
func (j *job) successCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.succeeded)
}

// missing returns the chunk names not yet verified, sorted for stable
// error reporting.
func (j *job) missing(required []string) []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []string
	for _, name := range required {
		if !j.succeeded[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
