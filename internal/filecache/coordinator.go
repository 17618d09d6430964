package filecache

import "sync"

// download is the Download Coordinator's one-shot completion event for
// a single key. The first caller to miss creates one and becomes the
// producer; every subsequent caller for the same key is handed the
// same pointer and waits on done alongside the producer. A stock
// golang.org/x/sync/singleflight.Group was considered and rejected:
// it only returns a result to whoever is blocked when the producer
// finishes, with no way for a waiter to give up at its own deadline
// while the producer keeps running — exactly the "waiters may abandon
// a wait upon timeout without canceling the producer" requirement of
// spec.md §4.4.
type download struct {
	done   chan struct{}
	once   sync.Once
	result downloadResult
}

type downloadResult struct {
	path string
	size int64
	err  error
}

func newDownload() *download {
	return &download{done: make(chan struct{})}
}

// complete fulfills the event exactly once; later calls are no-ops,
// matching "fulfilled exactly once by the producer" (spec.md §5).
func (d *download) complete(res downloadResult) {
	d.once.Do(func() {
		d.result = res
		close(d.done)
	})
}
