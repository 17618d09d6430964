package filecache

import "time"

// Key identifies a File Cache entry: the owning index (root is 0,
// extras are 1..N), the normalized project name, and the file name —
// the (index, project, file) triple spec.md §4.3 keys its entry and
// downloading maps on.
type Key struct {
	IndexID  int
	Project  string
	Filename string
}

type state int

const (
	stateAbsent state = iota
	stateDownloading
	stateReady
)

type entry struct {
	state      state
	path       string
	size       int64
	lastAccess time.Time
}
