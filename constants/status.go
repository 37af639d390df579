package constants

// TaskState is the canonical lifecycle state for rows in the jobs table.
type TaskState string

// Stable values (store these exact strings in DB).
const (
	TaskStatePending TaskState = "PENDING" // submitted, not picked up yet
	TaskStateStarted TaskState = "STARTED" // worker is extracting
	TaskStateSuccess TaskState = "SUCCESS" // text and metadata available
	TaskStateFailure TaskState = "FAILURE" // terminal; the record is deleted
)

// Terminal reports whether no further transition is expected.
func (s TaskState) Terminal() bool {
	return s == TaskStateSuccess || s == TaskStateFailure
}

// rank orders states along the lifecycle lattice. Both terminal states share
// the top rank: a job never moves between them.
func (s TaskState) rank() int {
	switch s {
	case TaskStatePending:
		return 0
	case TaskStateStarted:
		return 1
	case TaskStateSuccess, TaskStateFailure:
		return 2
	}
	return -1
}

// Advances reports whether moving from s to next is a forward transition.
// The queue can momentarily report an earlier state (a retried task drops
// back to its pending set); such regressions must never reach the record.
func (s TaskState) Advances(next TaskState) bool {
	return next.rank() > s.rank()
}
