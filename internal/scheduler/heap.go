package scheduler

import "time"

type jobKind int

const (
	jobRealityCheck jobKind = iota
	jobWeeklyExercise
	jobCustomReminder
)

func (k jobKind) String() string {
	switch k {
	case jobRealityCheck:
		return "reality_check"
	case jobWeeklyExercise:
		return "weekly_exercise"
	case jobCustomReminder:
		return "custom_reminder"
	default:
		return "unknown"
	}
}

// job is one scheduled occurrence. Fixed jobs (reality checks, the weekly
// exercise) carry no user; custom reminders carry the owning user and the
// HH:MM slot they were scheduled from, so a changed setting invalidates the
// stale heap entry when popped.
type job struct {
	at     time.Time
	kind   jobKind
	slot   string
	userID int64
	seq    uint64
}

// jobHeap orders jobs by fire time, sequence number breaking ties so pops
// stay deterministic.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}
