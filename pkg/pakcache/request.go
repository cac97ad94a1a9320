package pakcache

import (
	"fmt"
	"strings"
)

// Priority orders waiting requests. Higher priorities are scheduled first;
// [PriorityPrecache] requests are speculative and yield to the memory budget.
type Priority uint8

const (
	PriorityPrecache Priority = iota
	PriorityLow
	PriorityBelowNormal
	PriorityNormal
	PriorityHigh
	PriorityCriticalPath

	numPriorities = int(PriorityCriticalPath) + 1
)

// A block fetched for a request of priority p also covers granules wanted by
// waiting requests down to p - maxPriorityMergeDistance.
const maxPriorityMergeDistance = PriorityNormal - PriorityPrecache

var priorityNames = [numPriorities]string{
	"precache", "low", "below-normal", "normal", "high", "critical",
}

func (p Priority) String() string {
	if int(p) < numPriorities {
		return priorityNames[p]
	}

	return fmt.Sprintf("priority(%d)", uint8(p))
}

// ParsePriority parses the names printed by [Priority.String].
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}

	return 0, fmt.Errorf("unknown priority %q", s)
}

type requestStatus uint8

const (
	requestWaiting requestStatus = iota
	requestInFlight
	requestComplete
	numRequestStatus

	// requestFailed requests are in no tree and hold no block references.
	requestFailed requestStatus = 0xFF
)

// inRequest is the scheduler's record of one caller request.
type inRequest struct {
	key      rangeKey
	size     uint64
	priority Priority
	status   requestStatus
	id       uint64
	owner    *Request
	err      error
	next     Idx
}

func (r *inRequest) bounds() (lo, hi uint64) {
	lo = r.key.offset()

	return lo, lo + r.size - 1
}

func (r *inRequest) nextLink() *Idx { return &r.next }
