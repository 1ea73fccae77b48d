package models

// statusRank orders the forward-only lifecycle. Terminal states share the top rank.
var statusRank = map[string]int{
	StatusCreated:   0,
	StatusQueued:    1,
	StatusRunning:   2,
	StatusSucceeded: 3,
	StatusFailed:    3,
	StatusCancelled: 3,
}

// IsTerminal reports whether no further transition is possible from status.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from one status to another.
// Transitions only move forward; cancel is allowed from any non-terminal state.
func CanTransition(from, to string) bool {
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok || IsTerminal(from) {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	return toRank > fromRank
}

// TransitionSources lists the statuses a job may be in to move to the given status.
func TransitionSources(to string) []string {
	out := make([]string, 0, len(statusRank))
	for _, from := range []string{StatusCreated, StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
