package crawler

// IsTerminal reports whether no further transition is possible from s.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status value.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to moves forward through the state machine.
func CanTransition(from, to SessionStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusInProgress || to == StatusFailed || to == StatusCanceled
	case StatusInProgress:
		return to.IsTerminal()
	default:
		return false
	}
}

// AllowedPredecessors lists the statuses from which to may be entered.
func AllowedPredecessors(to SessionStatus) []SessionStatus {
	var out []SessionStatus
	for _, from := range []SessionStatus{StatusQueued, StatusInProgress} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
