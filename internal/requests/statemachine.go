package requests

// transitions lists every permitted edge of the request lifecycle.
var transitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusCancelled, StatusExpired},
	StatusAssigned:   {StatusInProgress, StatusCancelled, StatusPending},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
