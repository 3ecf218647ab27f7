package matcher

import "github.com/example/ride-dispatch/internal/models"

var transitions = map[models.RideStatus]map[models.RideStatus]struct{}{
	models.StatusRequested:  {models.StatusAccepted: {}, models.StatusCancelled: {}},
	models.StatusAccepted:   {models.StatusInProgress: {}, models.StatusCancelled: {}},
	models.StatusInProgress: {models.StatusCompleted: {}, models.StatusCancelled: {}},
	models.StatusCompleted:  {},
	models.StatusCancelled:  {},
}

// CanTransition reports whether the ride state machine allows from -> to.
func CanTransition(from, to models.RideStatus) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}
