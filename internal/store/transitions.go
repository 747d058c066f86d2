package store

import "github.com/Jstfire/bbbb-antrean-sub000/internal/models"

const (
	ActionClaim    = "claim"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
)

type Transition struct {
	From models.Status
	To   models.Status
}

var transitionMap = map[string]Transition{
	ActionClaim:    {From: models.StatusWaiting, To: models.StatusServing},
	ActionComplete: {From: models.StatusServing, To: models.StatusCompleted},
	ActionCancel:   {From: models.StatusWaiting, To: models.StatusCanceled},
}

func TransitionFor(action string) (Transition, bool) {
	transition, ok := transitionMap[action]
	return transition, ok
}

func ValidTransition(action string, fromStatus models.Status) bool {
	transition, ok := transitionMap[action]
	if !ok {
		return false
	}
	return transition.From == fromStatus
}

// Reachable reports whether a single legal transition leads from one status to
// the other.
func Reachable(from, to models.Status) bool {
	for _, transition := range transitionMap {
		if transition.From == from && transition.To == to {
			return true
		}
	}
	return false
}
