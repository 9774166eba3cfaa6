package store

import "github.com/nikolasgian10/cidades-sub000/internal/models"

const (
	ActionCallNext = "call_next"
	ActionFinish   = "finish"
	ActionConfirm  = "confirm"
	ActionRecall   = "recall"
)

var transitionMap = map[string][]string{
	ActionCallNext: {models.StatusWaiting},
	ActionFinish:   {models.StatusInService},
	ActionConfirm:  {models.StatusPendingConfirmation},
	ActionRecall:   {models.StatusFinished},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
