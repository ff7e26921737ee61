package service

import (
	"maps"
	"slices"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/store"
)

func sortedKeys[T any](m map[int64]T) []int64 {
	return slices.Sorted(maps.Keys(m))
}

func appendUnique(ids []int64, id int64) []int64 {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

func scopeLabel(scope domain.Scope) string {
	switch {
	case scope.Everything():
		return "everything"
	case len(scope.DeliveryBoardIDs) > 0:
		return "delivery_boards"
	default:
		return "producers"
	}
}

// inScope reports whether a producer belongs to a producer-scoped transition.
func inScope(scope domain.Scope, producerID int64) bool {
	return store.Contains(scope.ProducerIDs, producerID)
}
