package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/store"
)

var (
	ErrForbidden = errors.New("admin role required")
	// ErrSettlementPrerequisites is returned when a cycle cannot be settled
	// because the deployment lacks the bank latest total or the cooperative's
	// own producer and customer.
	ErrSettlementPrerequisites = errors.New("settlement prerequisites missing")
	ErrLockNotObtained         = fmt.Errorf("%w: latest total is being settled", store.ErrConflict)
)

// TransitionError reports a cycle whose status is not one the operation
// starts from.
type TransitionError struct {
	CycleID int64
	Current domain.Status
	Allowed []domain.Status
	Target  domain.Status
}

func (e *TransitionError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, status := range e.Allowed {
		allowed = append(allowed, status.String())
	}
	return fmt.Sprintf("cycle %d is %s, expected one of [%s] to reach %s",
		e.CycleID, e.Current, strings.Join(allowed, ", "), e.Target)
}

func (e *TransitionError) Is(target error) bool {
	return target == store.ErrConflict
}

// ValidationError maps request fields to the rule they broke.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+e.Fields[key])
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == store.ErrInvalidInput
}

func invalidField(field string, rule string) error {
	return &ValidationError{Fields: map[string]string{field: rule}}
}

func missingPrerequisites(names ...string) error {
	return fmt.Errorf("%w: %s", ErrSettlementPrerequisites, strings.Join(names, ", "))
}
