package resolver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingDependency  = errors.New("missing dependency")
	ErrSelfDependency     = errors.New("self dependency")
	ErrCircularDependency = errors.New("circular dependency")
	ErrDuplicateMission   = errors.New("duplicate mission id")
)

type DependencyKind string

const (
	KindMissing   DependencyKind = "missing"
	KindSelf      DependencyKind = "self"
	KindDuplicate DependencyKind = "duplicate"
)

// DependencyError reports a malformed dependency declaration. It is a
// validation failure and never a cycle.
type DependencyError struct {
	Kind         DependencyKind
	MissionID    string
	DependencyID string
}

func (e *DependencyError) Error() string {
	switch e.Kind {
	case KindSelf:
		return fmt.Sprintf("mission %s depends on itself", e.MissionID)
	case KindDuplicate:
		return fmt.Sprintf("mission id %s declared more than once", e.MissionID)
	default:
		return fmt.Sprintf("dependency %s referenced by %s not declared", e.DependencyID, e.MissionID)
	}
}

func (e *DependencyError) Is(target error) bool {
	switch e.Kind {
	case KindSelf:
		return target == ErrSelfDependency
	case KindDuplicate:
		return target == ErrDuplicateMission
	default:
		return target == ErrMissingDependency
	}
}

type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "circular dependency detected"
	}
	return "circular dependency detected: " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCircularDependency
}
