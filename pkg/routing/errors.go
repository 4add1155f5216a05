package routing

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCity is matched by RouteErrors whose endpoint is not loaded.
	ErrUnknownCity = errors.New("routing: unknown city")
	// ErrUnreachable is matched by RouteErrors across MST components.
	ErrUnreachable = errors.New("routing: unreachable")
	// ErrNoTopology is returned before the first successful load.
	ErrNoTopology = errors.New("routing: no topology loaded")
)

// RouteErrorKind classifies a failed path lookup.
type RouteErrorKind uint8 // A

const (
	// UnknownCity means one of the endpoints is not in the topology.
	UnknownCity RouteErrorKind = iota + 1
	// Unreachable means the endpoints sit in different MST components.
	Unreachable
)

func (k RouteErrorKind) String() string { // A
	switch k {
	case UnknownCity:
		return "UnknownCity"
	case Unreachable:
		return "Unreachable"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// RouteError is returned by path lookups.
type RouteError struct { // A
	Kind RouteErrorKind
	From string
	To   string
	// City names the missing endpoint for UnknownCity.
	City string
}

func (e *RouteError) Error() string { // A
	switch e.Kind {
	case UnknownCity:
		return fmt.Sprintf("routing: city %q is not in the topology", e.City)
	case Unreachable:
		return fmt.Sprintf("routing: no MST path from %q to %q", e.From, e.To)
	default:
		return fmt.Sprintf("routing: %s (%q -> %q)", e.Kind, e.From, e.To)
	}
}

// Is maps the kind to the package sentinels.
func (e *RouteError) Is(target error) bool { // A
	switch e.Kind {
	case UnknownCity:
		return target == ErrUnknownCity
	case Unreachable:
		return target == ErrUnreachable
	}
	return false
}
