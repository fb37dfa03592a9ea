package strand

import (
	"errors"
)

var (
	ErrInvalidStack   = errors.New("invalid strand stack")
	ErrUnknownProgram = errors.New("unknown strand program")
	ErrUnknownLabel   = errors.New("unknown strand label")
	ErrStrandNotFound = errors.New("strand not found")

	// ErrLeaseLost is returned when a strand's state could not be persisted because its lease expired and
	// another worker may have taken it over. The step's effects on the strand are discarded.
	ErrLeaseLost = errors.New("strand lease lost")
)
