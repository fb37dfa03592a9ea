package allocator

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSpace indicates that no eligible host can hold the request. It is an expected outcome that callers
	// retry later or surface as a quota message.
	ErrNoSpace = errors.New("no space left on any eligible host")

	// ErrCapacityExceeded indicates that a commit would have pushed a host, slice, or storage device past its
	// capacity. The snapshot the allocation was scored against was stale.
	ErrCapacityExceeded = errors.New("commit would exceed capacity")

	// ErrConcurrentGpuAllocation indicates that another transaction claimed one of the selected GPU functions first.
	ErrConcurrentGpuAllocation = errors.New("concurrent GPU allocation")

	ErrFailedToAllocateCpus = errors.New("failed to allocate cpus")
	ErrNoActivatedBootImage = errors.New("no activated boot image")
	ErrNoIPv4Available      = errors.New("no IPv4 address available on host")

	// ErrInvalidUsage is returned when a sub-allocation is constructed with more capacity in use than exists.
	ErrInvalidUsage = errors.New("used capacity exceeds total capacity")

	ErrHostNotFound = errors.New("host not found")
	ErrVmNotFound   = errors.New("vm not found")
)

// NoSpaceError is returned by Allocate when no valid placement exists. errors.Is(err, ErrNoSpace) holds.
type NoSpaceError struct {
	// Subject identifies what could not be placed, usually a VM id.
	Subject string
}

func (err *NoSpaceError) Error() string {
	return fmt.Sprintf("%v for %s", ErrNoSpace, err.Subject)
}

func (err *NoSpaceError) Is(target error) bool {
	return target == ErrNoSpace
}

// CommitError wraps the reason a placement transaction was rolled back.
type CommitError struct {
	Reason error
	HostID string
}

func NewCommitError(reason error, hostId string) *CommitError {
	return &CommitError{
		Reason: reason,
		HostID: hostId,
	}
}

func (err *CommitError) Error() string {
	return fmt.Sprintf("failed to commit allocation on host %s: %v", err.HostID, err.Reason)
}

func (err *CommitError) Unwrap() error {
	return err.Reason
}

func (err *CommitError) String() string {
	return err.Error()
}
