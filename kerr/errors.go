// Package kerr defines the error values shared by the yokote driver core.
//
// The values mirror the failure classes a kernel-mode GPU driver reports to
// user space. Callers match them with errors.Is; wrapping with fmt.Errorf
// and %w is the expected way to add context.
package kerr

import "errors"

var (
	// ErrInvalidArgument reports a malformed or out-of-bounds request
	// argument, such as a ring size that is not a power of two.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidDevice reports a device name or ordinal that does not
	// resolve to a registered device.
	ErrInvalidDevice = errors.New("invalid device")

	// ErrNotFound reports a queue or buffer handle that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrProcessNotFound reports a process lookup that failed, either
	// because the process never registered or already exited.
	ErrProcessNotFound = errors.New("process not found")

	// ErrPermission reports a cross-process request the caller is not
	// entitled to make.
	ErrPermission = errors.New("permission denied")

	// ErrFault reports an unreadable or unwritable user address.
	ErrFault = errors.New("bad address")

	// ErrTimedOut reports a hardware handshake that did not complete
	// within its deadline.
	ErrTimedOut = errors.New("timed out")

	// ErrDeviceReset reports an operation rejected because the target
	// device is in reset.
	ErrDeviceReset = errors.New("device reset in progress")

	// ErrNoMemory reports an exhausted allocator.
	ErrNoMemory = errors.New("out of memory")

	// ErrCapacity reports a result that does not fit a fixed-size
	// destination, such as a register dump larger than its buffer.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrOutOfRange reports an address interval that is not covered by
	// any mapped buffer.
	ErrOutOfRange = errors.New("address range out of bounds")

	// ErrInternal reports a broken internal invariant. Operations abort
	// immediately when they detect one.
	ErrInternal = errors.New("internal consistency error")
)
