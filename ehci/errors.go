package ehci

import "errors"

// Sentinel errors backing spec.md §7's error taxonomy.
var (
	// ErrOutOfMemory is returned when a descriptor or DMA block allocation
	// fails.
	ErrOutOfMemory = errors.New("ehci: out of memory")

	// ErrInvalidConfig is returned for misconfiguration detected at init or
	// enqueue time (unaligned register base, control transfer without a
	// setup packet, unsupported transfer type, bad Config). A transfer that
	// builds no qTDs reports ErrNoDescriptors instead.
	ErrInvalidConfig = errors.New("ehci: invalid configuration")

	// ErrNoDescriptors is returned when a submission would produce no
	// qTDs (e.g. a zero-length non-control transfer).
	ErrNoDescriptors = errors.New("ehci: transfer produced no descriptors")

	// ErrHalted names the Halted row of the error taxonomy. No driver path
	// returns it: the reaper counts a qTD whose token carries the Halted bit
	// as an error and reports it through the transfer's negative completion
	// status; the upper layer is responsible for endpoint reset.
	ErrHalted = errors.New("ehci: endpoint halted")

	// ErrSystemError marks a controller that has taken a USBSTS.SEI fault
	// and is no longer being serviced.
	ErrSystemError = errors.New("ehci: system error, controller halted")
)
