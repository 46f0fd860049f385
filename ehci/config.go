package ehci

import (
	"time"

	"github.com/ehci-go/ehci/internal/dma"
)

// Config carries the build-time knobs from spec.md §6.
type Config struct {
	// PeriodicSize is the frame list size: 128 (embedded target) or 1024.
	PeriodicSize int

	// WorkerPriority is the scheduling priority knob for the bottom-half
	// worker task (EHCI_PRIO). The driver core does not read it: the worker
	// runs as an ordinary goroutine.
	WorkerPriority int

	// MaxQTDPool / MaxQHPool bound the descriptor pools (EHCI_MAX_QTD_POOL,
	// EHCI_MAX_QH_POOL). Zero means unbounded.
	MaxQTDPool int
	MaxQHPool  int

	// QHBuffers is the number of buffer-pointer slots per qTD/QH (5,
	// EHCI_QH_NBUFS).
	QHBuffers int

	// PageSize is the DMA page size used for qTD buffer-page splitting
	// (4096, EHCI_PAGE_SIZE).
	PageSize int

	// TransErrorRetries is the qTD error-retry count written into the
	// error-counter field on allocation (EHCI_TRANS_ERRORS).
	TransErrorRetries int

	// EmbeddedRegisterLayout selects the embedded (i.MX-style) register
	// variant (EHCI_IMX): when set, Init programs USBMODE for host mode.
	// The capability->operational offset comes from
	// Platform.FixedOpBaseOffset, and USBCMD's frame-list-size field is set
	// whenever PeriodicSize is 128, independently of this flag.
	EmbeddedRegisterLayout bool
}

// DefaultConfig returns the spec's default build-time configuration: a
// 1024-entry periodic list and standard pool caps.
func DefaultConfig() Config {
	return Config{
		PeriodicSize:           1024,
		WorkerPriority:         0,
		MaxQTDPool:             32,
		MaxQHPool:              16,
		QHBuffers:              5,
		PageSize:               4096,
		TransErrorRetries:      3,
		EmbeddedRegisterLayout: false,
	}
}

func (c Config) validate() error {
	if c.PeriodicSize != 128 && c.PeriodicSize != 1024 {
		return ErrInvalidConfig
	}
	if c.QHBuffers <= 0 {
		return ErrInvalidConfig
	}
	if c.PageSize <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Platform supplies the hardware/OS services the core schedule manager
// needs but does not implement itself: PHY bring-up, interrupt attachment,
// memory barriers and injectable time, per SPEC_FULL.md §4.11.
type Platform interface {
	// CapBase returns the EHCI capability register base address.
	CapBase() dma.Addr

	// DMARegion returns the DMA-coherent memory region this controller
	// instance allocates descriptor blocks and transfer bounce buffers
	// from.
	DMARegion() *dma.Region

	// FixedOpBaseOffset returns the fixed capability->operational register
	// offset for platforms whose register enum hard-codes it, or -1 to
	// have the driver read it from CAPLENGTH instead.
	FixedOpBaseOffset() int

	// InitPHY brings up the USB PHY ahead of controller reset.
	InitPHY() error

	// AttachIRQ attaches isr to interrupt line id. isr is invoked from an
	// interrupt context equivalent and must only do ISR top-half work.
	AttachIRQ(id int, isr func()) error

	// EnableIRQLine unmasks interrupt line id at the interrupt controller.
	EnableIRQLine(id int)

	// Barrier issues a full data memory barrier.
	Barrier()

	// Sleep blocks the calling goroutine for d. Bring-up's 50ms port
	// settling wait goes through this, so tests can use a zero-delay
	// Platform.
	Sleep(d time.Duration)
}
