// Package ehci implements the schedule-manager core of an EHCI USB 2.0
// host-controller driver: descriptor pools, queue-head and
// queue-transfer-descriptor construction, linking into the asynchronous and
// periodic schedules, the interrupt-driven completion reaper, and the
// concurrency discipline between the interrupt handler, a worker task, and
// the submit/cancel entry points called from client goroutines.
//
// Roothub emulation, PHY bring-up and the generic USB transfer/pipe types
// are external collaborators, consumed through the usb and Platform
// interfaces rather than implemented here.
package ehci

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ehci-go/ehci/internal/dma"
	"github.com/ehci-go/ehci/internal/reg"
	"github.com/ehci-go/ehci/usb"
)

// portSettleDelay is the post-configflag settling wait, spec.md §4.10.
const portSettleDelay = 50 * time.Millisecond

// inflight tracks one submitted transfer while it is reachable from the
// driver's in-flight list, per spec.md §3.
type inflight struct {
	transfer *usb.Transfer
	pipe     *usb.Pipe
	qh       *queueHead
	head     *qtd // first qTD of the ring
	last     *qtd // last qTD of the ring (IOC)
	size     int  // total requested byte count

	// bounce buffer backing the ring's buffer pointers: transfer.Buffer is
	// ordinary Go memory and is not necessarily DMA-addressable, so
	// submission copies it into a driver-owned DMA block (mirroring the
	// teacher's own dma.Alloc/dma.Read bounce-buffer pattern) and the
	// reaper copies completed data back out of it.
	bounceAddr dma.Addr
	bounceSize int
	dataOffset int // offset of the data phase within the bounce block
}

// Driver holds the per-controller state described in spec.md §3. One Driver
// is created per EHCI controller instance and registered with the generic
// USB stack via usb.Register.
type Driver struct {
	platform Platform
	config   Config
	roothub  usb.RoothubOps

	regs registers

	dmaRegion *dma.Region

	// periodic frame list: a DMA-backed array of hardware pointer slots
	// (read/written via frameSlotAddr/readFrameSlot/writeFrameSlot) and the
	// parallel owner array, kept in lockstep (spec.md §3 invariant).
	frameOwner []*queueHead
	frameAddr  dma.Addr

	asyncHead *queueHead

	qtdPool *pool[qtd]
	qhPool  *pool[queueHead]

	// qtdSem/qhSem admit allocation bursts ahead of the pools' hard cap
	// check: every allocQTD/allocQH acquires one unit, released on the
	// matching freeQTD/freeQH or destroyQTD/destroyQH. nil when the
	// corresponding pool cap is 0 (unbounded).
	qtdSem *semaphore.Weighted
	qhSem  *semaphore.Weighted

	// locks, named exactly as spec.md §5 assigns them.
	asyncMu    sync.Mutex
	periodicMu sync.Mutex
	irqMu      sync.Mutex
	transferMu sync.Mutex

	irqCond *sync.Cond
	status  uint32 // accumulated, unconsumed USBSTS interrupt bits

	inflightList []*inflight

	halted bool

	workerGroup  *errgroup.Group
	workerCancel context.CancelFunc
}

// New constructs a Driver for one controller instance. Init must be called
// before the driver is usable.
func New(p Platform, cfg Config, rh usb.RoothubOps) (*Driver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	d := &Driver{
		platform:  p,
		config:    cfg,
		roothub:   rh,
		dmaRegion: p.DMARegion(),
	}
	d.irqCond = sync.NewCond(&d.irqMu)

	// descriptor.go's qtdHW/qhHW read/write, and periodic.go's frame-slot
	// accessors, go through the package-level dma.Read/Write/Invalid
	// helpers (mirroring the teacher's own global dma.Alloc/dma.Read
	// usage), so this controller's region must be installed as the
	// package-level default.
	dma.SetDefault(d.dmaRegion)

	d.qtdPool = newPool(cfg.MaxQTDPool, d.destroyQTD)
	d.qhPool = newPool(cfg.MaxQHPool, d.destroyQH)

	if cfg.MaxQTDPool > 0 {
		d.qtdSem = semaphore.NewWeighted(int64(cfg.MaxQTDPool))
	}
	if cfg.MaxQHPool > 0 {
		d.qhSem = semaphore.NewWeighted(int64(cfg.MaxQHPool))
	}

	return d, nil
}

// Init brings the controller up, per spec.md §4.10. Steps run in the order
// the spec lists them.
func (d *Driver) Init() error {
	// 1. allocate the periodic list aligned to its size, and the owner array.
	if err := d.initPeriodicList(); err != nil {
		return err
	}

	// 2. initialise PHY.
	if err := d.platform.InitPHY(); err != nil {
		return fmt.Errorf("ehci: PHY init: %w", err)
	}

	// 3. sync primitives already created in New.

	// 4. allocate the dummy async head with H set and a self-referential
	// horizontal pointer.
	if err := d.initAsyncList(); err != nil {
		return err
	}

	// 5. every periodic slot already initialised to INVALID by
	// initPeriodicList.

	// 6. verify controller base alignment and compute the operational base.
	regs, err := resolveRegisters(d.platform.CapBase(), d.platform.FixedOpBaseOffset())
	if err != nil {
		return err
	}
	d.regs = regs

	// 7. attach the IRQ and start the worker.
	if err := d.platform.AttachIRQ(irqID, d.isr); err != nil {
		return fmt.Errorf("ehci: attach IRQ: %w", err)
	}
	d.startWorker()

	// 8. halt and reset the controller.
	d.regs.halt(d.platform.Sleep)

	// 9. set host mode on platforms where register-level host/device
	// selection exists.
	if d.config.EmbeddedRegisterLayout {
		setHostMode(d.regs.usbMode())
	}

	// 10. configure the periodic list base register, and enable the
	// interrupt sources the ISR top-half handles.
	regWrite(d.regs.periodicBase(), uint32(d.frameAddr))
	regWrite(d.regs.intr(), interruptBits)

	// 11. set USBCMD bits: enable periodic schedule, frame-list size for
	// 128-entry variants, and run.
	d.configureUSBCmd()

	// 12. claim all ports via the config-flag register.
	regWrite(d.regs.configFlag(), 1)

	// 13. wait 50ms for settling.
	d.platform.Sleep(portSettleDelay)

	// 14. start the async schedule.
	d.regs.startAsync()

	d.platform.EnableIRQLine(irqID)

	return nil
}

// configureUSBCmd sets the USBCMD bits bring-up needs: periodic schedule
// enable, frame-list size (only meaningful for the 128-entry variant), and
// run.
func (d *Driver) configureUSBCmd() {
	reg.Set(d.regs.cmd(), usbcmdPSE)

	if d.config.PeriodicSize == 128 {
		reg.SetN(d.regs.cmd(), usbcmdFrameListSizeLo, usbcmdFrameListSizeMask, usbcmdFrameListSize128)
	}

	d.platform.Barrier()
	reg.Set(d.regs.cmd(), usbcmdRS)
}

// irqID is the interrupt line the controller's single IRQ is attached to.
// A real platform package would make this part of Platform; it is fixed
// here since the core only ever attaches one line per controller.
const irqID = 0

// Close tears the controller down: stops the bottom-half worker and
// destroys every pooled descriptor. It is not part of the usb.HCDOps
// contract (the generic stack has no per-controller teardown hook in
// scope here); callers that own a Driver directly call it when retiring a
// controller instance.
func (d *Driver) Close() {
	d.stopWorker()

	d.asyncMu.Lock()
	d.qtdPool.drain()
	d.qhPool.drain()
	d.asyncMu.Unlock()
}
