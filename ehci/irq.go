package ehci

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/ehci-go/ehci/internal/reg"
)

// isr is the interrupt top-half (spec.md §5.1): it reads USBSTS, writes
// back only the interrupt bits (preserving FRI and every other
// non-interrupt bit), ORs the interrupt bits it read into d.status, and
// repeats while a fresh read of USBSTS still shows interrupt bits — coping
// with edge-triggered delivery where a new source can latch between the
// read and the acknowledge write. It never touches descriptor memory and never clears
// d.status itself.
func (d *Driver) isr() {
	var seen uint32

	for {
		sts := reg.Read(d.regs.sts())
		reg.Write(d.regs.sts(), sts&interruptBits)

		seen |= sts & interruptBits

		again := reg.Read(d.regs.sts())
		if again&interruptBits == 0 {
			break
		}
	}

	if seen == 0 {
		return
	}

	d.irqMu.Lock()
	d.status |= seen
	d.irqCond.Broadcast()
	d.irqMu.Unlock()
}

// startWorker launches the bottom-half worker under an errgroup.Group so
// its lifecycle (start once, stop and join once) is managed the same way
// as any other supervised goroutine in this driver, per spec.md §4.10
// step 7.
func (d *Driver) startWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	d.workerCancel = cancel
	d.workerGroup = g

	g.Go(func() error {
		d.workerLoop(ctx)
		return nil
	})
}

// stopWorker cancels the worker's context, wakes it if it is blocked on
// the IRQ condition, and waits for it to exit.
func (d *Driver) stopWorker() {
	if d.workerCancel == nil {
		return
	}

	d.workerCancel()

	d.irqMu.Lock()
	d.irqCond.Broadcast()
	d.irqMu.Unlock()

	d.workerGroup.Wait()

	d.workerCancel = nil
	d.workerGroup = nil
}

// workerLoop is the bottom half of spec.md §5.2: wait on the IRQ
// condition, classify the accumulated status, dispatch, and clear only
// the bits that were consumed.
func (d *Driver) workerLoop(ctx context.Context) {
	for {
		d.irqMu.Lock()
		for d.status == 0 && ctx.Err() == nil {
			d.irqCond.Wait()
		}
		if d.status == 0 && ctx.Err() != nil {
			d.irqMu.Unlock()
			return
		}
		status := d.status
		d.irqMu.Unlock()

		consumed := d.handleStatus(status)

		d.irqMu.Lock()
		d.status &^= consumed
		d.irqMu.Unlock()

		if ctx.Err() != nil {
			return
		}
	}
}

// handleStatus dispatches one accumulated status snapshot and reports
// which bits it consumed, per spec.md §5.2.
func (d *Driver) handleStatus(status uint32) uint32 {
	var consumed uint32

	if status&(1<<usbstsSEI) != 0 {
		d.haltOnSystemError()
		return consumed | 1<<usbstsSEI
	}

	if status&(1<<usbstsUI|1<<usbstsUEI) != 0 {
		d.reap()
		consumed |= status & (1<<usbstsUI | 1<<usbstsUEI)
	}

	if status&(1<<usbstsPCI) != 0 {
		if d.roothub != nil {
			d.roothub.NotifyPortChange()
		}
		consumed |= 1 << usbstsPCI
	}

	if status&(1<<usbstsIAA) != 0 {
		consumed |= 1 << usbstsIAA
	}

	return consumed
}

// haltOnSystemError implements spec.md §7's SystemError row: SEI is
// terminal for this controller, with no recovery in scope (§9).
func (d *Driver) haltOnSystemError() {
	d.irqMu.Lock()
	already := d.halted
	d.halted = true
	d.irqMu.Unlock()

	if already {
		return
	}

	log.Printf("ehci: system error interrupt, halting controller")
	reg.Clear(d.regs.cmd(), usbcmdRS)
}
