package ehci

import (
	"github.com/ehci-go/ehci/internal/bits"
	"github.com/ehci-go/ehci/internal/dma"
	"github.com/ehci-go/ehci/usb"
)

// reap drains every in-flight transfer whose qTD ring has reached a
// terminal state, per spec.md §4.7. Called from the worker's bottom half
// on UI/UEI.
func (d *Driver) reap() {
	d.transferMu.Lock()
	defer d.transferMu.Unlock()
	d.reapLocked()
}

// reapLocked is the reaper body; callers (reap, cancelTransfer,
// destroyPipe) must already hold d.transferMu.
func (d *Driver) reapLocked() {
	keep := d.inflightList[:0]
	for _, inf := range d.inflightList {
		if !d.reapOne(inf) {
			keep = append(keep, inf)
		}
	}
	d.inflightList = keep
}

// reapOne classifies one in-flight transfer's qTD ring and, if it has
// terminated, re-homes its QH cursor, returns its qTDs to the pool, and
// invokes its completion callback. Reports whether the transfer was
// reaped (and should be dropped from the in-flight list).
func (d *Driver) reapOne(inf *inflight) bool {
	errCount := 0
	for q := inf.head; q != nil; q = q.next {
		hw := q.read()
		if bits.GetN(&hw.Token, 0, tokenErrorOrHaltedMask) != 0 {
			errCount++
		}
	}

	lastHW := inf.last.read()
	active := bits.Get(&lastHW.Token, tokenActive)
	halted := bits.Get(&lastHW.Token, tokenHalted)

	if errCount == 0 && active && !halted {
		return false
	}

	remaining := bits.GetN(&lastHW.Token, tokenBytesPos, tokenBytesMask)
	bytes := inf.size - int(remaining)

	status := bytes
	if errCount > 0 {
		status = -errCount
	}

	d.asyncMu.Lock()
	d.rehomeQH(inf.qh, inf.last)
	d.returnRing(inf.head)
	d.asyncMu.Unlock()

	d.drainBounce(inf, bytes)

	if inf.transfer.Finished != nil {
		inf.transfer.Finished(inf.transfer, status)
	}

	return true
}

// drainBounce copies n bytes of completed data back out of an in-flight
// transfer's bounce buffer into the caller-visible transfer.Buffer, then
// releases the bounce buffer.
func (d *Driver) drainBounce(inf *inflight, n int) {
	if inf.bounceSize == 0 {
		return
	}

	if n > 0 {
		if n > len(inf.transfer.Buffer) {
			n = len(inf.transfer.Buffer)
		}
		dma.Read(inf.bounceAddr, inf.dataOffset, inf.transfer.Buffer[:n])
	}

	d.dmaRegion.Free(inf.bounceAddr)
}

// rehomeQH implements spec.md §4.7's three QH-cursor repair rules. Caller
// must hold d.asyncMu.
func (d *Driver) rehomeQH(qh *queueHead, last *qtd) {
	if qh.lastQtd == last {
		qh.lastQtd = nil
		hw := qh.read()
		hw.Next = uint32(dma.Invalid)
		qh.write(hw)
	} else {
		hw := qh.read()
		if hw.Current == uint32(last.addr) && hw.Next == uint32(dma.Invalid) {
			hw.Next = uint32(last.origNext)
			qh.write(hw)
		}
	}

	hw := qh.read()
	if bits.GetN(&hw.Token, 0, tokenErrorOrHaltedMask) != 0 {
		hw.Next = uint32(last.origNext)
		hw.Token &^= tokenErrorOrHaltedMask
		qh.write(hw)
	}
}

// returnRing frees every qTD in a finished ring back to the pool. Caller
// must hold d.asyncMu.
func (d *Driver) returnRing(head *qtd) {
	for q := head; q != nil; {
		next := q.next
		d.freeQTD(q)
		q = next
	}
}

// deactivateRing clears the active bit on every qTD in a ring, the
// cooperative-cancellation mechanism of spec.md §4.8/§4.9.
func (d *Driver) deactivateRing(head *qtd) {
	for q := head; q != nil; q = q.next {
		hw := q.read()
		bits.Clear(&hw.Token, tokenActive)
		q.write(hw)
	}
	d.platform.Barrier()
}

// cancelTransfer implements spec.md §4.8: deactivate t's ring and re-run
// the reaper so it surfaces with its current-progress byte count. The QH
// itself is left linked.
func (d *Driver) cancelTransfer(t *usb.Transfer) {
	d.transferMu.Lock()
	defer d.transferMu.Unlock()

	for _, inf := range d.inflightList {
		if inf.transfer == t {
			d.deactivateRing(inf.head)
			break
		}
	}

	d.reapLocked()
}

// destroyPipe implements spec.md §4.9: unlink the pipe's QH from whichever
// schedule holds it, surface every transfer still in flight on it with
// cancelled status, and release the QH to the pool.
func (d *Driver) destroyPipe(pipe *usb.Pipe) {
	qh, ok := pipe.HCDPriv.(*queueHead)
	if !ok || qh == nil {
		return
	}

	if qh.period > 0 {
		d.periodicMu.Lock()
		d.unlinkPeriodic(qh)
		d.periodicMu.Unlock()
	} else {
		d.asyncMu.Lock()
		d.unlinkAsync(qh)
		d.asyncMu.Unlock()
	}

	d.transferMu.Lock()
	for _, inf := range d.inflightList {
		if inf.qh == qh {
			d.deactivateRing(inf.head)
		}
	}
	d.reapLocked()
	d.transferMu.Unlock()

	d.asyncMu.Lock()
	d.freeQH(qh)
	d.asyncMu.Unlock()

	pipe.HCDPriv = nil
}
