package ehci

import "github.com/ehci-go/ehci/internal/bits"

// initAsyncList allocates the dummy async head: H bit set, self-referential
// horizontal pointer, both current/next/alt left INVALID (spec.md §4.10
// step 4). Caller owns the driver during bring-up; no lock is held yet.
func (d *Driver) initAsyncList() error {
	qh, err := d.allocQH()
	if err != nil {
		return err
	}

	qh.head = true
	qh.prev = qh
	qh.next = qh

	hw := qh.read()
	hw.Horizontal = linkPointer(qh)
	bits.Set(&hw.Info0, info0Head)
	qh.write(hw)

	d.platform.Barrier()

	d.asyncHead = qh
	return nil
}

// linkAsync inserts qh immediately after the dummy head, per spec.md §4.4.
// Caller must hold d.asyncMu.
func (d *Driver) linkAsync(qh *queueHead) {
	head := d.asyncHead

	qh.next = head.next
	qh.prev = head
	head.next.prev = qh
	head.next = qh

	hw := qh.read()
	hw.Horizontal = head.read().Horizontal
	qh.write(hw)

	d.platform.Barrier()

	headHW := head.read()
	headHW.Horizontal = linkPointer(qh)
	head.write(headHW)

	d.platform.Barrier()
}

// unlinkAsync removes qh from the async ring per spec.md §4.4's stop/rewrite
// /restart protocol. Caller must hold d.asyncMu.
func (d *Driver) unlinkAsync(qh *queueHead) {
	d.regs.stopAsync()

	prev := qh.prev
	prevHW := prev.read()
	prevHW.Horizontal = qh.read().Horizontal
	prev.write(prevHW)

	d.platform.Barrier()

	d.regs.startAsync()

	prev.next = qh.next
	qh.next.prev = prev
	qh.prev = nil
	qh.next = nil
}
