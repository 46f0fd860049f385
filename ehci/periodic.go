package ehci

import (
	"encoding/binary"

	"github.com/ehci-go/ehci/internal/bits"
	"github.com/ehci-go/ehci/internal/dma"
	"github.com/ehci-go/ehci/usb"
)

// initPeriodicList allocates the frame list aligned to its own byte size and
// the parallel owner array, every slot starting INVALID (spec.md §4.10
// steps 1 and 5).
func (d *Driver) initPeriodicList() error {
	n := d.config.PeriodicSize
	size := n * 4

	addr, err := d.newFrameListBlock(size)
	if err != nil {
		return err
	}

	d.frameAddr = addr
	d.frameOwner = make([]*queueHead, n)

	buf := make([]byte, size)
	invalid := uint32(dma.Invalid)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[4*i:], invalid)
	}
	dma.Write(addr, 0, buf)

	return nil
}

func (d *Driver) newFrameListBlock(size int) (addr dma.Addr, err error) {
	defer func() {
		if recover() != nil {
			addr, err = 0, ErrOutOfMemory
		}
	}()

	addr = d.dmaRegion.Alloc(make([]byte, size), size)
	return addr, nil
}

func (d *Driver) frameSlotAddr(i int) dma.Addr { return d.frameAddr + dma.Addr(4*i) }

func (d *Driver) readFrameSlot(i int) uint32 {
	buf := make([]byte, 4)
	dma.Read(d.frameAddr, 4*i, buf)
	return binary.LittleEndian.Uint32(buf)
}

func (d *Driver) writeFrameSlot(i int, val uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, val)
	dma.Write(d.frameAddr, 4*i, buf)
}

// countChain counts the QHs rooted at phase's head-of-slot chain.
func (d *Driver) countChain(phase int) int {
	n := 0
	for qh := d.frameOwner[phase]; qh != nil; qh = qh.next {
		n++
	}
	return n
}

// uframeLoad counts, for each microframe, how many QHs in phase's chain
// schedule themselves into it (by S-mask bit).
func (d *Driver) uframeLoad(phase int) [8]int {
	var load [8]int
	for qh := d.frameOwner[phase]; qh != nil; qh = qh.next {
		hw := qh.read()
		smask := bits.GetN(&hw.Info1, info1SMaskPos, info1SMaskMask)
		for u := 0; u < 8; u++ {
			if smask&(1<<uint(u)) != 0 {
				load[u]++
			}
		}
	}
	return load
}

// chooseBand implements the band-allocation algorithm of spec.md §4.5:
// pick the least-loaded phase in [0, min(period,N)), and for high-speed
// period>1 QHs the least-loaded microframe within that phase. Caller must
// hold d.periodicMu.
func (d *Driver) chooseBand(speed usb.Speed, period int) (phase, uframe int) {
	n := len(d.frameOwner)
	limit := period
	if limit > n {
		limit = n
	}

	bestCount := -1
	for p := 0; p < limit; p++ {
		c := d.countChain(p)
		if bestCount == -1 || c < bestCount {
			bestCount = c
			phase = p
		}
	}

	if speed != usb.HighSpeed || period <= 1 {
		return phase, 0
	}

	load := d.uframeLoad(phase)
	uframe = 0
	for u := 1; u < 8; u++ {
		if load[u] < load[uframe] {
			uframe = u
		}
	}
	return phase, uframe
}

// linkPeriodic links qh into the periodic schedule at phase, per spec.md
// §4.5's descending-period insertion rule. Caller must hold d.periodicMu
// and have already set qh.period/phase/uframe and configured its S/C-mask.
func (d *Driver) linkPeriodic(qh *queueHead) {
	phase := qh.phase
	head := d.frameOwner[phase]

	if head == nil || head.period < qh.period {
		qh.next = head
		qh.prev = nil
		if head != nil {
			head.prev = qh
		}

		hw := qh.read()
		hw.Horizontal = linkPointer(qh.next)
		qh.write(hw)

		d.platform.Barrier()

		n := len(d.frameOwner)
		for i := phase; i < n; i += qh.period {
			d.writeFrameSlot(i, linkPointer(qh))
			d.frameOwner[i] = qh
		}

		d.platform.Barrier()
		return
	}

	prev := head
	for prev.next != nil && prev.next.period >= qh.period {
		prev = prev.next
	}

	qh.next = prev.next
	qh.prev = prev
	if prev.next != nil {
		prev.next.prev = qh
	}
	prev.next = qh

	hw := qh.read()
	hw.Horizontal = linkPointer(qh.next)
	qh.write(hw)

	d.platform.Barrier()

	prevHW := prev.read()
	prevHW.Horizontal = linkPointer(qh)
	prev.write(prevHW)

	d.platform.Barrier()
}

// unlinkPeriodic removes qh from the periodic schedule, per spec.md §4.5.
// Caller must hold d.periodicMu.
func (d *Driver) unlinkPeriodic(qh *queueHead) {
	succ := qh.next

	n := len(d.frameOwner)
	for i := 0; i < n; i++ {
		if d.frameOwner[i] == qh {
			d.writeFrameSlot(i, linkPointer(succ))
			d.frameOwner[i] = succ
		}
	}

	if qh.prev != nil {
		prevHW := qh.prev.read()
		prevHW.Horizontal = linkPointer(succ)
		qh.prev.write(prevHW)
	}
	if succ != nil {
		succ.prev = qh.prev
	}

	d.platform.Barrier()

	qh.prev = nil
	qh.next = nil
}
