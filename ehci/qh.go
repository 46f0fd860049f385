package ehci

import (
	"github.com/ehci-go/ehci/internal/bits"
	"github.com/ehci-go/ehci/internal/dma"
	"github.com/ehci-go/ehci/usb"
)

// allocQH pops a QH from the free pool, or allocates a fresh DMA-coherent
// hardware block on a miss. The returned QH is zeroed with its
// horizontal/current/next/alt fields set to INVALID (spec.md §4.1). Caller
// must hold d.asyncMu.
func (d *Driver) allocQH() (*queueHead, error) {
	qh, ok := d.qhPool.get()
	if !ok {
		addr, err := d.newQHBlock()
		if err != nil {
			return nil, err
		}
		qh = &queueHead{addr: addr}
	}

	qh.prev = nil
	qh.next = nil
	qh.lastQtd = nil
	qh.head = false
	qh.period = 0
	qh.phase = 0
	qh.uframe = 0
	qh.configured = false
	qh.devAddr = 0
	qh.maxPacket = 0

	hw := qhHW{
		Horizontal: uint32(dma.Invalid),
		Current:    uint32(dma.Invalid),
		Next:       uint32(dma.Invalid),
		AltNext:    uint32(dma.Invalid),
	}
	qh.write(hw)

	return qh, nil
}

// newQHBlock allocates a fresh DMA-coherent hardware block for a QH,
// admitting the allocation through qhSem first (see qtd.go's newQTDBlock),
// and translating allocator exhaustion into ErrOutOfMemory (see qtd.go's
// newQTDBlock for why this recovers rather than propagating a panic).
func (d *Driver) newQHBlock() (addr dma.Addr, err error) {
	if d.qhSem != nil && !d.qhSem.TryAcquire(1) {
		return 0, ErrOutOfMemory
	}

	defer func() {
		if recover() != nil {
			addr, err = 0, ErrOutOfMemory
			if d.qhSem != nil {
				d.qhSem.Release(1)
			}
		}
	}()

	addr = d.dmaRegion.Alloc(make([]byte, qhHWSize), qhAlign)
	return addr, nil
}

// freeQH returns qh to the pool, evicting the oldest pooled QH first if
// that would exceed the cap. Caller must hold d.asyncMu.
func (d *Driver) freeQH(qh *queueHead) {
	qh.prev = nil
	qh.next = nil
	qh.lastQtd = nil
	d.qhPool.put(qh)
}

func (d *Driver) destroyQH(qh *queueHead) {
	d.dmaRegion.Free(qh.addr)
	if d.qhSem != nil {
		d.qhSem.Release(1)
	}
}

// configureQH implements spec.md §4.3. On first use it sets info0/info1
// from scratch; on reuse it rewrites only the address/maxPacketSize
// bitfields if they drifted, leaving the rest of the hardware-visible state
// (including the overlay) untouched.
func (d *Driver) configureQH(qh *queueHead, pipe *usb.Pipe) {
	dev := pipe.Device

	if qh.configured {
		if qh.devAddr == dev.Address && qh.maxPacket == pipe.MaxPacketSize {
			return
		}

		// reuse, and address or maxPacketSize drifted: rewrite only those
		// bitfields, leaving the rest of the hardware-visible state alone.
		hw := qh.read()
		bits.SetN(&hw.Info0, info0AddrPos, info0AddrMask, uint32(dev.Address))
		bits.SetN(&hw.Info0, info0MaxPacketPos, info0MaxPacketMask, uint32(pipe.MaxPacketSize))
		qh.write(hw)
		qh.devAddr = dev.Address
		qh.maxPacket = pipe.MaxPacketSize
		return
	}

	hw := qh.read()

	bits.SetN(&hw.Info0, info0AddrPos, info0AddrMask, uint32(dev.Address))
	bits.SetN(&hw.Info0, info0EndpointPos, info0EndpointMask, uint32(pipe.Endpoint))
	bits.SetN(&hw.Info0, info0SpeedPos, info0SpeedMask, uint32(dev.Speed))
	bits.SetN(&hw.Info0, info0MaxPacketPos, info0MaxPacketMask, uint32(pipe.MaxPacketSize))
	bits.SetN(&hw.Info0, info0NakReloadPos, info0NakReloadMask, nakReloadDefault)

	if pipe.Type == usb.Control {
		// DT control: take data toggle from qTD tokens rather than the QH.
		bits.Set(&hw.Info0, info0DTCtrl)

		if dev.Speed != usb.HighSpeed {
			bits.Set(&hw.Info0, info0ControlEP)
		}
	}

	if qh.head {
		bits.Set(&hw.Info0, info0Head)
	}

	qh.write(hw)

	qh.devAddr = dev.Address
	qh.maxPacket = pipe.MaxPacketSize
	qh.configured = true
}

// periodFrames derives a periodic QH's period in frames from bInterval, per
// spec.md §4.3.
func periodFrames(speed usb.Speed, bInterval uint8) int {
	if speed == usb.HighSpeed {
		if bInterval <= 1 {
			return 1
		}
		p := (1 << (bInterval - 1)) / 8
		if p < 1 {
			return 1
		}
		return p
	}

	// Full/low speed: the largest power of two strictly less than
	// bInterval, rounded up to 1 if bInterval <= 1.
	if bInterval <= 1 {
		return 1
	}

	p := 1
	for p*2 < int(bInterval) {
		p *= 2
	}
	return p
}

// configureSMask sets the periodic QH's S-mask/C-mask per spec.md §4.5
// step 2, given the chosen microframe (only meaningful for high-speed QHs
// with period > 1; ignored otherwise by the caller).
func configureSMask(qh *queueHead, speed usb.Speed, uframe int) {
	hw := qh.read()

	var smask uint32
	switch {
	case speed == usb.HighSpeed && qh.period == 1:
		smask = 0xff
	case speed == usb.HighSpeed:
		smask = 1 << uint(uframe)
	default:
		// Split-transaction S-mask computation for non-high-speed
		// periodic endpoints is out of scope (spec.md §9 Open
		// Questions); left unset.
		smask = 0
	}

	bits.SetN(&hw.Info1, info1SMaskPos, info1SMaskMask, smask)
	bits.SetN(&hw.Info1, info1CMaskPos, info1CMaskMask, standardCMask)

	qh.write(hw)
}
