package ehci

import (
	"github.com/ehci-go/ehci/internal/bits"
	"github.com/ehci-go/ehci/internal/dma"
)

// allocQTD pops a qTD from the free pool, or allocates a fresh DMA-coherent
// hardware block on a miss. Caller must hold d.asyncMu (spec.md §4.1).
func (d *Driver) allocQTD(pid PID, dt int) (*qtd, error) {
	q, ok := d.qtdPool.get()
	if !ok {
		addr, err := d.newQTDBlock()
		if err != nil {
			return nil, err
		}
		q = &qtd{addr: addr}
	}

	q.next = nil
	q.owner = nil
	q.origNext = dma.Invalid
	q.pid = pid
	q.dt = dt
	q.size = 0

	hw := qtdHW{
		Next:    uint32(dma.Invalid),
		AltNext: uint32(dma.Invalid),
	}
	initQTDToken(&hw.Token, pid, dt, d.config.TransErrorRetries)
	q.write(hw)

	return q, nil
}

// newQTDBlock allocates a fresh DMA-coherent hardware block for a qTD,
// admitting the allocation through qtdSem first so a burst of misses across
// client goroutines cannot run past MaxQTDPool ahead of the pool's own cap
// check. dma.Region.Alloc panics on exhaustion; that is a genuine
// out-of-memory condition here, so it is recovered and reported through the
// spec's error taxonomy (ErrOutOfMemory) instead of escaping as a panic.
func (d *Driver) newQTDBlock() (addr dma.Addr, err error) {
	if d.qtdSem != nil && !d.qtdSem.TryAcquire(1) {
		return 0, ErrOutOfMemory
	}

	defer func() {
		if recover() != nil {
			addr, err = 0, ErrOutOfMemory
			if d.qtdSem != nil {
				d.qtdSem.Release(1)
			}
		}
	}()

	addr = d.dmaRegion.Alloc(make([]byte, qtdHWSize), qtdAlign)
	return addr, nil
}

// initQTDToken sets the active bit, error-retry count and PID, per
// spec.md §4.1.
func initQTDToken(token *uint32, pid PID, dt int, retries int) {
	*token = 0
	bits.Set(token, tokenActive)
	bits.SetN(token, tokenCErrPos, tokenCErrMask, uint32(retries))
	bits.SetN(token, tokenPIDPos, tokenPIDMask, uint32(pid))
	bits.SetTo(token, tokenDT, dt != 0)
}

// freeQTD returns q to the pool, evicting the oldest pooled qTD first if
// that would exceed the cap. Caller must hold d.asyncMu.
func (d *Driver) freeQTD(q *qtd) {
	q.next = nil
	q.owner = nil
	d.qtdPool.put(q)
}

func (d *Driver) destroyQTD(q *qtd) {
	d.dmaRegion.Free(q.addr)
	if d.qtdSem != nil {
		d.qtdSem.Release(1)
	}
}

// buildQTD implements the qTD builder of spec.md §4.2: it fragments buf
// starting at *remaining bytes into one qTD of up to QHBuffers pages,
// honoring the page-boundary and short-packet rules, and decrements
// *remaining by the bytes consumed.
//
// bufAddr is the DMA address of the start of the unconsumed portion of the
// transfer buffer (buf[len(buf)-*remaining:]).
func (d *Driver) buildQTD(pid PID, maxPacketSize int, bufAddr dma.Addr, remaining *int, dt int) (*qtd, error) {
	q, err := d.allocQTD(pid, dt)
	if err != nil {
		return nil, err
	}

	pageSize := d.config.PageSize
	nbuf := d.config.QHBuffers

	hw := qtdHW{
		Next:    uint32(dma.Invalid),
		AltNext: uint32(dma.Invalid),
	}
	initQTDToken(&hw.Token, pid, dt, d.config.TransErrorRetries)

	if *remaining == 0 {
		q.size = 0
		q.write(hw)
		return q, nil
	}

	pageOffset := int(bufAddr) % pageSize
	consumed := 0
	left := *remaining

	for page := 0; page < nbuf && left > 0; page++ {
		hw.Buffer[page] = uint32(bufAddr) + uint32(consumed)

		var room int
		if page == 0 {
			room = pageSize - pageOffset
		} else {
			room = pageSize
		}

		take := left
		if take > room {
			take = room
		}

		consumed += take
		left -= take
	}

	// spec.md §4.2: if the fifth buffer would not exhaust remaining, the
	// byte count is truncated down to a whole multiple of maxPacketSize so
	// the unfinished tail never looks like a short packet.
	if left > 0 && maxPacketSize > 0 {
		consumed -= consumed % maxPacketSize
	}

	bits.SetN(&hw.Token, tokenBytesPos, tokenBytesMask, uint32(consumed))

	q.size = consumed
	q.write(hw)

	*remaining -= consumed

	return q, nil
}

// setIOC sets the interrupt-on-completion bit on the last qTD of a chain.
func (d *Driver) setIOC(q *qtd) {
	hw := q.read()
	bits.Set(&hw.Token, tokenIOC)
	q.write(hw)
}

// linkQTD writes next's address into q's next-pointer, marking the final
// qTD of a chain with the INVALID sentinel instead.
func (d *Driver) linkQTD(q *qtd, next *qtd) {
	hw := q.read()
	if next != nil {
		hw.Next = uint32(next.addr)
		q.origNext = next.addr
	} else {
		hw.Next = uint32(dma.Invalid)
		q.origNext = dma.Invalid
	}
	q.write(hw)
}
