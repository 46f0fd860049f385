package ehci

import (
	"fmt"

	"github.com/ehci-go/ehci/internal/dma"
	"github.com/ehci-go/ehci/usb"
)

// TransferEnqueue implements usb.HCDOps, per spec.md §4.6.
func (d *Driver) TransferEnqueue(transfer *usb.Transfer, pipe *usb.Pipe) error {
	d.irqMu.Lock()
	halted := d.halted
	d.irqMu.Unlock()
	if halted {
		return ErrSystemError
	}

	if d.roothub != nil && d.roothub.IsRoothub(pipe) {
		return d.roothub.Dispatch(transfer, pipe)
	}

	qh, err := d.pipeQH(pipe)
	if err != nil {
		return err
	}

	inf, err := d.buildTransfer(transfer, pipe, qh)
	if err != nil {
		return err
	}

	d.asyncMu.Lock()
	if qh.lastQtd == nil {
		hw := qh.read()
		hw.Next = uint32(inf.head.addr)
		qh.write(hw)
	} else {
		d.linkQTD(qh.lastQtd, inf.head)
	}
	qh.lastQtd = inf.last
	d.platform.Barrier()
	d.asyncMu.Unlock()

	transfer.HCDPriv = inf

	d.transferMu.Lock()
	d.inflightList = append(d.inflightList, inf)
	d.transferMu.Unlock()

	return nil
}

// TransferDequeue implements usb.HCDOps, per spec.md §4.8.
func (d *Driver) TransferDequeue(transfer *usb.Transfer) {
	d.cancelTransfer(transfer)
}

// PipeDestroy implements usb.HCDOps, per spec.md §4.9.
func (d *Driver) PipeDestroy(pipe *usb.Pipe) {
	d.destroyPipe(pipe)
}

// GetRoothubStatus implements usb.HCDOps.
func (d *Driver) GetRoothubStatus() uint32 {
	if d.roothub == nil {
		return 0
	}
	return d.roothub.Status()
}

// pipeQH returns the pipe's queue head, allocating, configuring and
// linking one on first use, per spec.md §4.6 step 2.
func (d *Driver) pipeQH(pipe *usb.Pipe) (*queueHead, error) {
	if qh, ok := pipe.HCDPriv.(*queueHead); ok && qh != nil {
		d.configureQH(qh, pipe)
		return qh, nil
	}

	d.asyncMu.Lock()
	qh, err := d.allocQH()
	d.asyncMu.Unlock()
	if err != nil {
		return nil, err
	}

	if pipe.Type == usb.Interrupt {
		d.periodicMu.Lock()
		qh.period = periodFrames(pipe.Device.Speed, pipe.Interval)
		qh.phase, qh.uframe = d.chooseBand(pipe.Device.Speed, qh.period)
		d.configureQH(qh, pipe)
		configureSMask(qh, pipe.Device.Speed, qh.uframe)
		d.linkPeriodic(qh)
		d.periodicMu.Unlock()
	} else {
		d.configureQH(qh, pipe)
		d.asyncMu.Lock()
		d.linkAsync(qh)
		d.asyncMu.Unlock()
	}

	pipe.HCDPriv = qh
	return qh, nil
}

// buildTransfer implements spec.md §4.6 steps 3-4: bounce the transfer's
// buffer into DMA memory, build its qTD ring, and link the ring together.
func (d *Driver) buildTransfer(transfer *usb.Transfer, pipe *usb.Pipe, qh *queueHead) (*inflight, error) {
	maxPacket := int(pipe.MaxPacketSize)

	setupLen := 0
	if transfer.Type == usb.Control {
		setupLen = 8
	}

	bounceSize := setupLen + transfer.Size
	var bounceAddr dma.Addr
	if bounceSize > 0 {
		buf := make([]byte, bounceSize)
		if transfer.Type == usb.Control {
			if transfer.Setup == nil {
				return nil, fmt.Errorf("%w: control transfer missing setup packet", ErrInvalidConfig)
			}
			copy(buf[:8], marshalSetup(transfer.Setup))
		}
		if transfer.Size > 0 && (transfer.Direction == usb.Out || transfer.Type == usb.Control) {
			copy(buf[setupLen:], transfer.Buffer[:transfer.Size])
		}

		addr, err := d.allocBounce(buf)
		if err != nil {
			return nil, err
		}
		bounceAddr = addr
	}

	var qtds []*qtd
	rollback := func() {
		d.asyncMu.Lock()
		for _, q := range qtds {
			d.freeQTD(q)
		}
		d.asyncMu.Unlock()
		if bounceSize > 0 {
			d.dmaRegion.Free(bounceAddr)
		}
	}

	d.asyncMu.Lock()
	appendErr := func(pid PID, addr dma.Addr, remaining *int, dt int) error {
		q, err := d.buildQTD(pid, maxPacket, addr, remaining, dt)
		if err != nil {
			return err
		}
		q.owner = qh
		qtds = append(qtds, q)
		return nil
	}

	var err error
	switch transfer.Type {
	case usb.Control:
		setupRemaining := 8
		err = appendErr(PIDSetup, bounceAddr, &setupRemaining, 0)

		if err == nil && transfer.Size > 0 {
			dataPID := PIDIn
			if transfer.Direction == usb.Out {
				dataPID = PIDOut
			}
			dt := 1
			dataRemaining := transfer.Size
			for err == nil && dataRemaining > 0 {
				before := dataRemaining
				consumedAddr := bounceAddr + dma.Addr(setupLen+(transfer.Size-before))
				err = appendErr(dataPID, consumedAddr, &dataRemaining, dt)
				dt ^= 1
			}
		}

		if err == nil {
			statusPID := PIDOut
			if transfer.Direction == usb.Out {
				statusPID = PIDIn
			}
			zero := 0
			err = appendErr(statusPID, bounceAddr, &zero, 1)
		}

	case usb.Bulk, usb.Interrupt:
		pid := PIDIn
		if transfer.Direction == usb.Out {
			pid = PIDOut
		}
		dt := 0
		remaining := transfer.Size
		for err == nil && remaining > 0 {
			before := remaining
			consumedAddr := bounceAddr + dma.Addr(transfer.Size-before)
			err = appendErr(pid, consumedAddr, &remaining, dt)
			dt ^= 1
		}

	default:
		err = fmt.Errorf("%w: unsupported transfer type %s", ErrInvalidConfig, transfer.Type)
	}
	d.asyncMu.Unlock()

	if err != nil {
		rollback()
		return nil, err
	}

	if len(qtds) == 0 {
		rollback()
		return nil, ErrNoDescriptors
	}

	d.asyncMu.Lock()
	for i := 0; i < len(qtds)-1; i++ {
		d.linkQTD(qtds[i], qtds[i+1])
		qtds[i].next = qtds[i+1]
	}
	last := qtds[len(qtds)-1]
	d.linkQTD(last, nil)
	d.setIOC(last)
	d.platform.Barrier()
	d.asyncMu.Unlock()

	return &inflight{
		transfer:   transfer,
		pipe:       pipe,
		qh:         qh,
		head:       qtds[0],
		last:       last,
		size:       transfer.Size,
		bounceAddr: bounceAddr,
		bounceSize: bounceSize,
		dataOffset: setupLen,
	}, nil
}

// allocBounce allocates a DMA-coherent block for a transfer buffer,
// translating allocator exhaustion into ErrOutOfMemory.
func (d *Driver) allocBounce(buf []byte) (addr dma.Addr, err error) {
	defer func() {
		if recover() != nil {
			addr, err = 0, ErrOutOfMemory
		}
	}()

	addr = d.dmaRegion.Alloc(buf, d.config.PageSize)
	return addr, nil
}

// marshalSetup encodes a SetupData as the 8-byte wire format of USB 2.0
// Specification Table 9-2.
func marshalSetup(s *usb.SetupData) []byte {
	buf := make([]byte, 8)
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return buf
}
