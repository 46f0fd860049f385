package ehci

import (
	"testing"

	"github.com/ehci-go/ehci/internal/bits"
	"github.com/ehci-go/ehci/usb"
)

// newTerminalQTD builds a single, unlinked qTD with its byte-count and
// active bit set directly, for exercising the reaper without a full
// transfer submission.
func newTerminalQTD(t *testing.T, d *Driver, remainingBytes int, active bool) *qtd {
	t.Helper()

	q, err := d.allocQTD(PIDIn, 0)
	if err != nil {
		t.Fatalf("allocQTD: %v", err)
	}
	d.linkQTD(q, nil)

	hw := q.read()
	bits.SetN(&hw.Token, tokenBytesPos, tokenBytesMask, uint32(remainingBytes))
	bits.SetTo(&hw.Token, tokenActive, active)
	q.write(hw)

	return q
}

func TestReapOneStillActiveIsNotReaped(t *testing.T) {
	d, _ := newBareDriver(t, testConfig())

	qh, _ := d.allocQH()
	q := newTerminalQTD(t, d, 0, true)
	qh.lastQtd = q

	inf := &inflight{qh: qh, head: q, last: q, size: 64}

	if d.reapOne(inf) {
		t.Fatal("an active, error-free qTD ring must not be reaped")
	}
}

func TestReapOneCompletesAndInvokesCallback(t *testing.T) {
	d, _ := newBareDriver(t, testConfig())

	qh, _ := d.allocQH()
	requestSize := 64
	q := newTerminalQTD(t, d, 0, false) // fully consumed, inactive
	qh.lastQtd = q

	called := false
	gotStatus := 0
	transfer := &usb.Transfer{
		Buffer: make([]byte, requestSize),
		Size:   requestSize,
		Finished: func(tr *usb.Transfer, status int) {
			called = true
			gotStatus = status
		},
	}
	inf := &inflight{transfer: transfer, qh: qh, head: q, last: q, size: requestSize}

	if !d.reapOne(inf) {
		t.Fatal("an inactive, error-free ring must be reaped")
	}
	if !called {
		t.Fatal("Finished callback was not invoked")
	}
	if gotStatus != requestSize {
		t.Fatalf("status = %d, want %d (full byte count)", gotStatus, requestSize)
	}
	if qh.lastQtd != nil {
		t.Fatal("rehomeQH must clear qh.lastQtd once its terminal qTD is reaped")
	}
}

func TestReapOneErrorReportsNegativeStatus(t *testing.T) {
	d, _ := newBareDriver(t, testConfig())

	qh, _ := d.allocQH()
	q := newTerminalQTD(t, d, 64, false)
	hw := q.read()
	bits.Set(&hw.Token, tokenXactErr)
	q.write(hw)
	qh.lastQtd = q

	gotStatus := 1
	transfer := &usb.Transfer{
		Buffer: make([]byte, 64),
		Size:   64,
		Finished: func(tr *usb.Transfer, status int) {
			gotStatus = status
		},
	}
	inf := &inflight{transfer: transfer, qh: qh, head: q, last: q, size: 64}

	if !d.reapOne(inf) {
		t.Fatal("an errored ring must be reaped")
	}
	if gotStatus >= 0 {
		t.Fatalf("status = %d, want a negative error count", gotStatus)
	}
}

func TestDrainBounceCopiesCompletedBytes(t *testing.T) {
	d, _ := newBareDriver(t, testConfig())

	payload := []byte("hello, ehci")
	addr := d.dmaRegion.Alloc(payload, 0)

	transfer := &usb.Transfer{Buffer: make([]byte, len(payload)), Size: len(payload)}
	inf := &inflight{transfer: transfer, bounceAddr: addr, bounceSize: len(payload), dataOffset: 0}

	d.drainBounce(inf, len(payload))

	if string(transfer.Buffer) != string(payload) {
		t.Fatalf("drainBounce copied %q, want %q", transfer.Buffer, payload)
	}
}

func TestCancelTransferReclaimsOnDeactivate(t *testing.T) {
	d, _ := newBareDriver(t, testConfig())

	qh, _ := d.allocQH()
	q := newTerminalQTD(t, d, 0, true)
	qh.lastQtd = q

	transfer := &usb.Transfer{Buffer: make([]byte, 8), Size: 8}
	inf := &inflight{transfer: transfer, qh: qh, head: q, last: q, size: 8}
	d.inflightList = append(d.inflightList, inf)

	d.cancelTransfer(transfer)

	if len(d.inflightList) != 0 {
		t.Fatal("cancelTransfer's reap pass must reclaim the now-inactive transfer")
	}
}

func TestDestroyPipePeriodic(t *testing.T) {
	d, _ := newBareDriver(t, testConfig())

	dev := &usb.Device{Address: 1, Speed: usb.HighSpeed}
	pipe := &usb.Pipe{Device: dev, Endpoint: 1, Type: usb.Interrupt, MaxPacketSize: 8, Interval: 1}

	qh, err := d.pipeQH(pipe)
	if err != nil {
		t.Fatalf("pipeQH: %v", err)
	}

	d.destroyPipe(pipe)

	if pipe.HCDPriv != nil {
		t.Fatal("destroyPipe must clear pipe.HCDPriv")
	}
	for i, owner := range d.frameOwner {
		if owner == qh {
			t.Fatalf("frameOwner[%d] still references the destroyed QH", i)
		}
	}
}
