package ehci

import (
	"testing"

	"github.com/ehci-go/ehci/usb"
)

func newControlPipe(addr uint8) (*usb.Device, *usb.Pipe) {
	dev := &usb.Device{Address: addr, Speed: usb.HighSpeed}
	pipe := &usb.Pipe{Device: dev, Endpoint: 0, Type: usb.Control, MaxPacketSize: 64}
	return dev, pipe
}

func TestTransferEnqueueControlBuildsThreePhaseRing(t *testing.T) {
	d, _ := newBareDriver(t, testConfig())
	_, pipe := newControlPipe(1)

	setup := &usb.SetupData{RequestType: 0x80, Request: 6, Value: 0x0100, Length: 8}
	transfer := &usb.Transfer{
		Type:      usb.Control,
		Direction: usb.In,
		Setup:     setup,
		Buffer:    make([]byte, 8),
		Size:      8,
	}

	if err := d.TransferEnqueue(transfer, pipe); err != nil {
		t.Fatalf("TransferEnqueue: %v", err)
	}

	inf, ok := transfer.HCDPriv.(*inflight)
	if !ok {
		t.Fatal("TransferEnqueue must stash an *inflight in transfer.HCDPriv")
	}

	n := 0
	for q := inf.head; q != nil; q = q.next {
		n++
	}
	// SETUP, one data-phase qTD (8 bytes fits in one), STATUS.
	if n != 3 {
		t.Fatalf("control transfer built %d qTDs, want 3", n)
	}

	lastHW := inf.last.read()
	if lastHW.Token&(1<<tokenIOC) == 0 {
		t.Fatal("the final qTD of the ring must carry IOC")
	}
	if len(d.inflightList) != 1 {
		t.Fatalf("in-flight list has %d entries, want 1", len(d.inflightList))
	}
}

func TestTransferEnqueueHaltedControllerRejects(t *testing.T) {
	d, _ := newBareDriver(t, testConfig())
	d.halted = true

	_, pipe := newControlPipe(1)
	transfer := &usb.Transfer{Type: usb.Control, Setup: &usb.SetupData{}}

	if err := d.TransferEnqueue(transfer, pipe); err != ErrSystemError {
		t.Fatalf("err = %v, want ErrSystemError", err)
	}
}

type fakeRoothub struct {
	dispatched bool
}

func (r *fakeRoothub) IsRoothub(pipe *usb.Pipe) bool {
	return pipe.Endpoint == 0 && pipe.Device.Address == 0
}
func (r *fakeRoothub) Dispatch(transfer *usb.Transfer, pipe *usb.Pipe) error {
	r.dispatched = true
	return nil
}
func (r *fakeRoothub) NotifyPortChange() {}
func (r *fakeRoothub) Status() uint32    { return 0x1234 }

func TestTransferEnqueueDispatchesToRoothub(t *testing.T) {
	cfg := testConfig()
	p := newFakePlatform(t)
	rh := &fakeRoothub{}

	d, err := New(p, cfg, rh)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.initPeriodicList(); err != nil {
		t.Fatalf("initPeriodicList: %v", err)
	}
	if err := d.initAsyncList(); err != nil {
		t.Fatalf("initAsyncList: %v", err)
	}
	t.Cleanup(d.Close)

	dev := &usb.Device{Address: 0}
	pipe := &usb.Pipe{Device: dev, Endpoint: 0}
	transfer := &usb.Transfer{}

	if err := d.TransferEnqueue(transfer, pipe); err != nil {
		t.Fatalf("TransferEnqueue: %v", err)
	}
	if !rh.dispatched {
		t.Fatal("a roothub-targeted transfer must be dispatched to RoothubOps.Dispatch")
	}
	if got := d.GetRoothubStatus(); got != 0x1234 {
		t.Fatalf("GetRoothubStatus = %#x, want 0x1234", got)
	}
}

func TestTransferEnqueueBulkOutBouncesPayload(t *testing.T) {
	d, _ := newBareDriver(t, testConfig())

	dev := &usb.Device{Address: 2, Speed: usb.HighSpeed}
	pipe := &usb.Pipe{Device: dev, Endpoint: 1, Type: usb.Bulk, MaxPacketSize: 512}

	payload := []byte("some outbound payload")
	transfer := &usb.Transfer{
		Type:      usb.Bulk,
		Direction: usb.Out,
		Buffer:    payload,
		Size:      len(payload),
	}

	if err := d.TransferEnqueue(transfer, pipe); err != nil {
		t.Fatalf("TransferEnqueue: %v", err)
	}

	inf := transfer.HCDPriv.(*inflight)
	if inf.head != inf.last {
		t.Fatal("a payload this small must build exactly one qTD")
	}

	got := make([]byte, len(payload))
	d.dmaRegion.Read(inf.bounceAddr, 0, got)
	if string(got) != string(payload) {
		t.Fatalf("bounce buffer = %q, want %q", got, payload)
	}
}

func TestTransferEnqueueReusesConfiguredQH(t *testing.T) {
	d, _ := newBareDriver(t, testConfig())

	dev := &usb.Device{Address: 3, Speed: usb.HighSpeed}
	pipe := &usb.Pipe{Device: dev, Endpoint: 1, Type: usb.Bulk, MaxPacketSize: 512}

	first := &usb.Transfer{Type: usb.Bulk, Direction: usb.Out, Buffer: []byte("a"), Size: 1}
	if err := d.TransferEnqueue(first, pipe); err != nil {
		t.Fatalf("TransferEnqueue (first): %v", err)
	}
	qh1 := pipe.HCDPriv

	second := &usb.Transfer{Type: usb.Bulk, Direction: usb.Out, Buffer: []byte("b"), Size: 1}
	if err := d.TransferEnqueue(second, pipe); err != nil {
		t.Fatalf("TransferEnqueue (second): %v", err)
	}

	if pipe.HCDPriv != qh1 {
		t.Fatal("a second transfer on the same pipe must reuse its existing QH")
	}
	if len(d.inflightList) != 2 {
		t.Fatalf("in-flight list has %d entries, want 2", len(d.inflightList))
	}
}
