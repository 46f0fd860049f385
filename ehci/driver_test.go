package ehci

import (
	"testing"
	"time"
	"unsafe"

	"github.com/ehci-go/ehci/internal/dma"
	"github.com/ehci-go/ehci/internal/reg"
	"github.com/ehci-go/ehci/usb"
)

// fakePlatform backs a Driver under test with real, GC-pinned Go memory for
// both the DMA region and the operational register block, so driver logic
// runs unmodified against ordinary memory instead of real hardware.
type fakePlatform struct {
	region  *dma.Region
	regBuf  []byte
	capAddr dma.Addr

	// regionBuf backs region; holding it keeps that memory alive for the
	// test's lifetime.
	regionBuf []byte

	isr      func()
	attached int
	enabled  []int
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()

	region, regionBuf := dma.NewRegion(1 << 20)

	buf := make([]byte, 4096)
	raw := dma.Addr(uintptr(unsafe.Pointer(&buf[0])))
	aligned := (raw + 31) &^ 31

	return &fakePlatform{region: region, regionBuf: regionBuf, regBuf: buf, capAddr: aligned}
}

func (p *fakePlatform) CapBase() dma.Addr         { return p.capAddr }
func (p *fakePlatform) DMARegion() *dma.Region    { return p.region }
func (p *fakePlatform) FixedOpBaseOffset() int     { return 0x20 }
func (p *fakePlatform) InitPHY() error             { return nil }
func (p *fakePlatform) Barrier()                   { reg.Barrier() }
func (p *fakePlatform) Sleep(d time.Duration)      { time.Sleep(d) }

func (p *fakePlatform) AttachIRQ(id int, isr func()) error {
	p.isr = isr
	p.attached++
	return nil
}

func (p *fakePlatform) EnableIRQLine(id int) { p.enabled = append(p.enabled, id) }

// noopRoothub is a usb.RoothubOps that never claims a pipe, for tests that
// only exercise device-endpoint traffic.
type noopRoothub struct{ notified int }

func (r *noopRoothub) IsRoothub(pipe *usb.Pipe) bool { return false }
func (r *noopRoothub) Dispatch(transfer *usb.Transfer, pipe *usb.Pipe) error {
	return nil
}
func (r *noopRoothub) NotifyPortChange() { r.notified++ }
func (r *noopRoothub) Status() uint32    { return 0 }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PeriodicSize = 128
	cfg.MaxQTDPool = 4
	cfg.MaxQHPool = 2
	return cfg
}

// newBareDriver builds a Driver with its async/periodic lists initialized
// directly, without going through Init's hardware bring-up handshake (which
// needs a real controller to advance). Suitable for every test that only
// needs descriptor pools, the schedule lists and the DMA region.
func newBareDriver(t *testing.T, cfg Config) (*Driver, *fakePlatform) {
	t.Helper()

	p := newFakePlatform(t)
	d, err := New(p, cfg, &noopRoothub{})
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
	return d, p
}

// mirrorHardware runs a background loop that mimics the handshake bits a
// real EHCI controller sets on its own (HCH on halt, HCReset self-clear, AS/
// PS schedule-status confirmation), so register code that spins waiting for
// the controller's acknowledgement terminates under test. regs is called
// fresh every tick since d.regs is only populated partway through Init.
func mirrorHardware(t *testing.T, regs func() registers) (stop func()) {
	t.Helper()

	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(200 * time.Microsecond)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
			}

			r := regs()
			if r.opBase == 0 {
				continue
			}

			cmd := reg.Read(r.cmd())
			if cmd&(1<<usbcmdHCReset) != 0 {
				reg.Clear(r.cmd(), usbcmdHCReset)
			}
			reg.SetTo(r.sts(), usbstsHCH, cmd&(1<<usbcmdRS) == 0)
			reg.SetTo(r.sts(), usbstsAS, cmd&(1<<usbcmdASE) != 0)
			reg.SetTo(r.sts(), usbstsPS, cmd&(1<<usbcmdPSE) != 0)
		}
	}()

	return func() {
		close(stopCh)
		<-done
	}
}

func TestDriverInitAndClose(t *testing.T) {
	p := newFakePlatform(t)
	cfg := testConfig()

	d, err := New(p, cfg, &noopRoothub{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stop := mirrorHardware(t, func() registers { return d.regs })
	defer stop()

	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if d.asyncHead == nil {
		t.Fatal("asyncHead not set after Init")
	}
	if d.asyncHead.next != d.asyncHead || d.asyncHead.prev != d.asyncHead {
		t.Fatal("async dummy head must be self-linked right after bring-up")
	}
	if len(d.frameOwner) != cfg.PeriodicSize {
		t.Fatalf("frameOwner length = %d, want %d", len(d.frameOwner), cfg.PeriodicSize)
	}
	if p.attached != 1 {
		t.Fatalf("AttachIRQ called %d times, want 1", p.attached)
	}
	if len(p.enabled) != 1 || p.enabled[0] != irqID {
		t.Fatalf("EnableIRQLine calls = %v, want [%d]", p.enabled, irqID)
	}

	d.Close()

	if d.workerCancel != nil {
		t.Fatal("Close must stop the bottom-half worker")
	}
}
