package ehci

import (
	"fmt"
	"time"

	"github.com/ehci-go/ehci/internal/dma"
	"github.com/ehci-go/ehci/internal/reg"
)

// EHCI capability register offsets (USB 2.0 EHCI Specification §2.2).
const (
	capCapLength = 0x00
	capHCSParams = 0x04
	capHCCParams = 0x08
)

const hccParamsBit64Addressing = 0

// EHCI operational register offsets, relative to the operational base
// (capability base + CAPLENGTH). §2.3.
const (
	opUSBCmd         = 0x00
	opUSBSts         = 0x04
	opUSBIntr        = 0x08
	opFrIndex        = 0x0c
	opCtrlDSSegment  = 0x10
	opPeriodicListBa = 0x14
	opAsyncListAddr  = 0x18
	opConfigFlag     = 0x40
	opPortSC0        = 0x44
	opUsbMode        = 0x68
)

// USBCMD bits.
const (
	usbcmdRS               = 0 // Run/Stop
	usbcmdHCReset           = 1
	usbcmdFrameListSizeLo   = 2 // bits 2-3, 01 = 256 (unused), 11 = 128
	usbcmdFrameListSizeMask = 0x3
	usbcmdPSE               = 4 // Periodic Schedule Enable
	usbcmdASE               = 5 // Asynchronous Schedule Enable
	usbcmdIAAD              = 6 // Interrupt on Async Advance Doorbell
	usbcmdLHCReset          = 7 // Light Host Controller Reset (embedded variant)
)

// USBCMD frame list size encodings (bits 2-3), used only when the
// controller supports a programmable frame list size (PeriodicSize==128).
const usbcmdFrameListSize1024 = 0x0
const usbcmdFrameListSize128 = 0x3

// USBSTS bits.
const (
	usbstsUI   = 0 // USB Interrupt (successful transaction)
	usbstsUEI  = 1 // USB Error Interrupt
	usbstsPCI  = 2 // Port Change Detect
	usbstsFRI  = 3 // Frame List Rollover
	usbstsSEI  = 4 // System Error
	usbstsIAA  = 5 // Interrupt on Async Advance
	usbstsHCH  = 12 // HC Halted
	usbstsAS   = 15 // Asynchronous Schedule Status
	usbstsPS   = 14 // Periodic Schedule Status
)

// interruptBits is the set of USBSTS bits that are genuine interrupt
// sources; the ISR top-half preserves every other bit (notably FRI) when it
// writes back to acknowledge.
const interruptBits = 1<<usbstsUI | 1<<usbstsUEI | 1<<usbstsPCI | 1<<usbstsSEI | 1<<usbstsIAA

// USBMODE bits (embedded controllers that expose host/device mode select at
// the register level; EHCI_IMX-style platforms).
const (
	usbmodeCM       = 0
	usbmodeCMMask   = 0x3
	usbmodeCMHost   = 0x3
)

// registers caches the resolved capability/operational register addresses
// for one controller instance.
type registers struct {
	capBase dma.Addr
	opBase  dma.Addr
}

// resolveRegisters computes the operational base from the capability base, per
// spec.md §4.10: opBase = capBase + *(uint8_t*)(capBase+CAPLENGTH), except
// on platforms whose Platform.FixedOpBaseOffset reports the offset is fixed
// in the register enum (no CAPLENGTH byte to read).
func resolveRegisters(capBase dma.Addr, fixedOpOffset int) (registers, error) {
	if uintptr(capBase)%32 != 0 {
		return registers{}, fmt.Errorf("%w: capability base %#x is not 32-byte aligned", ErrInvalidConfig, capBase)
	}

	var opOff uint32
	if fixedOpOffset >= 0 {
		opOff = uint32(fixedOpOffset)
	} else {
		opOff = reg.Get(capBase+capCapLength, 0, 0xff)
	}

	return registers{capBase: capBase, opBase: capBase + dma.Addr(opOff)}, nil
}

func (r registers) cmd() dma.Addr      { return r.opBase + opUSBCmd }
func (r registers) sts() dma.Addr      { return r.opBase + opUSBSts }
func (r registers) intr() dma.Addr     { return r.opBase + opUSBIntr }
func (r registers) ctrlDSSeg() dma.Addr { return r.opBase + opCtrlDSSegment }
func (r registers) periodicBase() dma.Addr { return r.opBase + opPeriodicListBa }
func (r registers) asyncAddr() dma.Addr { return r.opBase + opAsyncListAddr }
func (r registers) configFlag() dma.Addr { return r.opBase + opConfigFlag }
func (r registers) portSC(n int) dma.Addr { return r.opBase + opPortSC0 + dma.Addr(4*n) }
func (r registers) usbMode() dma.Addr  { return r.opBase + opUsbMode }

func (r registers) supports64BitAddressing() bool {
	return reg.Get(r.capBase+capHCCParams, hccParamsBit64Addressing, 1) == 1
}

// halt performs the halt/reset handshake used during bring-up: clear RS,
// wait for HCH, assert HCReset, wait for it to self-clear.
func (r registers) halt(sleep func(time.Duration)) {
	reg.Clear(r.cmd(), usbcmdRS)
	reg.Wait(r.sts(), usbstsHCH, 1, 1)

	reg.Set(r.cmd(), usbcmdHCReset)
	reg.Wait(r.cmd(), usbcmdHCReset, 1, 0)
}

// stopAsync stops the asynchronous schedule and spins until the controller
// confirms it (USBSTS.AS clears), per spec.md §4.4.
func (r registers) stopAsync() {
	reg.Clear(r.cmd(), usbcmdASE)
	reg.Wait(r.sts(), usbstsAS, 1, 0)
}

// startAsync restarts the asynchronous schedule and spins until the
// controller confirms it.
func (r registers) startAsync() {
	reg.Set(r.cmd(), usbcmdASE)
	reg.Wait(r.sts(), usbstsAS, 1, 1)
}

func regWrite(addr dma.Addr, val uint32) { reg.Write(addr, val) }

// setHostMode selects host controller mode on the embedded register
// variant, where USBMODE exposes an explicit controller-mode field.
func setHostMode(addr dma.Addr) {
	reg.SetN(addr, usbmodeCM, usbmodeCMMask, usbmodeCMHost)
}
