// Package reg provides primitives for retrieving and modifying memory-mapped
// hardware registers, and for issuing the memory barriers the EHCI schedule
// manager needs around hardware-visible writes.
//
// Registers are addressed as dma.Addr (a uintptr) rather than a raw Go
// pointer, so register code never confuses a physical/virtual hardware
// address with a heap object the garbage collector can move.
package reg

import (
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ehci-go/ehci/internal/dma"
)

func ptr(addr dma.Addr) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(addr)))
}

// Get returns the value at a specific bit position with a bitmask applied.
func Get(addr dma.Addr, pos int, mask uint32) uint32 {
	r := atomic.LoadUint32(ptr(addr))
	return (r >> pos) & mask
}

// Set sets an individual bit at the given position.
func Set(addr dma.Addr, pos int) {
	p := ptr(addr)
	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, old|(1<<uint(pos))) {
			return
		}
	}
}

// Clear clears an individual bit at the given position.
func Clear(addr dma.Addr, pos int) {
	p := ptr(addr)
	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, old&^(1<<uint(pos))) {
			return
		}
	}
}

// SetTo sets or clears an individual bit depending on val.
func SetTo(addr dma.Addr, pos int, val bool) {
	if val {
		Set(addr, pos)
	} else {
		Clear(addr, pos)
	}
}

// SetN writes val at a specific bit position with a bitmask applied.
func SetN(addr dma.Addr, pos int, mask uint32, val uint32) {
	p := ptr(addr)
	for {
		old := atomic.LoadUint32(p)
		new := (old &^ (mask << uint(pos))) | ((val & mask) << uint(pos))
		if atomic.CompareAndSwapUint32(p, old, new) {
			return
		}
	}
}

// Read returns the raw register value.
func Read(addr dma.Addr) uint32 {
	return atomic.LoadUint32(ptr(addr))
}

// Write stores a raw value into the register.
func Write(addr dma.Addr, val uint32) {
	atomic.StoreUint32(ptr(addr), val)
}

// Or ORs val into the register.
func Or(addr dma.Addr, val uint32) {
	p := ptr(addr)
	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, old|val) {
			return
		}
	}
}

// Wait spins until the masked bits at pos match val. Used for the async
// schedule stop/start handshake (USBSTS.AS) and controller halt/reset.
func Wait(addr dma.Addr, pos int, mask uint32, val uint32) {
	for Get(addr, pos, mask) != val {
		runtime.Gosched()
	}
}

// WaitFor waits, bounded by timeout, for the masked bits at pos to match
// val. Returns false on timeout.
func WaitFor(timeout time.Duration, addr dma.Addr, pos int, mask uint32, val uint32) bool {
	deadline := time.Now().Add(timeout)

	for Get(addr, pos, mask) != val {
		runtime.Gosched()

		if time.Now().After(deadline) {
			return false
		}
	}

	return true
}

// Barrier issues a full data memory barrier. It must be called after every
// write sequence the controller must observe before the driver acts on any
// state that depends on the controller having seen it (schedule-enable
// writes, horizontal-pointer publication, qTD linkage).
//
// On amd64/arm64 test and simulation builds this is a compiler/runtime
// fence; platform packages implementing Platform.Barrier for a specific SoC
// may issue a real DMB/DSB instruction instead.
func Barrier() {
	atomic.LoadUint32(fence)
}

var fenceVal uint32
var fence = &fenceVal
