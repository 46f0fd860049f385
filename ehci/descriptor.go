package ehci

import (
	"encoding/binary"

	"github.com/ehci-go/ehci/internal/dma"
)

// PID identifies the token type of a qTD (USB 2.0 EHCI Specification,
// Table 3-16).
type PID uint8

const (
	PIDOut   PID = 0
	PIDIn    PID = 1
	PIDSetup PID = 2
)

// qTD hardware layout constants (USB 2.0 EHCI Specification §3.5).
const (
	qtdAlign    = 32
	qtdHWSize   = 32
	qtdMaxPages = 5

	qtdNextOff    = 0
	qtdAltNextOff = 4
	qtdTokenOff   = 8
	qtdBufferOff  = 12

	// Token bit positions.
	tokenPing        = 0
	tokenSplitXState = 1
	tokenMissedFrame = 2
	tokenXactErr     = 3
	tokenBabble      = 4
	tokenBufErr      = 5
	tokenHalted      = 6
	tokenActive      = 7
	tokenPIDPos      = 8
	tokenPIDMask     = 0x3
	tokenCErrPos     = 10
	tokenCErrMask    = 0x3
	tokenCPagePos    = 12
	tokenCPageMask   = 0x7
	tokenIOC         = 15
	tokenBytesPos    = 16
	tokenBytesMask   = 0x7fff
	tokenDT          = 31

	// tokenErrorMask selects the bits spec.md §4.7 classifies as a
	// transaction error: XACT, BABBLE and BUFERR (HALTED is tracked
	// separately since it terminates rather than merely counts).
	tokenErrorMask = 1<<tokenXactErr | 1<<tokenBabble | 1<<tokenBufErr

	// tokenErrorOrHaltedMask is used by the reaper to detect any of the
	// four terminal-error conditions spec.md §4.7 lists together.
	tokenErrorOrHaltedMask = tokenErrorMask | 1<<tokenHalted
)

// qtdHW is the wire layout of one hardware qTD: 32 bytes, 5 buffer page
// pointers, no 64-bit high-halves (64-bit addressing is a non-goal).
type qtdHW struct {
	Next    uint32
	AltNext uint32
	Token   uint32
	Buffer  [qtdMaxPages]uint32
}

func (h *qtdHW) marshal() []byte {
	buf := make([]byte, qtdHWSize)
	binary.LittleEndian.PutUint32(buf[qtdNextOff:], h.Next)
	binary.LittleEndian.PutUint32(buf[qtdAltNextOff:], h.AltNext)
	binary.LittleEndian.PutUint32(buf[qtdTokenOff:], h.Token)
	for i, b := range h.Buffer {
		binary.LittleEndian.PutUint32(buf[qtdBufferOff+4*i:], b)
	}
	return buf
}

func unmarshalQTDHW(buf []byte) (h qtdHW) {
	h.Next = binary.LittleEndian.Uint32(buf[qtdNextOff:])
	h.AltNext = binary.LittleEndian.Uint32(buf[qtdAltNextOff:])
	h.Token = binary.LittleEndian.Uint32(buf[qtdTokenOff:])
	for i := range h.Buffer {
		h.Buffer[i] = binary.LittleEndian.Uint32(buf[qtdBufferOff+4*i:])
	}
	return
}

// qtd is the driver-private record for one qTD: its cached physical
// address, its place in a transfer's ring, and the owning QH. The hardware
// overlay (current/next/token) is never read as canonical queue shape —
// only lastQtd on the owning queueHead is.
type qtd struct {
	addr  dma.Addr
	next  *qtd // sibling next in the transfer ring
	owner *queueHead

	// origNext is the next-pointer this qTD was built with, used by the
	// reaper to repair QH.nextQtd when a mid-ring qTD completes (spec.md
	// §4.7).
	origNext dma.Addr

	pid  PID
	dt   int
	size int // bytes this qTD was built to transfer
}

func (q *qtd) tokenAddr() dma.Addr { return q.addr + qtdTokenOff }

// write marshals h and stores it at q.addr.
func (q *qtd) write(h qtdHW) {
	dma.Write(q.addr, 0, h.marshal())
}

// read reads back the current hardware qTD at q.addr.
func (q *qtd) read() qtdHW {
	buf := make([]byte, qtdHWSize)
	dma.Read(q.addr, 0, buf)
	return unmarshalQTDHW(buf)
}

// QH hardware layout constants (USB 2.0 EHCI Specification §3.6).
const (
	qhAlign  = 32
	qhHWSize = 48

	qhHorizontalOff = 0
	qhInfo0Off      = 4
	qhInfo1Off      = 8
	qhCurrentOff    = 12
	qhNextOff       = 16
	qhAltNextOff    = 20
	qhTokenOff      = 24
	qhBufferOff     = 28

	// Horizontal link pointer type bits (bits 1-2 of the pointer word);
	// 01 = QH, which is the only type this core links.
	hlpTypeQH = 0x1 << 1

	// info0 (Endpoint Characteristics) bit positions.
	info0AddrPos     = 0
	info0AddrMask    = 0x7f
	info0EndpointPos = 8
	info0EndpointMask = 0xf
	info0SpeedPos    = 12
	info0SpeedMask   = 0x3
	info0DTCtrl      = 14
	info0Head        = 15
	info0MaxPacketPos = 16
	info0MaxPacketMask = 0x7ff
	info0ControlEP   = 27
	info0NakReloadPos = 28
	info0NakReloadMask = 0xf

	// info1 (Endpoint Capabilities) bit positions.
	info1SMaskPos = 0
	info1SMaskMask = 0xff
	info1CMaskPos = 8
	info1CMaskMask = 0xff
	info1MultPos  = 30
	info1MultMask = 0x3

	// standardCMask is the "complete in the next three microframes"
	// pattern spec.md §4.5 sets unconditionally.
	standardCMask = 0x1c

	nakReloadDefault = 3
)

// qhHW is the wire layout of one hardware QH: the 12-byte fixed
// capabilities header plus the 36-byte hardware overlay.
type qhHW struct {
	Horizontal uint32
	Info0      uint32
	Info1      uint32
	Current    uint32
	Next       uint32
	AltNext    uint32
	Token      uint32
	Buffer     [qtdMaxPages]uint32
}

func (h *qhHW) marshal() []byte {
	buf := make([]byte, qhHWSize)
	binary.LittleEndian.PutUint32(buf[qhHorizontalOff:], h.Horizontal)
	binary.LittleEndian.PutUint32(buf[qhInfo0Off:], h.Info0)
	binary.LittleEndian.PutUint32(buf[qhInfo1Off:], h.Info1)
	binary.LittleEndian.PutUint32(buf[qhCurrentOff:], h.Current)
	binary.LittleEndian.PutUint32(buf[qhNextOff:], h.Next)
	binary.LittleEndian.PutUint32(buf[qhAltNextOff:], h.AltNext)
	binary.LittleEndian.PutUint32(buf[qhTokenOff:], h.Token)
	for i, b := range h.Buffer {
		binary.LittleEndian.PutUint32(buf[qhBufferOff+4*i:], b)
	}
	return buf
}

func unmarshalQHHW(buf []byte) (h qhHW) {
	h.Horizontal = binary.LittleEndian.Uint32(buf[qhHorizontalOff:])
	h.Info0 = binary.LittleEndian.Uint32(buf[qhInfo0Off:])
	h.Info1 = binary.LittleEndian.Uint32(buf[qhInfo1Off:])
	h.Current = binary.LittleEndian.Uint32(buf[qhCurrentOff:])
	h.Next = binary.LittleEndian.Uint32(buf[qhNextOff:])
	h.AltNext = binary.LittleEndian.Uint32(buf[qhAltNextOff:])
	h.Token = binary.LittleEndian.Uint32(buf[qhTokenOff:])
	for i := range h.Buffer {
		h.Buffer[i] = binary.LittleEndian.Uint32(buf[qhBufferOff+4*i:])
	}
	return
}

// queueHead is the driver-private record for one QH: its ring links in
// whichever schedule it is linked into, its pending-transfer cursor, and
// the periodic placement it was last assigned.
type queueHead struct {
	addr dma.Addr

	// prev/next are driver-side sibling links. For the async ring this is
	// the full circular list; for a periodic QH this is the chain at its
	// phase slot (ordered by descending period).
	prev *queueHead
	next *queueHead

	// lastQtd is the driver's own pending-ring tail cursor; overlay state
	// is never treated as canonical (spec.md §9).
	lastQtd *qtd

	head bool // H bit: set only on the async dummy head

	// periodic placement, zero value for an async-only QH.
	period int
	phase  int
	uframe int

	// cached config, to detect drift on reuse (spec.md §4.3).
	configured bool
	devAddr    uint8
	maxPacket  uint16
}

func (h *queueHead) overlayTokenAddr() dma.Addr { return h.addr + qhTokenOff }
func (h *queueHead) currentAddr() dma.Addr      { return h.addr + qhCurrentOff }
func (h *queueHead) nextQtdAddr() dma.Addr      { return h.addr + qhNextOff }
func (h *queueHead) horizontalAddr() dma.Addr   { return h.addr }

func (h *queueHead) write(hw qhHW) {
	dma.Write(h.addr, 0, hw.marshal())
}

func (h *queueHead) read() qhHW {
	buf := make([]byte, qhHWSize)
	dma.Read(h.addr, 0, buf)
	return unmarshalQHHW(buf)
}

// linkPointer builds a horizontal-pointer word addressing a QH, or the
// Invalid/terminate sentinel if qh is nil.
func linkPointer(qh *queueHead) uint32 {
	if qh == nil {
		return uint32(dma.Invalid)
	}
	return uint32(qh.addr) | hlpTypeQH
}
