package ppp

import (
	"log/slog"
	"sync"

	"github.com/soypat/lneto-ppp/internal"
)

// DefaultRxRingSize is the backing capacity of a Framer's inbound byte
// ring when none is supplied to NewFramer.
const DefaultRxRingSize = 256

// Framer converts between an HDLC-like asynchronous byte stream and
// discrete frames (spec.md §4.1). PushByte is safe to call from interrupt
// context; Poll must only run on the event loop goroutine.
//
// Grounded on tcp.ControlBlock's ring-backed rx/tx split: a small mutex
// guards only the ring's producer/consumer operations (internal.Ring
// itself is not safe for concurrent producer+consumer use), while frame
// assembly stays single-owner.
type Framer struct {
	logger

	mu        sync.Mutex
	rx        internal.Ring
	rxDropped uint32

	pool Pool

	// Partial inbound frame state, owned by Poll (event loop only).
	cur          Packet
	curProto     Proto
	curProtoKnow bool
	escape       bool
	idleTicks    uint32

	// NonPPP is invoked with raw noise bytes (a frame that did not parse
	// as a valid PPP frame): missing leading flag, control-frame segment
	// overflow, or bad CRC. Nil means discard silently.
	NonPPP func(b []byte)

	// InterByteTimeoutTicks bounds how many times in a row Poll may find
	// the ring empty mid-frame before the partial frame is abandoned
	// (spec.md §4.1 step 3). Only Poll advances this count.
	InterByteTimeoutTicks uint32
}

// NewFramer constructs a Framer backed by pool for inbound segment
// allocation, with a DefaultRxRingSize byte ring relaying PushByte to
// Poll. InterByteTimeoutTicks defaults to 0 (disabled); set it via the
// exported field before starting traffic.
func NewFramer(pool Pool) *Framer {
	return NewFramerSize(pool, DefaultRxRingSize)
}

// NewFramerSize is NewFramer with an explicit ring capacity, for callers
// on memory-constrained targets that need a smaller inbound buffer than
// DefaultRxRingSize.
func NewFramerSize(pool Pool, ringSize int) *Framer {
	return &Framer{pool: pool, rx: internal.Ring{Buf: make([]byte, ringSize)}}
}

// PushByte enqueues a single received byte, interrupt-safe. Returns
// ErrBufferFull (incrementing a drop counter, not raising an error signal
// to the caller's control flow beyond the return value) when the ring is
// saturated, matching spec.md §4.1's ring-full case.
func (f *Framer) PushByte(b byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.rx.Write([]byte{b}); err != nil {
		f.rxDropped++
		return ErrBufferFull
	}
	return nil
}

// DroppedBytes reports how many pushed bytes were discarded for lack of
// drain throughput.
func (f *Framer) DroppedBytes() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rxDropped
}

// nextByte drains one byte from the ring for Poll, event-loop side only.
func (f *Framer) nextByte() (byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b [1]byte
	if _, err := f.rx.Read(b[:]); err != nil {
		return 0, false
	}
	return b[0], true
}

// Poll drains pending bytes and advances frame assembly (spec.md §4.1
// "Frame assembly"), stopping at the first completed or discarded frame.
// It returns ok==true with a completed frame's protocol and payload packet
// (header and CRC already stripped) once a full valid frame has been
// assembled. err is non-nil when a frame was discarded (bad CRC, truncated
// escape, pool exhaustion); the caller should still call Poll again to
// keep draining. When ok and err are both zero values, no byte is left.
func (f *Framer) Poll() (proto Proto, pkt *Packet, ok bool, err error) {
	for {
		proto, pkt, ok, err = f.pollByte()
		if ok || err != nil || f.idleTicks != 0 {
			return proto, pkt, ok, err
		}
	}
}

// pollByte drains at most one pending byte; idleTicks is zero afterwards
// exactly when a byte was consumed.
func (f *Framer) pollByte() (proto Proto, pkt *Packet, ok bool, err error) {
	b, have := f.nextByte()
	if !have {
		f.idleTicks++
		if f.InterByteTimeoutTicks != 0 && f.idleTicks > f.InterByteTimeoutTicks && f.cur.Len() > 0 {
			f.abandon("inter-byte timeout")
		}
		return 0, nil, false, nil
	}
	f.idleTicks = 0

	switch {
	case f.cur.Len() == 0 && b == AddrByte:
		// Tolerate a missing opening flag: synthesize one so the frame
		// still begins with 0x7E as downstream logic expects.
		f.cur.AppendByte(f.pool, FlagByte, true)
		return f.appendDataByte(b)

	case b == FlagByte && f.escape:
		// A flag can never be the escaped byte; the preceding 0x7D was a
		// truncated escape sequence. Discard and resync on this flag.
		f.emitNoise()
		f.resetPartial()
		f.cur.AppendByte(f.pool, FlagByte, true)
		return 0, nil, false, ErrEscapePending

	case b == FlagByte:
		if !f.curStartsWithFlag() {
			// Noise: either nothing accumulated yet (idle/opening flag,
			// a no-op) or the partial packet does not start with 0x7E.
			// Forward whatever was accumulated and begin a new packet
			// whose first byte is this flag.
			f.emitNoise()
			f.resetPartial()
			f.cur.AppendByte(f.pool, FlagByte, true)
			return 0, nil, false, nil
		}
		return f.finishFrame()

	case f.escape:
		f.escape = false
		return f.appendDataByte(b ^ EscapeXOR)

	case b == EscapeByte:
		f.escape = true
		return 0, nil, false, nil

	default:
		return f.appendDataByte(b)
	}
}

// curStartsWithFlag reports whether the in-progress packet's first byte
// is the flag byte, i.e. whether it is a synced frame rather than
// accumulated noise.
func (f *Framer) curStartsWithFlag() bool {
	first := f.cur.First()
	return first != nil && first.Bytes()[0] == FlagByte
}

// appendDataByte appends b to the in-progress frame, tracking the
// protocol field once enough header bytes have arrived so later bytes
// know whether chaining is permitted.
func (f *Framer) appendDataByte(b byte) (Proto, *Packet, bool, error) {
	allowChain := f.curProtoKnow && f.curProto == ProtoIPv4
	if err := f.cur.AppendByte(f.pool, b, allowChain); err != nil {
		// Overflow on a control frame, or pool exhaustion: forward as
		// noise and restart (spec.md §4.1 step 2, "for control frames
		// overflow causes the frame to be forwarded as non-PPP noise").
		f.emitNoise()
		f.resetPartial()
		return 0, nil, false, err
	}
	if !f.curProtoKnow && f.cur.Len() == 1+HeaderLen+2 {
		var hdr [5]byte
		f.cur.CopyTo(hdr[:])
		f.curProto = Proto(BigEndian16(hdr[3:5]))
		f.curProtoKnow = true
	}
	return 0, nil, false, nil
}

// finishFrame validates and emits the just-closed frame (spec.md §4.1
// step 2, end-of-frame branch).
func (f *Framer) finishFrame() (Proto, *Packet, bool, error) {
	f.cur.AppendByte(f.pool, FlagByte, true)
	total := f.cur.Len()
	const minFrame = 1 + HeaderLen + 2 + 2 + 1 // flag+addr+ctrl+proto+crc+flag
	if total < minFrame {
		f.emitNoise()
		f.resetPartial()
		return 0, nil, false, ErrFrameTooShort
	}
	var hdr [1 + HeaderLen]byte
	f.cur.CopyTo(hdr[:])
	if hdr[1] != AddrByte || hdr[2] != CtrlByte {
		f.emitNoise()
		f.resetPartial()
		return 0, nil, false, ErrNotPPPFrame
	}
	// Strip both flags so the residue covers address+control+payload+CRC only.
	f.cur.TrimBack(1)
	f.cur.TrimFront(1)
	if !crcResidueChain(&f.cur) {
		f.emitNoise()
		f.resetPartial()
		return 0, nil, false, ErrBadCRC
	}
	// Strip trailing CRC (2 bytes) and leading addr+ctrl (2 bytes).
	f.cur.TrimBack(2)
	f.cur.TrimFront(HeaderLen)
	// Strip the 2-byte protocol field, already captured in f.curProto.
	f.cur.TrimFront(2)

	proto := f.curProto
	out := f.cur
	f.resetPartial()
	return proto, &out, true, nil
}

func (f *Framer) resetPartial() {
	f.cur = Packet{}
	f.curProto = 0
	f.curProtoKnow = false
	f.escape = false
}

func (f *Framer) abandon(reason string) {
	f.warn("framer: abandoning partial frame", slog.String("reason", reason), slog.Int("len", f.cur.Len()))
	f.emitNoise()
	f.resetPartial()
}

func (f *Framer) emitNoise() {
	if f.cur.Len() == 0 {
		return
	}
	if f.NonPPP != nil {
		buf := make([]byte, f.cur.Len())
		f.cur.CopyTo(buf)
		f.NonPPP(buf)
	}
	f.cur.Release(f.pool)
}

// crcResidueChain computes the CRC-16-CCITT residue across a (possibly
// multi-segment) packet chain and reports whether it matches the good
// residue 0xF0B8, i.e. whether the chain's trailing two bytes are a valid
// FCS for the bytes before them.
func crcResidueChain(p *Packet) bool {
	crc := uint16(crc16Init)
	for _, s := range p.Segments() {
		crc = CRC16Update(crc, s.Bytes())
	}
	return crc == crc16GoodRes
}

// ByteSink is the driver-facing outbound collaborator: raw bytes written
// to the wire (serial TX, or the PPPoE carrier's byte-oriented fallback).
type ByteSink interface {
	Send(b []byte) error
}

// TransmitFrame stuffs and emits one frame over sink (spec.md §4.1
// "Outbound contract"). payload is the frame body with its first two
// bytes already set to the big-endian PPP protocol number; on return the
// protocol field has conceptually been consumed (callers release payload
// themselves via pool, TransmitFrame never takes ownership of a Packet).
func TransmitFrame(sink ByteSink, payload []byte) error {
	if len(payload) < 2 {
		return ErrPacketTooShort
	}
	var scratch [2]byte
	crc := uint16(crc16Init)

	var stuffed []byte
	stuffed = append(stuffed, FlagByte)
	stuffed = appendStuffed(stuffed, AddrByte)
	stuffed = appendStuffed(stuffed, CtrlByte)
	crc = CRC16Update(crc, []byte{AddrByte, CtrlByte})
	crc = CRC16Update(crc, payload)
	for _, b := range payload {
		stuffed = appendStuffed(stuffed, b)
	}
	fcs := crc ^ crc16XorOut
	scratch[0] = byte(fcs)
	scratch[1] = byte(fcs >> 8)
	stuffed = appendStuffed(stuffed, scratch[0])
	stuffed = appendStuffed(stuffed, scratch[1])
	stuffed = append(stuffed, FlagByte)
	return sink.Send(stuffed)
}

// appendStuffed appends b to dst, byte-stuffing it first if required:
// values below 0x20, the escape byte and the flag byte are replaced with
// 0x7D followed by b^0x20. The opening flag is never stuffed (callers
// never pass it through appendStuffed).
func appendStuffed(dst []byte, b byte) []byte {
	if b < 0x20 || b == EscapeByte || b == FlagByte {
		return append(dst, EscapeByte, b^EscapeXOR)
	}
	return append(dst, b)
}
