package ppp

import "errors"

// Framing errors (§4.1, §7 "Framing").
var (
	ErrBadCRC         = errors.New("ppp: bad frame CRC")
	ErrBufferFull     = errors.New("ppp: ring buffer full")
	ErrFrameTooShort  = errors.New("ppp: frame shorter than header")
	ErrChainOnControl = errors.New("ppp: segment overflow on non-IPv4 frame")
	ErrEscapePending  = errors.New("ppp: truncated escape sequence at frame end")
	ErrNotPPPFrame    = errors.New("ppp: missing address/control header")
)

// Negotiation and option errors (§4.3, §4.6, §7 "Negotiation").
var (
	ErrOptionTooShort = errors.New("ppp: option length exceeds payload")
	ErrPacketTooShort = errors.New("ppp: packet shorter than declared length")
	ErrIDMismatch     = errors.New("ppp: reply id does not match last transmit id")
)

// Resource and caller errors (§7 "Allocation", "Caller errors").
var (
	ErrPoolExhausted  = errors.New("ppp: packet pool allocation failed")
	ErrQueueFull      = errors.New("ppp: outbound queue full")
	ErrLinkDown       = errors.New("ppp: link is down")
	ErrAlreadyStarted = errors.New("ppp: endpoint already started")
	ErrNotStarted     = errors.New("ppp: endpoint not started")
	ErrClosed         = errors.New("ppp: endpoint closed")
)
