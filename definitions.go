// Package ppp implements the core data types of a Point-to-Point Protocol
// endpoint: HDLC-style async framing, packet chaining and the shared TLV
// option encoding used by the LCP and IPCP negotiation protocols.
//
// Sub-protocol state machines (LCP, PAP, CHAP, IPCP) live in sibling
// packages and are composed by package endpoint, which also implements
// the event loop and the driver-facing interface. This package has no
// knowledge of those state machines; it only defines wire-level types.
package ppp

// Proto is a PPP protocol number as carried in the 2-byte protocol field
// that follows the address/control bytes of every frame.
type Proto uint16

// Protocol numbers used by this implementation. See RFC 1661 §2.
const (
	ProtoIPv4 Proto = 0x0021 // IPv4
	ProtoLCP  Proto = 0xC021 // LCP
	ProtoPAP  Proto = 0xC023 // PAP
	ProtoCHAP Proto = 0xC223 // CHAP
	ProtoIPCP Proto = 0x8021 // IPCP
)

func (p Proto) String() string {
	switch p {
	case ProtoIPv4:
		return "IPv4"
	case ProtoLCP:
		return "LCP"
	case ProtoPAP:
		return "PAP"
	case ProtoCHAP:
		return "CHAP"
	case ProtoIPCP:
		return "IPCP"
	}
	return "proto(?)"
}

// HDLC framing constants, RFC 1662.
const (
	FlagByte   byte = 0x7E
	AddrByte   byte = 0xFF
	CtrlByte   byte = 0x03
	EscapeByte byte = 0x7D
	EscapeXOR  byte = 0x20
)

// DefaultMRU is the Maximum Receive Unit advertised by LCP when none is configured.
const DefaultMRU = 1500

// MRUFloor is the smallest MRU this implementation will accept from a peer
// before NAK'ing with DefaultMRU.
const MRUFloor = 128

// HeaderLen is the length in bytes of the address+control header (0xFF 0x03)
// that precedes the protocol field on every frame this implementation emits
// or expects (address/control compression is never negotiated).
const HeaderLen = 2

// Code is the single-byte LCP/IPCP message code shared by both protocols,
// since IPCP reuses the LCP code space (RFC 1332 §4.2).
type Code uint8

// Codes common to LCP and IPCP control packets.
const (
	CodeConfigureRequest Code = 1
	CodeConfigureAck     Code = 2
	CodeConfigureNak     Code = 3
	CodeConfigureReject  Code = 4
	CodeTerminateRequest Code = 5
	CodeTerminateAck     Code = 6
	CodeCodeReject       Code = 7
	CodeProtocolReject   Code = 8
	CodeEchoRequest      Code = 9
	CodeEchoReply        Code = 10
	CodeDiscardRequest   Code = 11
)

func (c Code) String() string {
	switch c {
	case CodeConfigureRequest:
		return "configure-request"
	case CodeConfigureAck:
		return "configure-ack"
	case CodeConfigureNak:
		return "configure-nak"
	case CodeConfigureReject:
		return "configure-reject"
	case CodeTerminateRequest:
		return "terminate-request"
	case CodeTerminateAck:
		return "terminate-ack"
	case CodeCodeReject:
		return "code-reject"
	case CodeProtocolReject:
		return "protocol-reject"
	case CodeEchoRequest:
		return "echo-request"
	case CodeEchoReply:
		return "echo-reply"
	case CodeDiscardRequest:
		return "discard-request"
	}
	return "code(?)"
}

// State is the lifecycle state shared by the shape of the LCP and IPCP
// state machines (RFC 1661 §4, the "automaton" section). PAP and CHAP
// keep their own internal state types and report the nearest State.
type State uint8

const (
	StateInitial State = iota
	StateStart
	StateReqSent
	StateReqAcked
	StatePeerReqAcked
	StateCompleted
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStart:
		return "start"
	case StateReqSent:
		return "req-sent"
	case StateReqAcked:
		return "req-acked"
	case StatePeerReqAcked:
		return "peer-req-acked"
	case StateCompleted:
		return "completed"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "state(?)"
}

// IsOpen reports whether a machine in this state considers the link
// negotiated (able to carry traffic for the layer above it).
func (s State) IsOpen() bool { return s == StateCompleted }

// AuthKind identifies which authentication protocol an endpoint will
// generate credentials for (as the authenticatee) or demand from the peer
// (as the authenticator).
type AuthKind uint8

const (
	AuthNone AuthKind = iota
	AuthPAP
	AuthCHAP
)

func (a AuthKind) String() string {
	switch a {
	case AuthNone:
		return "none"
	case AuthPAP:
		return "PAP"
	case AuthCHAP:
		return "CHAP"
	}
	return "auth(?)"
}

// ChapAlgoMD5 is the only CHAP algorithm this implementation supports,
// carried as the third byte of the LCP authentication-protocol option
// when AuthKind is AuthCHAP.
const ChapAlgoMD5 = 0x05
