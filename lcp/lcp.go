// Package lcp implements the Link Control Protocol automaton of RFC 1661:
// option negotiation, echo keepalive and orderly termination. It depends
// only on the root ppp package for shared wire types and is composed by
// package endpoint alongside the pap, chap and ipcp machines.
package lcp

import (
	"log/slog"

	"github.com/soypat/lneto-ppp"
	"github.com/soypat/lneto-ppp/internal"
)

// Option types, RFC 1661 §6.
const (
	optMRU             = 1
	optACCM            = 2
	optAuthProto       = 3
	optMagicNumber     = 5
	optProtoCompress   = 7
	optAddrCtrlCompress = 8
)

// Transmitter is the endpoint-facing collaborator a Machine sends framed
// control packets through. It mirrors the framer's outbound contract: the
// caller supplies a payload whose first two bytes are the PPP protocol
// number, ready for TransmitFrame.
type Transmitter interface {
	Transmit(proto ppp.Proto, payload []byte) error
}

// Config configures a Machine's negotiated behaviour. RequireAuth is the
// authentication protocol this side demands of the peer (carried in our
// configure-request); GenerateAuth is the protocol this side is prepared
// to satisfy if the peer's configure-request demands one.
type Config struct {
	MRU               uint16
	RequireAuth       ppp.AuthKind
	GenerateAuth      ppp.AuthKind
	MaxRetries        int
	RetryTimeoutTicks uint32
}

// DefaultConfig returns the tunables spec.md §6 lists as defaults for LCP.
func DefaultConfig() Config {
	return Config{
		MRU:               ppp.DefaultMRU,
		MaxRetries:        20,
		RetryTimeoutTicks: 30,
	}
}

// Machine implements the LCP automaton (spec.md §4.3). Exactly one
// goroutine (the event loop) may call its methods.
type Machine struct {
	logger
	tx  Transmitter
	cfg Config

	state ppp.State

	txID        uint8
	retries     int
	timer       uint32
	localMRU    uint16
	peerWantsAuth ppp.AuthKind // auth protocol the peer's CR demanded of us and we accepted
	authenticated bool

	outstandingEchoID   uint8
	outstandingEchoSet  bool

	weAcked   bool
	peerAcked bool

	// OnLinkUp and OnLinkDown are invoked synchronously on the state
	// transitions spec.md §4.3/§4.7 describe. Nil callbacks are skipped.
	OnLinkUp   func()
	OnLinkDown func()
}

// NewMachine constructs a Machine in the initial state.
func NewMachine(tx Transmitter, cfg Config, log *slog.Logger) *Machine {
	if cfg.MRU == 0 {
		cfg.MRU = ppp.DefaultMRU
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 20
	}
	m := &Machine{tx: tx, cfg: cfg, localMRU: cfg.MRU}
	m.log = log
	return m
}

// logger mirrors the root package's embedding pattern, duplicated here
// since lcp must not import the endpoint package (it would cycle).
type logger struct{ log *slog.Logger }

func (l logger) error(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelError, msg, attrs...)
}
func (l logger) warn(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelWarn, msg, attrs...)
}
func (l logger) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelInfo, msg, attrs...)
}
func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}

// State reports the machine's current automaton state.
func (m *Machine) State() ppp.State { return m.state }

// Authenticated reports the machine's authenticated flag. Open sets it to
// whether RequireAuth is AuthNone; reaching completed clears it if the
// peer's configure-request demanded PAP or CHAP of this side. Nothing in
// this package sets it again once PAP or CHAP finishes.
func (m *Machine) Authenticated() bool { return m.authenticated }

// MRU returns the currently negotiated local MRU (defaults to the
// configured value until lowered by a peer NAK hint).
func (m *Machine) MRU() uint16 { return m.localMRU }

// Open transitions the machine from initial to start, sending the first
// configure-request (spec.md §4.3 "Entering start").
func (m *Machine) Open() {
	if m.state == ppp.StateCompleted || m.state == ppp.StateReqSent {
		return
	}
	m.localMRU = m.cfg.MRU
	m.retries = 0
	m.weAcked = false
	m.peerAcked = false
	m.authenticated = m.cfg.RequireAuth == ppp.AuthNone
	m.state = ppp.StateStart
	m.sendConfigureRequest()
	m.state = ppp.StateReqSent
}

// Close begins orderly termination from completed (spec.md §4.3
// "Termination"). No-op outside completed.
func (m *Machine) Close() {
	if m.state != ppp.StateCompleted {
		return
	}
	m.txID++
	m.transmit(ppp.CodeTerminateRequest, m.txID, nil)
	m.timer = m.cfg.RetryTimeoutTicks
	m.state = ppp.StateStopping
}

// Reset forces the machine back to initial, clearing all negotiated state.
func (m *Machine) Reset() {
	*m = Machine{tx: m.tx, cfg: m.cfg, localMRU: m.cfg.MRU, logger: m.logger,
		OnLinkUp: m.OnLinkUp, OnLinkDown: m.OnLinkDown}
}

// Timeout delivers the synthetic timeout event (spec.md §4.3 "timeout").
// Tick decrements the retransmit timer and invokes Timeout once it
// reaches zero. A retransmitted configure-request keeps the id of the
// request it repeats.
func (m *Machine) Timeout() {
	switch m.state {
	case ppp.StateReqSent, ppp.StatePeerReqAcked:
		m.retries++
		if m.retries >= m.cfg.MaxRetries {
			m.fail()
			return
		}
		m.timer = m.cfg.RetryTimeoutTicks
		m.txID-- // sendConfigureRequest increments it back to the outstanding id
		m.sendConfigureRequest()
	case ppp.StateStopping:
		m.state = ppp.StateStopped
	}
}

// Tick decrements the retransmit timer by one, invoking Timeout when it
// reaches zero. Returns true if a timeout fired.
func (m *Machine) Tick() bool {
	if m.timer == 0 {
		return false
	}
	m.timer--
	if m.timer == 0 {
		m.Timeout()
		return true
	}
	return false
}

func (m *Machine) fail() {
	m.state = ppp.StateFailed
	if m.OnLinkDown != nil {
		m.OnLinkDown()
	}
}

// Demux processes one inbound LCP payload (protocol field already
// stripped by the framer).
func (m *Machine) Demux(payload []byte) error {
	if len(payload) < 4 {
		return ppp.ErrPacketTooShort
	}
	code := ppp.Code(payload[0])
	id := payload[1]
	length := int(ppp.BigEndian16(payload[2:4]))
	if length > len(payload) {
		return ppp.ErrPacketTooShort
	}
	options := payload[4:length]

	switch code {
	case ppp.CodeConfigureRequest:
		return m.handlePeerConfigureRequest(id, options)
	case ppp.CodeConfigureAck:
		return m.handleConfigureAck(id)
	case ppp.CodeConfigureNak:
		return m.handleConfigureNak(id, options)
	case ppp.CodeConfigureReject:
		return m.handleConfigureReject(id, options)
	case ppp.CodeTerminateRequest:
		return m.handleTerminateRequest(id)
	case ppp.CodeTerminateAck:
		return m.handleTerminateAck(id)
	case ppp.CodeEchoRequest:
		return m.handleEchoRequest(id, options)
	case ppp.CodeEchoReply:
		return m.handleEchoReply(id, options)
	case ppp.CodeCodeReject, ppp.CodeProtocolReject, ppp.CodeDiscardRequest:
		return nil // logged, no state change required by spec
	default:
		m.transmit(ppp.CodeCodeReject, id, payload[:length])
		return nil
	}
}

func (m *Machine) handlePeerConfigureRequest(id uint8, options []byte) error {
	var naks, rejects []byte
	acceptAuth := ppp.AuthNone
	needAuthDecision := false

	err := ppp.ForEachOption(options, func(typ byte, data []byte) error {
		switch typ {
		case optMRU:
			if len(data) != 2 {
				rejects = ppp.AppendOption(rejects, typ, data)
				return nil
			}
			mru := ppp.BigEndian16(data)
			if mru < ppp.MRUFloor {
				naks = ppp.AppendOption16(naks, optMRU, ppp.DefaultMRU)
				return nil
			}
		case optAuthProto:
			needAuthDecision = true
			if len(data) < 2 {
				rejects = ppp.AppendOption(rejects, typ, data)
				return nil
			}
			proto := ppp.Proto(ppp.BigEndian16(data))
			switch {
			case proto == ppp.ProtoPAP && m.cfg.GenerateAuth == ppp.AuthPAP:
				acceptAuth = ppp.AuthPAP
			case proto == ppp.ProtoCHAP && len(data) >= 3 && data[2] == ppp.ChapAlgoMD5 && m.cfg.GenerateAuth == ppp.AuthCHAP:
				acceptAuth = ppp.AuthCHAP
			default:
				naks = appendAuthOption(naks, m.cfg.GenerateAuth)
			}
		case optACCM, optMagicNumber, optProtoCompress, optAddrCtrlCompress:
			// Silently accepted; this implementation does not alter wire
			// behaviour for any of these, but acknowledges the option.
		default:
			rejects = ppp.AppendOption(rejects, typ, data)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if needAuthDecision && acceptAuth != ppp.AuthNone {
		m.peerWantsAuth = acceptAuth
	}

	switch {
	case len(rejects) > 0:
		m.transmit(ppp.CodeConfigureReject, id, rejects)
	case len(naks) > 0:
		m.transmit(ppp.CodeConfigureNak, id, naks)
	default:
		m.transmit(ppp.CodeConfigureAck, id, options)
		m.peerAcked = true
		m.maybeComplete()
	}
	return nil
}

// maybeComplete transitions to completed once both our own configure-request
// and the peer's have been acked, regardless of which ack arrives first
// (spec.md §4.3 "req-sent → req-acked | peer-req-acked → completed").
func (m *Machine) maybeComplete() {
	if m.weAcked && m.peerAcked {
		m.state = ppp.StateCompleted
		if m.peerWantsAuth != ppp.AuthNone {
			m.authenticated = false
		}
		// OnLinkUp fires regardless of pending authentication: its job is
		// to decide whether PAP/CHAP must run before IPCP, not to wait
		// for them (endpoint.startAuthOrIPCP makes that call).
		if m.OnLinkUp != nil {
			m.OnLinkUp()
		}
	} else if m.peerAcked {
		m.state = ppp.StatePeerReqAcked
	} else if m.weAcked {
		m.state = ppp.StateReqAcked
	}
}

func appendAuthOption(dst []byte, kind ppp.AuthKind) []byte {
	switch kind {
	case ppp.AuthPAP:
		return ppp.AppendOption16(dst, optAuthProto, uint16(ppp.ProtoPAP))
	case ppp.AuthCHAP:
		return ppp.AppendOption(dst, optAuthProto, []byte{byte(ppp.ProtoCHAP >> 8), byte(ppp.ProtoCHAP & 0xFF), ppp.ChapAlgoMD5})
	default:
		return dst
	}
}

func (m *Machine) handleConfigureAck(id uint8) error {
	if id != m.txID {
		return ppp.ErrIDMismatch
	}
	m.timer = 0
	m.weAcked = true
	m.maybeComplete()
	return nil
}

func (m *Machine) handleConfigureNak(id uint8, options []byte) error {
	if id != m.txID {
		return ppp.ErrIDMismatch
	}
	ppp.ForEachOption(options, func(typ byte, data []byte) error {
		if typ == optMRU && len(data) == 2 {
			hint := ppp.BigEndian16(data)
			if hint < ppp.MRUFloor {
				m.localMRU = ppp.DefaultMRU
			} else {
				m.localMRU = hint
			}
		}
		return nil
	})
	m.sendConfigureRequest()
	return nil
}

func (m *Machine) handleConfigureReject(id uint8, options []byte) error {
	if id != m.txID {
		return ppp.ErrIDMismatch
	}
	// Options we advertised that the peer rejects are simply dropped from
	// future requests; since this implementation only ever advertises
	// MRU and, optionally, the auth-protocol option, a reject of either
	// just means we stop advertising it.
	ppp.ForEachOption(options, func(typ byte, data []byte) error {
		if typ == optAuthProto {
			m.cfg.RequireAuth = ppp.AuthNone
		}
		if typ == optMRU {
			m.localMRU = ppp.DefaultMRU
		}
		return nil
	})
	m.sendConfigureRequest()
	return nil
}

func (m *Machine) handleTerminateRequest(id uint8) error {
	m.transmit(ppp.CodeTerminateAck, id, nil)
	wasUp := m.state == ppp.StateCompleted
	m.state = ppp.StateStopped
	if wasUp && m.OnLinkDown != nil {
		m.OnLinkDown()
	}
	return nil
}

func (m *Machine) handleTerminateAck(id uint8) error {
	if m.state == ppp.StateStopping {
		m.state = ppp.StateStopped
	}
	return nil
}

func (m *Machine) handleEchoRequest(id uint8, data []byte) error {
	if m.state != ppp.StateCompleted {
		return nil
	}
	// Magic number is always zero in this implementation (magic-number
	// negotiation is accepted but never acted on), so the reply carries
	// a zeroed 4-byte magic and no further data.
	m.transmit(ppp.CodeEchoReply, id, []byte{0, 0, 0, 0})
	return nil
}

func (m *Machine) handleEchoReply(id uint8, data []byte) error {
	if m.outstandingEchoSet && id == m.outstandingEchoID {
		m.outstandingEchoSet = false
	}
	return nil
}

// SendPing transmits an echo-request carrying data and records the
// outstanding id (spec.md §4.3 "Echo ping").
func (m *Machine) SendPing(data []byte) {
	m.txID++
	m.outstandingEchoID = m.txID
	m.outstandingEchoSet = true
	m.transmit(ppp.CodeEchoRequest, m.txID, data)
}

// PingOutstanding reports whether a sent echo-request has not yet been
// answered.
func (m *Machine) PingOutstanding() bool { return m.outstandingEchoSet }

// RejectProtocol sends a protocol-reject for a frame the endpoint could
// not demultiplex (spec.md §4.7 "unsupported protocol"). rejected is the
// 2-byte protocol number followed by the offending payload; it is sent as
// given and is not truncated to the MRU.
func (m *Machine) RejectProtocol(rejected []byte) {
	if m.state != ppp.StateCompleted {
		return
	}
	m.txID++
	m.transmit(ppp.CodeProtocolReject, m.txID, rejected)
}

func (m *Machine) sendConfigureRequest() {
	m.txID++
	m.timer = m.cfg.RetryTimeoutTicks
	var opts []byte
	opts = ppp.AppendOption16(opts, optMRU, m.localMRU)
	if m.cfg.RequireAuth != ppp.AuthNone {
		opts = appendAuthOption(opts, m.cfg.RequireAuth)
	}
	m.transmit(ppp.CodeConfigureRequest, m.txID, opts)
}

func (m *Machine) transmit(code ppp.Code, id uint8, options []byte) {
	payload := make([]byte, 2+4+len(options))
	payload[0] = byte(ppp.ProtoLCP >> 8)
	payload[1] = byte(ppp.ProtoLCP & 0xFF)
	payload[2] = byte(code)
	payload[3] = id
	length := 4 + len(options)
	payload[4] = byte(length >> 8)
	payload[5] = byte(length)
	copy(payload[6:], options)
	if err := m.tx.Transmit(ppp.ProtoLCP, payload); err != nil {
		m.warn("lcp: transmit failed", slog.String("err", err.Error()))
	}
}
