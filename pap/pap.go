// Package pap implements the Password Authentication Protocol automaton
// of RFC 1334: simple plaintext credential exchange, used by the endpoint
// when LCP has negotiated PAP as the authentication protocol.
package pap

import (
	"log/slog"

	"github.com/soypat/lneto-ppp"
	"github.com/soypat/lneto-ppp/internal"
)

// Codes, RFC 1334 §2.
const (
	codeAuthRequest = 1
	codeAuthAck     = 2
	codeAuthNak     = 3
)

// states local to PAP (spec.md §4.4); narrower than the shared ppp.State
// automaton since PAP has no negotiation-retry structure.
type state uint8

const (
	stateInitial state = iota
	stateStart
	stateAuthRequestSent
	stateAuthRequestWait
	stateCompleted
	stateFailed
)

// Transmitter is the endpoint-facing collaborator a Machine sends framed
// PAP packets through.
type Transmitter interface {
	Transmit(proto ppp.Proto, payload []byte) error
}

// Config configures a Machine's role and retry behaviour.
type Config struct {
	// Generate, if non-nil, supplies the name/password this side offers
	// when acting as authenticatee.
	Generate func() (name, password []byte)
	// Verify, if non-nil, validates an incoming peer credential when
	// this side acts as authenticator. true accepts.
	Verify func(name, password []byte) bool
	// RequirePeer, when true, means this side also demands the peer
	// authenticate to it (both-sides-auth).
	RequirePeer       bool
	MaxRetries        int
	RetryTimeoutTicks uint32
}

// DefaultConfig returns spec.md §6's default max-retries (4) for PAP.
func DefaultConfig() Config {
	return Config{MaxRetries: 4, RetryTimeoutTicks: 30}
}

type logger struct{ log *slog.Logger }

func (l logger) warn(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelWarn, msg, attrs...)
}
func (l logger) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelInfo, msg, attrs...)
}
func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}

// Machine implements the PAP automaton (spec.md §4.4).
type Machine struct {
	logger
	tx  Transmitter
	cfg Config

	st      state
	txID    uint8
	retries int
	timer   uint32

	weOwe    bool // we still need to authenticate to the peer
	peerAuth bool // peer has successfully authenticated to us

	OnLinkDown     func()
	OnNak          func()
	OnAuthComplete func()
}

// NewMachine constructs a Machine in the initial state.
func NewMachine(tx Transmitter, cfg Config, log *slog.Logger) *Machine {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 4
	}
	m := &Machine{tx: tx, cfg: cfg}
	m.log = log
	return m
}

// State reports the generic ppp.State nearest this machine's finer-grained
// internal state, for status reporting alongside LCP/IPCP.
func (m *Machine) State() ppp.State {
	switch m.st {
	case stateInitial:
		return ppp.StateInitial
	case stateStart, stateAuthRequestSent, stateAuthRequestWait:
		return ppp.StateReqSent
	case stateCompleted:
		return ppp.StateCompleted
	default:
		return ppp.StateFailed
	}
}

// Authenticated reports whether this side's authentication obligations
// (ours to the peer, the peer's to us, or both per RequirePeer) have all
// been satisfied.
func (m *Machine) Authenticated() bool { return m.st == stateCompleted }

// Open starts authentication (spec.md §4.4 "start").
func (m *Machine) Open() {
	m.retries = 0
	m.weOwe = m.cfg.Generate != nil
	if m.cfg.Generate != nil {
		m.sendAuthRequest()
		m.st = stateAuthRequestSent
	} else {
		m.st = stateAuthRequestWait
	}
}

// Reset returns the machine to its initial state.
func (m *Machine) Reset() {
	*m = Machine{tx: m.tx, cfg: m.cfg, logger: m.logger, OnLinkDown: m.OnLinkDown, OnNak: m.OnNak,
		OnAuthComplete: m.OnAuthComplete}
}

func (m *Machine) complete() {
	m.st = stateCompleted
	if m.OnAuthComplete != nil {
		m.OnAuthComplete()
	}
}

func (m *Machine) sendAuthRequest() {
	m.txID++
	m.timer = m.cfg.RetryTimeoutTicks
	name, password := m.cfg.Generate()
	payload := make([]byte, 2+4+1+len(name)+1+len(password))
	payload[0] = byte(ppp.ProtoPAP >> 8)
	payload[1] = byte(ppp.ProtoPAP & 0xFF)
	payload[2] = codeAuthRequest
	payload[3] = m.txID
	off := 6
	payload[off] = byte(len(name))
	off++
	off += copy(payload[off:], name)
	payload[off] = byte(len(password))
	off++
	off += copy(payload[off:], password)
	length := off - 2
	payload[4] = byte(length >> 8)
	payload[5] = byte(length)
	m.transmitRaw(payload)
}

func (m *Machine) transmitRaw(payload []byte) {
	if err := m.tx.Transmit(ppp.ProtoPAP, payload); err != nil {
		m.warn("pap: transmit failed", slog.String("err", err.Error()))
	}
}

// Tick decrements the retransmit timer, firing Timeout at zero.
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

// Timeout retries the outstanding auth-request, or fails the machine.
func (m *Machine) Timeout() {
	if m.st != stateAuthRequestSent {
		return
	}
	m.retries++
	if m.retries >= m.cfg.MaxRetries {
		m.st = stateFailed
		if m.OnLinkDown != nil {
			m.OnLinkDown()
		}
		return
	}
	m.sendAuthRequest()
}

// Demux processes one inbound PAP payload.
func (m *Machine) Demux(payload []byte) error {
	if len(payload) < 4 {
		return ppp.ErrPacketTooShort
	}
	code := payload[0]
	id := payload[1]
	length := int(ppp.BigEndian16(payload[2:4]))
	if length > len(payload) {
		return ppp.ErrPacketTooShort
	}
	body := payload[4:length]

	switch code {
	case codeAuthRequest:
		return m.handlePeerAuthRequest(id, body)
	case codeAuthAck:
		return m.handleAuthAck()
	case codeAuthNak:
		return m.handleAuthNak()
	}
	return nil
}

func (m *Machine) handlePeerAuthRequest(id uint8, body []byte) error {
	if len(body) < 1 {
		return ppp.ErrPacketTooShort
	}
	nameLen := int(body[0])
	if 1+nameLen+1 > len(body) {
		return ppp.ErrPacketTooShort
	}
	name := body[1 : 1+nameLen]
	passLen := int(body[1+nameLen])
	passStart := 1 + nameLen + 1
	if passStart+passLen > len(body) {
		return ppp.ErrPacketTooShort
	}
	password := body[passStart : passStart+passLen]

	ok := m.cfg.Verify != nil && m.cfg.Verify(name, password)
	if ok {
		m.transmitSimple(codeAuthAck, id)
		m.peerAuth = true
		if !m.weOwe {
			m.complete()
		}
	} else {
		m.transmitSimple(codeAuthNak, id)
	}
	return nil
}

func (m *Machine) handleAuthAck() error {
	m.weOwe = false
	if m.cfg.RequirePeer && !m.peerAuth {
		m.st = stateAuthRequestWait
		return nil
	}
	m.complete()
	return nil
}

func (m *Machine) handleAuthNak() error {
	if m.OnNak != nil {
		m.OnNak()
	}
	m.sendAuthRequest()
	return nil
}

func (m *Machine) transmitSimple(code byte, id uint8) {
	payload := []byte{byte(ppp.ProtoPAP >> 8), byte(ppp.ProtoPAP & 0xFF), code, id, 0, 4}
	m.transmitRaw(payload)
}
