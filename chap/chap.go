// Package chap implements the Challenge-Handshake Authentication Protocol
// automaton of RFC 1994, MD5 algorithm only (spec.md §4.5).
package chap

import (
	"crypto/md5"
	"log/slog"

	"github.com/soypat/lneto-ppp"
	"github.com/soypat/lneto-ppp/internal"
)

// Codes, RFC 1994 §4.
const (
	codeChallenge = 1
	codeResponse  = 2
	codeSuccess   = 3
	codeFailure   = 4
)

type state uint8

const (
	stateInitial state = iota
	stateStart
	stateReqSent         // challenger: sent challenge, awaiting response
	stateReqSentBoth     // both sides must authenticate each other
	stateReqSentResponded // we challenged; one of the two exchanges (our response or the peer's) is done
	stateReqWait         // waiting for peer's challenge (we are responder only)
	stateRespWait        // we responded, waiting for success/failure
	stateCompleted
	stateCompletedNew     // midstream rechallenge initiated
	stateCompletedNewSent // rechallenge sent, awaiting response
	stateFailed
)

// Transmitter is the endpoint-facing collaborator a Machine sends framed
// CHAP packets through.
type Transmitter interface {
	Transmit(proto ppp.Proto, payload []byte) error
}

// Config configures a Machine's role and retry behaviour.
type Config struct {
	// Challenge, if non-zero, means this side challenges the peer (acts
	// as authenticator). ChallengeSeed seeds an internal.Prand32
	// generator that produces a fresh challenge value on every
	// challenge and rechallenge, so the caller never has to supply its
	// own randomness source; ChallengeName is this side's name,
	// advertised as challenger-name.
	Challenge     bool
	ChallengeSeed uint32
	ChallengeName []byte
	// Responder, if non-nil, means this side answers peer challenges
	// (acts as authenticatee). Given the challenger-name from the
	// incoming challenge, it returns the shared secret and this side's
	// own name to send back with the response.
	Responder func(challengerName []byte) (secret, ourName []byte)
	// Verify, if non-nil, validates a peer's response against the
	// secret registered for the name the peer used to identify itself
	// in its response. ok reports whether a secret is known for that
	// name; the response is accepted only if ok and the hash matches.
	Verify func(peerName []byte) (secret []byte, ok bool)

	MaxRetries        int
	RetryTimeoutTicks uint32
}

// DefaultConfig returns spec.md §6's default max-retries (20) for CHAP.
func DefaultConfig() Config {
	return Config{MaxRetries: 20, RetryTimeoutTicks: 30}
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

// Machine implements the CHAP automaton (spec.md §4.5).
type Machine struct {
	logger
	tx  Transmitter
	cfg Config

	st      state
	txID    uint8
	retries int
	timer   uint32

	// challenger side bookkeeping
	prandState uint32 // internal.Prand32 generator state, re-seeded from cfg.ChallengeSeed on Reset
	lastValue  []byte // random value sent with our last challenge
	lastID     uint8  // id byte of our last challenge (hashed as MD5 input)

	authenticated bool

	OnLinkDown     func()
	OnAuthComplete func()
}

// NewMachine constructs a Machine in the initial state.
func NewMachine(tx Transmitter, cfg Config, log *slog.Logger) *Machine {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 20
	}
	if cfg.ChallengeSeed == 0 {
		cfg.ChallengeSeed = 0x9e3779b9 // golden-ratio constant, never zero: Prand32(0) is a fixed point
	}
	m := &Machine{tx: tx, cfg: cfg, prandState: cfg.ChallengeSeed}
	m.log = log
	return m
}

// State reports the generic ppp.State nearest this machine's internal
// state, for status reporting alongside LCP/IPCP.
func (m *Machine) State() ppp.State {
	switch m.st {
	case stateInitial:
		return ppp.StateInitial
	case stateCompleted, stateCompletedNew, stateCompletedNewSent:
		return ppp.StateCompleted
	case stateFailed:
		return ppp.StateFailed
	default:
		return ppp.StateReqSent
	}
}

// Authenticated reports whether the peer has satisfied a challenge this
// side issued. Open sets it when Challenge is false (we never challenge);
// it is false before Open and after a received failure.
func (m *Machine) Authenticated() bool { return m.authenticated }

// Open starts CHAP negotiation (spec.md §4.5 "Challenge"/start).
func (m *Machine) Open() {
	m.retries = 0
	m.authenticated = !m.cfg.Challenge
	switch {
	case m.cfg.Challenge && m.cfg.Responder != nil:
		m.sendChallenge()
		m.st = stateReqSentBoth
	case m.cfg.Challenge:
		m.sendChallenge()
		m.st = stateReqSent
	case m.cfg.Responder != nil:
		m.st = stateReqWait
	default:
		m.complete()
	}
}

// Reset returns the machine to its initial state, re-seeding the
// challenge-value generator from Config.
func (m *Machine) Reset() {
	*m = Machine{tx: m.tx, cfg: m.cfg, logger: m.logger, OnLinkDown: m.OnLinkDown,
		OnAuthComplete: m.OnAuthComplete, prandState: m.cfg.ChallengeSeed}
}

func (m *Machine) complete() {
	m.st = stateCompleted
	if m.OnAuthComplete != nil {
		m.OnAuthComplete()
	}
}

// Rechallenge re-issues a fresh challenge while in completed, cancelling
// any timer the previous challenge round had armed (spec.md §4.5
// "Midstream rechallenge", §9 Open Question: the new challenge always
// takes precedence over a stale retransmit).
func (m *Machine) Rechallenge() {
	if m.st != stateCompleted || !m.cfg.Challenge {
		return
	}
	m.timer = 0 // cancel any armed retransmit before arming a new one
	m.st = stateCompletedNew
	m.sendChallenge()
	m.st = stateCompletedNewSent
}

// nextChallengeValue draws 16 bytes from the internal.Prand32 generator,
// advancing its state so every challenge (and every rechallenge) carries
// a fresh, unpredictable-to-a-casual-observer value without requiring the
// caller to supply a crypto/rand source.
func (m *Machine) nextChallengeValue() []byte {
	var v [16]byte
	for i := 0; i < len(v); i += 4 {
		m.prandState = internal.Prand32(m.prandState)
		v[i] = byte(m.prandState >> 24)
		v[i+1] = byte(m.prandState >> 16)
		v[i+2] = byte(m.prandState >> 8)
		v[i+3] = byte(m.prandState)
	}
	return v[:]
}

func (m *Machine) sendChallenge() {
	m.txID++
	m.timer = m.cfg.RetryTimeoutTicks
	value := m.nextChallengeValue()
	name := m.cfg.ChallengeName
	m.lastValue = append(m.lastValue[:0], value...)
	m.lastID = m.txID

	payload := make([]byte, 2+4+1+len(value)+len(name))
	setHeader(payload, codeChallenge, m.txID)
	off := 6
	payload[off] = byte(len(value))
	off++
	off += copy(payload[off:], value)
	copy(payload[off:], name)
	setLength(payload)
	m.transmitRaw(payload)
}

func setHeader(payload []byte, code byte, id uint8) {
	payload[0] = byte(ppp.ProtoCHAP >> 8)
	payload[1] = byte(ppp.ProtoCHAP & 0xFF)
	payload[2] = code
	payload[3] = id
}

func setLength(payload []byte) {
	length := len(payload) - 2
	payload[4] = byte(length >> 8)
	payload[5] = byte(length)
}

func (m *Machine) transmitRaw(payload []byte) {
	if err := m.tx.Transmit(ppp.ProtoCHAP, payload); err != nil {
		m.warn("chap: transmit failed", slog.String("err", err.Error()))
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

// Timeout retries an outstanding challenge, or fails the machine.
func (m *Machine) Timeout() {
	switch m.st {
	case stateReqSent, stateReqSentBoth, stateReqSentResponded, stateCompletedNewSent:
	default:
		return
	}
	m.retries++
	if m.retries >= m.cfg.MaxRetries {
		m.st = stateFailed
		m.authenticated = false
		if m.OnLinkDown != nil {
			m.OnLinkDown()
		}
		return
	}
	m.sendChallenge()
}

// Demux processes one inbound CHAP payload.
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
	case codeChallenge:
		return m.handleChallenge(id, body)
	case codeResponse:
		return m.handleResponse(id, body)
	case codeSuccess:
		return m.handleSuccess()
	case codeFailure:
		return m.handleFailure()
	}
	return nil
}

func (m *Machine) handleChallenge(id uint8, body []byte) error {
	if m.cfg.Responder == nil || len(body) < 1 {
		return nil
	}
	valueLen := int(body[0])
	if 1+valueLen > len(body) {
		return ppp.ErrPacketTooShort
	}
	value := body[1 : 1+valueLen]
	challengerName := body[1+valueLen:]

	secret, ourName := m.cfg.Responder(challengerName)
	h := md5.New()
	h.Write([]byte{id})
	h.Write(secret)
	h.Write(value)
	sum := h.Sum(nil)

	resp := make([]byte, 2+4+1+len(sum)+len(ourName))
	setHeader(resp, codeResponse, id)
	off := 6
	resp[off] = byte(len(sum))
	off++
	off += copy(resp[off:], sum)
	copy(resp[off:], ourName)
	setLength(resp)
	m.transmitRaw(resp)

	if m.st == stateReqSentBoth {
		m.st = stateReqSentResponded
	} else if m.st != stateCompleted && m.st != stateCompletedNewSent {
		m.st = stateRespWait
	}
	return nil
}

func (m *Machine) handleResponse(id uint8, body []byte) error {
	if m.cfg.Verify == nil || len(body) < 1 {
		return nil
	}
	hashLen := int(body[0])
	if 1+hashLen > len(body) {
		return ppp.ErrPacketTooShort
	}
	hash := body[1 : 1+hashLen]
	peerName := body[1+hashLen:]

	secret, ok := m.cfg.Verify(peerName)
	match := false
	if ok {
		h := md5.New()
		h.Write([]byte{m.lastID})
		h.Write(secret)
		h.Write(m.lastValue)
		expected := h.Sum(nil)
		match = len(expected) == len(hash) && constantTimeEqual(expected, hash)
	}

	if match {
		m.transmitSimple(codeSuccess, id)
		m.authenticated = true
		switch m.st {
		case stateReqSent:
			m.complete()
		case stateReqSentBoth, stateReqSentResponded:
			if m.st == stateReqSentResponded {
				m.complete()
			} else {
				m.st = stateReqSentResponded // still owe our own response
			}
		case stateCompletedNewSent:
			m.complete()
		}
	} else {
		m.transmitSimple(codeFailure, id)
		m.authenticated = false
		m.st = stateFailed
		if m.OnLinkDown != nil {
			m.OnLinkDown()
		}
	}
	return nil
}

func (m *Machine) handleSuccess() error {
	switch m.st {
	case stateRespWait:
		m.complete()
	case stateCompletedNewSent:
		m.complete()
	}
	return nil
}

func (m *Machine) handleFailure() error {
	m.st = stateFailed
	m.authenticated = false
	if m.OnLinkDown != nil {
		m.OnLinkDown()
	}
	return nil
}

func (m *Machine) transmitSimple(code byte, id uint8) {
	payload := make([]byte, 6)
	setHeader(payload, code, id)
	setLength(payload)
	m.transmitRaw(payload)
}

func constantTimeEqual(a, b []byte) bool {
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
