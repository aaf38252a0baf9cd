// Package ipcp implements the IP Control Protocol automaton of RFC 1332:
// IPv4 address and DNS server negotiation, layered over LCP the same way
// pap and chap are, using the shared configure-request/ack/nak/reject
// code space (spec.md §4.6).
package ipcp

import (
	"log/slog"
	"net/netip"

	"github.com/soypat/lneto-ppp"
	"github.com/soypat/lneto-ppp/internal"
)

// Option types (spec.md §6 "IPCP option-code table").
const (
	optIPCompression = 2
	optIPAddress     = 3
	optPrimaryDNS    = 0x81
	optSecondaryDNS  = 0x83
)

// Transmitter is the endpoint-facing collaborator a Machine sends framed
// IPCP packets through.
type Transmitter interface {
	Transmit(proto ppp.Proto, payload []byte) error
}

// Config configures a Machine's initial addressing and retry behaviour.
// LocalAddr may be unset (zero) to request an address from the peer.
// PrimaryDNS/SecondaryDNS, if set, are offered to the peer on request and
// used as NAK hints: a peer's zero proposal is NAK'd with the stored value
// up to DNSRetryCap times and then accepted. If unset, a zero proposal is
// accepted at once.
type Config struct {
	LocalAddr     netip.Addr
	PeerAddr      netip.Addr
	PrimaryDNS    netip.Addr
	SecondaryDNS  netip.Addr
	DNSRetryCap   int
	MaxRetries    int
	RetryTimeoutTicks uint32
}

// DefaultConfig returns spec.md §6's defaults for IPCP.
func DefaultConfig() Config {
	return Config{MaxRetries: 20, RetryTimeoutTicks: 30, DNSRetryCap: 3}
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

// Machine implements the IPCP automaton (spec.md §4.6). States mirror LCP.
type Machine struct {
	logger
	tx  Transmitter
	cfg Config

	state ppp.State

	txID    uint8
	retries int
	timer   uint32

	localAddr  netip.Addr
	peerAddr   netip.Addr
	primaryDNS netip.Addr
	secDNS     netip.Addr

	primaryDNSRetries int
	secDNSRetries     int

	weAcked   bool
	peerAcked bool

	// OnLinkUp is invoked once both sides have acked (spec.md §4.6
	// "On both-sides-acked"). OnLinkDown mirrors LCP.
	OnLinkUp   func(local, peer, primaryDNS, secondaryDNS netip.Addr)
	OnLinkDown func()
}

// NewMachine constructs a Machine in the initial state.
func NewMachine(tx Transmitter, cfg Config, log *slog.Logger) *Machine {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 20
	}
	if cfg.DNSRetryCap == 0 {
		cfg.DNSRetryCap = 3
	}
	m := &Machine{tx: tx, cfg: cfg, localAddr: cfg.LocalAddr, peerAddr: cfg.PeerAddr,
		primaryDNS: cfg.PrimaryDNS, secDNS: cfg.SecondaryDNS}
	m.log = log
	return m
}

// State reports the machine's current automaton state.
func (m *Machine) State() ppp.State { return m.state }

// LocalAddr returns the currently negotiated local address (may be the
// zero address before negotiation completes).
func (m *Machine) LocalAddr() netip.Addr { return m.localAddr }

// PrimaryDNS returns the currently negotiated primary DNS server.
func (m *Machine) PrimaryDNS() netip.Addr { return m.primaryDNS }

// SecondaryDNS returns the currently negotiated secondary DNS server.
func (m *Machine) SecondaryDNS() netip.Addr { return m.secDNS }

// Open transitions from initial to start, sending the first
// configure-request.
func (m *Machine) Open() {
	m.retries = 0
	m.weAcked = false
	m.peerAcked = false
	m.state = ppp.StateStart
	m.sendConfigureRequest()
	m.state = ppp.StateReqSent
}

// Reset returns the machine to its initial state, re-seeding addresses
// from Config.
func (m *Machine) Reset() {
	*m = Machine{tx: m.tx, cfg: m.cfg, logger: m.logger, localAddr: m.cfg.LocalAddr,
		peerAddr: m.cfg.PeerAddr, primaryDNS: m.cfg.PrimaryDNS, secDNS: m.cfg.SecondaryDNS,
		OnLinkUp: m.OnLinkUp, OnLinkDown: m.OnLinkDown}
}

// Close begins orderly termination from completed.
func (m *Machine) Close() {
	if m.state != ppp.StateCompleted {
		return
	}
	m.txID++
	m.transmit(ppp.CodeTerminateRequest, m.txID, nil)
	m.timer = m.cfg.RetryTimeoutTicks
	m.state = ppp.StateStopping
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

// Timeout retries the outstanding configure-request, or fails the machine
// once MaxRetries is reached. In stopping it moves to stopped without
// resending the terminate-request.
func (m *Machine) Timeout() {
	switch m.state {
	case ppp.StateReqSent, ppp.StatePeerReqAcked:
		m.retries++
		if m.retries >= m.cfg.MaxRetries {
			m.state = ppp.StateFailed
			if m.OnLinkDown != nil {
				m.OnLinkDown()
			}
			return
		}
		m.sendConfigureRequest()
	case ppp.StateStopping:
		m.state = ppp.StateStopped
	}
}

func appendAddrOption(dst []byte, typ byte, a netip.Addr) []byte {
	var v4 [4]byte
	if a.Is4() {
		v4 = a.As4()
	}
	return ppp.AppendOption(dst, typ, v4[:])
}

func (m *Machine) sendConfigureRequest() {
	m.txID++
	m.timer = m.cfg.RetryTimeoutTicks
	var opts []byte
	opts = appendAddrOption(opts, optIPAddress, m.localAddr)
	if m.primaryDNS.IsValid() || m.primaryDNSRetries > 0 {
		opts = appendAddrOption(opts, optPrimaryDNS, m.primaryDNS)
	}
	if m.secDNS.IsValid() || m.secDNSRetries > 0 {
		opts = appendAddrOption(opts, optSecondaryDNS, m.secDNS)
	}
	m.transmit(ppp.CodeConfigureRequest, m.txID, opts)
}

// Demux processes one inbound IPCP payload.
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
		if m.state == ppp.StateStopping {
			m.state = ppp.StateStopped
		}
		return nil
	}
	return nil
}

func (m *Machine) handlePeerConfigureRequest(id uint8, options []byte) error {
	var naks, rejects []byte
	var gotAddr netip.Addr

	err := ppp.ForEachOption(options, func(typ byte, data []byte) error {
		switch typ {
		case optIPAddress:
			if len(data) != 4 {
				rejects = ppp.AppendOption(rejects, typ, data)
				return nil
			}
			addr := netip.AddrFrom4([4]byte(data))
			if addr == netip.IPv4Unspecified() {
				// Peer is requesting an address from us; offer our
				// known peer address as a hint.
				naks = appendAddrOption(naks, optIPAddress, m.peerAddr)
				return nil
			}
			gotAddr = addr
		case optPrimaryDNS:
			naks = m.checkDNSOption(naks, data, optPrimaryDNS, m.primaryDNS, &m.primaryDNSRetries)
		case optSecondaryDNS:
			naks = m.checkDNSOption(naks, data, optSecondaryDNS, m.secDNS, &m.secDNSRetries)
		case optIPCompression:
			// Accepted without imposing compression.
		default:
			rejects = ppp.AppendOption(rejects, typ, data)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if gotAddr.IsValid() {
		m.peerAddr = gotAddr
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

// checkDNSOption applies the hint-based DNS negotiation with a capped
// retry count (spec.md §4.6): if the peer proposes zero and retries
// remain, NAK with the stored value; once the cap is hit, accept
// whatever the peer sent.
func (m *Machine) checkDNSOption(naks, data []byte, typ byte, stored netip.Addr, retries *int) []byte {
	if len(data) != 4 {
		return ppp.AppendOption(naks, typ, data)
	}
	addr := netip.AddrFrom4([4]byte(data))
	if addr == netip.IPv4Unspecified() && stored.IsValid() && *retries < m.cfg.DNSRetryCap {
		*retries++
		return appendAddrOption(naks, typ, stored)
	}
	return naks
}

func (m *Machine) maybeComplete() {
	if m.weAcked && m.peerAcked {
		m.state = ppp.StateCompleted
		if m.OnLinkUp != nil {
			m.OnLinkUp(m.localAddr, m.peerAddr, m.primaryDNS, m.secDNS)
		}
	} else if m.peerAcked {
		m.state = ppp.StatePeerReqAcked
	} else if m.weAcked {
		m.state = ppp.StateReqAcked
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
		if len(data) != 4 {
			return nil
		}
		addr := netip.AddrFrom4([4]byte(data))
		switch typ {
		case optIPAddress:
			m.localAddr = addr
		case optPrimaryDNS:
			m.primaryDNS = addr
		case optSecondaryDNS:
			m.secDNS = addr
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
	ppp.ForEachOption(options, func(typ byte, data []byte) error {
		switch typ {
		case optPrimaryDNS:
			m.primaryDNS = netip.Addr{}
		case optSecondaryDNS:
			m.secDNS = netip.Addr{}
		}
		return nil
	})
	m.sendConfigureRequest()
	return nil
}

func (m *Machine) handleTerminateRequest(id uint8) error {
	m.transmit(ppp.CodeTerminateAck, id, nil)
	wasUp := m.state == ppp.StateCompleted
	m.txID++
	m.transmit(ppp.CodeTerminateRequest, m.txID, nil)
	m.state = ppp.StateStopping
	if wasUp && m.OnLinkDown != nil {
		m.OnLinkDown()
	}
	return nil
}

func (m *Machine) transmit(code ppp.Code, id uint8, options []byte) {
	payload := make([]byte, 2+4+len(options))
	payload[0] = byte(ppp.ProtoIPCP >> 8)
	payload[1] = byte(ppp.ProtoIPCP & 0xFF)
	payload[2] = byte(code)
	payload[3] = id
	length := 4 + len(options)
	payload[4] = byte(length >> 8)
	payload[5] = byte(length)
	copy(payload[6:], options)
	if err := m.tx.Transmit(ppp.ProtoIPCP, payload); err != nil {
		m.warn("ipcp: transmit failed", slog.String("err", err.Error()))
	}
}
