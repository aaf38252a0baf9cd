// Package endpoint composes the framer and the four protocol machines
// (lcp, pap, chap, ipcp) into a single PPP link driven by repeated calls
// to Poll, the way internet.StackBasic composes protocol handlers driven
// by repeated calls to Recv/Handle. No goroutine is spawned internally:
// the caller supplies the "single cooperative task" context spec.md §5
// describes, by calling Poll from one consistent place (a dedicated
// goroutine, a timer ISR-adjacent task, whatever the embedding program
// already uses).
package endpoint

import (
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	ppp "github.com/soypat/lneto-ppp"
	"github.com/soypat/lneto-ppp/chap"
	"github.com/soypat/lneto-ppp/internal"
	"github.com/soypat/lneto-ppp/ipcp"
	"github.com/soypat/lneto-ppp/lcp"
	"github.com/soypat/lneto-ppp/pap"
)

// Phase is the endpoint's overall lifecycle phase (spec.md §3 "overall
// phase").
type Phase uint8

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseEstablished
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseStarting:
		return "starting"
	case PhaseEstablished:
		return "established"
	case PhaseStopping:
		return "stopping"
	}
	return "phase(?)"
}

// Status is a point-in-time snapshot of the endpoint and its four
// sub-machines, mirroring the single-state accessor pattern of
// dhcpv4.Client.State()/tcp.ControlBlock.State() generalized to an
// endpoint with four sub-machines.
type Status struct {
	Phase         Phase
	LCP           ppp.State
	PAP           ppp.State
	CHAP          ppp.State
	IPCP          ppp.State
	Authenticated bool
	LocalAddr     netip.Addr
	PeerAddr      netip.Addr
	PrimaryDNS    netip.Addr
	SecondaryDNS  netip.Addr
}

// Config configures a new Endpoint (spec.md §6 Tunables). Each sub-config
// goes to its machine's NewMachine, which fills in a zero MaxRetries (and,
// for LCP, a zero MRU; for IPCP, a zero DNSRetryCap; for CHAP, a zero
// ChallengeSeed). A zero RetryTimeoutTicks is kept, and that machine then
// never arms its retransmit timer.
type Config struct {
	LCP  lcp.Config
	PAP  pap.Config
	CHAP chap.Config
	IPCP ipcp.Config

	// InterByteTimeoutTicks bounds how many times in a row the framer may
	// find its ring empty mid-frame before it abandons a partial frame.
	// Each Poll finds it empty once; Tick does not advance this count.
	InterByteTimeoutTicks uint32

	// PPPoEMode, when true, disables HDLC framing for outbound IPv4 data:
	// Poll's IP-send step hands packets directly to PacketSink, which owns their
	// release. The framer is still used for inbound/outbound control
	// traffic in mixed deployments that layer PPPoE discovery over a
	// byte carrier; pure PPPoE sessions only ever exercise PacketSink.
	PPPoEMode bool

	Log *slog.Logger
}

// ByteSink is the serial/byte-oriented carrier collaborator.
type ByteSink interface {
	Send(b []byte) error
}

// PacketSink is the PPPoE packet-oriented carrier collaborator. It owns
// release of any *ppp.Packet handed to it (spec.md §3 Ownership).
type PacketSink interface {
	SendPacket(pkt *ppp.Packet) error
}

// IPStack is the driver-facing collaborator that consumes inbound IPv4
// datagrams (spec.md §4.7 "receive").
type IPStack interface {
	Recv(payload []byte) error
}

// Endpoint is one PPP link (spec.md §3 "Endpoint"). All exported methods
// except PushByte, SendIP and SendRaw run on a single caller-owned
// goroutine; those three are safe to call concurrently from any context
// (ISR-style producers, spec.md §5). PushPacket dispatches straight into
// the protocol machines, so it belongs to that single goroutine too.
type Endpoint struct {
	logger
	cfg    Config
	pool   ppp.Pool
	framer *ppp.Framer

	sink       ByteSink
	packetSink PacketSink
	ipStack    IPStack

	lcpM  *lcp.Machine
	papM  *pap.Machine
	chapM *chap.Machine
	ipcpM *ipcp.Machine

	phase   atomicPhase
	started atomic.Bool

	qmu      sync.Mutex
	ipQueue  [][]byte
	rawQueue [][]byte

	chapRechallengeRequested bool
	dispatchBuf              []byte // reused scratch for each inbound frame's flattened payload

	// LinkUp, LinkDown, NakAuth are the endpoint's registered
	// notification callbacks (spec.md §3 "Callbacks"). Non-PPP noise from
	// the framer is logged rather than passed to a callback.
	LinkUp   func()
	LinkDown func()
	NakAuth  func()
}

type atomicPhase struct {
	mu sync.Mutex
	v  Phase
}

func (a *atomicPhase) get() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func (a *atomicPhase) set(p Phase) {
	a.mu.Lock()
	a.v = p
	a.mu.Unlock()
}

type logger struct{ log *slog.Logger }

func (l logger) error(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelError, msg, attrs...)
}
func (l logger) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelInfo, msg, attrs...)
}
func (l logger) warn(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelWarn, msg, attrs...)
}
func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}

// New constructs an Endpoint in the stopped phase. pool supplies inbound
// framer segments; sink is the byte carrier; packetSink may be nil
// unless cfg.PPPoEMode is set; ipStack receives decoded IPv4 datagrams.
func New(cfg Config, pool ppp.Pool, sink ByteSink, packetSink PacketSink, ipStack IPStack) *Endpoint {
	e := &Endpoint{cfg: cfg, pool: pool, sink: sink, packetSink: packetSink, ipStack: ipStack}
	e.log = cfg.Log
	e.framer = ppp.NewFramer(pool)
	e.framer.InterByteTimeoutTicks = cfg.InterByteTimeoutTicks
	e.framer.NonPPP = e.onNonPPP

	e.lcpM = lcp.NewMachine(e, cfg.LCP, cfg.Log)
	e.papM = pap.NewMachine(e, cfg.PAP, cfg.Log)
	e.chapM = chap.NewMachine(e, cfg.CHAP, cfg.Log)
	e.ipcpM = ipcp.NewMachine(e, cfg.IPCP, cfg.Log)

	e.lcpM.OnLinkDown = e.onLinkDown
	e.ipcpM.OnLinkDown = e.onLinkDown
	e.papM.OnLinkDown = e.onLinkDown
	e.chapM.OnLinkDown = e.onLinkDown
	e.papM.OnNak = e.onNakAuth
	e.papM.OnAuthComplete = e.onAuthComplete
	e.chapM.OnAuthComplete = e.onAuthComplete
	e.ipcpM.OnLinkUp = e.onIPCPUp
	e.lcpM.OnLinkUp = e.onLCPUp

	return e
}

// Transmit implements lcp.Transmitter, pap.Transmitter, chap.Transmitter
// and ipcp.Transmitter: every sub-machine shares this single outbound
// path through the framer.
func (e *Endpoint) Transmit(proto ppp.Proto, payload []byte) error {
	return ppp.TransmitFrame(e.sink, payload)
}

func (e *Endpoint) onNonPPP(b []byte) {
	e.debug("endpoint: non-PPP noise", slog.Int("len", len(b)))
}

func (e *Endpoint) onLinkDown() {
	e.phase.set(PhaseStopped)
	if e.LinkDown != nil {
		e.LinkDown()
	}
}

func (e *Endpoint) onNakAuth() {
	if e.NakAuth != nil {
		e.NakAuth()
	}
}

func (e *Endpoint) onLCPUp() {
	e.startAuthOrIPCP()
}

func (e *Endpoint) startAuthOrIPCP() {
	switch {
	case e.cfg.PAP.Generate != nil || e.cfg.PAP.Verify != nil:
		e.papM.Open()
	case e.cfg.CHAP.Challenge || e.cfg.CHAP.Responder != nil:
		e.chapM.Open()
	default:
		e.ipcpM.Open()
	}
}

// onAuthComplete fires once PAP or CHAP reaches its completed state.
// Guarded on IPCP still being initial so a CHAP midstream rechallenge
// (which also runs through complete()) never restarts an already-up
// IPCP session.
func (e *Endpoint) onAuthComplete() {
	if e.ipcpM.State() == ppp.StateInitial {
		e.ipcpM.Open()
	}
}

func (e *Endpoint) onIPCPUp(local, peer, primaryDNS, secondaryDNS netip.Addr) {
	e.phase.set(PhaseEstablished)
	if e.LinkUp != nil {
		e.LinkUp()
	}
}

// Start posts the Start event: LCP begins negotiation (spec.md §4.2
// "Start").
func (e *Endpoint) Start() error {
	if e.phase.get() != PhaseStopped {
		return ppp.ErrAlreadyStarted
	}
	e.started.Store(true)
	e.phase.set(PhaseStarting)
	e.lcpM.Open()
	return nil
}

// Stop closes LCP and spins cooperatively (Poll plus internal.Backoff,
// spec.md §5 Cancellation) until the LCP machine reaches stopped or 10000
// iterations pass, then resets every sub-machine and sets PhaseStopped.
// Returns
// ErrNotStarted if Start was never called, or ErrClosed on a double-stop
// (spec.md §7 "Caller errors").
func (e *Endpoint) Stop() error {
	if !e.started.Load() {
		return ppp.ErrNotStarted
	}
	if e.phase.get() == PhaseStopped {
		return ppp.ErrClosed
	}
	e.lcpM.Close()
	e.phase.set(PhaseStopping)

	backoff := internal.NewBackoff(internal.BackoffCriticalPath)
	for i := 0; i < 10000 && e.lcpM.State() != ppp.StateStopped; i++ {
		e.Poll()
		backoff.Miss()
	}
	e.releaseQueues()
	e.lcpM.Reset()
	e.papM.Reset()
	e.chapM.Reset()
	e.ipcpM.Reset()
	e.phase.set(PhaseStopped)
	return nil
}

func (e *Endpoint) releaseQueues() {
	e.qmu.Lock()
	e.ipQueue = e.ipQueue[:0]
	e.rawQueue = e.rawQueue[:0]
	e.qmu.Unlock()
}

// Status returns a snapshot of the endpoint's current state.
func (e *Endpoint) Status() Status {
	return Status{
		Phase:         e.phase.get(),
		LCP:           e.lcpM.State(),
		PAP:           e.papM.State(),
		CHAP:          e.chapM.State(),
		IPCP:          e.ipcpM.State(),
		Authenticated: e.authenticated(),
		LocalAddr:     e.ipcpM.LocalAddr(),
		PeerAddr:      e.cfg.IPCP.PeerAddr,
		PrimaryDNS:    e.ipcpM.PrimaryDNS(),
		SecondaryDNS:  e.ipcpM.SecondaryDNS(),
	}
}

// authenticated reports whether whichever auth machine is configured (PAP
// takes precedence over CHAP, mirroring startAuthOrIPCP's ordering) has
// satisfied its obligations; true if neither is configured at all.
func (e *Endpoint) authenticated() bool {
	switch {
	case e.cfg.PAP.Generate != nil || e.cfg.PAP.Verify != nil:
		return e.papM.Authenticated()
	case e.cfg.CHAP.Challenge || e.cfg.CHAP.Responder != nil:
		return e.chapM.Authenticated()
	default:
		return true
	}
}

// PushByte relays one received byte into the framer, interrupt-safe.
func (e *Endpoint) PushByte(b byte) error {
	return e.framer.PushByte(b)
}

// SendIP enqueues an outbound IPv4 datagram (spec.md §4.7 "send"),
// interrupt-safe. Returns ErrNotStarted if Start was never called, or
// ErrLinkDown if the link is down (established once, or still
// negotiating) (spec.md §7 "Caller errors").
func (e *Endpoint) SendIP(datagram []byte) error {
	if !e.started.Load() {
		return ppp.ErrNotStarted
	}
	if e.phase.get() != PhaseEstablished {
		return ppp.ErrLinkDown
	}
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if len(e.ipQueue) >= 64 {
		return ppp.ErrQueueFull
	}
	cp := append([]byte(nil), datagram...)
	e.ipQueue = append(e.ipQueue, cp)
	return nil
}

// SendRaw enqueues a raw byte string to drain through the byte sink
// without framing (spec.md §4.2 "Raw-string-send", used for AT-command
// modem dialog phases preceding PPP negotiation).
func (e *Endpoint) SendRaw(s []byte) error {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if len(e.rawQueue) >= 16 {
		return ppp.ErrQueueFull
	}
	cp := append([]byte(nil), s...)
	e.rawQueue = append(e.rawQueue, cp)
	return nil
}

// Ping sends an LCP echo-request carrying data.
func (e *Endpoint) Ping(data []byte) {
	e.lcpM.SendPing(data)
}

// RequestRechallenge posts the CHAP-rechallenge event (spec.md §4.2).
func (e *Endpoint) RequestRechallenge() {
	e.chapRechallengeRequested = true
}

// Tick posts the Timer event: it decrements the retry timers of the four
// protocol machines (spec.md §4.2 "Timer"). It does not advance the
// framer's inter-byte idle count.
func (e *Endpoint) Tick() {
	e.lcpM.Tick()
	e.papM.Tick()
	e.chapM.Tick()
	e.ipcpM.Tick()
}

// Poll drives one iteration of the event loop (spec.md §4.2), in this
// order: Raw-send → IP-send → CHAP-rechallenge → Bytes-in. Stop and Start
// act when they are called, the Timer event is posted by Tick, and PPPoE
// packets are dispatched by PushPacket, so none of those run here.
func (e *Endpoint) Poll() {
	e.drainRaw()
	e.drainIP()

	if e.chapRechallengeRequested {
		e.chapRechallengeRequested = false
		if e.chapM.State() == ppp.StateCompleted {
			e.chapM.Rechallenge()
		}
	}

	e.drainFrames()
}

func (e *Endpoint) drainRaw() {
	for {
		e.qmu.Lock()
		if len(e.rawQueue) == 0 {
			e.qmu.Unlock()
			return
		}
		s := e.rawQueue[0]
		e.rawQueue = e.rawQueue[1:]
		e.qmu.Unlock()
		if err := e.sink.Send(s); err != nil {
			e.warn("endpoint: raw send failed", slog.String("err", err.Error()))
		}
	}
}

func (e *Endpoint) drainIP() {
	if e.phase.get() != PhaseEstablished {
		return
	}
	for {
		e.qmu.Lock()
		if len(e.ipQueue) == 0 {
			e.qmu.Unlock()
			return
		}
		dgram := e.ipQueue[0]
		e.ipQueue = e.ipQueue[1:]
		e.qmu.Unlock()

		payload := make([]byte, 2+len(dgram))
		payload[0] = byte(ppp.ProtoIPv4 >> 8)
		payload[1] = byte(ppp.ProtoIPv4)
		copy(payload[2:], dgram)
		if e.cfg.PPPoEMode && e.packetSink != nil {
			// PPPoE hand-off: the sink owns release, the framer is
			// never involved (spec.md §9 Open Question decision).
			pkt := &ppp.Packet{}
			built := true
			for _, b := range payload {
				if err := pkt.AppendByte(e.pool, b, true); err != nil {
					e.warn("endpoint: pool exhausted on IP send", slog.String("err", err.Error()))
					pkt.Release(e.pool)
					built = false
					break
				}
			}
			if built {
				if err := e.packetSink.SendPacket(pkt); err != nil {
					e.warn("endpoint: packet sink send failed", slog.String("err", err.Error()))
				}
			}
		} else if err := ppp.TransmitFrame(e.sink, payload); err != nil {
			e.warn("endpoint: ip send failed", slog.String("err", err.Error()))
		}
	}
}

// drainFrames repeatedly polls the framer and dispatches completed
// frames to the matching sub-machine by protocol number (spec.md §2
// "protocol demultiplex").
func (e *Endpoint) drainFrames() {
	for {
		proto, pkt, ok, err := e.framer.Poll()
		if err != nil {
			e.warn("endpoint: framer error", slog.String("err", err.Error()))
		}
		if !ok {
			if err == nil {
				return
			}
			continue
		}
		e.dispatch(proto, pkt)
	}
}

func (e *Endpoint) dispatch(proto ppp.Proto, pkt *ppp.Packet) {
	defer pkt.Release(e.pool)
	internal.SliceReuse(&e.dispatchBuf, pkt.Len())
	buf := e.dispatchBuf[:pkt.Len()]
	pkt.CopyTo(buf)

	switch proto {
	case ppp.ProtoLCP:
		e.lcpM.Demux(buf)
	case ppp.ProtoPAP:
		e.papM.Demux(buf)
	case ppp.ProtoCHAP:
		e.chapM.Demux(buf)
	case ppp.ProtoIPCP:
		if e.lcpM.State().IsOpen() {
			e.ipcpM.Demux(buf)
		}
	case ppp.ProtoIPv4:
		if e.ipcpM.State().IsOpen() && e.ipStack != nil {
			e.ipStack.Recv(buf)
		}
	default:
		// Unsupported protocol on an open link: LCP replies with a
		// protocol-reject carrying the original protocol + payload.
		if e.lcpM.State().IsOpen() {
			rej := make([]byte, 2+len(buf))
			rej[0] = byte(proto >> 8)
			rej[1] = byte(proto)
			copy(rej[2:], buf)
			e.lcpM.RejectProtocol(rej)
		}
	}
}

// PushPacket delivers a PPPoE-sourced packet directly, bypassing HDLC
// framing (spec.md §4.2 "Packet-available"). proto must already be known
// by the caller (PPPoE session headers carry it outside this payload);
// payload is the PPP payload with no address/control/protocol header.
func (e *Endpoint) PushPacket(proto ppp.Proto, payload []byte) {
	switch proto {
	case ppp.ProtoLCP:
		e.lcpM.Demux(payload)
	case ppp.ProtoPAP:
		e.papM.Demux(payload)
	case ppp.ProtoCHAP:
		e.chapM.Demux(payload)
	case ppp.ProtoIPCP:
		if e.lcpM.State().IsOpen() {
			e.ipcpM.Demux(payload)
		}
	case ppp.ProtoIPv4:
		if e.ipcpM.State().IsOpen() && e.ipStack != nil {
			e.ipStack.Recv(payload)
		}
	}
}
