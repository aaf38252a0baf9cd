package lcp

import (
	"testing"

	ppp "github.com/soypat/lneto-ppp"
)

type fakeTx struct {
	frames []ctrlFrame
}

type ctrlFrame struct {
	proto   ppp.Proto
	code    ppp.Code
	id      uint8
	options []byte
}

func (f *fakeTx) Transmit(proto ppp.Proto, payload []byte) error {
	if len(payload) < 6 {
		panic("short control frame in test")
	}
	f.frames = append(f.frames, ctrlFrame{
		proto:   proto,
		code:    ppp.Code(payload[2]),
		id:      payload[3],
		options: append([]byte(nil), payload[6:]...),
	})
	return nil
}

func (f *fakeTx) last() ctrlFrame {
	if len(f.frames) == 0 {
		panic("no frames sent")
	}
	return f.frames[len(f.frames)-1]
}

func rawPayload(code ppp.Code, id uint8, options []byte) []byte {
	payload := make([]byte, 6+len(options))
	payload[0] = byte(ppp.ProtoLCP >> 8)
	payload[1] = byte(ppp.ProtoLCP & 0xFF)
	payload[2] = byte(code)
	payload[3] = id
	length := 4 + len(options)
	payload[4] = byte(length >> 8)
	payload[5] = byte(length)
	copy(payload[6:], options)
	return payload[2:] // Demux takes the payload after the protocol field
}

func TestMachineOpenSendsConfigureRequest(t *testing.T) {
	tx := &fakeTx{}
	m := NewMachine(tx, DefaultConfig(), nil)
	m.Open()

	f := tx.last()
	if f.code != ppp.CodeConfigureRequest {
		t.Fatalf("code = %v, want configure-request", f.code)
	}
	if m.State() != ppp.StateReqSent {
		t.Fatalf("state = %v, want req-sent", m.State())
	}
	var sawMRU bool
	ppp.ForEachOption(f.options, func(typ byte, data []byte) error {
		if typ == optMRU {
			sawMRU = true
			if ppp.BigEndian16(data) != ppp.DefaultMRU {
				t.Errorf("MRU = %d, want %d", ppp.BigEndian16(data), ppp.DefaultMRU)
			}
		}
		return nil
	})
	if !sawMRU {
		t.Error("configure-request missing MRU option")
	}
}

func TestMachineTwoWayHandshakeCompletes(t *testing.T) {
	tx := &fakeTx{}
	m := NewMachine(tx, DefaultConfig(), nil)
	var linkUp bool
	m.OnLinkUp = func() { linkUp = true }
	m.Open()
	ourReqID := tx.last().id

	// Peer sends its own configure-request; we ack it.
	peerCR := rawPayload(ppp.CodeConfigureRequest, 9, ppp.AppendOption16(nil, optMRU, ppp.DefaultMRU))
	if err := m.Demux(peerCR); err != nil {
		t.Fatal(err)
	}
	if tx.last().code != ppp.CodeConfigureAck {
		t.Fatalf("expected ack of peer's request, got %v", tx.last().code)
	}
	if m.State() != ppp.StatePeerReqAcked {
		t.Fatalf("state = %v, want peer-req-acked", m.State())
	}

	// Peer acks our request.
	ack := rawPayload(ppp.CodeConfigureAck, ourReqID, nil)
	if err := m.Demux(ack); err != nil {
		t.Fatal(err)
	}
	if m.State() != ppp.StateCompleted {
		t.Fatalf("state = %v, want completed", m.State())
	}
	if !linkUp {
		t.Error("OnLinkUp must fire once LCP reaches completed")
	}
}

func TestHandshakeCompletesWhenOurAckArrivesFirst(t *testing.T) {
	// Mirror image of TestMachineTwoWayHandshakeCompletes: the peer acks our
	// configure-request before sending its own, so the machine passes
	// through req-acked rather than peer-req-acked on its way to completed.
	tx := &fakeTx{}
	m := NewMachine(tx, DefaultConfig(), nil)
	var linkUp bool
	m.OnLinkUp = func() { linkUp = true }
	m.Open()
	ourReqID := tx.last().id

	ack := rawPayload(ppp.CodeConfigureAck, ourReqID, nil)
	if err := m.Demux(ack); err != nil {
		t.Fatal(err)
	}
	if m.State() != ppp.StateReqAcked {
		t.Fatalf("state = %v, want req-acked", m.State())
	}

	peerCR := rawPayload(ppp.CodeConfigureRequest, 9, ppp.AppendOption16(nil, optMRU, ppp.DefaultMRU))
	if err := m.Demux(peerCR); err != nil {
		t.Fatal(err)
	}
	if tx.last().code != ppp.CodeConfigureAck {
		t.Fatalf("expected ack of peer's request, got %v", tx.last().code)
	}
	if m.State() != ppp.StateCompleted {
		t.Fatalf("state = %v, want completed", m.State())
	}
	if !linkUp {
		t.Error("OnLinkUp must fire once both sides have acked, regardless of order")
	}
}

func TestConfigureAckIDMismatchDropped(t *testing.T) {
	tx := &fakeTx{}
	m := NewMachine(tx, DefaultConfig(), nil)
	m.Open()
	before := m.State()

	badAck := rawPayload(ppp.CodeConfigureAck, 0xFF, nil)
	err := m.Demux(badAck)
	if err != ppp.ErrIDMismatch {
		t.Fatalf("err = %v, want ErrIDMismatch", err)
	}
	if m.State() != before {
		t.Errorf("state changed on id-mismatched ack: %v -> %v", before, m.State())
	}
}

func TestMRUBelowFloorNaked(t *testing.T) {
	tx := &fakeTx{}
	m := NewMachine(tx, DefaultConfig(), nil)
	m.Open()

	peerCR := rawPayload(ppp.CodeConfigureRequest, 1, ppp.AppendOption16(nil, optMRU, 64))
	if err := m.Demux(peerCR); err != nil {
		t.Fatal(err)
	}
	f := tx.last()
	if f.code != ppp.CodeConfigureNak {
		t.Fatalf("code = %v, want configure-nak", f.code)
	}
}

func TestUnknownOptionRejectTakesPrecedenceOverNak(t *testing.T) {
	// Testable property 7 (spec.md §8): a request containing both an
	// unknown type and a NAK-worthy value must be rejected, not naked.
	tx := &fakeTx{}
	m := NewMachine(tx, DefaultConfig(), nil)
	m.Open()

	var opts []byte
	opts = ppp.AppendOption16(opts, optMRU, 64) // NAK-worthy: below floor
	opts = ppp.AppendOption(opts, 0xF0, []byte{1, 2})      // unknown type

	peerCR := rawPayload(ppp.CodeConfigureRequest, 1, opts)
	if err := m.Demux(peerCR); err != nil {
		t.Fatal(err)
	}
	if tx.last().code != ppp.CodeConfigureReject {
		t.Fatalf("code = %v, want configure-reject", tx.last().code)
	}
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.RetryTimeoutTicks = 2
	tx := &fakeTx{}
	m := NewMachine(tx, cfg, nil)
	var linkDown bool
	m.OnLinkDown = func() { linkDown = true }
	m.Open()

	initialSends := len(tx.frames)
	for i := 0; i < cfg.MaxRetries; i++ {
		for tick := uint32(0); tick < cfg.RetryTimeoutTicks; tick++ {
			m.Tick()
		}
	}
	if m.State() != ppp.StateFailed {
		t.Fatalf("state = %v, want failed", m.State())
	}
	if !linkDown {
		t.Error("OnLinkDown must fire when retries are exhausted")
	}
	if len(tx.frames) <= initialSends {
		t.Error("expected retransmissions before failure")
	}
}

func TestEchoPingRoundTrip(t *testing.T) {
	tx := &fakeTx{}
	m := NewMachine(tx, DefaultConfig(), nil)
	m.Open()
	// Drive to completed directly for the echo test (peer acks both ways).
	ourID := tx.last().id
	m.Demux(rawPayload(ppp.CodeConfigureRequest, 1, ppp.AppendOption16(nil, optMRU, ppp.DefaultMRU)))
	m.Demux(rawPayload(ppp.CodeConfigureAck, ourID, nil))
	if m.State() != ppp.StateCompleted {
		t.Fatalf("state = %v, want completed", m.State())
	}

	m.SendPing([]byte("hello"))
	if !m.PingOutstanding() {
		t.Fatal("expected ping to be outstanding")
	}
	reqID := tx.last().id

	reply := rawPayload(ppp.CodeEchoReply, reqID, []byte{0, 0, 0, 0})
	if err := m.Demux(reply); err != nil {
		t.Fatal(err)
	}
	if m.PingOutstanding() {
		t.Error("ping must no longer be outstanding after matching reply")
	}
}

func TestEchoRequestAnsweredWhenCompleted(t *testing.T) {
	tx := &fakeTx{}
	m := NewMachine(tx, DefaultConfig(), nil)
	m.Open()
	ourID := tx.last().id
	m.Demux(rawPayload(ppp.CodeConfigureRequest, 1, ppp.AppendOption16(nil, optMRU, ppp.DefaultMRU)))
	m.Demux(rawPayload(ppp.CodeConfigureAck, ourID, nil))

	req := rawPayload(ppp.CodeEchoRequest, 42, []byte{0xAA, 0xBB})
	if err := m.Demux(req); err != nil {
		t.Fatal(err)
	}
	f := tx.last()
	if f.code != ppp.CodeEchoReply || f.id != 42 {
		t.Fatalf("got %+v, want echo-reply id=42", f)
	}
}

func TestPeerTerminateRequestEndsLink(t *testing.T) {
	// Scenario F at the LCP layer (spec.md §8).
	tx := &fakeTx{}
	m := NewMachine(tx, DefaultConfig(), nil)
	var linkDown bool
	m.OnLinkDown = func() { linkDown = true }
	m.Open()
	ourID := tx.last().id
	m.Demux(rawPayload(ppp.CodeConfigureRequest, 1, ppp.AppendOption16(nil, optMRU, ppp.DefaultMRU)))
	m.Demux(rawPayload(ppp.CodeConfigureAck, ourID, nil))

	term := rawPayload(ppp.CodeTerminateRequest, 9, nil)
	if err := m.Demux(term); err != nil {
		t.Fatal(err)
	}
	f := tx.last()
	if f.code != ppp.CodeTerminateAck || f.id != 9 {
		t.Fatalf("got %+v, want terminate-ack id=9", f)
	}
	if m.State() != ppp.StateStopped {
		t.Fatalf("state = %v, want stopped", m.State())
	}
	if !linkDown {
		t.Error("OnLinkDown must fire on peer-initiated terminate")
	}
}

func TestCloseSendsTerminateRequest(t *testing.T) {
	tx := &fakeTx{}
	m := NewMachine(tx, DefaultConfig(), nil)
	m.Open()
	ourID := tx.last().id
	m.Demux(rawPayload(ppp.CodeConfigureRequest, 1, ppp.AppendOption16(nil, optMRU, ppp.DefaultMRU)))
	m.Demux(rawPayload(ppp.CodeConfigureAck, ourID, nil))

	m.Close()
	if tx.last().code != ppp.CodeTerminateRequest {
		t.Fatalf("code = %v, want terminate-request", tx.last().code)
	}
	if m.State() != ppp.StateStopping {
		t.Fatalf("state = %v, want stopping", m.State())
	}

	ack := rawPayload(ppp.CodeTerminateAck, tx.last().id, nil)
	if err := m.Demux(ack); err != nil {
		t.Fatal(err)
	}
	if m.State() != ppp.StateStopped {
		t.Fatalf("state = %v, want stopped", m.State())
	}
}

func TestUnknownCodeGetsCodeReject(t *testing.T) {
	tx := &fakeTx{}
	m := NewMachine(tx, DefaultConfig(), nil)
	m.Open()

	weird := rawPayload(ppp.Code(200), 5, []byte{1, 2, 3})
	if err := m.Demux(weird); err != nil {
		t.Fatal(err)
	}
	if tx.last().code != ppp.CodeCodeReject {
		t.Fatalf("code = %v, want code-reject", tx.last().code)
	}
}
