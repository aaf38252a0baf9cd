package ipcp

import (
	"net/netip"
	"testing"

	ppp "github.com/soypat/lneto-ppp"
)

type fakeTx struct{ frames []recordedFrame }

type recordedFrame struct {
	code ppp.Code
	id   uint8
	opts []byte
}

func (f *fakeTx) Transmit(proto ppp.Proto, payload []byte) error {
	length := int(ppp.BigEndian16(payload[4:6]))
	f.frames = append(f.frames, recordedFrame{
		code: ppp.Code(payload[2]),
		id:   payload[3],
		opts: append([]byte(nil), payload[6:6+length-4]...),
	})
	return nil
}

func (f *fakeTx) last() recordedFrame { return f.frames[len(f.frames)-1] }

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func rawPayload(code ppp.Code, id uint8, options []byte) []byte {
	payload := make([]byte, 2+4+len(options))
	payload[0] = byte(ppp.ProtoIPCP >> 8)
	payload[1] = byte(ppp.ProtoIPCP & 0xFF)
	payload[2] = byte(code)
	payload[3] = id
	length := 4 + len(options)
	payload[4] = byte(length >> 8)
	payload[5] = byte(length)
	copy(payload[6:], options)
	return payload[2:] // Demux takes the payload after the protocol field
}

func addrOption(typ byte, a netip.Addr) []byte {
	v4 := a.As4()
	return ppp.AppendOption(nil, typ, v4[:])
}

func TestOpenRequestsStaticAddress(t *testing.T) {
	tx := &fakeTx{}
	cfg := DefaultConfig()
	cfg.LocalAddr = addr("10.0.0.2")
	m := NewMachine(tx, cfg, nil)
	m.Open()

	f := tx.last()
	if f.code != ppp.CodeConfigureRequest {
		t.Fatalf("code = %v, want configure-request", f.code)
	}
	var gotAddr netip.Addr
	ppp.ForEachOption(f.opts, func(typ byte, data []byte) error {
		if typ == optIPAddress {
			gotAddr = netip.AddrFrom4([4]byte(data))
		}
		return nil
	})
	if gotAddr != cfg.LocalAddr {
		t.Errorf("requested addr = %v, want %v", gotAddr, cfg.LocalAddr)
	}
}

func TestBothSidesAckCompletesAndFiresOnLinkUp(t *testing.T) {
	tx := &fakeTx{}
	cfg := DefaultConfig()
	cfg.LocalAddr = addr("10.0.0.2")
	cfg.PeerAddr = addr("10.0.0.1")
	m := NewMachine(tx, cfg, nil)
	var gotLocal, gotPeer netip.Addr
	m.OnLinkUp = func(local, peer, _, _ netip.Addr) { gotLocal, gotPeer = local, peer }
	m.Open()
	ourID := tx.last().id

	peerReq := rawPayload(ppp.CodeConfigureRequest, 1, addrOption(optIPAddress, cfg.PeerAddr))
	if err := m.Demux(peerReq); err != nil {
		t.Fatal(err)
	}
	if tx.last().code != ppp.CodeConfigureAck {
		t.Fatalf("code = %v, want configure-ack", tx.last().code)
	}
	if m.State() != ppp.StatePeerReqAcked {
		t.Fatalf("state = %v, want peer-req-acked", m.State())
	}

	if err := m.Demux(rawPayload(ppp.CodeConfigureAck, ourID, nil)); err != nil {
		t.Fatal(err)
	}
	if m.State() != ppp.StateCompleted {
		t.Fatalf("state = %v, want completed", m.State())
	}
	if gotLocal != cfg.LocalAddr || gotPeer != cfg.PeerAddr {
		t.Errorf("OnLinkUp addrs = (%v, %v), want (%v, %v)", gotLocal, gotPeer, cfg.LocalAddr, cfg.PeerAddr)
	}
}

func TestNegotiatedAddressViaNak(t *testing.T) {
	// Scenario A (spec.md §8): client requests 0.0.0.0, server naks with
	// an assigned address, client re-requests and is acked.
	tx := &fakeTx{}
	cfg := DefaultConfig() // LocalAddr left zero: request an address.
	m := NewMachine(tx, cfg, nil)
	m.Open()
	firstID := tx.last().id

	assigned := addr("192.168.1.50")
	nak := rawPayload(ppp.CodeConfigureNak, firstID, addrOption(optIPAddress, assigned))
	if err := m.Demux(nak); err != nil {
		t.Fatal(err)
	}
	f := tx.last()
	if f.code != ppp.CodeConfigureRequest {
		t.Fatalf("code = %v, want a re-sent configure-request", f.code)
	}
	if f.id == firstID {
		t.Error("retried request must carry a new id")
	}
	var gotAddr netip.Addr
	ppp.ForEachOption(f.opts, func(typ byte, data []byte) error {
		if typ == optIPAddress {
			gotAddr = netip.AddrFrom4([4]byte(data))
		}
		return nil
	})
	if gotAddr != assigned {
		t.Errorf("re-request addr = %v, want %v", gotAddr, assigned)
	}

	if err := m.Demux(rawPayload(ppp.CodeConfigureAck, f.id, nil)); err != nil {
		t.Fatal(err)
	}
	if m.LocalAddr() != assigned {
		t.Errorf("LocalAddr() = %v, want %v", m.LocalAddr(), assigned)
	}
}

func TestDNSHintNakThenAcceptAfterRetryCap(t *testing.T) {
	tx := &fakeTx{}
	cfg := DefaultConfig()
	cfg.PrimaryDNS = addr("8.8.8.8")
	cfg.DNSRetryCap = 2
	m := NewMachine(tx, cfg, nil)

	// Peer repeatedly proposes 0.0.0.0 for primary DNS; we must hint our
	// stored value up to DNSRetryCap times, then accept the peer's value.
	for i := 0; i < cfg.DNSRetryCap; i++ {
		opts := addrOption(optIPAddress, netip.MustParseAddr("10.0.0.9"))
		opts = append(opts, addrOption(optPrimaryDNS, netip.IPv4Unspecified())...)
		req := rawPayload(ppp.CodeConfigureRequest, uint8(i+1), opts)
		if err := m.Demux(req); err != nil {
			t.Fatal(err)
		}
		if tx.last().code != ppp.CodeConfigureNak {
			t.Fatalf("round %d: code = %v, want configure-nak", i, tx.last().code)
		}
	}

	opts := addrOption(optIPAddress, netip.MustParseAddr("10.0.0.9"))
	opts = append(opts, addrOption(optPrimaryDNS, netip.IPv4Unspecified())...)
	req := rawPayload(ppp.CodeConfigureRequest, uint8(cfg.DNSRetryCap+1), opts)
	if err := m.Demux(req); err != nil {
		t.Fatal(err)
	}
	if tx.last().code != ppp.CodeConfigureAck {
		t.Fatalf("after retry cap: code = %v, want configure-ack (peer's value accepted)", tx.last().code)
	}
}

func TestConfigureRejectClearsDNSOptions(t *testing.T) {
	tx := &fakeTx{}
	cfg := DefaultConfig()
	cfg.PrimaryDNS = addr("8.8.8.8")
	m := NewMachine(tx, cfg, nil)
	m.Open()
	id := tx.last().id

	reject := rawPayload(ppp.CodeConfigureReject, id, ppp.AppendOption(nil, optPrimaryDNS, nil))
	if err := m.Demux(reject); err != nil {
		t.Fatal(err)
	}
	if m.PrimaryDNS().IsValid() {
		t.Error("primary DNS must be cleared once the peer rejects the option")
	}
	if tx.last().code != ppp.CodeConfigureRequest {
		t.Fatalf("code = %v, want a re-sent configure-request without DNS", tx.last().code)
	}
}

func TestAckIDMismatchDropped(t *testing.T) {
	tx := &fakeTx{}
	m := NewMachine(tx, DefaultConfig(), nil)
	m.Open()

	err := m.Demux(rawPayload(ppp.CodeConfigureAck, 0xFE, nil))
	if err != ppp.ErrIDMismatch {
		t.Fatalf("err = %v, want ErrIDMismatch", err)
	}
}

func TestPeerTerminateRequestTearsDownLink(t *testing.T) {
	tx := &fakeTx{}
	cfg := DefaultConfig()
	cfg.LocalAddr = addr("10.0.0.2")
	cfg.PeerAddr = addr("10.0.0.1")
	m := NewMachine(tx, cfg, nil)
	var down bool
	m.OnLinkDown = func() { down = true }
	m.Open()
	ourID := tx.last().id
	m.Demux(rawPayload(ppp.CodeConfigureRequest, 1, addrOption(optIPAddress, cfg.PeerAddr)))
	m.Demux(rawPayload(ppp.CodeConfigureAck, ourID, nil))
	if m.State() != ppp.StateCompleted {
		t.Fatalf("state = %v, want completed", m.State())
	}

	if err := m.Demux(rawPayload(ppp.CodeTerminateRequest, 3, nil)); err != nil {
		t.Fatal(err)
	}
	if !down {
		t.Error("expected OnLinkDown on peer-initiated terminate while up")
	}
	if m.State() != ppp.StateStopping {
		t.Fatalf("state = %v, want stopping", m.State())
	}
}
