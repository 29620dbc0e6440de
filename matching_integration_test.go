package matching

// End-to-end sessions over the in-memory fabric: several registries, each
// with its own address, exchanging real datagrams through their worker
// goroutines.

import (
	"bytes"
	"testing"
	"time"
)

func TestP2P_TwoNodeHandshake(t *testing.T) {
	net := NewMemNetwork()
	a := newTestNode(t, net, 1)
	b := newTestNode(t, net, 2)

	a.startMatching(ModeP2P, 2)
	b.startMatching(ModeP2P, 2)

	// Discovery: both sides see the other's beacon.
	a.rec.waitFrom(t, EventHello, b.addr)
	b.rec.waitFrom(t, EventHello, a.addr)

	// A courts B.
	if err := a.reg.SelectTarget(a.id, b.addr, []byte("from a")); err != nil {
		t.Fatalf("a select: %v", err)
	}
	req := b.rec.waitFrom(t, EventRequest, a.addr)
	if !bytes.Equal(req.Opt, []byte("from a")) {
		t.Fatalf("request opt: got %q", req.Opt)
	}

	// B answers.
	if err := b.reg.SelectTarget(b.id, a.addr, []byte("from b")); err != nil {
		t.Fatalf("b select: %v", err)
	}

	acc := a.rec.waitFrom(t, EventAccept, b.addr)
	if !bytes.Equal(acc.Opt, []byte("from b")) {
		t.Fatalf("accept opt: got %q", acc.Opt)
	}
	a.rec.waitFrom(t, EventEstablished, b.addr)
	b.rec.waitFrom(t, EventEstablished, a.addr)

	// Established exactly once on each side.
	time.Sleep(2 * testKeepAlive)
	if n := a.rec.count(EventEstablished); n != 1 {
		t.Fatalf("a saw %d ESTABLISHED", n)
	}
	if n := b.rec.count(EventEstablished); n != 1 {
		t.Fatalf("b saw %d ESTABLISHED", n)
	}
}

func TestParent_AcceptsTwoChildren(t *testing.T) {
	net := NewMemNetwork()
	p := newTestNode(t, net, 1)
	c1 := newTestNode(t, net, 2)
	c2 := newTestNode(t, net, 3)

	p.startMatching(ModeParent, 3)
	c1.startMatching(ModeChild, 2)
	c2.startMatching(ModeChild, 2)

	for _, c := range []*testNode{c1, c2} {
		c.rec.waitFrom(t, EventHello, p.addr)
		if err := c.reg.SelectTarget(c.id, p.addr, nil); err != nil {
			t.Fatalf("child select: %v", err)
		}
		p.rec.waitFrom(t, EventRequest, c.addr)
		if err := p.reg.SelectTarget(p.id, c.addr, nil); err != nil {
			t.Fatalf("parent select: %v", err)
		}
		p.rec.waitFrom(t, EventEstablished, c.addr)
		c.rec.waitFrom(t, EventEstablished, p.addr)
	}

	// Parent roster in insertion order: itself, then both children.
	got := p.members()
	want := []Addr{p.addr, c1.addr, c2.addr}
	if len(got) != len(want) {
		t.Fatalf("parent roster: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i].Addr != want[i] {
			t.Fatalf("parent roster[%d]: got %s, want %s", i, got[i].Addr, want[i])
		}
	}

	// C1 learns the full roster from the parent's MEMBER_LIST, minus
	// itself.
	deadline := time.Now().Add(waitLong)
	for {
		m := c1.members()
		if len(m) == 2 && m[0].Addr == p.addr && m[1].Addr == c2.addr {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("c1 roster never converged: %v", m)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChildLeave_ByeShrinksRoster(t *testing.T) {
	net := NewMemNetwork()
	p := newTestNode(t, net, 1)
	c1 := newTestNode(t, net, 2)
	c2 := newTestNode(t, net, 3)

	p.startMatching(ModeParent, 3)
	for _, c := range []*testNode{c1, c2} {
		c.startMatching(ModeChild, 2)
		c.rec.waitFrom(t, EventHello, p.addr)
		if err := c.reg.SelectTarget(c.id, p.addr, nil); err != nil {
			t.Fatalf("child select: %v", err)
		}
		p.rec.waitFrom(t, EventRequest, c.addr)
		if err := p.reg.SelectTarget(p.id, c.addr, nil); err != nil {
			t.Fatalf("parent select: %v", err)
		}
		c.rec.waitFrom(t, EventEstablished, p.addr)
	}
	p.rec.waitFrom(t, EventEstablished, c2.addr)

	// C2 departs; its stop broadcasts BYE.
	if err := c2.reg.Stop(c2.id); err != nil {
		t.Fatalf("stop c2: %v", err)
	}
	p.rec.waitFrom(t, EventBye, c2.addr)

	deadline := time.Now().Add(waitLong)
	for {
		m := p.members()
		if len(m) == 2 && m[0].Addr == p.addr && m[1].Addr == c1.addr {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("parent roster kept c2: %v", m)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The tombstoned target is gone: selecting it again is UnknownTarget.
	if err := p.reg.SelectTarget(p.id, c2.addr, nil); err != ErrUnknownTarget {
		t.Fatalf("expected ErrUnknownTarget after harvest, got %v", err)
	}
}

func TestSendData_AckedDelivery(t *testing.T) {
	net := NewMemNetwork()
	a := newTestNode(t, net, 1)
	b := newTestNode(t, net, 2)
	a.startMatching(ModeP2P, 2)
	b.startMatching(ModeP2P, 2)
	establishP2P(t, a, b)

	payload := bytes.Repeat([]byte{0xab}, 200)
	if err := a.reg.SendData(a.id, b.addr, payload); err != nil {
		t.Fatalf("sendData: %v", err)
	}

	ev := b.rec.waitFrom(t, EventData, a.addr)
	if !bytes.Equal(ev.Opt, payload) {
		t.Fatalf("payload mismatch: got %d bytes", len(ev.Opt))
	}
	a.rec.waitFrom(t, EventDataAck, b.addr)

	// Ready again: the next send goes through.
	if err := a.reg.SendData(a.id, b.addr, []byte("second")); err != nil {
		t.Fatalf("second sendData: %v", err)
	}
	b.rec.waitFrom(t, EventData, a.addr)
}

func TestSendData_TimeoutOnLoss(t *testing.T) {
	net := NewMemNetwork()
	a := newTestNode(t, net, 1)
	b := newTestNode(t, net, 2)
	a.startMatching(ModeP2P, 2)
	b.startMatching(ModeP2P, 2)
	establishP2P(t, a, b)

	// Black-hole every DATA datagram.
	net.SetDrop(func(from, to Addr, raw []byte) bool {
		return len(raw) >= 2 && raw[1] == packetData
	})
	defer net.SetDrop(nil)

	start := time.Now()
	if err := a.reg.SendData(a.id, b.addr, bytes.Repeat([]byte{1}, 200)); err != nil {
		t.Fatalf("sendData: %v", err)
	}
	a.rec.waitFrom(t, EventDataTimeout, b.addr)

	// The give-up takes roughly retryCount retransmit intervals.
	if elapsed := time.Since(start); elapsed < testRexmt {
		t.Fatalf("timed out implausibly fast: %v", elapsed)
	}
	if n := b.rec.count(EventData); n != 0 {
		t.Fatalf("b received %d DATA events despite the drop", n)
	}

	// Ready again after the timeout; with the network healed data flows.
	net.SetDrop(nil)
	if err := a.reg.SendData(a.id, b.addr, []byte("after heal")); err != nil {
		t.Fatalf("sendData after timeout: %v", err)
	}
	b.rec.waitFrom(t, EventData, a.addr)
}

func TestAbortSendData_ReturnsReady(t *testing.T) {
	net := NewMemNetwork()
	a := newTestNode(t, net, 1)
	b := newTestNode(t, net, 2)
	a.startMatching(ModeP2P, 2)
	b.startMatching(ModeP2P, 2)
	establishP2P(t, a, b)

	net.SetDrop(func(from, to Addr, raw []byte) bool {
		return len(raw) >= 2 && raw[1] == packetData
	})
	defer net.SetDrop(nil)

	if err := a.reg.SendData(a.id, b.addr, []byte("doomed")); err != nil {
		t.Fatalf("sendData: %v", err)
	}
	if err := a.reg.AbortSendData(a.id, b.addr); err != nil {
		t.Fatalf("abortSendData: %v", err)
	}

	// No DATA_TIMEOUT after an abort; the send slot is simply free again.
	time.Sleep(time.Duration(testRetry+1) * testRexmt)
	if n := a.rec.count(EventDataTimeout); n != 0 {
		t.Fatalf("saw %d DATA_TIMEOUT after abort", n)
	}

	net.SetDrop(nil)
	if err := a.reg.SendData(a.id, b.addr, []byte("fine")); err != nil {
		t.Fatalf("sendData after abort: %v", err)
	}
	b.rec.waitFrom(t, EventData, a.addr)
}

func TestNonceChange_TreatedAsRestart(t *testing.T) {
	net := NewMemNetwork()
	a := newTestNode(t, net, 1)
	b := newTestNode(t, net, 2)
	a.startMatching(ModeP2P, 2)
	b.startMatching(ModeP2P, 2)
	establishP2P(t, a, b)

	// Forge a HELLO_ACK from B's address carrying a different session
	// nonce, as a restarted B would send.
	raw, _, err := net.Node(b.addr).OpenSend(testPort + 100)
	if err != nil {
		t.Fatalf("raw socket: %v", err)
	}
	defer raw.Close()
	forged := (&message{Type: packetHelloAck, Nonce: 77, HasNonce: true}).encode()
	if _, err := raw.WriteTo(forged, a.addr, testPort); err != nil {
		t.Fatalf("inject: %v", err)
	}

	// A treats the peer as departed from an established session.
	a.rec.waitFrom(t, EventLeave, b.addr)
}

func TestSelect_ExceedMaxnum(t *testing.T) {
	net := NewMemNetwork()
	a := newTestNode(t, net, 1)
	b := newTestNode(t, net, 2)
	c := newTestNode(t, net, 3)

	a.startMatching(ModeP2P, 2) // room for exactly one peer
	b.startMatching(ModeP2P, 3)
	c.startMatching(ModeP2P, 3)

	a.rec.waitFrom(t, EventHello, b.addr)
	a.rec.waitFrom(t, EventHello, c.addr)

	if err := a.reg.SelectTarget(a.id, b.addr, nil); err != nil {
		t.Fatalf("first select: %v", err)
	}
	if err := a.reg.SelectTarget(a.id, c.addr, nil); err != ErrExceedMaxnum {
		t.Fatalf("expected ErrExceedMaxnum, got %v", err)
	}
}

func TestSelect_StateErrors(t *testing.T) {
	net := NewMemNetwork()
	a := newTestNode(t, net, 1)
	b := newTestNode(t, net, 2)
	a.startMatching(ModeP2P, 2)
	b.startMatching(ModeP2P, 2)

	a.rec.waitFrom(t, EventHello, b.addr)
	if err := a.reg.SelectTarget(a.id, b.addr, nil); err != nil {
		t.Fatalf("select: %v", err)
	}
	// While the request is outstanding a second select is refused.
	if err := a.reg.SelectTarget(a.id, b.addr, nil); err != ErrRequestInProgress {
		t.Fatalf("expected ErrRequestInProgress, got %v", err)
	}

	b.rec.waitFrom(t, EventRequest, a.addr)
	if err := b.reg.SelectTarget(b.id, a.addr, nil); err != nil {
		t.Fatalf("b select: %v", err)
	}
	a.rec.waitFrom(t, EventEstablished, b.addr)

	if err := a.reg.SelectTarget(a.id, b.addr, nil); err != ErrAlreadyEstablished {
		t.Fatalf("expected ErrAlreadyEstablished, got %v", err)
	}

	// Opt length cap applies before any state change.
	if err := a.reg.SelectTarget(a.id, b.addr, make([]byte, MaxOptLen+1)); err != ErrInvalidOptlen {
		t.Fatalf("expected ErrInvalidOptlen, got %v", err)
	}
}

func TestCancelTarget_CancelEventAndRepeat(t *testing.T) {
	net := NewMemNetwork()
	a := newTestNode(t, net, 1)
	b := newTestNode(t, net, 2)
	a.startMatching(ModeP2P, 2)
	b.startMatching(ModeP2P, 2)

	a.rec.waitFrom(t, EventHello, b.addr)
	if err := a.reg.SelectTarget(a.id, b.addr, nil); err != nil {
		t.Fatalf("select: %v", err)
	}
	b.rec.waitFrom(t, EventRequest, a.addr)

	// A withdraws: B had not answered yet, so B sees CANCEL.
	if err := a.reg.CancelTargetWithOpt(a.id, b.addr, []byte("changed my mind")); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ev := b.rec.waitFrom(t, EventCancel, a.addr)
	if !bytes.Equal(ev.Opt, []byte("changed my mind")) {
		t.Fatalf("cancel opt: got %q", ev.Opt)
	}

	// Cancelling an already-cancelled target is a quiet success.
	if err := a.reg.CancelTarget(a.id, b.addr); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestParentDeny_WhenFull(t *testing.T) {
	net := NewMemNetwork()
	p := newTestNode(t, net, 1)
	c1 := newTestNode(t, net, 2)
	c2 := newTestNode(t, net, 3)

	p.startMatching(ModeParent, 2) // itself + one child
	for _, c := range []*testNode{c1, c2} {
		c.startMatching(ModeChild, 2)
		c.rec.waitFrom(t, EventHello, p.addr)
	}

	if err := c1.reg.SelectTarget(c1.id, p.addr, nil); err != nil {
		t.Fatalf("c1 select: %v", err)
	}
	p.rec.waitFrom(t, EventRequest, c1.addr)
	if err := p.reg.SelectTarget(p.id, c1.addr, nil); err != nil {
		t.Fatalf("parent select: %v", err)
	}
	c1.rec.waitFrom(t, EventEstablished, p.addr)

	// The session is full; the second child's request dies with a DENY.
	if err := c2.reg.SelectTarget(c2.id, p.addr, nil); err != nil {
		t.Fatalf("c2 select: %v", err)
	}
	c2.rec.waitFrom(t, EventDeny, p.addr)
}

func TestKeepAlive_PeerVanishes(t *testing.T) {
	net := NewMemNetwork()
	a := newTestNode(t, net, 1)
	b := newTestNode(t, net, 2)
	a.startMatching(ModeP2P, 2)
	b.startMatching(ModeP2P, 2)
	establishP2P(t, a, b)

	// Partition the pair completely; both keepalive budgets drain.
	net.SetDrop(func(from, to Addr, raw []byte) bool { return true })
	defer net.SetDrop(nil)

	a.rec.waitFrom(t, EventTimeout, b.addr)
	b.rec.waitFrom(t, EventTimeout, a.addr)
}
