package matching

import (
	"sync"
	"testing"
	"time"
)

// Test timing: intervals short enough to keep the suite fast, long enough
// that a loaded CI box still meets them with the generous waits below.
const (
	testPort      = 3658
	testHello     = 60 * time.Millisecond
	testKeepAlive = 150 * time.Millisecond
	testRexmt     = 40 * time.Millisecond
	testRetry     = 4
	waitLong      = 5 * time.Second
)

type recordedEvent struct {
	Kind EventKind
	Peer Addr
	Opt  []byte
}

// recorder collects handler callbacks and streams them to waiting tests.
type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
	ch     chan recordedEvent
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan recordedEvent, 128)}
}

func (r *recorder) handler(id int, event EventKind, peer Addr, opt []byte) {
	ev := recordedEvent{Kind: event, Peer: peer, Opt: append([]byte(nil), opt...)}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.ch <- ev:
	default:
	}
}

// wait consumes streamed events until one of the wanted kind arrives.
func (r *recorder) wait(t *testing.T, kind EventKind) recordedEvent {
	t.Helper()
	deadline := time.After(waitLong)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s; saw %v", kind, r.kinds())
			return recordedEvent{}
		}
	}
}

// waitFrom is wait narrowed to a specific peer.
func (r *recorder) waitFrom(t *testing.T, kind EventKind, peer Addr) recordedEvent {
	t.Helper()
	deadline := time.After(waitLong)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind && ev.Peer == peer {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s from %s; saw %v", kind, peer, r.kinds())
			return recordedEvent{}
		}
	}
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

// testNode is one simulated console: its own registry over the shared
// in-memory fabric.
type testNode struct {
	t    *testing.T
	addr Addr
	reg  *Registry
	rec  *recorder
	id   int
}

func newTestNode(t *testing.T, net *MemNetwork, lastOctet byte) *testNode {
	t.Helper()
	addr := AddrFrom4(10, 0, 0, lastOctet)
	mn := net.Node(addr)
	n := &testNode{
		t:    t,
		addr: addr,
		reg: New(
			WithSocketProvider(mn),
			WithLocalAddressProvider(mn),
		),
		rec: newRecorder(),
	}
	if err := n.reg.Init(256, make([]byte, 256)); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { n.reg.Term() })
	return n
}

// startMatching creates and starts a context with the standard test
// timing.
func (n *testNode) startMatching(mode Mode, maxnum int) {
	n.t.Helper()
	// A roomy receive buffer: the minimum 4*maxnum+4 only fits rosters,
	// not hello beacons or data payloads.
	id, err := n.reg.Create(mode, maxnum, testPort, 16*1024,
		testHello, testKeepAlive, testRetry, testRexmt, n.rec.handler)
	if err != nil {
		n.t.Fatalf("create: %v", err)
	}
	n.id = id
	if err := n.reg.Start(id, 0, 0, 0, nil); err != nil {
		n.t.Fatalf("start: %v", err)
	}
}

func (n *testNode) members() []Member {
	n.t.Helper()
	buf := make([]Member, MaxMembers)
	cnt, err := n.reg.GetMembers(n.id, buf)
	if err != nil {
		n.t.Fatalf("getMembers: %v", err)
	}
	return buf[:cnt]
}

// establishP2P runs the full two-node handshake from both ends and waits
// until both report ESTABLISHED.
func establishP2P(t *testing.T, a, b *testNode) {
	t.Helper()
	a.rec.waitFrom(t, EventHello, b.addr)
	if err := a.reg.SelectTarget(a.id, b.addr, nil); err != nil {
		t.Fatalf("a select: %v", err)
	}
	b.rec.waitFrom(t, EventRequest, a.addr)
	if err := b.reg.SelectTarget(b.id, a.addr, nil); err != nil {
		t.Fatalf("b select: %v", err)
	}
	a.rec.waitFrom(t, EventEstablished, b.addr)
	b.rec.waitFrom(t, EventEstablished, a.addr)
}
