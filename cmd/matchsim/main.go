// matchsim drives a full matching session over the in-memory fabric: one
// parent with N children (or a symmetric P2P pair), through discovery,
// selection, establishment and a round of acknowledged data, then prints
// the event trace and counters.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	matching "github.com/big-pixel-media/matching"
)

type node struct {
	name string
	addr matching.Addr
	reg  *matching.Registry
	id   int

	mu     sync.Mutex
	events []string
}

func (n *node) handler(id int, event matching.EventKind, peer matching.Addr, opt []byte) {
	n.mu.Lock()
	n.events = append(n.events, fmt.Sprintf("%s: %s from %s (%d opt bytes)",
		n.name, event, peer, len(opt)))
	n.mu.Unlock()
}

func (n *node) dump() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		fmt.Println("  " + e)
	}
}

func main() {
	var (
		children = flag.Int("children", 2, "number of child nodes (parent topology)")
		p2p      = flag.Bool("p2p", false, "run a two-node P2P session instead")
		port     = flag.Uint("port", 3658, "matching port")
		settle   = flag.Duration("settle", 2*time.Second, "how long to let the session run")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	matching.InitLogger(level)

	net := matching.NewMemNetwork()

	newNode := func(name string, last byte) *node {
		n := &node{name: name, addr: matching.AddrFrom4(10, 0, 0, last)}
		mn := net.Node(n.addr)
		n.reg = matching.New(
			matching.WithSocketProvider(mn),
			matching.WithLocalAddressProvider(mn),
		)
		if err := n.reg.Init(1024, make([]byte, 1024)); err != nil {
			fatal("init %s: %v", name, err)
		}
		return n
	}

	start := func(n *node, mode matching.Mode, maxnum int) {
		id, err := n.reg.Create(mode, maxnum, uint16(*port), 8192,
			100*time.Millisecond, 200*time.Millisecond, 5, 50*time.Millisecond,
			n.handler)
		if err != nil {
			fatal("create %s: %v", n.name, err)
		}
		n.id = id
		if err := n.reg.Start(id, 0, 0, 0, []byte(n.name)); err != nil {
			fatal("start %s: %v", n.name, err)
		}
	}

	var nodes []*node
	if *p2p {
		a := newNode("alice", 1)
		b := newNode("bob", 2)
		nodes = []*node{a, b}
		start(a, matching.ModeP2P, 2)
		start(b, matching.ModeP2P, 2)

		time.Sleep(300 * time.Millisecond) // let hellos cross
		must(a.reg.SelectTarget(a.id, b.addr, []byte("hi bob")))
		time.Sleep(100 * time.Millisecond)
		must(b.reg.SelectTarget(b.id, a.addr, []byte("hi alice")))
		time.Sleep(200 * time.Millisecond)
		must(a.reg.SendData(a.id, b.addr, []byte("payload from alice")))
	} else {
		parent := newNode("parent", 1)
		nodes = []*node{parent}
		start(parent, matching.ModeParent, *children+1)
		for i := 0; i < *children; i++ {
			ch := newNode(fmt.Sprintf("child%d", i+1), byte(10+i))
			nodes = append(nodes, ch)
			start(ch, matching.ModeChild, 2)
		}

		time.Sleep(300 * time.Millisecond)
		for _, ch := range nodes[1:] {
			must(ch.reg.SelectTarget(ch.id, nodes[0].addr, []byte("join please")))
		}
		time.Sleep(100 * time.Millisecond)
		for _, ch := range nodes[1:] {
			must(nodes[0].reg.SelectTarget(nodes[0].id, ch.addr, []byte("welcome")))
		}
		time.Sleep(200 * time.Millisecond)
		for _, ch := range nodes[1:] {
			must(nodes[0].reg.SendData(nodes[0].id, ch.addr, []byte("hello child")))
		}
	}

	time.Sleep(*settle)

	for _, n := range nodes {
		members := make([]matching.Member, matching.MaxMembers)
		cnt, err := n.reg.GetMembers(n.id, members)
		if err != nil {
			fmt.Printf("%s: members unavailable: %v\n", n.name, err)
			continue
		}
		fmt.Printf("%s roster (%d):", n.name, cnt)
		for _, m := range members[:cnt] {
			fmt.Printf(" %s", m.Addr)
		}
		fmt.Println()
	}

	fmt.Println("events:")
	for _, n := range nodes {
		n.dump()
	}

	for _, n := range nodes {
		if err := n.reg.Term(); err != nil {
			fatal("term %s: %v", n.name, err)
		}
	}

	m := nodes[0].reg.Metrics()
	fmt.Printf("parent counters: sent=%d received=%d established=%d data_acked=%d\n",
		m.PacketsSent.Load(), m.PacketsReceived.Load(),
		m.HandshakesEstablished.Load(), m.DataAcked.Load())
}

func must(err error) {
	if err != nil {
		fatal("%v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
