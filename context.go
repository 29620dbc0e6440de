package matching

import (
	"log/slog"
)

// matchingContext is one configured matching session bound to a port. All
// mutable state is protected by the registry lock. While Running it owns
// three goroutines: the input loop, the event loop and the callout worker.
type matchingContext struct {
	reg *Registry

	// Immutable after create.
	id                int
	mode              Mode
	maxnum            int
	port              uint16
	rxbufLen          int
	helloInterval     int64 // microseconds
	keepAliveInterval int64
	retryCount        int
	rexmtInterval     int64
	handler           Handler

	// Thread parameters recorded for the emulator glue; goroutines ignore
	// them.
	threadPrio     int
	threadStack    int
	threadAffinity int

	status  ContextStatus
	ownAddr Addr
	ownPort uint16 // send socket bind port

	sendSock Socket
	recvSock Socket
	rxbuf    []byte

	targets []*target

	helloMsg     []byte
	helloSlot    pipeSlot
	helloCallout calloutEntry

	memberMsg []byte

	pipe    *eventPipe
	callout *calloutScheduler

	inputDone chan struct{}
	eventDone chan struct{}
}

// start brings the context to Running: send socket, event pipe and loop,
// recv socket and input loop, callout worker, then the hello beacon and the
// initial roster. Any failure rolls back in strict reverse order. Caller
// holds the registry lock.
func (c *matchingContext) start(helloOpt []byte, prio, stack, affinity int) error {
	if c.status != ContextNotRunning {
		return ErrIsRunning
	}
	if len(helloOpt) > MaxHelloOptLen {
		return ErrInvalidOptlen
	}
	c.threadPrio, c.threadStack, c.threadAffinity = prio, stack, affinity

	ownAddr, err := c.reg.local.LocalAddr()
	if err != nil {
		return err
	}
	c.ownAddr = ownAddr

	sendSock, ownPort, err := c.reg.sockets.OpenSend(c.port)
	if err != nil {
		return err
	}
	c.sendSock = sendSock
	c.ownPort = ownPort

	c.pipe = newEventPipe(c.reg.cfg.pipeDepth)
	c.eventDone = make(chan struct{})
	go c.eventLoop()

	recvSock, err := c.reg.sockets.OpenRecv(c.port)
	if err != nil {
		c.stopEventLoop()
		c.sendSock.Close()
		c.sendSock = nil
		return err
	}
	c.recvSock = recvSock
	c.inputDone = make(chan struct{})
	go c.inputLoop()

	c.callout = newCalloutScheduler(c.reg.clock)
	c.callout.start()

	if c.mode != ModeChild {
		c.buildHelloMessage(helloOpt)
		c.scheduleHello(c.helloInterval)
	}
	c.generateMemberMsg()

	c.status = ContextRunning
	slog.Info("context started", "ctx", c.id, "mode", c.mode.String(),
		"port", c.port, "addr", c.ownAddr.String())
	return nil
}

// shutdown tears a Stopping context down to NotRunning. Called WITHOUT the
// registry lock: the worker loops need it to drain, and shutdown joins
// them.
func (c *matchingContext) shutdown() {
	c.callout.stop()
	c.stopEventLoop()

	c.recvSock.Close()
	<-c.inputDone

	r := c.reg
	r.mu.Lock()
	if c.mode != ModeChild {
		c.helloMsg = nil
		c.helloSlot.scheduled = false
	}
	c.broadcastBye()
	r.metrics.TargetsFreed.Add(int64(len(c.targets)))
	c.targets = nil
	c.memberMsg = nil
	c.sendSock.Close()
	c.sendSock = nil
	c.recvSock = nil
	c.status = ContextNotRunning
	r.mu.Unlock()

	slog.Info("context stopped", "ctx", c.id)
}

// stopEventLoop posts ABORT and joins the event loop. Pending messages
// drain first: the pipe is FIFO and ABORT was posted last.
func (c *matchingContext) stopEventLoop() {
	if err := c.pipe.post(pipeMessage{kind: pipeMsgAbort}); err != nil {
		// The pipe is sized so this cannot happen while the slot
		// discipline holds.
		slog.Error("event pipe overflow on abort", "ctx", c.id, "error", err)
	}
	<-c.eventDone
}

// finalize releases the receive buffer. Requires NotRunning.
func (c *matchingContext) finalize() {
	c.rxbuf = nil
}

// --- messages ---------------------------------------------------------

// buildHelloMessage replaces the hello beacon. Callers validated the opt
// length.
func (c *matchingContext) buildHelloMessage(opt []byte) {
	m := &message{
		Type:          packetHello,
		HelloInterval: uint32(c.helloInterval),
		RexmtInterval: uint32(c.rexmtInterval),
		Opt:           append([]byte(nil), opt...),
		Tail:          helloTail(),
	}
	c.helloMsg = m.encode()
}

// helloOpt returns the opt bytes inside the current hello beacon.
func (c *matchingContext) helloOpt() []byte {
	if c.helloMsg == nil {
		return nil
	}
	m, err := parseMessage(c.helloMsg)
	if err != nil {
		return nil
	}
	return m.Opt
}

// generateMemberMsg rebuilds the roster message: own address first, then
// every established target in insertion order.
func (c *matchingContext) generateMemberMsg() {
	m := &message{Type: packetMemberList, Parent: c.ownAddr}
	for _, t := range c.targets {
		if t.status == TargetEstablished {
			m.Members = append(m.Members, t.addr)
		}
	}
	c.memberMsg = m.encode()
}

// adoptMemberMsg replaces the roster with the one received from the
// authoritative side, dropping our own address from the member slots.
func (c *matchingContext) adoptMemberMsg(pkt *message) {
	m := &message{Type: packetMemberList, Parent: pkt.Parent}
	for _, a := range pkt.Members {
		if a != c.ownAddr {
			m.Members = append(m.Members, a)
		}
	}
	c.memberMsg = m.encode()
}

// members decodes the stored roster message.
func (c *matchingContext) members() []Member {
	if c.memberMsg == nil {
		return nil
	}
	m, err := parseMessage(c.memberMsg)
	if err != nil {
		return nil
	}
	out := make([]Member, 0, 1+len(m.Members))
	out = append(out, Member{Addr: m.Parent})
	for _, a := range m.Members {
		out = append(out, Member{Addr: a})
	}
	return out
}

// --- targets ----------------------------------------------------------

func (c *matchingContext) findTarget(addr Addr) *target {
	for _, t := range c.targets {
		if t.addr == addr {
			return t
		}
	}
	return nil
}

func (c *matchingContext) addTarget(addr Addr) *target {
	t := newTarget(addr, c.keepAliveInterval)
	c.targets = append(c.targets, t)
	c.reg.metrics.TargetsCreated.Add(1)
	return t
}

// countAtLeast counts targets whose status is at or past s.
func (c *matchingContext) countAtLeast(s TargetStatus) int {
	n := 0
	for _, t := range c.targets {
		if t.status >= s {
			n++
		}
	}
	return n
}

// roomForOne reports whether another peer fits: the local node counts
// toward maxnum alongside every target at InProgress or beyond.
func (c *matchingContext) roomForOne() bool {
	return c.countAtLeast(TargetInProgress)+1 < c.maxnum
}

// setTargetStatus transitions a target and applies the status invariants:
// leaving Established releases any buffered send payload, entering it
// resets the data counters, and opt data is released on any exit from the
// in-progress pair to a state outside it. Roster-bearing modes regenerate
// the member message when membership changes.
func (c *matchingContext) setTargetStatus(t *target, s TargetStatus) {
	if t.status == s {
		return
	}
	prev := t.status
	t.status = s

	inProgress := func(s TargetStatus) bool {
		return s == TargetInProgress || s == TargetInProgress2
	}
	if inProgress(prev) && !inProgress(s) {
		t.opt = nil
	}

	if prev == TargetEstablished {
		t.releaseSendData()
		c.deleteSendDataTimer(t)
	}
	if s == TargetEstablished {
		t.sendDataCount = 0
		t.recvDataCount = 0
		t.sendDataStatus = SendDataReady
		c.reg.metrics.HandshakesEstablished.Add(1)
	}

	if (prev == TargetEstablished || s == TargetEstablished) && c.rosterAuthority() {
		c.generateMemberMsg()
	}
}

// rosterAuthority reports whether this context regenerates its own roster
// on membership changes (Parent and P2P; Child never). It does not depend
// on peer addresses: a P2P node that adopted a lower-addressed peer's
// MEMBER_LIST still regenerates its own roster on its next membership
// change.
func (c *matchingContext) rosterAuthority() bool {
	return c.mode != ModeChild
}

// harvestTargets frees tombstoned targets that nothing references anymore.
// Only the event loop calls this.
func (c *matchingContext) harvestTargets() {
	kept := c.targets[:0]
	for _, t := range c.targets {
		if t.canFree() {
			c.reg.metrics.TargetsFreed.Add(1)
			continue
		}
		kept = append(kept, t)
	}
	c.targets = kept
}

// --- sends ------------------------------------------------------------

func (c *matchingContext) sendToTarget(t *target, raw []byte) {
	if c.sendSock == nil {
		return
	}
	_, err := c.sendSock.WriteTo(raw, t.addr, c.port)
	if err := sendErrOK(err); err != nil {
		slog.Error("send failed", "ctx", c.id, "peer", t.addr.String(), "error", err)
		return
	}
	c.reg.metrics.PacketsSent.Add(1)
}

func (c *matchingContext) broadcast(raw []byte) {
	if c.sendSock == nil {
		return
	}
	_, err := c.sendSock.WriteTo(raw, BroadcastAddr, c.port)
	if err := sendErrOK(err); err != nil {
		slog.Error("broadcast failed", "ctx", c.id, "error", err)
		return
	}
	c.reg.metrics.PacketsSent.Add(1)
}

func (c *matchingContext) broadcastHello() {
	if c.helloMsg == nil {
		return
	}
	c.broadcast(c.helloMsg)
	c.reg.metrics.HellosBroadcast.Add(1)
}

func (c *matchingContext) broadcastBye() {
	c.broadcast((&message{Type: packetBye}).encode())
}

func (c *matchingContext) sendPlain(t *target, ptype uint8) {
	c.sendToTarget(t, (&message{Type: ptype}).encode())
}

// sendAckLike sends HELLO_ACK or ACCEPT carrying opt and our nonce.
func (c *matchingContext) sendAckLike(t *target, ptype uint8, opt []byte) {
	c.sendToTarget(t, (&message{Type: ptype, Opt: opt, Nonce: t.targetCount}).encode())
}

func (c *matchingContext) sendCancel(t *target, opt []byte) {
	c.sendToTarget(t, (&message{Type: packetCancel, Opt: opt}).encode())
}

func (c *matchingContext) sendMemberList(t *target) {
	if c.memberMsg != nil {
		c.sendToTarget(t, c.memberMsg)
	}
}

func (c *matchingContext) sendDataPacket(t *target) {
	c.sendToTarget(t, (&message{
		Type:  packetData,
		Nonce: t.targetCount,
		Seq:   t.sendDataCount,
		Data:  t.sendData,
	}).encode())
}

func (c *matchingContext) sendDataAck(t *target) {
	c.sendToTarget(t, (&message{
		Type:  packetDataAck,
		Nonce: t.targetCount,
		Seq:   t.recvDataCount - 1,
	}).encode())
}

// --- callouts ---------------------------------------------------------

// scheduleHello re-arms the context-level hello tick.
func (c *matchingContext) scheduleHello(interval int64) {
	c.callout.remove(&c.helloCallout)
	if err := c.callout.add(&c.helloCallout, interval, c.fireHello); err != nil {
		slog.Error("hello callout", "ctx", c.id, "error", err)
	}
}

// fireHello runs on the callout worker: convert the timer into a pipe
// message, gated by the hello slot.
func (c *matchingContext) fireHello() {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.status != ContextRunning || c.helloSlot.scheduled {
		return
	}
	if c.pipe.post(pipeMessage{kind: pipeMsgHelloSend}) == nil {
		c.helloSlot.scheduled = true
	}
}

// scheduleTargetTimer re-arms the shared registration/keepalive timer.
func (c *matchingContext) scheduleTargetTimer(t *target, interval int64) {
	c.callout.remove(&t.targetCallout)
	if err := c.callout.add(&t.targetCallout, interval, func() { c.fireTargetTimeout(t) }); err != nil {
		slog.Error("target callout", "ctx", c.id, "peer", t.addr.String(), "error", err)
	}
}

func (c *matchingContext) fireTargetTimeout(t *target) {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.status != ContextRunning || t.targetTimeout.scheduled {
		return
	}
	if c.pipe.post(pipeMessage{kind: pipeMsgTargetTimeout, target: t}) == nil {
		t.targetTimeout.scheduled = true
	}
}

func (c *matchingContext) scheduleSendDataTimer(t *target, interval int64) {
	c.callout.remove(&t.sendDataCallout)
	if err := c.callout.add(&t.sendDataCallout, interval, func() { c.fireSendDataTimeout(t) }); err != nil {
		slog.Error("send-data callout", "ctx", c.id, "peer", t.addr.String(), "error", err)
	}
}

func (c *matchingContext) fireSendDataTimeout(t *target) {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.status != ContextRunning || t.sendDataTimeout.scheduled {
		return
	}
	if c.pipe.post(pipeMessage{kind: pipeMsgSendDataTimeout, target: t}) == nil {
		t.sendDataTimeout.scheduled = true
	}
}

// deleteTargetTimers unlinks both per-target callouts ("D" in the
// transition table). In-flight pipe messages are left to drain; their
// handlers observe the new status and do nothing.
func (c *matchingContext) deleteTargetTimers(t *target) {
	c.callout.remove(&t.targetCallout)
	c.callout.remove(&t.sendDataCallout)
}

func (c *matchingContext) deleteSendDataTimer(t *target) {
	c.callout.remove(&t.sendDataCallout)
}

// --- handler ----------------------------------------------------------

// notifyHandler invokes the game callback through the dispatcher. A nil
// handler makes this a no-op.
func (c *matchingContext) notifyHandler(event EventKind, peer Addr, opt []byte) {
	if c.handler == nil {
		return
	}
	c.reg.metrics.EventsDispatched.Add(1)
	c.reg.dispatcher.Dispatch(c.handler, c.id, event, peer, opt)
}
