package matching

// The per-target state machine. processPacket and the timer handlers run
// on the event loop; selectTarget/cancelTarget/sendData run on guest
// threads. All of them hold the registry lock, so transitions on any one
// target are serialized.

// sendsRosterTo reports whether we are the roster-authoritative side for
// this peer: the Parent always, and in P2P the lower-addressed node.
func (c *matchingContext) sendsRosterTo(t *target) bool {
	switch c.mode {
	case ModeParent:
		return true
	case ModeP2P:
		return c.ownAddr < t.addr
	}
	return false
}

// dropPacket applies the mode pre-filter from the head of the transition
// table.
func (c *matchingContext) dropPacket(t *target, ptype uint8) bool {
	switch c.mode {
	case ModeParent:
		// The parent is the source of hellos and rosters.
		if ptype == packetHello || ptype == packetMemberList {
			return true
		}
	case ModeChild:
		if ptype == packetHelloAck {
			return true
		}
		if ptype == packetMemberListAck {
			return true
		}
	case ModeP2P:
		// The lower-addressed side is authoritative for the roster; it
		// ignores rosters arriving from above.
		if ptype == packetMemberList && c.ownAddr < t.addr {
			return true
		}
	}
	return false
}

// cancelWithError is the shared "unexpected packet in this state" exit:
// Cancelled, timers gone, CANCEL on the wire, ERROR to the game.
func (c *matchingContext) cancelWithError(t *target) {
	c.setTargetStatus(t, TargetCancelled)
	c.deleteTargetTimers(t)
	c.sendCancel(t, nil)
	c.notifyHandler(EventError, t.addr, nil)
}

// processPacket runs one incoming message through the transition table.
func (c *matchingContext) processPacket(t *target, m *message) {
	if c.dropPacket(t, m.Type) {
		c.reg.metrics.PacketsDropped.Add(1)
		return
	}

	// Session nonce tracking on HELLO_ACK/ACCEPT: a nonce change means
	// the remote restarted, so the local view of the session is void.
	if (m.Type == packetHelloAck || m.Type == packetAccept) && m.HasNonce {
		if t.nonceSeen && m.Nonce != t.peerNonce {
			prev := t.status
			t.peerNonce = m.Nonce
			c.deleteTargetTimers(t)
			c.setTargetStatus(t, TargetCancelled)
			switch prev {
			case TargetSeen, TargetInProgress, TargetInProgress2:
				c.notifyHandler(EventCancel, t.addr, nil)
			case TargetEstablished:
				c.notifyHandler(EventLeave, t.addr, nil)
			}
			return
		}
		t.peerNonce = m.Nonce
		t.nonceSeen = true
	}

	switch m.Type {
	case packetHello:
		c.handleHello(t, m)
	case packetHelloAck:
		c.handleHelloAck(t, m)
	case packetAccept:
		c.handleAccept(t, m)
	case packetConfirm:
		c.handleConfirm(t)
	case packetCancel:
		c.handleCancel(t, m)
	case packetMemberList:
		c.handleMemberList(t, m)
	case packetMemberListAck:
		c.handleMemberListAck(t)
	case packetBye:
		c.handleBye(t)
	case packetKeepalive:
		// Liveness probe; nothing to do.
	case packetData:
		c.handleData(t, m)
	case packetDataAck:
		c.handleDataAck(t, m)
	}
}

func (c *matchingContext) handleHello(t *target, m *message) {
	t.keepAliveInterval = int64(m.HelloInterval)
	if t.status != TargetCancelled {
		return
	}
	if !c.roomForOne() {
		return
	}
	var opt []byte
	if len(m.Opt) > 0 {
		opt = m.Opt
	}
	c.notifyHandler(EventHello, t.addr, opt)
}

func (c *matchingContext) handleHelloAck(t *target, m *message) {
	switch t.status {
	case TargetCancelled:
		if !c.roomForOne() {
			c.sendCancel(t, nil)
			return
		}
		c.setTargetStatus(t, TargetSeen)
		c.sendPlain(t, packetKeepalive)
		c.notifyHandler(EventRequest, t.addr, m.Opt)

	case TargetSeen:
		if !c.roomForOne() {
			c.setTargetStatus(t, TargetCancelled)
			c.deleteTargetTimers(t)
			c.sendCancel(t, nil)
			c.notifyHandler(EventCancel, t.addr, nil)
			return
		}
		c.sendPlain(t, packetKeepalive)

	case TargetInProgress:
		c.sendAckLike(t, packetAccept, t.opt)
		c.scheduleTargetTimer(t, c.rexmtInterval)

	case TargetInProgress2:
		// Both sides selected simultaneously; answer with ACCEPT and wait
		// for theirs.
		c.setTargetStatus(t, TargetInProgress)
		c.sendAckLike(t, packetAccept, t.opt)
		c.scheduleTargetTimer(t, c.rexmtInterval)
		c.notifyHandler(EventAccept, t.addr, m.Opt)

	case TargetEstablished:
		c.cancelWithError(t)
	}
}

func (c *matchingContext) handleAccept(t *target, m *message) {
	switch t.status {
	case TargetCancelled:
		c.sendCancel(t, t.opt)

	case TargetSeen:
		c.cancelWithError(t)

	case TargetInProgress:
		c.setTargetStatus(t, TargetEstablished)
		c.sendPlain(t, packetConfirm)
		c.scheduleTargetTimer(t, t.keepAliveInterval)
		t.retryCount = c.retryCount
		c.notifyHandler(EventEstablished, t.addr, nil)

	case TargetInProgress2:
		peerOpt := m.Opt
		c.setTargetStatus(t, TargetEstablished)
		c.sendPlain(t, packetConfirm)
		c.scheduleTargetTimer(t, t.keepAliveInterval)
		t.retryCount = c.retryCount
		c.notifyHandler(EventAccept, t.addr, peerOpt)
		c.notifyHandler(EventEstablished, t.addr, nil)

	case TargetEstablished:
		c.sendPlain(t, packetConfirm)
	}
}

func (c *matchingContext) handleConfirm(t *target) {
	switch t.status {
	case TargetSeen, TargetInProgress:
		c.cancelWithError(t)

	case TargetInProgress2:
		c.setTargetStatus(t, TargetEstablished)
		c.scheduleTargetTimer(t, c.rexmtInterval)
		t.retryCount = c.retryCount
		c.notifyHandler(EventEstablished, t.addr, nil)
	}
}

func (c *matchingContext) handleCancel(t *target, m *message) {
	prev := t.status
	if prev == TargetCancelled {
		return
	}
	c.deleteTargetTimers(t)
	c.setTargetStatus(t, TargetCancelled)
	switch prev {
	case TargetSeen, TargetInProgress:
		c.notifyHandler(EventCancel, t.addr, m.Opt)
	case TargetInProgress2:
		c.notifyHandler(EventDeny, t.addr, m.Opt)
	case TargetEstablished:
		c.notifyHandler(EventLeave, t.addr, m.Opt)
	}
}

func (c *matchingContext) handleMemberList(t *target, m *message) {
	switch t.status {
	case TargetCancelled:
		c.sendCancel(t, t.opt)

	case TargetSeen, TargetInProgress2:
		c.cancelWithError(t)

	case TargetInProgress:
		c.setTargetStatus(t, TargetEstablished)
		c.sendPlain(t, packetMemberListAck)
		c.scheduleTargetTimer(t, t.keepAliveInterval)
		t.retryCount = c.retryCount
		if !c.sendsRosterTo(t) {
			c.adoptMemberMsg(m)
		}
		c.notifyHandler(EventEstablished, t.addr, nil)

	case TargetEstablished:
		c.sendPlain(t, packetMemberListAck)
		t.retryCount = c.retryCount
		if !c.sendsRosterTo(t) {
			c.adoptMemberMsg(m)
		}
	}
}

func (c *matchingContext) handleMemberListAck(t *target) {
	switch t.status {
	case TargetSeen, TargetInProgress, TargetInProgress2:
		c.cancelWithError(t)
	case TargetEstablished:
		t.retryCount = c.retryCount
	}
}

func (c *matchingContext) handleBye(t *target) {
	c.deleteTargetTimers(t)
	c.setTargetStatus(t, TargetCancelled)
	c.notifyHandler(EventBye, t.addr, nil)
	t.deleteFlag = true
}

func (c *matchingContext) handleData(t *target, m *message) {
	if t.status != TargetEstablished || !m.HasNonce || m.Nonce != t.peerNonce {
		c.reg.metrics.PacketsDropped.Add(1)
		return
	}
	if m.Seq < t.recvDataCount {
		// Stale retransmit of something already delivered.
		c.reg.metrics.PacketsDropped.Add(1)
		return
	}
	t.recvDataCount = m.Seq + 1
	c.reg.metrics.DataReceived.Add(1)
	c.notifyHandler(EventData, t.addr, m.Data)
	c.sendDataAck(t)
}

func (c *matchingContext) handleDataAck(t *target, m *message) {
	if t.status != TargetEstablished || t.sendDataStatus != SendDataBusy {
		return
	}
	if !m.HasNonce || m.Nonce != t.peerNonce || m.Seq != t.sendDataCount {
		return
	}
	c.deleteSendDataTimer(t)
	t.releaseSendData()
	c.reg.metrics.DataAcked.Add(1)
	c.notifyHandler(EventDataAck, t.addr, nil)
}

// --- timer handlers ---------------------------------------------------

// handleTargetTimeout services the shared registration-retry/keepalive
// timer; the meaning of a fire depends on where the target is now.
func (c *matchingContext) handleTargetTimeout(t *target) {
	if c.status != ContextRunning {
		return
	}
	switch t.status {
	case TargetInProgress2:
		if t.retryCount > 0 {
			t.retryCount--
			c.sendAckLike(t, packetHelloAck, t.opt)
			c.scheduleTargetTimer(t, c.rexmtInterval)
			return
		}
		c.deleteTargetTimers(t)
		c.setTargetStatus(t, TargetCancelled)
		c.sendCancel(t, nil)
		c.notifyHandler(EventTimeout, t.addr, nil)

	case TargetInProgress:
		// The vendor runtime increments here instead of decrementing.
		// Preserved as observed; the peer's CONFIRM or CANCEL ends the
		// exchange either way.
		t.retryCount++
		c.sendAckLike(t, packetAccept, t.opt)
		c.scheduleTargetTimer(t, c.rexmtInterval)

	case TargetEstablished:
		if c.sendsRosterTo(t) {
			c.sendMemberList(t)
		}
		t.retryCount--
		if t.retryCount <= 0 {
			c.deleteTargetTimers(t)
			c.setTargetStatus(t, TargetCancelled)
			c.sendCancel(t, nil)
			c.notifyHandler(EventTimeout, t.addr, nil)
			return
		}
		c.scheduleTargetTimer(t, t.keepAliveInterval)
	}
}

// handleSendDataTimeout retransmits the buffered payload until the retry
// budget runs out, then gives up and tells the game.
func (c *matchingContext) handleSendDataTimeout(t *target) {
	if c.status != ContextRunning {
		return
	}
	if t.status != TargetEstablished || t.sendDataStatus != SendDataBusy {
		return
	}
	t.sendDataRetry--
	if t.sendDataRetry > 0 {
		c.sendDataPacket(t)
		c.scheduleSendDataTimer(t, c.rexmtInterval)
		return
	}
	t.releaseSendData()
	c.reg.metrics.DataTimeouts.Add(1)
	c.notifyHandler(EventDataTimeout, t.addr, nil)
}

// --- guest-initiated transitions --------------------------------------

// selectTarget starts (or answers) a selection. Callers validated the
// context, target and opt length.
func (c *matchingContext) selectTarget(t *target, opt []byte) error {
	switch t.status {
	case TargetEstablished:
		return ErrAlreadyEstablished
	case TargetInProgress, TargetInProgress2:
		return ErrRequestInProgress
	case TargetCancelled:
		// A parent only answers requests; it cannot court idle peers.
		if c.mode == ModeParent {
			return ErrTargetNotReady
		}
	}
	if !c.roomForOne() {
		return ErrExceedMaxnum
	}

	fromSeen := t.status == TargetSeen
	if len(opt) > 0 {
		t.opt = append([]byte(nil), opt...)
	} else {
		t.opt = nil
	}
	t.bumpNonce()
	t.retryCount = c.retryCount
	if fromSeen {
		c.sendAckLike(t, packetAccept, t.opt)
	} else {
		c.sendAckLike(t, packetHelloAck, t.opt)
	}
	c.scheduleTargetTimer(t, c.rexmtInterval)
	c.setTargetStatus(t, TargetInProgress2)
	return nil
}

// cancelTarget withdraws whatever relationship exists. Cancelling an
// already-cancelled target is a no-op; the stored opt rides any CANCEL we
// have to repeat later.
func (c *matchingContext) cancelTarget(t *target, opt []byte) {
	if t.status == TargetCancelled {
		return
	}
	c.deleteTargetTimers(t)
	c.setTargetStatus(t, TargetCancelled)
	if len(opt) > 0 {
		t.opt = append([]byte(nil), opt...)
	} else {
		t.opt = nil
	}
	c.sendCancel(t, t.opt)
}

// sendDataTo queues one acknowledged payload. Callers validated the
// length.
func (c *matchingContext) sendDataTo(t *target, data []byte) error {
	if t.status != TargetEstablished {
		return ErrNotEstablished
	}
	if t.sendDataStatus == SendDataBusy {
		return ErrDataBusy
	}
	t.sendData = append([]byte(nil), data...)
	t.sendDataCount++
	t.sendDataStatus = SendDataBusy
	t.sendDataRetry = c.retryCount
	c.sendDataPacket(t)
	c.scheduleSendDataTimer(t, c.rexmtInterval)
	c.reg.metrics.DataSent.Add(1)
	return nil
}

// abortSendDataTo drops the buffered payload and disarms its timer. An
// in-flight timeout message drains as a no-op once the target is Ready.
func (c *matchingContext) abortSendDataTo(t *target) {
	c.deleteSendDataTimer(t)
	t.releaseSendData()
}
