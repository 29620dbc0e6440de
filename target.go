package matching

// target is one remote peer as seen by a context. All fields are protected
// by the registry lock; only the event loop transitions status in response
// to packets and timers, guest operations transition it via the select and
// cancel paths.
type target struct {
	addr   Addr
	status TargetStatus

	// opt holds selection opt data: ours while a selection or cancel we
	// initiated is outstanding, the peer's while their request is.
	opt []byte

	// pendingPacket is the raw datagram handed from the input loop to the
	// event loop; pendingLen is header plus declared payload length.
	pendingPacket []byte
	pendingLen    int

	// keepAliveInterval is learned from the remote HELLO beacon;
	// initialized to the context's own configured interval.
	keepAliveInterval int64 // microseconds

	// targetCount is our session nonce for this peer. It increments on
	// every select, wrapping 0 -> 1 so 0 never appears on the wire.
	targetCount int32
	// peerNonce is the remote's nonce as last seen on HELLO_ACK/ACCEPT.
	// A different value later means the remote restarted.
	peerNonce int32
	nonceSeen bool

	// retryCount is the remaining register-retry / keepalive budget.
	retryCount int

	sendData       []byte
	sendDataStatus SendDataStatus
	sendDataCount  int32
	recvDataCount  int32
	sendDataRetry  int

	// deleteFlag tombstones the target; the event loop frees it once no
	// pipe message or callout still references it.
	deleteFlag bool

	incomingPacket  pipeSlot
	targetTimeout   pipeSlot
	sendDataTimeout pipeSlot

	targetCallout   calloutEntry
	sendDataCallout calloutEntry
}

func newTarget(addr Addr, keepAliveInterval int64) *target {
	return &target{
		addr:              addr,
		status:            TargetCancelled,
		keepAliveInterval: keepAliveInterval,
		sendDataStatus:    SendDataReady,
	}
}

// bumpNonce advances our session nonce, skipping zero on wrap.
func (t *target) bumpNonce() {
	t.targetCount++
	if t.targetCount == 0 {
		t.targetCount = 1
	}
}

// releaseSendData drops the buffered payload and returns the target to
// Ready.
func (t *target) releaseSendData() {
	t.sendData = nil
	t.sendDataStatus = SendDataReady
}

// canFree reports whether a tombstoned target has no in-flight pipe
// message or linked callout left referencing it.
func (t *target) canFree() bool {
	return t.deleteFlag &&
		!t.incomingPacket.scheduled &&
		!t.targetTimeout.scheduled &&
		!t.sendDataTimeout.scheduled &&
		!t.targetCallout.linked &&
		!t.sendDataCallout.linked
}
