package matching

// The event pipe carries fixed-size messages from the input loop, the
// callout thread and the stop path to the event loop, which is the only
// reader. Messages referencing a target go through that target's dedicated
// slot: the slot's scheduled flag guarantees at most one in-flight message
// per slot at any time. The flag is set by the poster and cleared by the
// event loop when it drains the message, always under the registry lock.

type pipeMsgKind int

const (
	pipeMsgPacket pipeMsgKind = iota + 1
	pipeMsgHelloSend
	pipeMsgTargetTimeout
	pipeMsgSendDataTimeout
	pipeMsgAbort
)

type pipeMessage struct {
	kind   pipeMsgKind
	target *target // nil for hello-send and abort
}

// pipeSlot is a pre-allocated message slot with its in-flight flag.
type pipeSlot struct {
	scheduled bool
}

// eventPipe is a bounded message queue with a blocking reader, standing in
// for the anonymous byte pipe the vendor runtime signals its event thread
// through.
type eventPipe struct {
	rb    *ringBuffer[pipeMessage]
	ready chan struct{} // buffered(1), poked on every post
}

func newEventPipe(depth int) *eventPipe {
	return &eventPipe{
		rb:    newRingBuffer[pipeMessage](depth),
		ready: make(chan struct{}, 1),
	}
}

// post enqueues a message. The slot discipline bounds the number of live
// messages, so a full pipe indicates a missing scheduled check.
func (p *eventPipe) post(m pipeMessage) error {
	if err := p.rb.Write(m); err != nil {
		return err
	}
	select {
	case p.ready <- struct{}{}:
	default:
	}
	return nil
}

// read blocks until a message is available.
func (p *eventPipe) read() pipeMessage {
	for {
		if m, ok := p.rb.Read(); ok {
			return m
		}
		<-p.ready
	}
}
