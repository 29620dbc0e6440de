package matching

import (
	"log/slog"
)

// eventLoop is the only goroutine that mutates the target state machine
// and performs protocol sends. It drains the event pipe one message at a
// time, taking the registry lock per message; ABORT (always posted last by
// stop) ends it after everything before it has drained.
func (c *matchingContext) eventLoop() {
	defer close(c.eventDone)
	slog.Info("event loop started", "ctx", c.id)

	for {
		msg := c.pipe.read()
		if msg.kind == pipeMsgAbort {
			slog.Info("event loop exiting", "ctx", c.id)
			return
		}

		c.reg.mu.Lock()
		switch msg.kind {
		case pipeMsgPacket:
			t := msg.target
			t.incomingPacket.scheduled = false
			raw := t.pendingPacket
			t.pendingPacket = nil
			t.pendingLen = 0
			if raw != nil && !t.deleteFlag {
				if m, err := parseMessage(raw); err == nil {
					c.processPacket(t, m)
				} else {
					c.reg.metrics.PacketsDropped.Add(1)
				}
			}

		case pipeMsgHelloSend:
			c.helloSlot.scheduled = false
			c.handleHelloTick()

		case pipeMsgTargetTimeout:
			msg.target.targetTimeout.scheduled = false
			c.handleTargetTimeout(msg.target)

		case pipeMsgSendDataTimeout:
			msg.target.sendDataTimeout.scheduled = false
			c.handleSendDataTimeout(msg.target)
		}

		c.harvestTargets()
		c.reg.mu.Unlock()
	}
}

// handleHelloTick broadcasts the hello beacon while there is still room
// for another peer, then re-arms the hello timer.
func (c *matchingContext) handleHelloTick() {
	if c.status != ContextRunning || c.mode == ModeChild {
		return
	}
	if c.roomForOne() {
		c.broadcastHello()
	}
	c.scheduleHello(c.helloInterval)
}
