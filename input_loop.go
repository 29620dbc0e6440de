package matching

import (
	"encoding/binary"
	"log/slog"
	"time"
)

// inputLoop blocks in ReadFrom on the receive socket until stop closes it.
// It validates framing, finds or creates the sending peer's target and
// hands the datagram to the event loop through the target's incoming
// packet slot. The registry lock is taken only once a full datagram is in.
func (c *matchingContext) inputLoop() {
	defer close(c.inputDone)

	sock := c.recvSock
	rxbuf := c.rxbuf
	slog.Info("input loop started", "ctx", c.id)

	for {
		n, from, _, err := sock.ReadFrom(rxbuf)
		if err != nil {
			// Socket closed by stop, or a fatal socket error; either way
			// the loop ends and stop joins us.
			slog.Info("input loop exiting", "ctx", c.id, "error", err)
			return
		}
		c.reg.metrics.PacketsReceived.Add(1)

		// Own broadcast echo.
		if from == c.ownAddr {
			continue
		}
		if n < wireHeaderLen || rxbuf[0] != 1 {
			c.reg.metrics.PacketsDropped.Add(1)
			continue
		}
		plen := int(binary.BigEndian.Uint16(rxbuf[2:4]))
		if n < wireHeaderLen+plen {
			c.reg.metrics.PacketsDropped.Add(1)
			continue
		}

		c.reg.mu.Lock()
		if c.status != ContextRunning {
			c.reg.mu.Unlock()
			continue
		}

		t := c.findTarget(from)
		if t == nil {
			// Only discovery traffic creates targets: a HELLO when we can
			// be a child of the sender, a HELLO_ACK when we can be its
			// parent.
			ptype := rxbuf[1]
			switch {
			case ptype == packetHello && c.mode != ModeParent:
				t = c.addTarget(from)
			case ptype == packetHelloAck && c.mode != ModeChild:
				t = c.addTarget(from)
			default:
				c.reg.metrics.PacketsDropped.Add(1)
				c.reg.mu.Unlock()
				continue
			}
		}

		// The slot holds one packet at a time; wait for the event loop to
		// drain the previous one from this peer rather than lose this one.
		for t.incomingPacket.scheduled && !t.deleteFlag && c.status == ContextRunning {
			c.reg.mu.Unlock()
			time.Sleep(time.Millisecond)
			c.reg.mu.Lock()
		}
		if c.status == ContextRunning && !t.incomingPacket.scheduled && !t.deleteFlag {
			t.pendingPacket = append([]byte(nil), rxbuf[:n]...)
			t.pendingLen = wireHeaderLen + plen
			if c.pipe.post(pipeMessage{kind: pipeMsgPacket, target: t}) == nil {
				t.incomingPacket.scheduled = true
			} else {
				t.pendingPacket = nil
				t.pendingLen = 0
			}
		} else {
			// The peer was tombstoned or the context is stopping.
			c.reg.metrics.PacketsDropped.Add(1)
		}
		c.reg.mu.Unlock()
	}
}
