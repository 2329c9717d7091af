// receive.go: reception loop, protocol dispatch, reassembly and sending
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmipc

import "os"

// reassemblyState accumulates one application message across one or more
// data_fragment packets (or is filled in a single shot by one data
// packet), per spec.md 4.3.2/4.3.6.
type reassemblyState struct {
	totalLength int
	chunks      [][]byte
	writeIdx    int
	writeOff    int
	received    int
}

func (c *Connection) beginReassembly(totalLength int, firstBody []byte) error {
	sizes, tableBytes, err := readChunkTable(firstBody)
	if err != nil {
		return err
	}
	chunks := make([][]byte, len(sizes))
	for i, s := range sizes {
		chunks[i] = make([]byte, s)
	}
	c.reassembly = &reassemblyState{totalLength: totalLength, chunks: chunks}
	c.reassembly.received = tableBytes
	c.feedReassembly(firstBody[tableBytes:])
	return nil
}

func (c *Connection) feedReassembly(data []byte) {
	rs := c.reassembly
	n := 0
	for n < len(data) && rs.writeIdx < len(rs.chunks) {
		dst := rs.chunks[rs.writeIdx][rs.writeOff:]
		k := copy(dst, data[n:])
		n += k
		rs.writeOff += k
		rs.received += k
		if rs.writeOff >= len(rs.chunks[rs.writeIdx]) {
			rs.writeIdx++
			rs.writeOff = 0
		}
	}
}

func (c *Connection) maybeComplete() {
	rs := c.reassembly
	if rs == nil || rs.received < rs.totalLength {
		return
	}
	chunks := rs.chunks
	c.reassembly = nil
	c.deliver(chunks)
}

func (c *Connection) deliver(chunks [][]byte) {
	if c.decoupled {
		c.deliveries <- deliveredMessage{chunks: chunks}
		return
	}
	c.receiverMu.Lock()
	cb := c.receiverCB
	c.receiverMu.Unlock()
	if cb != nil {
		cb(chunks)
	}
}

func (c *Connection) deliveryLoop() {
	defer c.deliverWG.Done()
	for msg := range c.deliveries {
		c.receiverMu.Lock()
		cb := c.receiverCB
		c.receiverMu.Unlock()
		if cb != nil {
			cb(msg.chunks)
		}
	}
}

// receiveLoop consumes whatever the Rx ring produces and drives the
// protocol state machine; it is the "OS thread" of spec.md 5, realized as
// a goroutine that idles in the bounded WaitForData call when the ring is
// empty (spec.md 5, 9: no cooperative scheduling masking the blocking
// wait). Handling a packet can also block: control replies wait in Reserve
// for up to defaultReserveTimeout, and decoupled delivery waits for room
// in the delivery queue.
func (c *Connection) receiveLoop() {
	c.recvGoroutineID.Store(currentGoroutineID())
	defer close(c.recvDone)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		handle, err := c.rx.TryRead()
		if err != nil {
			if !c.isServer {
				c.maybeResendSync()
			}
			c.rx.WaitForData(dataWaitTimeout)
			continue
		}
		c.handlePacket(handle)
	}
}

func (c *Connection) maybeResendSync() {
	if c.State() != StateInitialized {
		return
	}
	now := timeNow()
	if !c.lastSyncSent.IsZero() && now.Sub(c.lastSyncSent) < syncResendInterval {
		return
	}
	c.lastSyncSent = now
	c.sendControl(msgSyncRequest)
}

func (c *Connection) handlePacket(h *ReadHandle) {
	buf := h.Bytes()
	defer h.Accept()

	if len(buf) < msgHeaderSize {
		c.publishTransient(StateCommunicationError)
		return
	}
	if readMsgVersion(buf) != protocolVersion {
		c.publishTransient(StateCommunicationError)
		return
	}

	switch readMsgKind(buf) {
	case msgSyncRequest:
		c.onSyncRequest()
	case msgSyncAnswer:
		c.onSyncAnswer()
	case msgConnectRequest:
		if len(buf) < connectMsgSize {
			c.publishTransient(StateCommunicationError)
			return
		}
		c.onConnectRequest(readConnectPID(buf))
	case msgConnectAnswer:
		if len(buf) < connectMsgSize {
			c.publishTransient(StateCommunicationError)
			return
		}
		c.onConnectAnswer(readConnectPID(buf))
	case msgConnectTerm:
		c.onConnectTerm()
	case msgData:
		if err := c.beginReassembly(len(buf)-msgHeaderSize, buf[msgHeaderSize:]); err != nil {
			c.publishTransient(StateCommunicationError)
			return
		}
		c.maybeComplete()
	case msgDataFragment:
		c.onDataFragment(buf)
	default:
		c.publishTransient(StateCommunicationError)
	}
}

func (c *Connection) onDataFragment(buf []byte) {
	const fragHeader = msgHeaderSize + fragmentHeaderExtra
	if len(buf) < fragHeader {
		c.publishTransient(StateCommunicationError)
		return
	}
	totalLength := int(readFragmentTotalLength(buf))
	offset := int(readFragmentOffset(buf))
	body := buf[fragHeader:]

	if offset == 0 {
		if err := c.beginReassembly(totalLength, body); err != nil {
			c.publishTransient(StateCommunicationError)
			return
		}
	} else {
		if c.reassembly == nil {
			c.publishTransient(StateCommunicationError)
			return
		}
		c.feedReassembly(body)
	}
	c.maybeComplete()
}

func (c *Connection) onSyncRequest() {
	if c.isServer && c.State() == StateInitialized {
		c.setState(StateConnecting)
		c.sendControl(msgSyncAnswer)
	}
}

func (c *Connection) onSyncAnswer() {
	if !c.isServer && c.State() == StateInitialized {
		c.setState(StateNegotiating)
		c.sendConnectMsg(msgConnectRequest)
	}
}

func (c *Connection) onConnectRequest(pid uint32) {
	if c.isServer && c.State() == StateConnecting {
		c.peerPID.Store(pid)
		c.watchdog.AddMonitor(pid, c)
		c.setState(StateConnected)
		c.sendConnectMsg(msgConnectAnswer)
	}
}

func (c *Connection) onConnectAnswer(pid uint32) {
	if !c.isServer && c.State() == StateNegotiating {
		c.peerPID.Store(pid)
		c.watchdog.AddMonitor(pid, c)
		c.setState(StateConnected)
	}
}

func (c *Connection) onConnectTerm() {
	if c.State() == StateTerminating {
		return
	}
	c.watchdog.RemoveMonitor(c)
	c.rx.ResetRx()
	c.setState(StateDisconnected)
	if c.isServer {
		c.sendControl(msgSyncRequest)
	}
}

// onPeerVanished is invoked by the watchdog when the peer's OS process
// exits (spec.md 4.3.4, 4.4, 8 property 7).
func (c *Connection) onPeerVanished() {
	if c.State() == StateTerminating {
		return
	}
	c.setState(StateDisconnectedForced)
	c.setState(StateDisconnected)
}

func (c *Connection) sendControl(kind uint32) {
	buf := make([]byte, msgHeaderSize)
	writeMsgHeader(buf, kind)
	_ = c.tx.TryWrite(buf, defaultReserveTimeout)
}

func (c *Connection) sendConnectMsg(kind uint32) {
	buf := make([]byte, connectMsgSize)
	writeConnectMsg(buf, kind, uint32(os.Getpid()))
	_ = c.tx.TryWrite(buf, defaultReserveTimeout)
}

// SendData fragments and transmits one application message, preserving
// chunk boundaries end-to-end (spec.md 4.3.5).
func (c *Connection) SendData(chunks [][]byte) error {
	if c.State() != StateConnected {
		return wrapf("SendData", ErrNotConnected)
	}

	sizes := make([]int, len(chunks))
	total := 0
	for i, ch := range chunks {
		sizes[i] = len(ch)
		total += len(ch)
	}
	table := make([]byte, chunkTableSize(len(chunks)))
	writeChunkTable(table, sizes)
	bodyLen := len(table) + total

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	threshold := int(c.tx.size) / 4
	cursor := newChunkCursor(table, chunks)

	if bodyLen+msgHeaderSize <= threshold {
		if err := c.sendSingle(msgData, cursor, bodyLen); err != nil {
			c.publishTransient(StateCommunicationError)
			return err
		}
		return nil
	}

	perFragmentBody := threshold - (msgHeaderSize + fragmentHeaderExtra)
	if perFragmentBody < 1 {
		perFragmentBody = 1
	}
	offset := 0
	for offset < bodyLen {
		n := bodyLen - offset
		if n > perFragmentBody {
			n = perFragmentBody
		}
		if err := c.sendFragment(cursor, offset, bodyLen, n); err != nil {
			c.publishTransient(StateCommunicationError)
			return err
		}
		offset += n
	}
	return nil
}

func (c *Connection) sendSingle(kind uint32, cursor *chunkCursor, bodyLen int) error {
	r, err := c.tx.Reserve(uint32(msgHeaderSize+bodyLen), defaultReserveTimeout)
	if err != nil {
		return err
	}
	buf := r.Bytes()
	writeMsgHeader(buf, kind)
	cursor.fill(buf[msgHeaderSize:])
	r.Commit()
	return nil
}

func (c *Connection) sendFragment(cursor *chunkCursor, offset, totalLength, n int) error {
	const fragHeader = msgHeaderSize + fragmentHeaderExtra
	r, err := c.tx.Reserve(uint32(fragHeader+n), defaultReserveTimeout)
	if err != nil {
		return err
	}
	buf := r.Bytes()
	writeFragmentHeader(buf, msgDataFragment, uint32(totalLength), uint32(offset))
	cursor.fill(buf[fragHeader:])
	r.Commit()
	return nil
}
