package kcp

// wndUnused is the number of free slots left in rcv_queue, advertised
// as the wnd field on every outgoing segment.
func (cb *ControlBlock) wndUnused() uint16 {
	if uint32(len(cb.rcvQueue)) < cb.rcvWnd {
		return uint16(cb.rcvWnd - uint32(len(cb.rcvQueue)))
	}
	return 0
}

// ackPush schedules an ACK for (sn, ts) to be emitted on the next
// Flush. Duplicate sns may be recorded — intentional, so the peer
// clears its send buffer even under reorder.
func (cb *ControlBlock) ackPush(sn, ts uint32) {
	cb.acklist = append(cb.acklist, ackItem{sn: sn, ts: ts})
}

// compactAcks filters the pending ACK list down to the entries still
// useful to send: any sn that is still >= rcv_nxt, plus always the
// final entry (so the peer's una estimate keeps advancing even if every
// acked sn has since been superseded). Clears the list after filtering,
// so acks already folded into an outgoing segment are never re-sent;
// Flush puts the list back if the output sink fails.
func (cb *ControlBlock) compactAcks() []ackItem {
	if len(cb.acklist) == 0 {
		return nil
	}
	var required []ackItem
	last := len(cb.acklist) - 1
	for i, ack := range cb.acklist {
		if timediff(ack.sn, cb.rcvNxt) >= 0 || i == last {
			required = append(required, ack)
		}
	}
	cb.acklist = nil
	return required
}

// parseData inserts a freshly-decoded PUSH segment into rcv_buf in
// sn order (rejecting duplicates), then migrates the leading contiguous
// run starting at rcv_nxt into rcv_queue. The out-of-window/drop
// decision and the ACK scheduling are the caller's responsibility
// (input.go), since a dropped duplicate still owes an ACK.
func (cb *ControlBlock) parseData(seg segment) {
	sn := seg.sn
	if timediff(sn, cb.rcvNxt+cb.rcvWnd) >= 0 || timediff(sn, cb.rcvNxt) < 0 {
		return
	}

	n := len(cb.rcvBuf) - 1
	insertAt := 0
	repeat := false
	for i := n; i >= 0; i-- {
		if cb.rcvBuf[i].sn == sn {
			repeat = true
			break
		}
		if timediff(sn, cb.rcvBuf[i].sn) > 0 {
			insertAt = i + 1
			break
		}
	}
	if repeat {
		return
	}

	if insertAt == n+1 {
		cb.rcvBuf = append(cb.rcvBuf, seg)
	} else {
		cb.rcvBuf = append(cb.rcvBuf, segment{})
		copy(cb.rcvBuf[insertAt+1:], cb.rcvBuf[insertAt:])
		cb.rcvBuf[insertAt] = seg
	}

	cb.promoteReady()
}

// promoteReady moves the leading run of rcv_buf whose sn matches
// rcv_nxt, rcv_nxt+1, ... into rcv_queue, while rcv_queue has spare
// capacity, advancing rcv_nxt for each.
func (cb *ControlBlock) promoteReady() {
	count := 0
	for i := range cb.rcvBuf {
		if cb.rcvBuf[i].sn == cb.rcvNxt && uint32(len(cb.rcvQueue)) < cb.rcvWnd {
			cb.rcvNxt++
			count++
		} else {
			break
		}
	}
	if count > 0 {
		cb.rcvQueue = append(cb.rcvQueue, cb.rcvBuf[:count]...)
		cb.rcvBuf = cb.rcvBuf[count:]
	}
}

// Recv drains the next fully-assembled message from rcv_queue into buf.
// It returns ErrWouldBlock if no message is ready, or a
// *BufferTooSmallError naming the required size if buf is too small.
func (cb *ControlBlock) Recv(buf []byte) (int, error) {
	size, err := cb.PeekSize()
	if err != nil {
		return 0, err
	}
	if size > len(buf) {
		return 0, &BufferTooSmallError{Required: size}
	}

	wasFull := uint32(len(cb.rcvQueue)) >= cb.rcvWnd

	n := 0
	count := 0
	for i := range cb.rcvQueue {
		seg := &cb.rcvQueue[i]
		copy(buf[n:], seg.data)
		n += len(seg.data)
		count++
		if seg.frg == 0 {
			break
		}
	}
	cb.rcvQueue = cb.rcvQueue[count:]

	cb.promoteReady()

	if wasFull && uint32(len(cb.rcvQueue)) < cb.rcvWnd {
		cb.winsOwed = true
	}
	return n, nil
}
