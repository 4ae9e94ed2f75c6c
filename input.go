package kcp

// Input parses a received datagram into one or more segments: ACKs
// update the send side, data segments feed the receive side.
//
// A truncated trailing segment or a bad cmd makes the *entire
// remaining* datagram untrustworthy — everything decoded before the
// failure has already been applied, but nothing after it is. A
// mismatched conv is checked per segment and stops the call the same
// way with ErrConvMismatch: segments before it have been applied, the
// mismatched one and everything after it have not.
func (cb *ControlBlock) Input(data []byte) error {
	startUna := cb.sndUna

	var sawAck bool
	var maxAck uint32

	for len(data) > 0 {
		hdr, payload, rest, err := decodeSegment(data)
		if err != nil {
			return err
		}
		if hdr.conv != cb.conv {
			return ErrConvMismatch
		}

		cb.rmtWnd = uint32(hdr.wnd)
		cb.parseUna(hdr.una)
		cb.shrinkBuf()

		switch hdr.cmd {
		case cmdAck:
			// Karn's rule: only a segment that has never been
			// retransmitted (xmit == 1) yields a trustworthy RTT sample
			// from this ACK.
			if acked := cb.sndBufSeg(hdr.sn); acked != nil && acked.xmit == 1 {
				if rtt := timediff(cb.current, hdr.ts); rtt >= 0 {
					cb.updateAck(rtt)
				}
			}
			cb.parseAck(hdr.sn)
			cb.shrinkBuf()
			if !sawAck || timediff(hdr.sn, maxAck) > 0 {
				maxAck = hdr.sn
				sawAck = true
			}
			cb.countAck()
		case cmdPush:
			if timediff(hdr.sn, cb.rcvNxt+cb.rcvWnd) < 0 {
				cb.ackPush(hdr.sn, hdr.ts)
				if timediff(hdr.sn, cb.rcvNxt) >= 0 {
					seg := segment{
						conv: hdr.conv,
						cmd:  hdr.cmd,
						frg:  hdr.frg,
						wnd:  hdr.wnd,
						ts:   hdr.ts,
						sn:   hdr.sn,
						una:  hdr.una,
						data: append([]byte(nil), payload...),
					}
					cb.parseData(seg)
				}
			}
		case cmdWask:
			cb.probe |= probeAskTell
		case cmdWins:
			// no state change; the peer is only reporting its window.
		}

		cb.countIn()
		data = rest
	}

	if sawAck {
		cb.parseFastack(maxAck)
	}

	// congestion avoidance / slow start on a "clean" Input: una actually
	// advanced, meaning at least one in-flight segment was confirmed
	// without us observing it as lost this round.
	if timediff(cb.sndUna, startUna) > 0 && cb.cwnd < cb.rmtWnd {
		cb.growCwndOnAck()
	}

	return nil
}

// growCwndOnAck grows cwnd on a clean ACK (no losses observed this
// Input): slow start below ssthresh, congestion avoidance above it,
// clamped so cwnd never exceeds what the peer has advertised.
func (cb *ControlBlock) growCwndOnAck() {
	mss := cb.mss
	if cb.cwnd < cb.ssthresh {
		cb.cwnd++
		cb.incr += mss
	} else {
		if cb.incr < mss {
			cb.incr = mss
		}
		cb.incr += (mss*mss)/cb.incr + mss/16
		if (cb.cwnd+1)*mss <= cb.incr {
			cb.cwnd++
		}
	}
	if cb.cwnd > cb.rmtWnd {
		cb.cwnd = cb.rmtWnd
		cb.incr = cb.rmtWnd * mss
	}
}

func (cb *ControlBlock) countAck() {
	if cb.m != nil {
		cb.m.ackSegs.Inc()
	}
}

func (cb *ControlBlock) countIn() {
	if cb.m != nil {
		cb.m.inSegs.Inc()
	}
}
