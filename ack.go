package kcp

// parseUna drops every segment in snd_buf with sn < una: the peer has
// told us it has contiguously received everything below una, so those
// segments need no further tracking. Applied before per-sn ACK
// processing so a stale reorder can't resurrect a segment una already
// cleared.
func (cb *ControlBlock) parseUna(una uint32) {
	count := 0
	for i := range cb.sndBuf {
		if timediff(una, cb.sndBuf[i].sn) > 0 {
			count++
		} else {
			break
		}
	}
	if count > 0 {
		cb.sndBuf = cb.sndBuf[count:]
	}
}

// shrinkBuf advances snd_una to the new minimum sn still in snd_buf
// (or snd_nxt if snd_buf is now empty).
func (cb *ControlBlock) shrinkBuf() {
	if len(cb.sndBuf) > 0 {
		cb.sndUna = cb.sndBuf[0].sn
	} else {
		cb.sndUna = cb.sndNxt
	}
}

// parseAck removes the segment with the given sn from snd_buf, if it is
// in [snd_una, snd_nxt) and still present.
func (cb *ControlBlock) parseAck(sn uint32) {
	if timediff(sn, cb.sndUna) < 0 || timediff(sn, cb.sndNxt) >= 0 {
		return
	}
	for i := range cb.sndBuf {
		seg := &cb.sndBuf[i]
		if sn == seg.sn {
			cb.sndBuf = append(cb.sndBuf[:i], cb.sndBuf[i+1:]...)
			break
		}
		if timediff(sn, seg.sn) < 0 {
			break
		}
	}
}

// sndBufSeg returns a pointer to the snd_buf segment with the given sn,
// or nil if it isn't (or is no longer) in flight.
func (cb *ControlBlock) sndBufSeg(sn uint32) *segment {
	for i := range cb.sndBuf {
		if cb.sndBuf[i].sn == sn {
			return &cb.sndBuf[i]
		}
		if timediff(sn, cb.sndBuf[i].sn) < 0 {
			break
		}
	}
	return nil
}

// parseFastack increments fastack on every snd_buf segment whose sn is
// strictly below the given (batch-maximum) acked sn. Called once per
// Input with the largest sn acked in that datagram rather than once per
// ACK segment, so a single datagram carrying several ACKs only counts
// each still-unacked segment once.
func (cb *ControlBlock) parseFastack(sn uint32) {
	if timediff(sn, cb.sndUna) < 0 || timediff(sn, cb.sndNxt) >= 0 {
		return
	}
	for i := range cb.sndBuf {
		seg := &cb.sndBuf[i]
		if timediff(sn, seg.sn) < 0 {
			break
		} else if sn != seg.sn {
			seg.fastack++
		}
	}
}

// updateAck folds a fresh RTT sample (current - ts, Karn's rule: only
// for segments with xmit == 1) into rx_srtt/rx_rttval/rx_rto using the
// asymmetric Jacobson smoothing the reference implementation uses,
// itself following RFC 6298 with the below-srtt case weighted 8x
// lighter than the above-srtt case. Negative samples are discarded by
// the caller before this is reached.
func (cb *ControlBlock) updateAck(rtt int32) {
	if cb.rxSrtt == 0 {
		cb.rxSrtt = rtt
		cb.rxRttval = rtt >> 1
	} else {
		delta := rtt - cb.rxSrtt
		// srtt is updated first; the rttvar branch below then compares
		// against the *new* srtt, matching the reference implementation's
		// order of operations exactly (not textbook RFC 6298 order).
		// Right-shifts, not /, to match its rounding for negative deltas.
		cb.rxSrtt += delta >> 3
		if delta < 0 {
			delta = -delta
		}
		if rtt < cb.rxSrtt-cb.rxRttval {
			cb.rxRttval += (delta - cb.rxRttval) >> 5
		} else {
			cb.rxRttval += (delta - cb.rxRttval) >> 2
		}
		if cb.rxSrtt < 1 {
			cb.rxSrtt = 1
		}
	}
	rto := uint32(cb.rxSrtt) + maxU32(cb.interval, uint32(cb.rxRttval)*4)
	cb.rxRTO = clampU32(cb.rxMinRTO, rto, maxRTO)
}
