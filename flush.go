package kcp

import "github.com/golang/glog"

// outputBatch is a small wrapper around the caller's Output sink that
// batches segment encodings up to mtu bytes before calling it, the same
// buffering strategy as the reference implementation's flush() (a
// single reused buffer, flushed whenever the next segment would
// overflow it).
type outputBatch struct {
	cb   *ControlBlock
	buf  []byte
	used int
	segs int
	err  error
}

func (cb *ControlBlock) newBatch() *outputBatch {
	return &outputBatch{cb: cb, buf: make([]byte, cb.mtu)}
}

func (b *outputBatch) flushPending() {
	if b.err != nil || b.used == 0 {
		return
	}
	if err := b.cb.output(b.buf[:b.used]); err != nil {
		b.err = newOutputSinkError(err)
		return
	}
	if b.cb.m != nil {
		b.cb.m.outSegs.Add(float64(b.segs))
	}
	b.used = 0
	b.segs = 0
}

// write appends seg's wire encoding, flushing first if it wouldn't fit.
func (b *outputBatch) write(seg *segment) {
	if b.err != nil {
		return
	}
	need := seg.encodedLen()
	if b.used+need > len(b.buf) {
		b.flushPending()
		if b.err != nil {
			return
		}
	}
	rest := seg.encode(b.buf[b.used:])
	b.used = len(b.buf) - len(rest)
	b.segs++
}

// Flush emits pending ACKs, new data segments, and retransmissions
// through the output sink, subject to the send and congestion windows.
// It is always safe to call; Update calls it automatically once
// current >= ts_flush.
func (cb *ControlBlock) Flush() error {
	batch := cb.newBatch()
	pendingAcks := cb.acklist
	defer func() {
		if batch.err != nil {
			cb.acklist = pendingAcks
		}
	}()

	cb.flushAcks(batch)
	if batch.err != nil {
		return batch.err
	}

	cb.flushProbes(batch)
	if batch.err != nil {
		return batch.err
	}

	lost, hadFastResend, fastResendUsed := cb.flushData(batch)
	if batch.err != nil {
		return batch.err
	}

	batch.flushPending()
	if batch.err != nil {
		return batch.err
	}

	cb.updateCongestion(lost, hadFastResend, fastResendUsed)
	return nil
}

// flushAcks emits one ACK segment per entry compactAcks returns.
func (cb *ControlBlock) flushAcks(batch *outputBatch) {
	required := cb.compactAcks()
	if len(required) == 0 {
		return
	}

	ack := segment{conv: cb.conv, cmd: cmdAck, wnd: cb.wndUnused(), una: cb.rcvNxt}
	for _, item := range required {
		ack.sn, ack.ts = item.sn, item.ts
		batch.write(&ack)
		if batch.err != nil {
			return
		}
	}
}

// flushProbes runs the window-probe state machine and emits any
// WASK/WINS segments the probe flags (or a peer's prior WASK) call for.
func (cb *ControlBlock) flushProbes(batch *outputBatch) {
	if cb.rmtWnd == 0 {
		if cb.probeWait == 0 {
			cb.probeWait = probeInit
			cb.tsProbe = cb.current + cb.probeWait
		} else if timediff(cb.current, cb.tsProbe) >= 0 {
			if cb.probeWait < probeInit {
				cb.probeWait = probeInit
			}
			cb.probeWait += cb.probeWait / 2
			if cb.probeWait > probeLimit {
				cb.probeWait = probeLimit
			}
			cb.tsProbe = cb.current + cb.probeWait
			cb.probe |= probeAskSend
		}
	} else {
		cb.tsProbe = 0
		cb.probeWait = 0
	}

	if cb.winsOwed {
		cb.probe |= probeAskTell
		cb.winsOwed = false
	}

	seg := segment{conv: cb.conv, wnd: cb.wndUnused(), una: cb.rcvNxt}
	if cb.probe&probeAskSend != 0 {
		glog.V(2).Infof("kcp[%s]: window probe, wait=%dms", cb.id, cb.probeWait)
		seg.cmd = cmdWask
		batch.write(&seg)
	}
	if batch.err == nil && cb.probe&probeAskTell != 0 {
		seg.cmd = cmdWins
		batch.write(&seg)
	}
	cb.probe = 0
}

// flushData moves ready segments from snd_queue into snd_buf, then walks
// snd_buf emitting first transmissions, RTO-expired retransmissions,
// fast-resends, and early-resends. It returns whether any RTO-resend
// occurred (triggers the harsher congestion response) and the
// fast-resend threshold used for cwnd growth in updateCongestion.
func (cb *ControlBlock) flushData(batch *outputBatch) (lost, hadFastResend bool, fastResendUsed uint32) {
	cwnd := minU32(cb.sndWnd, cb.rmtWnd)
	if cb.nocwnd == 0 {
		cwnd = minU32(cwnd, cb.cwnd)
	}

	newCount := 0
	for i := range cb.sndQueue {
		if timediff(cb.sndNxt, cb.sndUna+cwnd) >= 0 {
			break
		}
		seg := cb.sndQueue[i]
		seg.conv = cb.conv
		seg.cmd = cmdPush
		seg.sn = cb.sndNxt
		seg.una = cb.rcvNxt
		cb.sndBuf = append(cb.sndBuf, seg)
		cb.sndNxt++
		newCount++
	}
	cb.sndQueue = cb.sndQueue[newCount:]

	resendThreshold := uint32(cb.fastresend)
	if cb.fastresend <= 0 {
		resendThreshold = 0xffffffff
	}
	rtomin := cb.rxRTO / 8
	if cb.nodelay != 0 {
		rtomin = 0
	}

	wnd := cb.wndUnused()
	changed := 0

	for i := range cb.sndBuf {
		seg := &cb.sndBuf[i]
		fresh := i >= len(cb.sndBuf)-newCount
		needSend := fresh

		if !fresh {
			switch {
			case timediff(cb.current, seg.resendts) >= 0:
				needSend = true
				seg.xmit++
				cb.xmit++
				if cb.nodelay == 0 {
					seg.rto += maxU32(seg.rto, cb.rxRTO)
				} else {
					seg.rto += seg.rto / 2
				}
				seg.resendts = cb.current + seg.rto
				seg.fastack = 0
				lost = true
				cb.countLost()
			case seg.fastack >= resendThreshold && resendThreshold != 0xffffffff &&
				(cb.fastlimit == 0 || seg.xmit <= cb.fastlimit):
				needSend = true
				seg.xmit++
				seg.fastack = 0
				seg.rto = cb.rxRTO
				seg.resendts = cb.current + seg.rto
				changed++
				cb.countFastRetrans()
			case seg.fastack > 0 && newCount == 0:
				needSend = true
				seg.xmit++
				seg.fastack = 0
				seg.rto = cb.rxRTO
				seg.resendts = cb.current + seg.rto
				changed++
				cb.countEarlyRetrans()
			}
		} else {
			seg.xmit++
			seg.rto = cb.rxRTO
			seg.resendts = cb.current + cb.rxRTO + rtomin
		}

		if !needSend {
			continue
		}

		seg.ts = cb.current
		seg.wnd = wnd
		seg.una = cb.rcvNxt

		glog.V(2).Infof("kcp[%s]: send sn=%d xmit=%d fresh=%v", cb.id, seg.sn, seg.xmit, fresh)

		batch.write(seg)
		if batch.err != nil {
			return lost, hadFastResend, fastResendUsed
		}
		if !fresh {
			cb.countRetrans()
		}

		if seg.xmit >= cb.deadLink {
			cb.dead = true
		}
	}

	if changed != 0 {
		// The cwnd bump on fast/early resend is ssthresh+fastresend (the
		// configured threshold), not the sentinel used internally above
		// to mean "disabled" — using the sentinel here would wrap cwnd
		// around a uint32 on any early-retransmit event that fires while
		// fast-resend is off.
		bump := uint32(0)
		if cb.fastresend > 0 {
			bump = uint32(cb.fastresend)
		}
		fastResendUsed, hadFastResend = bump, true
	}
	return lost, hadFastResend, fastResendUsed
}

// updateCongestion applies the loss-driven congestion responses: halving
// ssthresh and collapsing cwnd on fast-resend or timeout. The ACK-driven
// growth path (no losses this flush) lives in growCwndOnAck, run from
// Input instead, since it is keyed off Input observing una advance, not
// off anything flush() itself computes.
func (cb *ControlBlock) updateCongestion(lost, hadFastResend bool, fastResendUsed uint32) {
	if hadFastResend {
		inflight := cb.sndNxt - cb.sndUna
		cb.ssthresh = maxU32(inflight/2, minSsthresh)
		cb.cwnd = cb.ssthresh + fastResendUsed
		cb.incr = cb.cwnd * cb.mss
	}

	if lost {
		cwnd := minU32(cb.sndWnd, cb.rmtWnd)
		if cb.nocwnd == 0 {
			cwnd = minU32(cwnd, cb.cwnd)
		}
		cb.ssthresh = maxU32(cwnd/2, minSsthresh)
		cb.cwnd = 1
		cb.incr = cb.mss
	}

	if cb.cwnd < 1 {
		cb.cwnd = 1
		cb.incr = cb.mss
	}
}

func (cb *ControlBlock) countLost() {
	if cb.m != nil {
		cb.m.lostSegs.Inc()
	}
}

func (cb *ControlBlock) countRetrans() {
	if cb.m != nil {
		cb.m.retransSegs.Inc()
	}
}

func (cb *ControlBlock) countFastRetrans() {
	if cb.m != nil {
		cb.m.fastRetransSegs.Inc()
	}
}

func (cb *ControlBlock) countEarlyRetrans() {
	if cb.m != nil {
		cb.m.earlyRetransSegs.Inc()
	}
}
