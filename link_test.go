package kcp

import (
	"bytes"
	"math/rand"
	"testing"
)

// lossyLink wires two ControlBlocks together through in-memory queues,
// dropping outbound datagrams with the given probability. Delivery
// order within the link is preserved (UDP reordering is not modeled
// here; the out-of-order receive path is exercised directly in
// TestControlBlockReassemblesOutOfOrderSegments instead).
type lossyLink struct {
	rng     *rand.Rand
	lossPct int // 0-100

	aToB [][]byte
	bToA [][]byte
}

func newLossyLink(seed int64, lossPct int) *lossyLink {
	return &lossyLink{rng: rand.New(rand.NewSource(seed)), lossPct: lossPct}
}

func (l *lossyLink) outputFrom(queue *[][]byte) Output {
	return func(buf []byte) error {
		if l.rng.Intn(100) < l.lossPct {
			return nil // dropped, never enqueued
		}
		cp := append([]byte(nil), buf...)
		*queue = append(*queue, cp)
		return nil
	}
}

// deliver feeds every queued datagram into dst and empties the queue.
func deliver(t *testing.T, queue *[][]byte, dst *ControlBlock) {
	t.Helper()
	for _, dg := range *queue {
		if err := dst.Input(dg); err != nil {
			t.Fatalf("Input: %v", err)
		}
	}
	*queue = nil
}

// runLink ticks both blocks and shuttles datagrams between them for up
// to maxTicks 10ms steps, stopping early once stop reports true.
func runLink(t *testing.T, link *lossyLink, a, b *ControlBlock, maxTicks int, stop func() bool) {
	t.Helper()
	var now uint32
	for i := 0; i < maxTicks; i++ {
		now += 10
		if err := a.Update(now); err != nil {
			t.Fatalf("a.Update: %v", err)
		}
		if err := b.Update(now); err != nil {
			t.Fatalf("b.Update: %v", err)
		}
		deliver(t, &link.aToB, b)
		deliver(t, &link.bToA, a)
		if stop != nil && stop() {
			return
		}
	}
}

func TestControlBlockReliableEchoOverLossyLink(t *testing.T) {
	link := newLossyLink(1, 20)
	a := New(42, link.outputFrom(&link.aToB))
	b := New(42, link.outputFrom(&link.bToA))
	a.SetNoDelay(1, 10, 2, 1)
	b.SetNoDelay(1, 10, 2, 1)

	messages := [][]byte{
		[]byte("the quick brown fox"),
		[]byte("jumps over"),
		[]byte("the lazy dog"),
	}
	for _, m := range messages {
		if _, err := a.Send(m); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	var got [][]byte
	buf := make([]byte, 4096)
	runLink(t, link, a, b, 2000, func() bool {
		for {
			n, err := b.Recv(buf)
			if err == ErrWouldBlock {
				break
			}
			if err != nil {
				t.Fatalf("Recv: %v", err)
			}
			got = append(got, append([]byte(nil), buf[:n]...))
		}
		return len(got) == len(messages)
	})

	if len(got) != len(messages) {
		t.Fatalf("received %d messages, want %d", len(got), len(messages))
	}
	for i, m := range messages {
		if !bytes.Equal(got[i], m) {
			t.Fatalf("message %d = %q, want %q (order or content corrupted)", i, got[i], m)
		}
	}
}

func TestControlBlockReassemblesOutOfOrderSegments(t *testing.T) {
	cb := New(1, discardOutput)

	seg2 := segment{conv: 1, cmd: cmdPush, sn: 2, frg: 0, data: []byte("world")}
	seg1 := segment{conv: 1, cmd: cmdPush, sn: 1, frg: 1, data: []byte(" ")}
	seg0 := segment{conv: 1, cmd: cmdPush, sn: 0, frg: 2, data: []byte("hello")}

	// deliver deliberately out of order; nothing should promote to
	// rcv_queue until the gap at sn=0 is filled.
	cb.parseData(seg2)
	cb.parseData(seg1)
	if _, err := cb.PeekSize(); err != ErrWouldBlock {
		t.Fatalf("PeekSize before sn=0 arrives: got %v, want ErrWouldBlock", err)
	}

	cb.parseData(seg0)
	size, err := cb.PeekSize()
	if err != nil {
		t.Fatalf("PeekSize: %v", err)
	}
	if size != len("hello world") {
		t.Fatalf("PeekSize = %d, want %d", size, len("hello world"))
	}

	buf := make([]byte, 64)
	n, err := cb.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "hello world" {
		t.Fatalf("Recv = %q, want %q", buf[:n], "hello world")
	}
}

func TestControlBlockDropsDuplicateSegment(t *testing.T) {
	cb := New(1, discardOutput)
	seg := segment{conv: 1, cmd: cmdPush, sn: 0, frg: 0, data: []byte("once")}
	cb.parseData(seg)
	cb.parseData(seg) // duplicate, must not double-enqueue

	if len(cb.rcvQueue) != 1 {
		t.Fatalf("rcv_queue has %d entries after duplicate delivery, want 1", len(cb.rcvQueue))
	}
}

func TestFastResendOnThreeDuplicateAcks(t *testing.T) {
	link := newLossyLink(7, 0)
	a := New(9, link.outputFrom(&link.aToB))
	a.SetNoDelay(1, 10, 2, 1) // resend=2: 2 duplicate ACKs trigger fast resend

	// Two segments in flight: sn=0 will be the one we "lose" and expect
	// fast-resent; sn=1 is what the peer has actually received, so ACKs
	// naming it are valid (sn < snd_nxt) and count toward sn=0's fastack.
	if _, err := a.Send([]byte("seg-zero")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := a.Send([]byte("seg-one")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var now uint32
	now += 10
	if err := a.Update(now); err != nil {
		t.Fatalf("a.Update: %v", err)
	}
	if len(link.aToB) != 1 {
		t.Fatalf("expected 1 datagram carrying both segments, got %d", len(link.aToB))
	}
	if a.sndBuf[0].xmit != 1 || a.sndBuf[1].xmit != 1 {
		t.Fatalf("xmit after first send = %+v, want 1,1", a.sndBuf)
	}
	link.aToB = nil // drop both originals, simulating loss of sn=0's ACK path

	// Manually deliver three ACKs naming sn=1 (the segment the peer did
	// receive), as it would after three separately-timed datagrams; this
	// isolates parseFastack's accounting from end-to-end timing.
	ackFor := func(sn uint32) []byte {
		s := segment{conv: 9, cmd: cmdAck, sn: sn, wnd: 128, ts: now}
		buf := make([]byte, s.encodedLen())
		s.encode(buf)
		return buf
	}
	for i := 0; i < 3; i++ {
		if err := a.Input(ackFor(1)); err != nil {
			t.Fatalf("Input: %v", err)
		}
	}

	if len(a.sndBuf) != 1 || a.sndBuf[0].sn != 0 || a.sndBuf[0].fastack < 2 {
		t.Fatalf("fastack not accumulated as expected: %+v", a.sndBuf)
	}

	now += 10
	if err := a.Update(now); err != nil {
		t.Fatalf("a.Update: %v", err)
	}
	if len(link.aToB) != 1 {
		t.Fatalf("expected fast resend to emit 1 datagram, got %d", len(link.aToB))
	}
}

func TestRTOBackoffDoublesOnRepeatedLoss(t *testing.T) {
	a := New(1, discardOutput)
	a.sndBuf = append(a.sndBuf, segment{conv: 1, sn: 0, xmit: 1, rto: a.rxRTO, resendts: 0})

	batch := a.newBatch()
	a.current = 100000
	firstRTO := a.sndBuf[0].rto
	a.flushData(batch)
	if a.sndBuf[0].rto != 2*firstRTO {
		t.Fatalf("rto after first timeout = %d, want %d", a.sndBuf[0].rto, 2*firstRTO)
	}
	if a.sndBuf[0].xmit != 2 {
		t.Fatalf("xmit after first timeout = %d, want 2", a.sndBuf[0].xmit)
	}

	secondRTO := a.sndBuf[0].rto
	a.current += secondRTO + 1
	a.flushData(a.newBatch())
	if a.sndBuf[0].rto != 2*secondRTO {
		t.Fatalf("rto after second timeout = %d, want %d", a.sndBuf[0].rto, 2*secondRTO)
	}
	if a.sndBuf[0].xmit != 3 {
		t.Fatalf("xmit after second timeout = %d, want 3", a.sndBuf[0].xmit)
	}
}

func TestDeadLinkFlaggedAfterRepeatedLoss(t *testing.T) {
	a := New(1, discardOutput)
	a.deadLink = 3
	a.sndBuf = append(a.sndBuf, segment{conv: 1, sn: 0, xmit: 1, rto: a.rxRTO, resendts: 0})

	for i := 0; i < 5 && !a.dead; i++ {
		a.current += a.sndBuf[0].rto + 1
		a.flushData(a.newBatch())
	}
	if !a.dead {
		t.Fatal("DeadLink never flagged after repeated retransmission")
	}
}

// firstCmd decodes the leading segment of a datagram and returns its cmd.
func firstCmd(t *testing.T, dg []byte) uint8 {
	t.Helper()
	hdr, _, _, err := decodeSegment(dg)
	if err != nil {
		t.Fatalf("decodeSegment: %v", err)
	}
	return hdr.cmd
}

func TestWindowProbeCycle(t *testing.T) {
	var sent [][]byte
	capture := func(buf []byte) error {
		sent = append(sent, append([]byte(nil), buf...))
		return nil
	}

	a := New(77, capture)
	a.SetNoDelay(1, 10, 2, 1) // nocwnd=1: isolate the probe from slow-start ramp-up
	a.rmtWnd = 0              // B has advertised a full receive window

	if _, err := a.Send([]byte("resumed")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := a.Update(10); err != nil {
		t.Fatalf("a.Update: %v", err)
	}
	if a.probeWait == 0 || a.tsProbe == 0 {
		t.Fatalf("probe timer not armed while rmtWnd=0: probeWait=%d tsProbe=%d", a.probeWait, a.tsProbe)
	}
	if len(sent) != 0 {
		t.Fatalf("A sent %d datagrams while the window was closed, want 0", len(sent))
	}

	// Advance past the armed probe deadline: A should now emit WASK.
	if err := a.Update(a.tsProbe + 10); err != nil {
		t.Fatalf("a.Update: %v", err)
	}
	if len(sent) == 0 {
		t.Fatal("expected a WASK datagram once the probe deadline elapsed, got none")
	}
	for _, dg := range sent {
		if firstCmd(t, dg) == cmdPush {
			t.Fatal("A sent data while the window was still closed")
		}
	}
	sawWask := false
	for _, dg := range sent {
		if firstCmd(t, dg) == cmdWask {
			sawWask = true
		}
	}
	if !sawWask {
		t.Fatal("no WASK segment found after the probe deadline elapsed")
	}
	sent = nil

	// B replies WINS, reporting its current free window.
	wins := segment{conv: 77, cmd: cmdWins, wnd: 128}
	buf := make([]byte, wins.encodedLen())
	wins.encode(buf)
	if err := a.Input(buf); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if a.rmtWnd != 128 {
		t.Fatalf("rmtWnd after WINS = %d, want 128", a.rmtWnd)
	}

	if err := a.Update(a.current + 10); err != nil {
		t.Fatalf("a.Update: %v", err)
	}
	if a.probeWait != 0 || a.tsProbe != 0 {
		t.Fatalf("probe timers not cleared once the window reopened: probeWait=%d tsProbe=%d", a.probeWait, a.tsProbe)
	}

	sawPush := false
	for _, dg := range sent {
		if firstCmd(t, dg) == cmdPush {
			sawPush = true
		}
	}
	if !sawPush {
		t.Fatal("A did not resume sending queued data once the window reopened")
	}
}
