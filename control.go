package kcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
)

// Output is the caller-supplied sink a ControlBlock emits wire-ready
// datagrams through. It must not retain buf past the call (one backing
// array is reused for every datagram of a Flush; each Flush allocates a
// new one). An error aborts the in-progress Flush and is returned
// wrapped in *OutputSinkError. Queued and in-flight segments and the
// pending ACK list are kept for the next Flush to retry; segments that
// Flush already walked keep their advanced transmit count and
// retransmission deadline.
type Output func(buf []byte) error

// ackItem is one pending (sn, ts) ACK awaiting emission on the next flush.
type ackItem struct {
	sn uint32
	ts uint32
}

// ControlBlock holds all per-connection ARQ state: send/receive windows,
// in-flight segments, RTT/RTO estimation, and congestion control. It is
// not safe for concurrent use — the caller must serialize access to a
// single logical thread of control, driving it through Send, Input,
// Update, and Recv.
type ControlBlock struct {
	id xid.ID

	conv uint32

	// send side
	sndUna, sndNxt uint32
	sndWnd         uint32
	cwnd           uint32
	ssthresh       uint32
	rmtWnd         uint32
	probe          uint8
	probeWait      uint32
	tsProbe        uint32
	incr           uint32
	sndQueue       []segment
	sndBuf         []segment

	// receive side
	rcvNxt   uint32
	rcvWnd   uint32
	rcvQueue []segment
	rcvBuf   []segment
	winsOwed bool // a previously-full rcv_queue just drained: WINS is owed

	// timing & retransmission
	rxSrtt    int32
	rxRttval  int32
	rxRTO     uint32
	rxMinRTO  uint32
	interval  uint32
	tsFlush   uint32
	current   uint32
	updated   bool

	// tuning
	nodelay    int32
	fastresend int32
	fastlimit  uint32
	nocwnd     int32
	stream     bool
	mtu        uint32
	mss        uint32
	deadLink   uint32
	xmit       uint32
	dead       bool

	acklist []ackItem

	output Output
	reg    prometheus.Registerer
	m      *metrics
}

const probeAskSend uint8 = 1 // IKCP_ASK_SEND: need to send a WASK
const probeAskTell uint8 = 2 // IKCP_ASK_TELL: need to send a WINS

// New creates a ControlBlock for conversation conv. output is called by
// Flush to emit wire-ready datagrams; it must never be nil.
func New(conv uint32, output Output) *ControlBlock {
	return NewWithRegisterer(conv, output, nil)
}

// NewWithRegisterer is New, but metrics are registered against reg
// instead of being untracked. Pass nil to skip metrics entirely.
func NewWithRegisterer(conv uint32, output Output, reg prometheus.Registerer) *ControlBlock {
	cb := &ControlBlock{
		id:        xid.New(),
		conv:      conv,
		sndWnd:    DefaultSndWnd,
		rcvWnd:    DefaultRcvWnd,
		rmtWnd:    DefaultRcvWnd,
		mtu:       DefaultMTU,
		mss:       DefaultMTU - overhead,
		rxRTO:     defaultRTO,
		rxMinRTO:  defaultMinRTO,
		interval:  DefaultInterval,
		tsFlush:   DefaultInterval,
		ssthresh:  defaultSsthresh,
		fastlimit: DefaultFastLimit,
		deadLink:  DefaultDeadLink,
		output:    output,
		reg:       reg,
	}
	if reg != nil {
		cb.m = newMetrics(reg, cb.id.String())
	}
	return cb
}

// ID is this block's correlation id, used as the metrics/log label.
func (cb *ControlBlock) ID() xid.ID { return cb.id }

// Conv returns the conversation id.
func (cb *ControlBlock) Conv() uint32 { return cb.conv }

// DeadLink reports whether any segment has been transmitted (first send
// included) at least dead_link times (DefaultDeadLink unless a Profile
// changes it). Once set, the flag stays set. The core never tears down
// state itself; this is purely a signal for the caller's own liveness
// policy.
func (cb *ControlBlock) DeadLink() bool { return cb.dead }

// WaitSnd is the number of segments queued or in flight, unsent or
// unacknowledged.
func (cb *ControlBlock) WaitSnd() int {
	return len(cb.sndQueue) + len(cb.sndBuf)
}

// Cwnd returns the currently effective send window: the smaller of the
// configured send window and the peer's advertised receive window, also
// capped by the congestion window unless congestion control is disabled.
func (cb *ControlBlock) Cwnd() uint32 {
	w := minU32(cb.sndWnd, cb.rmtWnd)
	if cb.nocwnd == 0 {
		w = minU32(w, cb.cwnd)
	}
	return w
}

// SetMTU changes the maximum transmission unit; mss is recomputed as
// mtu - overhead. Returns an error if mtu leaves no room for at least
// one payload byte after the header.
func (cb *ControlBlock) SetMTU(mtu int) error {
	if mtu < overhead+1 {
		return &MalformedInputError{Reason: "mtu too small for segment overhead"}
	}
	cb.mtu = uint32(mtu)
	cb.mss = cb.mtu - overhead
	return nil
}

// SetInterval clamps and sets the flush period, in milliseconds
// (10–5000).
func (cb *ControlBlock) SetInterval(interval int) {
	if interval > maxInterval {
		interval = maxInterval
	} else if interval < minInterval {
		interval = minInterval
	}
	cb.interval = uint32(interval)
}

// SetNoDelay mirrors the reference implementation's ikcp_nodelay: fast
// mode is (1, 10, 2, 1). -1 leaves the corresponding field untouched for
// any argument (as with SetWndSize's zero-means-unchanged
// convention, negative means "don't touch" here since 0 is a valid
// nodelay/resend/nocwnd value).
func (cb *ControlBlock) SetNoDelay(nodelay, interval, resend, nocwnd int) {
	if nodelay >= 0 {
		cb.nodelay = int32(nodelay)
		if nodelay != 0 {
			cb.rxMinRTO = nodelayMinRTO
		} else {
			cb.rxMinRTO = defaultMinRTO
		}
	}
	if interval >= 0 {
		cb.SetInterval(interval)
	}
	if resend >= 0 {
		cb.fastresend = int32(resend)
	}
	if nocwnd >= 0 {
		cb.nocwnd = int32(nocwnd)
	}
}

// SetWndSize sets the maximum send/receive window sizes, in segments.
// A zero argument leaves the corresponding window unchanged.
func (cb *ControlBlock) SetWndSize(sndWnd, rcvWnd int) {
	if sndWnd > 0 {
		cb.sndWnd = uint32(sndWnd)
	}
	if rcvWnd > 0 {
		cb.rcvWnd = uint32(rcvWnd)
	}
}

// SetStream toggles stream mode: true fragments across Send boundaries
// (coalescing into the trailing segment) rather than preserving message
// boundaries.
func (cb *ControlBlock) SetStream(enable bool) {
	cb.stream = enable
}

// PeekSize returns the size of the next fully-assembled message in
// rcv_queue, or ErrWouldBlock if none is ready yet.
func (cb *ControlBlock) PeekSize() (int, error) {
	if len(cb.rcvQueue) == 0 {
		return 0, ErrWouldBlock
	}
	head := &cb.rcvQueue[0]
	if head.frg == 0 {
		return len(head.data), nil
	}
	if len(cb.rcvQueue) < int(head.frg)+1 {
		return 0, ErrWouldBlock
	}

	length := 0
	for i := range cb.rcvQueue {
		seg := &cb.rcvQueue[i]
		length += len(seg.data)
		if seg.frg == 0 {
			return length, nil
		}
	}
	return 0, ErrWouldBlock
}

// Check returns the earliest time Update would do useful work: the
// sooner of the next scheduled flush and the earliest pending
// retransmission deadline in snd_buf. Callers may schedule a single
// timer around this instead of polling at interval.
func (cb *ControlBlock) Check(now uint32) uint32 {
	if !cb.updated {
		return now
	}

	tsFlush := cb.tsFlush
	if timediff(now, tsFlush) >= 10000 || timediff(now, tsFlush) < -10000 {
		tsFlush = now
	}
	if timediff(now, tsFlush) >= 0 {
		return now
	}

	tmFlush := timediff(tsFlush, now)
	tmPacket := int32(0x7fffffff)
	for i := range cb.sndBuf {
		diff := timediff(cb.sndBuf[i].resendts, now)
		if diff <= 0 {
			return now
		}
		if diff < tmPacket {
			tmPacket = diff
		}
	}

	minimal := tmPacket
	if tmPacket >= tmFlush {
		minimal = tmFlush
	}
	if uint32(minimal) >= cb.interval {
		minimal = int32(cb.interval)
	}
	return now + uint32(minimal)
}

// Update advances the protocol's notion of time and, if a flush is due,
// performs it. It is safe (and expected) to call on every tick of the
// caller's timer, and idempotent within a single flush interval.
func (cb *ControlBlock) Update(now uint32) error {
	cb.current = now
	if !cb.updated {
		cb.updated = true
		cb.tsFlush = now
	}

	slap := timediff(now, cb.tsFlush)
	if slap >= 10000 || slap < -10000 {
		cb.tsFlush = now
		slap = 0
	}

	if slap >= 0 {
		cb.tsFlush += cb.interval
		if timediff(now, cb.tsFlush) >= 0 {
			cb.tsFlush = now + cb.interval
		}
		return cb.Flush()
	}
	return nil
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func clampU32(lower, v, upper uint32) uint32 {
	return minU32(maxU32(lower, v), upper)
}

// timediff computes later-earlier as a signed 32-bit difference,
// tolerant of clock wrap as long as the true gap is well within 2^31.
func timediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}
