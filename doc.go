// Package kcp implements the KCP control block: a reliable, ordered
// ARQ transport run as a pure state machine over an unreliable
// datagram substrate. It trades bandwidth for latency through
// aggressive retransmission, fast-resend on duplicate ACKs, and a
// small fixed set of operations the caller drives directly:
//
//	Send   enqueue an application message or stream chunk
//	Input  feed a datagram received from the wire
//	Update advance the block's clock, flushing if due
//	Recv   drain the next assembled message
//
// A ControlBlock holds all per-connection state and performs no I/O
// of its own beyond calling the Output function supplied to New; it
// does not read sockets, spawn goroutines, or manage timers. Callers
// own the UDP socket, the timer loop, and any session-level concerns
// (handshake, multiplexing by conv, teardown) — this package is the
// ARQ core only.
package kcp
