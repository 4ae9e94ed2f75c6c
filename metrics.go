package kcp

import "github.com/prometheus/client_golang/prometheus"

// metrics is the per-ControlBlock counterpart to the reference
// implementation's process-global DefaultSnmp atomic-counter struct,
// rebuilt as real Prometheus collectors labelled by the block's id so
// that many concurrent connections in one process stay distinguishable.
//
// A ControlBlock built via New never touches the default global
// registry: metrics are only registered when the caller opts in via
// NewWithRegisterer, matching the library convention of never mutating
// global state a host process doesn't ask for.
type metrics struct {
	lostSegs         prometheus.Counter
	retransSegs      prometheus.Counter
	fastRetransSegs  prometheus.Counter
	earlyRetransSegs prometheus.Counter
	inSegs           prometheus.Counter
	outSegs          prometheus.Counter
	ackSegs          prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, id string) *metrics {
	mk := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kcp",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"conn": id},
		})
		if reg != nil {
			// mirrors promauto's behavior for a constructor that has
			// no error return: a re-registration under the same
			// conn/name is tolerated by reusing the prior collector.
			if err := reg.Register(c); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
						return existing
					}
				}
			}
		}
		return c
	}

	return &metrics{
		lostSegs:         mk("lost_segments_total", "segments retransmitted due to RTO expiry"),
		retransSegs:      mk("retransmitted_segments_total", "segments retransmitted for any reason"),
		fastRetransSegs:  mk("fast_retransmitted_segments_total", "segments retransmitted via fast-resend"),
		earlyRetransSegs: mk("early_retransmitted_segments_total", "segments retransmitted via early-retransmit"),
		inSegs:           mk("in_segments_total", "segments accepted by Input"),
		outSegs:          mk("out_segments_total", "segments emitted by Flush"),
		ackSegs:          mk("ack_segments_total", "ACK segments received by Input"),
	}
}
