package kcp

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Configuration defaults for a freshly-constructed ControlBlock.
const (
	DefaultMTU        = 1400
	defaultOverhead   = overhead
	DefaultSndWnd     = 32
	DefaultRcvWnd     = 128
	defaultRTO        = 200
	defaultMinRTO     = 100
	nodelayMinRTO     = 30
	DefaultInterval   = 100
	defaultSsthresh   = 2
	minSsthresh       = 2
	DefaultFastResend = 0
	DefaultFastLimit  = 5
	DefaultDeadLink   = 20
	maxRTO            = 60000
	minInterval       = 10
	maxInterval       = 5000
	probeInit         = 7000
	probeLimit        = 120000
)

// Profile bundles the tuning knobs exposed through
// SetMTU/SetInterval/SetNoDelay/SetWndSize/SetStream, decodable from a
// TOML file the way cmd/dnsproxy/config.go decodes config.toml.
type Profile struct {
	MTU        int  `toml:"mtu"`
	Interval   int  `toml:"interval"`
	NoDelay    int  `toml:"nodelay"`
	Resend     int  `toml:"resend"`
	NoCwnd     int  `toml:"nocwnd"`
	SndWnd     int  `toml:"snd_wnd"`
	RcvWnd     int  `toml:"rcv_wnd"`
	Stream     bool `toml:"stream"`
	FastLimit  int  `toml:"fast_limit"`
	DeadLink   int  `toml:"dead_link"`
}

// DefaultProfile returns the stock tuning values a ControlBlock starts
// with.
func DefaultProfile() Profile {
	return Profile{
		MTU:       DefaultMTU,
		Interval:  DefaultInterval,
		NoDelay:   0,
		Resend:    DefaultFastResend,
		NoCwnd:    0,
		SndWnd:    DefaultSndWnd,
		RcvWnd:    DefaultRcvWnd,
		Stream:    false,
		FastLimit: DefaultFastLimit,
		DeadLink:  DefaultDeadLink,
	}
}

// FastProfile is "fast mode" as measured in the reference
// implementation's README: (nodelay=1, interval=10, resend=2, nocwnd=1).
func FastProfile() Profile {
	p := DefaultProfile()
	p.NoDelay, p.Interval, p.Resend, p.NoCwnd = 1, 10, 2, 1
	return p
}

// NormalProfile is "normal mode": (nodelay=0, interval=10, resend=0, nocwnd=1).
func NormalProfile() Profile {
	p := DefaultProfile()
	p.NoDelay, p.Interval, p.Resend, p.NoCwnd = 0, 10, 0, 1
	return p
}

// LoadProfile decodes a Profile from a TOML file, the same way
// cmd/dnsproxy/config.go's newConfigRepr decodes config.toml. Fields
// absent from the file keep DefaultProfile's values.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return Profile{}, errors.Wrapf(err, "kcp: loading profile %q", path)
	}
	return p, nil
}

// Apply pushes every knob in p onto cb, in the same order the public
// setters would: window size, MTU, nodelay/interval/resend/nocwnd,
// stream mode, then the fast-resend transmit limit and the dead-link
// threshold (each only when positive).
func (p Profile) Apply(cb *ControlBlock) error {
	cb.SetWndSize(p.SndWnd, p.RcvWnd)
	if err := cb.SetMTU(p.MTU); err != nil {
		return err
	}
	cb.SetNoDelay(p.NoDelay, p.Interval, p.Resend, p.NoCwnd)
	cb.SetStream(p.Stream)
	if p.FastLimit > 0 {
		cb.fastlimit = uint32(p.FastLimit)
	}
	if p.DeadLink > 0 {
		cb.deadLink = uint32(p.DeadLink)
	}
	return nil
}
