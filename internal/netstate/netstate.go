package netstate

import (
	"net"
	"sync"
	"time"
)

// Checker reports whether the network is currently usable.
type Checker interface {
	IsReachable() bool
}

// Func adapts a plain function to Checker.
type Func func() bool

func (f Func) IsReachable() bool { return f() }

type always struct{}

func (always) IsReachable() bool { return true }

// Always reports the network as reachable.
var Always Checker = always{}

// Probe dials addr over TCP and caches the verdict for Interval.
type Probe struct {
	Addr     string
	Timeout  time.Duration
	Interval time.Duration

	dial func(network, addr string, timeout time.Duration) (net.Conn, error)

	mu        sync.Mutex
	checkedAt time.Time
	reachable bool
}

func NewProbe(addr string, timeout, interval time.Duration) *Probe {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if interval < 0 {
		interval = 0
	}
	return &Probe{Addr: addr, Timeout: timeout, Interval: interval, dial: net.DialTimeout}
}

func (p *Probe) IsReachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if !p.checkedAt.IsZero() && now.Sub(p.checkedAt) < p.Interval {
		return p.reachable
	}
	dial := p.dial
	if dial == nil {
		dial = net.DialTimeout
	}
	conn, err := dial("tcp", p.Addr, p.Timeout)
	if err == nil {
		_ = conn.Close()
	}
	p.reachable = err == nil
	p.checkedAt = now
	return p.reachable
}
