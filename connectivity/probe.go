package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/c0deZ3R0/locsync/logging"
)

const (
	DefaultProbeInterval    = 10 * time.Second
	DefaultProbeTimeout     = 3 * time.Second
	DefaultFailureThreshold = 2
)

// Probe is an Observer that runs reachability checks on an interval. The
// network counts as reachable when any check passes. A single passing round
// flips the probe online; FailureThreshold consecutive failing rounds flip it
// offline.
type Probe struct {
	checks           map[string]healthcheck.Check
	interval         time.Duration
	failureThreshold int
	logger           *slog.Logger

	online   atomic.Bool
	roundMu  sync.Mutex
	failures int
	notifier *notifier

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// ProbeOption configures a Probe.
type ProbeOption func(*Probe)

// WithCheck adds a named check.
func WithCheck(name string, check healthcheck.Check) ProbeOption {
	return func(p *Probe) { p.checks[name] = check }
}

// WithHTTPTarget checks that GET url answers 200 within timeout.
func WithHTTPTarget(url string, timeout time.Duration) ProbeOption {
	return WithCheck("http:"+url, healthcheck.HTTPGetCheck(url, timeout))
}

// WithTCPTarget checks that addr accepts TCP connections within timeout.
func WithTCPTarget(addr string, timeout time.Duration) ProbeOption {
	return WithCheck("tcp:"+addr, healthcheck.TCPDialCheck(addr, timeout))
}

// WithDNSTarget checks that host resolves within timeout.
func WithDNSTarget(host string, timeout time.Duration) ProbeOption {
	return WithCheck("dns:"+host, healthcheck.DNSResolveCheck(host, timeout))
}

// WithProbeInterval sets the time between rounds.
func WithProbeInterval(d time.Duration) ProbeOption {
	return func(p *Probe) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithFailureThreshold sets how many failing rounds flip the probe offline.
func WithFailureThreshold(n int) ProbeOption {
	return func(p *Probe) {
		if n > 0 {
			p.failureThreshold = n
		}
	}
}

// WithInitialOnline sets the state reported before the first round.
func WithInitialOnline(online bool) ProbeOption {
	return func(p *Probe) { p.online.Store(online) }
}

// WithProbeLogger sets the probe's logger.
func WithProbeLogger(l *slog.Logger) ProbeOption {
	return func(p *Probe) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProbe creates a probe. It does nothing until Start is called.
func NewProbe(opts ...ProbeOption) *Probe {
	p := &Probe{
		checks:           make(map[string]healthcheck.Check),
		interval:         DefaultProbeInterval,
		failureThreshold: DefaultFailureThreshold,
		logger:           logging.WithComponent(logging.Component("connectivity-probe")).Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.notifier = newNotifier(p.logger)
	return p
}

var _ Observer = (*Probe)(nil)

// IsOnline returns the state decided by the last rounds.
func (p *Probe) IsOnline() bool {
	return p.online.Load()
}

// Subscribe registers fn for future transitions.
func (p *Probe) Subscribe(fn func(Transition)) func() {
	return p.notifier.subscribe(fn)
}

// Start runs a round immediately and then on every interval until ctx is
// done or Stop is called.
func (p *Probe) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("probe already started")
	}
	if len(p.checks) == 0 {
		return errors.New("probe has no checks")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.CheckNow()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.CheckNow()
			}
		}
	}()
	return nil
}

// Stop ends the probe loop and waits for it to exit.
func (p *Probe) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CheckNow runs one round of checks, updates the state and returns whether
// the network was reachable in this round.
func (p *Probe) CheckNow() bool {
	p.roundMu.Lock()
	defer p.roundMu.Unlock()

	reachable, failed := p.runChecks()
	if reachable {
		p.failures = 0
		if !p.online.Swap(true) {
			p.logger.Info("network reachable")
			p.notifier.notify(transition(true))
		}
		return true
	}

	p.failures++
	p.logger.Debug("connectivity checks failed", "failures", p.failures, "checks", failed)
	if p.failures >= p.failureThreshold && p.online.Swap(false) {
		p.logger.Warn("network unreachable", "consecutive_failures", p.failures)
		p.notifier.notify(transition(false))
	}
	return false
}

func (p *Probe) runChecks() (bool, []string) {
	names := make([]string, 0, len(p.checks))
	for name := range p.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var failed []string
	for _, name := range names {
		if err := p.checks[name](); err == nil {
			return true, nil
		}
		failed = append(failed, name)
	}
	return false, failed
}
