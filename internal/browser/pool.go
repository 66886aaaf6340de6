// Package browser bounds and leases headless browser contexts used for page rendering.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
)

var (
	// ErrAcquireTimeout is returned when no context frees up within the wait bound.
	ErrAcquireTimeout = errors.New("browser context acquire timed out")
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("browser pool closed")
	// ErrLeaseReleased is returned when a lease is released more than once.
	ErrLeaseReleased = errors.New("lease already released")
)

// Browser is one running browser process able to host tabs.
type Browser interface {
	NewTab() (context.Context, context.CancelFunc)
	Close() error
}

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Config holds the pool ceilings and recycling knobs.
type Config struct {
	MaxBrowsers           int
	MaxContextsPerBrowser int
	// MinBrowsers is the low-water mark the idle reaper never goes below.
	MinBrowsers    int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	// RecycleAfter retires a browser after it served this many tabs. Zero disables.
	RecycleAfter int
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Contexts    int   `json:"contexts"`
	MaxContexts int   `json:"maxContexts"`
	Browsers    int   `json:"browsers"`
	MaxBrowsers int   `json:"maxBrowsers"`
	Waiting     int64 `json:"waiting"`
	Acquired    int64 `json:"acquired"`
	Timeouts    int64 `json:"timeouts"`
	Recycled    int64 `json:"recycled"`
}

// Utilization returns the fraction of contexts in use.
func (s Stats) Utilization() float64 {
	if s.MaxContexts == 0 {
		return 0
	}
	return float64(s.Contexts) / float64(s.MaxContexts)
}

type instance struct {
	id       int
	browser  Browser
	ready    chan struct{}
	err      error
	active   int
	served   int
	lastUsed time.Time
	retiring bool
}

// Pool leases tabs across a bounded set of browsers.
type Pool struct {
	cfg      Config
	launcher Launcher
	logger   *zap.Logger
	now      func() time.Time

	slots chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	browsers []*instance
	nextID   int
	closed   bool

	waiting  atomic.Int64
	acquired atomic.Int64
	timeouts atomic.Int64
	recycled atomic.Int64
}

// NewPool validates cfg and builds an empty pool; browsers launch lazily.
func NewPool(cfg Config, launcher Launcher, logger *zap.Logger) (*Pool, error) {
	if cfg.MaxBrowsers <= 0 || cfg.MaxContextsPerBrowser <= 0 {
		return nil, fmt.Errorf("pool ceilings must be > 0")
	}
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.MinBrowsers < 0 || cfg.MinBrowsers > cfg.MaxBrowsers {
		cfg.MinBrowsers = 0
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger.Named("browser_pool"),
		now:      time.Now,
		slots:    make(chan struct{}, cfg.MaxBrowsers*cfg.MaxContextsPerBrowser),
		done:     make(chan struct{}),
	}, nil
}

// Lease is a must-release handle on one browser tab.
type Lease struct {
	pool     *Pool
	inst     *instance
	ctx      context.Context
	cancel   context.CancelFunc
	released atomic.Bool
}

// Context returns the tab context chromedp actions run against.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Release closes the tab and returns the slot. Only the first call has an effect.
func (l *Lease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return ErrLeaseReleased
	}
	l.cancel()
	l.pool.release(l.inst)
	return nil
}

// Acquire waits up to timeout (the configured default when <= 0) for a free tab.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := p.now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	p.waiting.Add(1)
	select {
	case p.slots <- struct{}{}:
		p.waiting.Add(-1)
	case <-timer.C:
		p.waiting.Add(-1)
		p.timeouts.Add(1)
		telemetry.ObservePoolAcquire("timeout", p.now().Sub(start))
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		p.waiting.Add(-1)
		return nil, fmt.Errorf("acquire browser context: %w", ctx.Err())
	case <-p.done:
		p.waiting.Add(-1)
		return nil, ErrPoolClosed
	}

	inst, launch, err := p.pick()
	if err != nil {
		<-p.slots
		return nil, err
	}
	if launch {
		p.launch(ctx, inst)
	} else {
		select {
		case <-inst.ready:
		case <-ctx.Done():
			p.release(inst)
			return nil, fmt.Errorf("wait for browser launch: %w", ctx.Err())
		}
	}
	if inst.err != nil {
		p.release(inst)
		return nil, fmt.Errorf("launch browser: %w", inst.err)
	}

	tabCtx, cancel := inst.browser.NewTab()
	p.acquired.Add(1)
	telemetry.ObservePoolAcquire("ok", p.now().Sub(start))
	p.observe()
	return &Lease{pool: p, inst: inst, ctx: tabCtx, cancel: cancel}, nil
}

// pick reserves capacity on an existing browser or a new placeholder to launch.
func (p *Pool) pick() (*instance, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrPoolClosed
	}

	var best *instance
	for _, inst := range p.browsers {
		if inst.retiring || inst.active >= p.cfg.MaxContextsPerBrowser {
			continue
		}
		if best == nil || inst.active < best.active {
			best = inst
		}
	}
	if best != nil {
		best.active++
		return best, false, nil
	}
	if len(p.browsers) < p.cfg.MaxBrowsers {
		p.nextID++
		inst := &instance{id: p.nextID, ready: make(chan struct{}), active: 1}
		p.browsers = append(p.browsers, inst)
		return inst, true, nil
	}
	// Every healthy browser is full; a draining browser still has room.
	for _, inst := range p.browsers {
		if inst.active < p.cfg.MaxContextsPerBrowser {
			inst.active++
			return inst, false, nil
		}
	}
	return nil, false, fmt.Errorf("no browser capacity despite free slot")
}

func (p *Pool) launch(ctx context.Context, inst *instance) {
	b, err := p.launcher.Launch(ctx)
	p.mu.Lock()
	inst.browser = b
	inst.err = err
	inst.lastUsed = p.now()
	if err != nil {
		p.removeLocked(inst)
	}
	p.mu.Unlock()
	close(inst.ready)
	if err != nil {
		p.logger.Warn("browser launch failed", zap.Int("browser", inst.id), zap.Error(err))
		return
	}
	p.logger.Info("browser launched", zap.Int("browser", inst.id))
}

func (p *Pool) release(inst *instance) {
	p.mu.Lock()
	inst.active--
	var retire Browser
	if inst.err == nil && inst.browser != nil {
		inst.served++
		inst.lastUsed = p.now()
		if p.cfg.RecycleAfter > 0 && inst.served >= p.cfg.RecycleAfter {
			inst.retiring = true
		}
		if inst.retiring && inst.active == 0 && p.removeLocked(inst) {
			retire = inst.browser
		}
	}
	p.mu.Unlock()
	<-p.slots

	if retire != nil {
		p.recycled.Add(1)
		telemetry.ObservePoolRecycle("served")
		if err := retire.Close(); err != nil {
			p.logger.Warn("close recycled browser", zap.Int("browser", inst.id), zap.Error(err))
		}
	}
	p.observe()
}

// removeLocked drops inst from the browser list. Caller holds p.mu.
func (p *Pool) removeLocked(inst *instance) bool {
	for i, candidate := range p.browsers {
		if candidate == inst {
			p.browsers = append(p.browsers[:i], p.browsers[i+1:]...)
			return true
		}
	}
	return false
}

// Reap closes idle browsers above the low-water mark and returns how many it closed.
// Browsers with leases checked out are never touched.
func (p *Pool) Reap() int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}
	now := p.now()
	var victims []*instance
	p.mu.Lock()
	keep := p.browsers[:0]
	remaining := len(p.browsers)
	for _, inst := range p.browsers {
		idle := inst.browser != nil && inst.active == 0 && now.Sub(inst.lastUsed) >= p.cfg.IdleTimeout
		if idle && remaining > p.cfg.MinBrowsers {
			victims = append(victims, inst)
			remaining--
			continue
		}
		keep = append(keep, inst)
	}
	p.browsers = keep
	p.mu.Unlock()

	for _, inst := range victims {
		p.recycled.Add(1)
		telemetry.ObservePoolRecycle("idle")
		if err := inst.browser.Close(); err != nil {
			p.logger.Warn("close idle browser", zap.Int("browser", inst.id), zap.Error(err))
		}
	}
	if len(victims) > 0 {
		p.logger.Debug("reaped idle browsers", zap.Int("count", len(victims)))
		p.observe()
	}
	return len(victims)
}

// Run reaps idle browsers on a ticker until ctx ends.
func (p *Pool) Run(ctx context.Context) {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.Reap()
		}
	}
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	contexts := 0
	for _, inst := range p.browsers {
		contexts += inst.active
	}
	browsers := len(p.browsers)
	p.mu.Unlock()
	return Stats{
		Contexts:    contexts,
		MaxContexts: p.cfg.MaxBrowsers * p.cfg.MaxContextsPerBrowser,
		Browsers:    browsers,
		MaxBrowsers: p.cfg.MaxBrowsers,
		Waiting:     p.waiting.Load(),
		Acquired:    p.acquired.Load(),
		Timeouts:    p.timeouts.Load(),
		Recycled:    p.recycled.Load(),
	}
}

func (p *Pool) observe() {
	s := p.Stats()
	telemetry.ObservePool(s.Contexts, s.Browsers)
}

// Close shuts every browser down. Outstanding leases may still be released afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	browsers := p.browsers
	p.browsers = nil
	p.mu.Unlock()

	var errs []error
	for _, inst := range browsers {
		<-inst.ready
		if inst.browser == nil {
			continue
		}
		if err := inst.browser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
