package balancer

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jonboulle/clockwork"
	"gopkg.in/tomb.v2"

	"github.com/dreamware/onionbalance/internal/config"
	"github.com/dreamware/onionbalance/internal/control"
)

// Manager owns the services and runs the fetch, publish and event loops
// against one relay channel.
type Manager struct {
	cfg      *config.Config  // Tunables shared by every component
	channel  control.Channel // Relay connection
	services []*Service      // Everything being balanced
	clock    clockwork.Clock     // Real clock unless WithClock is given
	seed     uint64          // Introduction point selection seed
	metrics  *Metrics        // Collectors updated by all components
	logger   log.Logger      // Base logger

	fetcher     *Fetcher    // Issues fetches on fetchLoop ticks
	correlator  *Correlator // Sole consumer of relay events
	publisher   *Publisher  // Publishes on publishLoop ticks
	fetchLoop   *Periodic   // Every REFRESH_INTERVAL, first run immediately
	publishLoop *Periodic   // Every PUBLISH_CHECK_INTERVAL after INITIAL_DELAY
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, for tests.
func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger sets the logger. The default discards everything.
func WithLogger(l log.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics sets the collectors updated by the pipeline.
func WithMetrics(metrics *Metrics) Option { return func(m *Manager) { m.metrics = metrics } }

// WithSeed fixes the introduction point selection seed.
func WithSeed(seed uint64) Option { return func(m *Manager) { m.seed = seed } }

// NewManager wires the pipeline for services. It panics if channel or
// codec is nil.
//
// Parameters:
//   - cfg: Validated configuration
//   - services: Services built by NewServices
//   - channel: Relay channel, usually a *torctl.Conn
//   - codec: Descriptor parser and builder
//   - opts: WithClock, WithLogger, WithMetrics or WithSeed
//
// Returns:
//   - *Manager: Wired but idle until Run is called
//
// Example:
//
//	m := NewManager(cfg, services, conn, descriptor.NewCodec(cfg.InstanceDescriptorMaxAge),
//	    WithLogger(logger), WithMetrics(NewMetrics(reg)))
//	if err := m.Run(ctx); err != nil {
//	    return err
//	}
func NewManager(cfg *config.Config, services []*Service, channel control.Channel, codec Codec, opts ...Option) *Manager {
	if channel == nil {
		panic("balancer: NewManager called with a nil channel")
	}
	m := &Manager{
		cfg:      cfg,
		channel:  channel,
		services: services,
		clock:    clockwork.NewRealClock(),
		seed:     newSeed(),
		logger:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}

	m.fetcher = NewFetcher(channel, services, m.clock, cfg.FetchTimeout, m.metrics, m.logger)
	m.correlator = NewCorrelator(services, codec, m.clock, m.metrics, m.logger)
	m.publisher = NewPublisher(channel, NewAggregator(codec, cfg, m.seed), services, m.clock, m.metrics, m.logger)
	m.fetchLoop = NewPeriodic("fetch", m.clock, cfg.RefreshInterval, 0, m.fetcher.FetchAll, m.logger)
	m.publishLoop = NewPeriodic("publish", m.clock, cfg.PublishCheckInterval, cfg.InitialDelay, m.publishTick, m.logger)
	return m
}

func (m *Manager) publishTick(ctx context.Context) {
	m.fetcher.ExpirePending(m.clock.Now())
	m.publisher.PublishAll(ctx)
}

// Run subscribes to relay events and runs the three loops until ctx is
// done or the event stream fails. Instances are fetched immediately; the
// first publish check waits for the configured initial delay.
func (m *Manager) Run(ctx context.Context) error {
	t, tctx := tomb.WithContext(ctx)

	events, err := m.channel.Subscribe(tctx, control.EventFetchOutcome, control.EventDescriptorContent)
	if err != nil {
		t.Kill(err)
		return fmt.Errorf("subscribe to relay events: %w", err)
	}
	for _, s := range m.services {
		level.Info(m.logger).Log("msg", "balancing service", "service", s.Address(), "instances", len(s.instances))
	}

	t.Go(func() error { return m.correlator.Run(tctx, events) })
	t.Go(func() error { return m.fetchLoop.Run(tctx) })
	t.Go(func() error { return m.publishLoop.Run(tctx) })

	err = t.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// FetchNow runs a fetch round unless one is in progress.
func (m *Manager) FetchNow(ctx context.Context) bool { return m.fetchLoop.RunNow(ctx) }

// PublishNow runs a publish check unless one is in progress.
func (m *Manager) PublishNow(ctx context.Context) bool { return m.publishLoop.RunNow(ctx) }

// Services returns the managed services.
func (m *Manager) Services() []*Service { return m.services }

// Status returns a snapshot of every service.
func (m *Manager) Status() []ServiceStatus {
	now := m.clock.Now()
	out := make([]ServiceStatus, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, s.Snapshot(now))
	}
	return out
}
