package balancer

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jonboulle/clockwork"

	"github.com/dreamware/onionbalance/internal/control"
)

// Fetcher issues descriptor fetches for every instance of every service.
// It never waits for results; the Correlator applies them.
type Fetcher struct {
	channel  control.Channel // Relay the fetch commands are sent to
	services []*Service      // Services whose instances are fetched
	clock    clockwork.Clock     // Source of request timestamps
	timeout  time.Duration   // Age after which a pending request is reclaimed
	metrics  *Metrics        // Fetch counters
	logger   log.Logger      // Logger tagged with component=fetcher
}

// NewFetcher returns a Fetcher reclaiming requests outstanding for longer
// than timeout.
//
// Parameters:
//   - channel: Relay channel accepting FetchDescriptor commands
//   - services: Services whose instances are fetched each round
//   - clk: Clock used to stamp and expire requests
//   - timeout: How long a request may stay outstanding (FETCH_TIMEOUT)
//   - metrics: Collectors to update; use NewMetrics(nil) in tests
//   - logger: Base logger
//
// Returns:
//   - *Fetcher: Ready to be driven by a Periodic
//
// Example:
//
//	fetcher := NewFetcher(conn, services, clockwork.NewRealClock(), cfg.FetchTimeout, metrics, logger)
//	loop := NewPeriodic("fetch", clockwork.NewRealClock(), cfg.RefreshInterval, 0, fetcher.FetchAll, logger)
func NewFetcher(channel control.Channel, services []*Service, clk clockwork.Clock, timeout time.Duration, metrics *Metrics, logger log.Logger) *Fetcher {
	return &Fetcher{
		channel:  channel,
		services: services,
		clock:    clk,
		timeout:  timeout,
		metrics:  metrics,
		logger:   log.With(logger, "component", "fetcher"),
	}
}

// fetchGroup is every Instance backed by one onion address.
type fetchGroup struct {
	address   string
	instances []*Instance
}

// groups returns the instances grouped by address, in configuration
// order, so an address shared by several services is fetched once.
func (f *Fetcher) groups() []fetchGroup {
	var (
		out   []fetchGroup
		index = make(map[string]int)
	)
	for _, s := range f.services {
		for _, inst := range s.instances {
			i, ok := index[inst.Address()]
			if !ok {
				i = len(out)
				index[inst.Address()] = i
				out = append(out, fetchGroup{address: inst.Address()})
			}
			out[i].instances = append(out[i].instances, inst)
		}
	}
	return out
}

// FetchAll reclaims timed out requests, then issues one fetch per instance
// address. A request the channel refuses is recorded as a failure on every
// instance that issued it and retried on the next call.
//
// Results are not awaited: the Correlator applies them as events arrive.
// Each Instance is marked pending before its command is sent, so a fast
// reply always finds the request it answers.
//
// Parameters:
//   - ctx: Stops the round between addresses when canceled
func (f *Fetcher) FetchAll(ctx context.Context) {
	now := f.clock.Now()
	f.ExpirePending(now)

	for _, g := range f.groups() {
		if ctx.Err() != nil {
			return
		}
		reqs := make([]FetchRequest, len(g.instances))
		credential := ""
		for i, inst := range g.instances {
			reqs[i] = inst.BeginFetch(now)
			if credential == "" {
				credential = inst.Credential()
			}
		}

		err := f.channel.Send(ctx, control.FetchDescriptor{Address: g.address, Credential: credential})
		f.metrics.FetchesIssued.Inc()
		if err != nil {
			for i, inst := range g.instances {
				inst.RejectFetch(reqs[i].Token, err)
			}
			f.metrics.FetchFailures.WithLabelValues("channel").Inc()
			level.Warn(f.logger).Log("msg", "fetch refused by relay", "instance", g.address, "err", err)
			continue
		}
		level.Debug(f.logger).Log("msg", "fetch issued", "instance", g.address, "token", reqs[0].Token)
	}
}

// ExpirePending reclaims every request outstanding for longer than the
// fetch timeout.
func (f *Fetcher) ExpirePending(now time.Time) {
	for _, g := range f.groups() {
		for _, inst := range g.instances {
			if inst.ExpirePending(now, f.timeout) {
				f.metrics.FetchFailures.WithLabelValues("timeout").Inc()
				level.Warn(f.logger).Log("msg", "fetch timed out", "instance", g.address, "timeout", f.timeout)
			}
		}
	}
}
