package balancer

import (
	"context"
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jonboulle/clockwork"

	"github.com/dreamware/onionbalance/internal/control"
)

// Publisher uploads combined descriptors for every Service that needs it.
type Publisher struct {
	channel    control.Channel // Relay the documents are uploaded through
	aggregator *Aggregator     // Builds documents and decides on republishing
	services   []*Service      // Services checked on every call
	clock      clockwork.Clock     // Source of publication times
	metrics    *Metrics        // Publish counters and gauges
	logger     log.Logger      // Logger tagged with component=publisher
}

// NewPublisher returns a Publisher for services.
//
// Parameters:
//   - channel: Relay channel accepting PublishDescriptor commands
//   - aggregator: Builds the combined descriptors
//   - services: Services to publish
//   - clk: Clock used for publication times
//   - metrics: Collectors to update
//   - logger: Base logger
//
// Returns:
//   - *Publisher: Ready to be driven by a Periodic
//
// Example:
//
//	pub := NewPublisher(conn, NewAggregator(codec, cfg, seed), services, clockwork.NewRealClock(), metrics, logger)
//	pub.PublishAll(ctx)
func NewPublisher(channel control.Channel, aggregator *Aggregator, services []*Service, clk clockwork.Clock, metrics *Metrics, logger log.Logger) *Publisher {
	return &Publisher{
		channel:    channel,
		aggregator: aggregator,
		services:   services,
		clock:      clk,
		metrics:    metrics,
		logger:     log.With(logger, "component", "publisher"),
	}
}

// PublishAll evaluates every service and publishes those whose combined
// descriptor changed or is about to expire. Failures are recorded on the
// service; the next call re-evaluates from scratch.
//
// Returns:
//   - The number of services whose descriptors were all accepted
func (p *Publisher) PublishAll(ctx context.Context) int {
	published := 0
	for _, s := range p.services {
		if ctx.Err() != nil {
			break
		}
		if p.publish(ctx, s) {
			published++
		}
	}
	if published > 0 {
		level.Debug(p.logger).Log("msg", "publish check done", "published", published, "services", len(p.services))
	}
	return published
}

// publish reports whether every document of s was accepted.
func (p *Publisher) publish(ctx context.Context, s *Service) bool {
	now := p.clock.Now()
	logger := log.With(p.logger, "service", s.Address())

	b, err := p.aggregator.Aggregate(s, now)
	if errors.Is(err, ErrNoFreshInstances) {
		p.metrics.FreshInstances.WithLabelValues(s.Address()).Set(0)
		p.metrics.PublishSkips.WithLabelValues(s.Address(), "no_fresh_instances").Inc()
		level.Debug(logger).Log("msg", "no fresh instances, not publishing")
		return false
	}
	if err != nil {
		s.recordPublishError(now, err)
		p.metrics.Publishes.WithLabelValues(s.Address(), "error").Inc()
		level.Error(logger).Log("msg", "building descriptor failed", "err", err)
		return false
	}
	p.metrics.FreshInstances.WithLabelValues(s.Address()).Set(float64(b.Contributors))
	p.metrics.IntroPoints.WithLabelValues(s.Address()).Set(float64(len(b.IntroPoints)))

	reason := p.aggregator.RepublishReason(s, b, now)
	if reason == "" {
		p.metrics.PublishSkips.WithLabelValues(s.Address(), "unchanged").Inc()
		level.Debug(logger).Log("msg", "descriptor unchanged, not publishing")
		return false
	}

	for _, doc := range b.Documents {
		if err := p.channel.Send(ctx, control.PublishDescriptor{Service: s.Address(), Document: doc}); err != nil {
			s.recordPublishError(now, err)
			p.metrics.Publishes.WithLabelValues(s.Address(), "error").Inc()
			level.Error(logger).Log("msg", "publish refused by relay", "err", err)
			return false
		}
	}
	s.recordPublish(publishRecord{
		at:         now,
		timePeriod: b.TimePeriod,
		introIDs:   identifiers(b.IntroPoints),
		documents:  len(b.Documents),
	})
	p.metrics.Publishes.WithLabelValues(s.Address(), "ok").Inc()
	level.Info(logger).Log("msg", "published descriptor", "reason", reason,
		"intro_points", len(b.IntroPoints), "instances", b.Contributors, "documents", len(b.Documents))
	return true
}
