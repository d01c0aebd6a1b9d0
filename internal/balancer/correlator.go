package balancer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jonboulle/clockwork"

	"github.com/dreamware/onionbalance/internal/control"
)

// ErrEventStreamClosed is returned by Correlator.Run when the relay closes
// the event stream. The stream cannot be restarted.
var ErrEventStreamClosed = errors.New("relay event stream closed")

// Correlator applies relay events to the instances that requested them.
// It is the sole consumer of the event stream.
type Correlator struct {
	// index maps an address to every Instance backed by it. It does not own
	// the instances.
	index   map[string][]*Instance
	codec   Codec
	clock   clockwork.Clock
	metrics *Metrics
	logger  log.Logger
}

// NewCorrelator indexes the instances of services by address. An address
// shared by several services maps to all of their instances.
//
// Parameters:
//   - services: Services whose instances receive fetch results
//   - codec: Parses descriptor content events
//   - clk: Clock used to judge descriptor freshness
//   - metrics: Collectors to update
//   - logger: Base logger
//
// Returns:
//   - *Correlator: Ready for Run; it must be the only consumer of the stream
//
// Example:
//
//	events, _ := conn.Subscribe(ctx, control.EventFetchOutcome, control.EventDescriptorContent)
//	c := NewCorrelator(services, descriptor.NewCodec(maxAge), clockwork.NewRealClock(), metrics, logger)
//	err := c.Run(ctx, events)
func NewCorrelator(services []*Service, codec Codec, clk clockwork.Clock, metrics *Metrics, logger log.Logger) *Correlator {
	index := make(map[string][]*Instance)
	for _, s := range services {
		for _, inst := range s.instances {
			index[inst.Address()] = append(index[inst.Address()], inst)
		}
	}
	return &Correlator{
		index:   index,
		codec:   codec,
		clock:   clk,
		metrics: metrics,
		logger:  log.With(logger, "component", "correlator"),
	}
}

// Run handles events until ctx is done or the stream closes.
//
// Returns:
//   - nil: ctx was canceled
//   - ErrEventStreamClosed: the relay stream ended; it cannot be resumed
func (c *Correlator) Run(ctx context.Context, events <-chan control.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrEventStreamClosed
			}
			c.Handle(ev)
		}
	}
}

// Handle applies one event. Events for unknown addresses, or that match no
// outstanding fetch, are logged and discarded.
func (c *Correlator) Handle(ev control.Event) {
	address := strings.ToLower(ev.Address)
	instances := c.index[address]
	if len(instances) == 0 {
		c.discard(ev, "unknown_address")
		return
	}

	switch ev.Kind {
	case control.EventFetchOutcome:
		if ev.Outcome != control.OutcomeFailed {
			level.Debug(c.logger).Log("msg", "fetch progress", "instance", address, "outcome", ev.Outcome)
			return
		}
		err := fmt.Errorf("%w: %s", ErrFetchFailed, ev.Reason)
		for _, inst := range instances {
			if !inst.ApplyFailure(ev.Token, err) {
				c.discard(ev, "not_outstanding")
				continue
			}
			c.metrics.FetchFailures.WithLabelValues("remote").Inc()
			level.Info(c.logger).Log("msg", "descriptor fetch failed", "instance", address, "reason", ev.Reason)
		}

	case control.EventDescriptorContent:
		for _, inst := range instances {
			c.applyContent(inst, ev)
		}

	default:
		c.discard(ev, "unsupported_kind")
	}
}

func (c *Correlator) applyContent(inst *Instance, ev control.Event) {
	if !inst.Outstanding(ev.Token) {
		c.discard(ev, "not_outstanding")
		return
	}
	if len(ev.Raw) == 0 {
		c.fail(inst, ev.Token, ErrEmptyDescriptor, "empty")
		return
	}
	d, err := c.codec.Parse(ev.Raw, inst.Credential())
	if err != nil {
		c.fail(inst, ev.Token, fmt.Errorf("parse descriptor: %w", err), "parse")
		return
	}
	if d.Address != inst.Address() {
		c.fail(inst, ev.Token, fmt.Errorf("%w: signed by %s", ErrAddressMismatch, d.Address), "parse")
		return
	}

	matched, replaced := inst.ApplyDescriptor(ev.Token, d, c.clock.Now())
	switch {
	case !matched:
		// A newer fetch was issued while the document was being parsed.
		c.discard(ev, "not_outstanding")
	case !replaced:
		level.Info(c.logger).Log("msg", "kept newer descriptor", "instance", inst.Address(), "received_published", d.PublishedAt)
	default:
		c.metrics.DescriptorsReceived.Inc()
		level.Info(c.logger).Log("msg", "descriptor updated", "instance", inst.Address(),
			"intro_points", len(d.IntroPoints), "published", d.PublishedAt, "valid_until", d.ValidUntil)
	}
}

func (c *Correlator) fail(inst *Instance, token uint64, err error, reason string) {
	if !inst.ApplyFailure(token, err) {
		return
	}
	c.metrics.FetchFailures.WithLabelValues(reason).Inc()
	level.Warn(c.logger).Log("msg", "descriptor rejected", "instance", inst.Address(), "err", err)
}

func (c *Correlator) discard(ev control.Event, reason string) {
	c.metrics.EventsDiscarded.WithLabelValues(reason).Inc()
	level.Debug(c.logger).Log("msg", "discarding event", "kind", ev.Kind, "instance", ev.Address, "token", ev.Token, "reason", reason)
}
