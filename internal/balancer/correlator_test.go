package balancer

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/onionbalance/internal/control"
	"github.com/dreamware/onionbalance/internal/descriptor"
	"github.com/dreamware/onionbalance/internal/descriptor/descriptortest"
)

type correlatorFixture struct {
	correlator *Correlator
	metrics    *Metrics
	instance   *Instance
	address    string
	doc        []byte
}

func newCorrelatorFixture(t *testing.T) *correlatorFixture {
	t.Helper()
	instanceKey := descriptortest.Key(t, "instance-a")
	address := descriptor.OnionAddress(&instanceKey.PublicKey)
	inst := NewInstance(address, "")
	svc := NewService(descriptortest.Key(t, "service"), []*Instance{inst})
	metrics := NewMetrics(nil)
	return &correlatorFixture{
		correlator: NewCorrelator([]*Service{svc}, descriptor.NewCodec(4*time.Hour), clockwork.NewFakeClockAt(t0), metrics, log.NewNopLogger()),
		metrics:    metrics,
		instance:   inst,
		address:    address,
		doc:        descriptortest.Signed(t, instanceKey, descriptortest.IntroPoints("a", 3), t0),
	}
}

func (f *correlatorFixture) content(token uint64) control.Event {
	return control.Event{Kind: control.EventDescriptorContent, Address: f.address, Raw: f.doc, Token: token}
}

func TestCorrelatorAppliesDescriptor(t *testing.T) {
	f := newCorrelatorFixture(t)
	f.instance.BeginFetch(t0)

	f.correlator.Handle(control.Event{Kind: control.EventFetchOutcome, Address: f.address, Outcome: control.OutcomeReceived})
	assert.Equal(t, StateFetchPending, f.instance.State(t0), "success outcome waits for content")

	f.correlator.Handle(f.content(0))
	assert.Equal(t, StateFetched, f.instance.State(t0))
	assert.Len(t, f.instance.IntroPoints(t0), 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DescriptorsReceived))
}

func TestCorrelatorMatchesTokens(t *testing.T) {
	f := newCorrelatorFixture(t)
	req := f.instance.BeginFetch(t0)

	f.correlator.Handle(f.content(req.Token + 1000))
	assert.Equal(t, StateFetchPending, f.instance.State(t0))
	assert.Nil(t, f.instance.IntroPoints(t0))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsDiscarded.WithLabelValues("not_outstanding")))

	f.correlator.Handle(f.content(req.Token))
	assert.Equal(t, StateFetched, f.instance.State(t0))
}

func TestCorrelatorDiscardsUnmatchedContent(t *testing.T) {
	f := newCorrelatorFixture(t)

	// No fetch outstanding.
	f.correlator.Handle(f.content(0))
	assert.Equal(t, StateUnknown, f.instance.State(t0))

	// Unknown address.
	f.correlator.Handle(control.Event{Kind: control.EventDescriptorContent, Address: "zzzzzzzzzzzzzzzz", Raw: f.doc})
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsDiscarded.WithLabelValues("unknown_address")))

	// A completed fetch is not completed twice.
	f.instance.BeginFetch(t0)
	f.correlator.Handle(f.content(0))
	f.correlator.Handle(control.Event{Kind: control.EventFetchOutcome, Address: f.address, Outcome: control.OutcomeFailed, Reason: "NOT_FOUND"})
	assert.Equal(t, StateFetched, f.instance.State(t0))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.EventsDiscarded.WithLabelValues("not_outstanding")))
}

func TestCorrelatorFailures(t *testing.T) {
	tests := []struct {
		name    string
		event   func(f *correlatorFixture) control.Event
		wantErr error
	}{
		{
			name: "relay reported failure",
			event: func(f *correlatorFixture) control.Event {
				return control.Event{Kind: control.EventFetchOutcome, Address: f.address, Outcome: control.OutcomeFailed, Reason: "NOT_FOUND"}
			},
			wantErr: ErrFetchFailed,
		},
		{
			name: "empty content",
			event: func(f *correlatorFixture) control.Event {
				return control.Event{Kind: control.EventDescriptorContent, Address: f.address}
			},
			wantErr: ErrEmptyDescriptor,
		},
		{
			name: "unparseable content",
			event: func(f *correlatorFixture) control.Event {
				return control.Event{Kind: control.EventDescriptorContent, Address: f.address, Raw: []byte("garbage\n")}
			},
			wantErr: descriptor.ErrMalformed,
		},
		{
			name: "descriptor of another service",
			event: func(f *correlatorFixture) control.Event {
				other := descriptortest.Signed(t, descriptortest.Key(t, "instance-b"), descriptortest.IntroPoints("b", 2), t0)
				return control.Event{Kind: control.EventDescriptorContent, Address: f.address, Raw: other}
			},
			wantErr: ErrAddressMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCorrelatorFixture(t)
			// Last good data from an earlier fetch.
			f.instance.BeginFetch(t0)
			f.correlator.Handle(f.content(0))
			require.True(t, f.instance.Fresh(t0))

			f.instance.BeginFetch(t0.Add(time.Minute))
			f.correlator.Handle(tt.event(f))

			assert.Equal(t, StateFetchFailed, f.instance.State(t0))
			assert.ErrorIs(t, f.instance.LastError(), tt.wantErr)
			assert.False(t, f.instance.Fresh(t0))
			assert.Equal(t, 3, f.instance.Snapshot(t0).IntroPoints, "last good descriptor kept")
		})
	}
}

func TestCorrelatorSharedAddress(t *testing.T) {
	instanceKey := descriptortest.Key(t, "instance-a")
	address := descriptor.OnionAddress(&instanceKey.PublicKey)
	one, two := NewInstance(address, ""), NewInstance(address, "")
	services := []*Service{
		NewService(descriptortest.Key(t, "service"), []*Instance{one}),
		NewService(descriptortest.Key(t, "service-2"), []*Instance{two}),
	}
	c := NewCorrelator(services, descriptor.NewCodec(4*time.Hour), clockwork.NewFakeClockAt(t0), NewMetrics(nil), log.NewNopLogger())

	one.BeginFetch(t0)
	two.BeginFetch(t0)
	c.Handle(control.Event{
		Kind:    control.EventDescriptorContent,
		Address: address,
		Raw:     descriptortest.Signed(t, instanceKey, descriptortest.IntroPoints("a", 2), t0),
	})
	assert.True(t, one.Fresh(t0))
	assert.True(t, two.Fresh(t0))
}

func TestCorrelatorRun(t *testing.T) {
	t.Run("stream closed", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		events := make(chan control.Event, 1)
		f.instance.BeginFetch(t0)
		events <- f.content(0)
		close(events)

		err := f.correlator.Run(context.Background(), events)
		assert.ErrorIs(t, err, ErrEventStreamClosed)
		assert.Equal(t, StateFetched, f.instance.State(t0))
	})

	t.Run("context canceled", func(t *testing.T) {
		f := newCorrelatorFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NoError(t, f.correlator.Run(ctx, make(chan control.Event)))
	})
}
