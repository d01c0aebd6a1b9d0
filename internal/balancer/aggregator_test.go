package balancer

import (
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/onionbalance/internal/descriptor"
	"github.com/dreamware/onionbalance/internal/descriptor/descriptortest"
)

func TestAggregateTwoInstancesFairSplit(t *testing.T) {
	key := descriptortest.Key(t, "service")
	cfg := testConfig()
	cfg.MaxIntroPoints = 8
	svc := NewService(key, []*Instance{
		fetched(t, "aaaaaaaaaaaaaaaa", descriptortest.IntroPoints("a", 5), t0, t0.Add(4*time.Hour)),
		fetched(t, "bbbbbbbbbbbbbbbb", descriptortest.IntroPoints("b", 5), t0, t0.Add(4*time.Hour)),
	})
	codec := descriptor.NewCodec(time.Hour)

	b, err := NewAggregator(codec, cfg, 1).Aggregate(svc, t0)
	require.NoError(t, err)
	assert.Len(t, b.IntroPoints, 8)
	assert.Equal(t, map[string]int{"a": 4, "b": 4}, countByPrefix(b.IntroPoints))
	assert.Equal(t, 2, b.Contributors)
	require.Len(t, b.Documents, descriptor.Replicas)

	for _, doc := range b.Documents {
		assert.LessOrEqual(t, len(doc), descriptor.MaxSize)
		parsed, err := codec.Parse(doc, "")
		require.NoError(t, err)
		assert.Equal(t, svc.Address(), parsed.Address)
		assert.Len(t, parsed.IntroPoints, 8)
		assert.Equal(t, t0.Truncate(time.Hour), parsed.PublishedAt)
	}
	assert.NotEqual(t, b.Documents[0], b.Documents[1], "replicas have distinct descriptor ids")
}

func TestAggregateUsesOnlyFreshInstances(t *testing.T) {
	key := descriptortest.Key(t, "service")
	now := t0.Add(2 * time.Hour)

	failed := fetched(t, "aaaaaaaaaaaaaaaa", descriptortest.IntroPoints("a", 3), t0, t0.Add(4*time.Hour))
	req := failed.BeginFetch(now)
	require.True(t, failed.ApplyFailure(req.Token, ErrFetchFailed))

	tests := []struct {
		name     string
		instance *Instance
	}{
		{name: "expired", instance: fetched(t, "aaaaaaaaaaaaaaaa", descriptortest.IntroPoints("a", 3), t0, now)},
		{name: "fetch failed", instance: failed},
		{name: "never fetched", instance: NewInstance("aaaaaaaaaaaaaaaa", "")},
		{name: "first fetch pending", instance: func() *Instance {
			inst := NewInstance("aaaaaaaaaaaaaaaa", "")
			inst.BeginFetch(now)
			return inst
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := fetched(t, "bbbbbbbbbbbbbbbb", descriptortest.IntroPoints("b", 3), t0, t0.Add(4*time.Hour))
			svc := NewService(key, []*Instance{tt.instance, b})

			got, err := NewAggregator(&fakeCodec{}, testConfig(), 1).Aggregate(svc, now)
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"b": 3}, countByPrefix(got.IntroPoints))
			assert.Equal(t, 1, got.Contributors)
		})
	}
}

func TestAggregateNoFreshInstances(t *testing.T) {
	svc := NewService(descriptortest.Key(t, "service"), []*Instance{
		NewInstance("aaaaaaaaaaaaaaaa", ""),
		fetched(t, "bbbbbbbbbbbbbbbb", descriptortest.IntroPoints("b", 3), t0, t0.Add(time.Hour)),
	})
	_, err := NewAggregator(&fakeCodec{}, testConfig(), 1).Aggregate(svc, t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNoFreshInstances)
}

func TestAggregateNextPeriodDuringOverlap(t *testing.T) {
	key := descriptortest.Key(t, "service")
	pid := descriptor.PermanentID(&key.PublicKey)
	cfg := testConfig()
	cfg.DescriptorOverlapPeriod = time.Hour

	var params []descriptor.BuildParams
	codec := &fakeCodec{buildFunc: func(p descriptor.BuildParams) ([]byte, error) {
		params = append(params, p)
		return []byte("unsigned"), nil
	}}

	now := t0.Add(descriptor.UntilNextPeriod(pid, t0) - 30*time.Minute)
	svc := NewService(key, []*Instance{
		fetched(t, "aaaaaaaaaaaaaaaa", descriptortest.IntroPoints("a", 2), now, now.Add(time.Hour)),
	})
	b, err := NewAggregator(codec, cfg, 1).Aggregate(svc, now)
	require.NoError(t, err)
	require.Len(t, b.Documents, 2*descriptor.Replicas)

	current := descriptor.TimePeriod(pid, now)
	assert.Equal(t, current, b.TimePeriod)
	require.Len(t, params, 4)
	assert.Equal(t, []uint32{current, current, current + 1, current + 1},
		[]uint32{params[0].TimePeriod, params[1].TimePeriod, params[2].TimePeriod, params[3].TimePeriod})
	assert.Equal(t, []byte{0, 1, 0, 1}, []byte{params[0].Replica, params[1].Replica, params[2].Replica, params[3].Replica})

	// Outside the overlap only the current period is built.
	params = nil
	later := now.Add(time.Hour)
	apply(t, svc.instances[0], descriptortest.IntroPoints("a", 2), later, later.Add(time.Hour))
	b, err = NewAggregator(codec, cfg, 1).Aggregate(svc, later)
	require.NoError(t, err)
	assert.Len(t, b.Documents, descriptor.Replicas)
	assert.Equal(t, current+1, b.TimePeriod)
}

func TestAggregateTrimsOversizedDescriptor(t *testing.T) {
	codec := &fakeCodec{buildFunc: func(p descriptor.BuildParams) ([]byte, error) {
		return make([]byte, 2500*len(p.IntroPoints)), nil
	}}
	svc := NewService(descriptortest.Key(t, "service"), []*Instance{
		fetched(t, "aaaaaaaaaaaaaaaa", descriptortest.IntroPoints("a", 5), t0, t0.Add(time.Hour)),
		fetched(t, "bbbbbbbbbbbbbbbb", descriptortest.IntroPoints("b", 5), t0, t0.Add(time.Hour)),
	})

	b, err := NewAggregator(codec, testConfig(), 1).Aggregate(svc, t0)
	require.NoError(t, err)
	assert.Len(t, b.IntroPoints, 8)
	for _, doc := range b.Documents {
		assert.LessOrEqual(t, len(doc), descriptor.MaxSize)
	}

	codec.buildFunc = func(p descriptor.BuildParams) ([]byte, error) {
		return make([]byte, descriptor.MaxSize+1), nil
	}
	_, err = NewAggregator(codec, testConfig(), 1).Aggregate(svc, t0)
	assert.Error(t, err)
}

func TestAggregateSignError(t *testing.T) {
	boom := errors.New("boom")
	codec := &fakeCodec{signFunc: func([]byte, *rsa.PrivateKey) ([]byte, error) { return nil, boom }}
	svc := NewService(descriptortest.Key(t, "service"), []*Instance{
		fetched(t, "aaaaaaaaaaaaaaaa", descriptortest.IntroPoints("a", 1), t0, t0.Add(time.Hour)),
	})
	_, err := NewAggregator(codec, testConfig(), 1).Aggregate(svc, t0)
	assert.ErrorIs(t, err, boom)
}

func TestRepublishReason(t *testing.T) {
	key := descriptortest.Key(t, "service")
	pid := descriptor.PermanentID(&key.PublicKey)
	cfg := testConfig()
	agg := NewAggregator(&fakeCodec{}, cfg, 1)

	points := descriptortest.IntroPoints("a", 3)
	current := &Build{IntroPoints: points, TimePeriod: descriptor.TimePeriod(pid, t0), Documents: make([][]byte, 2)}

	svc := NewService(key, nil)
	assert.Equal(t, "never published", agg.RepublishReason(svc, current, t0))

	svc.recordPublish(publishRecord{
		at:         t0,
		timePeriod: current.TimePeriod,
		introIDs:   identifiers(points),
		documents:  2,
	})

	tests := []struct {
		name  string
		build *Build
		now   time.Time
		want  string
	}{
		{name: "unchanged", build: current, now: t0.Add(30 * time.Minute), want: ""},
		{name: "just inside margin", build: current, now: t0.Add(54 * time.Minute), want: ""},
		{name: "upload period expiring", build: current, now: t0.Add(55 * time.Minute), want: "upload period expiring"},
		{
			name:  "points changed",
			build: &Build{IntroPoints: descriptortest.IntroPoints("b", 3), TimePeriod: current.TimePeriod, Documents: make([][]byte, 2)},
			now:   t0.Add(time.Minute),
			want:  "introduction points changed",
		},
		{
			name:  "time period changed",
			build: &Build{IntroPoints: points, TimePeriod: current.TimePeriod + 1, Documents: make([][]byte, 2)},
			now:   t0.Add(time.Minute),
			want:  "time period changed",
		},
		{
			name:  "overlap started",
			build: &Build{IntroPoints: points, TimePeriod: current.TimePeriod, Documents: make([][]byte, 4)},
			now:   t0.Add(time.Minute),
			want:  "next time period overlap",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, agg.RepublishReason(svc, tt.build, tt.now))
		})
	}
}
