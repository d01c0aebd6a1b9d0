package balancer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/onionbalance/internal/descriptor"
	"github.com/dreamware/onionbalance/internal/descriptor/descriptortest"
)

func desc(address string, published time.Time, n int) *descriptor.Descriptor {
	return &descriptor.Descriptor{
		Address:     address,
		PublishedAt: published,
		ValidUntil:  published.Add(4 * time.Hour),
		IntroPoints: descriptortest.IntroPoints("a", n),
	}
}

func TestInstanceLifecycle(t *testing.T) {
	inst := NewInstance("dpkhemrbs3oiv2fw", "")
	assert.Equal(t, StateUnknown, inst.State(t0))
	assert.False(t, inst.Fresh(t0))

	req := inst.BeginFetch(t0)
	assert.Equal(t, "dpkhemrbs3oiv2fw", req.Address)
	assert.Equal(t, StateFetchPending, inst.State(t0))

	matched, replaced := inst.ApplyDescriptor(req.Token, desc(inst.Address(), t0, 3), t0)
	assert.True(t, matched)
	assert.True(t, replaced)
	assert.Equal(t, StateFetched, inst.State(t0))
	assert.True(t, inst.Fresh(t0))
	assert.Len(t, inst.IntroPoints(t0), 3)

	expiry := t0.Add(4 * time.Hour)
	assert.Equal(t, StateStale, inst.State(expiry))
	assert.False(t, inst.Fresh(expiry))
	assert.Nil(t, inst.IntroPoints(expiry))
}

func TestInstanceSingleOutstandingFetch(t *testing.T) {
	inst := NewInstance("dpkhemrbs3oiv2fw", "")
	first := inst.BeginFetch(t0)
	second := inst.BeginFetch(t0.Add(time.Minute))
	require.NotEqual(t, first.Token, second.Token)
	assert.Greater(t, second.Token, first.Token)

	// The superseded request no longer matches anything.
	assert.False(t, inst.Outstanding(first.Token))
	assert.False(t, inst.RejectFetch(first.Token, errors.New("refused")))
	matched, _ := inst.ApplyDescriptor(first.Token, desc(inst.Address(), t0, 2), t0)
	assert.False(t, matched)
	assert.Equal(t, StateFetchPending, inst.State(t0))
	assert.Nil(t, inst.IntroPoints(t0))

	matched, _ = inst.ApplyDescriptor(second.Token, desc(inst.Address(), t0, 2), t0)
	assert.True(t, matched)

	// The request completed; a duplicate completion is ignored.
	assert.False(t, inst.Outstanding(second.Token))
	assert.False(t, inst.ApplyFailure(second.Token, ErrFetchFailed))
	assert.Equal(t, StateFetched, inst.State(t0))
}

func TestInstanceZeroTokenBindsToOutstanding(t *testing.T) {
	inst := NewInstance("dpkhemrbs3oiv2fw", "")
	assert.False(t, inst.Outstanding(0), "nothing outstanding")

	inst.BeginFetch(t0)
	assert.True(t, inst.Outstanding(0))
	matched, replaced := inst.ApplyDescriptor(0, desc(inst.Address(), t0, 1), t0)
	assert.True(t, matched)
	assert.True(t, replaced)
}

func TestInstanceFailureKeepsLastGoodDescriptor(t *testing.T) {
	inst := fetched(t, "dpkhemrbs3oiv2fw", descriptortest.IntroPoints("a", 3), t0, t0.Add(4*time.Hour))

	req := inst.BeginFetch(t0.Add(10 * time.Minute))
	// A refresh in flight does not take the instance out of rotation.
	assert.True(t, inst.Fresh(t0.Add(10*time.Minute)))

	require.True(t, inst.ApplyFailure(req.Token, ErrFetchFailed))
	now := t0.Add(11 * time.Minute)
	assert.Equal(t, StateFetchFailed, inst.State(now))
	assert.False(t, inst.Fresh(now))
	assert.ErrorIs(t, inst.LastError(), ErrFetchFailed)

	snap := inst.Snapshot(now)
	assert.Equal(t, 3, snap.IntroPoints, "descriptor retained")
	assert.Equal(t, "FETCH_FAILED", snap.State)
	assert.NotEmpty(t, snap.LastError)

	// The next successful fetch brings it back.
	apply(t, inst, descriptortest.IntroPoints("a", 3), t0.Add(20*time.Minute), t0.Add(5*time.Hour))
	assert.True(t, inst.Fresh(t0.Add(20*time.Minute)))
	assert.NoError(t, inst.LastError())
}

func TestInstanceOlderDescriptorDoesNotReplace(t *testing.T) {
	newer := t0.Add(time.Hour)
	inst := fetched(t, "dpkhemrbs3oiv2fw", descriptortest.IntroPoints("n", 2), newer, newer.Add(4*time.Hour))

	req := inst.BeginFetch(newer)
	older := desc(inst.Address(), t0, 5)
	matched, replaced := inst.ApplyDescriptor(req.Token, older, newer)
	assert.True(t, matched)
	assert.False(t, replaced)
	assert.False(t, inst.Outstanding(0))

	points := inst.IntroPoints(newer)
	require.Len(t, points, 2)
	assert.Equal(t, "n0", points[0].Identifier)
}

func TestInstanceExpirePending(t *testing.T) {
	inst := NewInstance("dpkhemrbs3oiv2fw", "")
	inst.BeginFetch(t0)

	assert.False(t, inst.ExpirePending(t0.Add(4*time.Minute), 5*time.Minute))
	assert.Equal(t, StateFetchPending, inst.State(t0))

	assert.True(t, inst.ExpirePending(t0.Add(5*time.Minute), 5*time.Minute))
	assert.Equal(t, StateFetchFailed, inst.State(t0))
	assert.ErrorIs(t, inst.LastError(), ErrFetchTimeout)
	assert.False(t, inst.ExpirePending(t0.Add(time.Hour), 5*time.Minute))
}

func TestInstanceSnapshot(t *testing.T) {
	inst := fetched(t, "dpkhemrbs3oiv2fw", descriptortest.IntroPoints("a", 4), t0, t0.Add(time.Hour))
	inst.BeginFetch(t0.Add(time.Minute))

	snap := inst.Snapshot(t0.Add(time.Minute))
	assert.Equal(t, "dpkhemrbs3oiv2fw", snap.Address)
	assert.Equal(t, "FETCH_PENDING", snap.State)
	assert.True(t, snap.Fresh)
	assert.Equal(t, 4, snap.IntroPoints)
	require.NotNil(t, snap.PendingSince)
	assert.Equal(t, t0.Add(time.Minute), *snap.PendingSince)
	require.NotNil(t, snap.ValidUntil)
	assert.Equal(t, t0.Add(time.Hour), *snap.ValidUntil)
}
