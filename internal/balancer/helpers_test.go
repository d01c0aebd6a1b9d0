package balancer

import (
	"context"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/onionbalance/internal/config"
	"github.com/dreamware/onionbalance/internal/control"
	"github.com/dreamware/onionbalance/internal/descriptor"
)

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.Defaults()
	// Keep tests clear of the next-period overlap unless they ask for it.
	cfg.DescriptorOverlapPeriod = 0
	return &cfg
}

// waitForTimers blocks until n timers or tickers are waiting on clk, so
// that a following Advance is observed by them.
func waitForTimers(t *testing.T, clk *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, n), "waiting for %d timers", n)
}

// fakeChannel records commands and hands out a test-controlled event
// stream.
type fakeChannel struct {
	mu           sync.Mutex
	sent         []control.Command
	sendFunc     func(cmd control.Command) error
	subscribeErr error
	events       chan control.Event
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan control.Event, 64)}
}

func (f *fakeChannel) Send(ctx context.Context, cmd control.Command) error {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	fn := f.sendFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(cmd)
	}
	return nil
}

func (f *fakeChannel) Subscribe(ctx context.Context, kinds ...control.EventKind) (<-chan control.Event, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.events, nil
}

func (f *fakeChannel) setSendFunc(fn func(cmd control.Command) error) {
	f.mu.Lock()
	f.sendFunc = fn
	f.mu.Unlock()
}

func (f *fakeChannel) fetches() []control.FetchDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []control.FetchDescriptor
	for _, c := range f.sent {
		if fd, ok := c.(control.FetchDescriptor); ok {
			out = append(out, fd)
		}
	}
	return out
}

func (f *fakeChannel) publishes() []control.PublishDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []control.PublishDescriptor
	for _, c := range f.sent {
		if pd, ok := c.(control.PublishDescriptor); ok {
			out = append(out, pd)
		}
	}
	return out
}

// fakeCodec lets a test replace any codec operation.
type fakeCodec struct {
	parseFunc func(raw []byte, credential string) (*descriptor.Descriptor, error)
	buildFunc func(p descriptor.BuildParams) ([]byte, error)
	signFunc  func(unsigned []byte, key *rsa.PrivateKey) ([]byte, error)
}

func (c *fakeCodec) Parse(raw []byte, credential string) (*descriptor.Descriptor, error) {
	return c.parseFunc(raw, credential)
}

func (c *fakeCodec) Build(p descriptor.BuildParams) ([]byte, error) {
	if c.buildFunc == nil {
		return []byte("unsigned"), nil
	}
	return c.buildFunc(p)
}

func (c *fakeCodec) Sign(unsigned []byte, key *rsa.PrivateKey) ([]byte, error) {
	if c.signFunc == nil {
		return append(append([]byte(nil), unsigned...), " signed"...), nil
	}
	return c.signFunc(unsigned, key)
}

// fetched returns an instance holding a descriptor with points, published
// at published and usable until validUntil.
func fetched(t *testing.T, address string, points []descriptor.IntroPoint, published, validUntil time.Time) *Instance {
	t.Helper()
	inst := NewInstance(address, "")
	apply(t, inst, points, published, validUntil)
	return inst
}

func apply(t *testing.T, inst *Instance, points []descriptor.IntroPoint, published, validUntil time.Time) {
	t.Helper()
	req := inst.BeginFetch(published)
	matched, _ := inst.ApplyDescriptor(req.Token, &descriptor.Descriptor{
		Address:     inst.Address(),
		PublishedAt: published,
		ValidUntil:  validUntil,
		IntroPoints: points,
	}, published)
	require.True(t, matched)
}

func countByPrefix(points []descriptor.IntroPoint) map[string]int {
	out := make(map[string]int)
	for _, p := range points {
		out[p.Identifier[:1]]++
	}
	return out
}
