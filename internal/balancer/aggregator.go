package balancer

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/onionbalance/internal/config"
	"github.com/dreamware/onionbalance/internal/descriptor"
)

// Codec parses instance descriptors and builds combined ones.
// *descriptor.Codec implements it.
type Codec interface {
	Parse(raw []byte, credential string) (*descriptor.Descriptor, error)
	Build(p descriptor.BuildParams) ([]byte, error)
	Sign(unsigned []byte, key *rsa.PrivateKey) ([]byte, error)
}

// ErrNoFreshInstances is returned by Aggregate when no instance of the
// service has a fresh descriptor. It means "no update", not a failure.
var ErrNoFreshInstances = errors.New("no fresh instances")

// Build is a set of signed combined descriptors for one Service.
type Build struct {
	IntroPoints  []descriptor.IntroPoint
	Contributors int
	TimePeriod   uint32
	Published    time.Time
	// Documents holds one signed document per replica of the current time
	// period, followed by the next period's replicas during the overlap.
	Documents [][]byte
}

// Aggregator combines fresh introduction points of a Service into signed
// descriptors and decides whether they need publishing.
type Aggregator struct {
	codec           Codec         // Builds and signs documents
	seed            uint64        // Process-wide selection seed
	maxIntroPoints  int           // Upper bound on selected points
	uploadPeriod    time.Duration // Republish interval for an unchanged set
	overlapPeriod   time.Duration // Lead time for next-period documents
	republishMargin time.Duration // Slack before the upload period runs out
}

// NewAggregator returns an Aggregator using the tunables of cfg. seed keys
// the introduction point selection. It panics if codec is nil.
//
// Parameters:
//   - codec: Descriptor builder and signer
//   - cfg: Source of MAX_INTRO_POINTS and the publish timing tunables
//   - seed: Selection seed; the same seed and input give the same selection
//
// Returns:
//   - *Aggregator: Stateless apart from its configuration
//
// Example:
//
//	agg := NewAggregator(descriptor.NewCodec(cfg.InstanceDescriptorMaxAge), cfg, newSeed())
//	build, err := agg.Aggregate(service, time.Now())
func NewAggregator(codec Codec, cfg *config.Config, seed uint64) *Aggregator {
	if codec == nil {
		panic("balancer: NewAggregator called with a nil codec")
	}
	return &Aggregator{
		codec:           codec,
		seed:            seed,
		maxIntroPoints:  cfg.MaxIntroPoints,
		uploadPeriod:    cfg.DescriptorUploadPeriod,
		overlapPeriod:   cfg.DescriptorOverlapPeriod,
		republishMargin: cfg.RepublishMargin,
	}
}

// Aggregate selects introduction points from the instances of s that are
// fresh at now and builds the signed documents carrying them. It returns
// ErrNoFreshInstances when nothing can be built.
//
// A document larger than descriptor.MaxSize causes the last selected
// introduction point to be dropped and every document to be rebuilt.
//
// Parameters:
//   - s: Service to build for; only its fresh instances contribute
//   - now: Publication time and freshness reference
//
// Returns:
//   - *Build: Selected points and one signed document per replica and period
//   - error: ErrNoFreshInstances, or a build or signing failure
func (a *Aggregator) Aggregate(s *Service, now time.Time) (*Build, error) {
	var contribs []contribution
	for _, inst := range s.instances {
		if points := inst.IntroPoints(now); len(points) > 0 {
			contribs = append(contribs, contribution{address: inst.Address(), points: points})
		}
	}
	if len(contribs) == 0 {
		return nil, ErrNoFreshInstances
	}

	selected := selectIntroPoints(a.seed, contribs, a.maxIntroPoints)
	periods := []uint32{descriptor.TimePeriod(s.permanentID, now)}
	if descriptor.UntilNextPeriod(s.permanentID, now) <= a.overlapPeriod {
		periods = append(periods, periods[0]+1)
	}

	for len(selected) > 0 {
		docs, err := a.buildDocuments(s, selected, periods, now)
		if err != nil {
			return nil, err
		}
		if !oversized(docs) {
			return &Build{
				IntroPoints:  selected,
				Contributors: len(contribs),
				TimePeriod:   periods[0],
				Published:    now,
				Documents:    docs,
			}, nil
		}
		selected = selected[:len(selected)-1]
	}
	return nil, fmt.Errorf("build descriptor for %s: no introduction point fits in %d bytes", s.address, descriptor.MaxSize)
}

func (a *Aggregator) buildDocuments(s *Service, points []descriptor.IntroPoint, periods []uint32, now time.Time) ([][]byte, error) {
	docs := make([][]byte, 0, len(periods)*descriptor.Replicas)
	for _, tp := range periods {
		for replica := 0; replica < descriptor.Replicas; replica++ {
			unsigned, err := a.codec.Build(descriptor.BuildParams{
				Key:         &s.key.PublicKey,
				IntroPoints: points,
				Published:   now,
				TimePeriod:  tp,
				Replica:     byte(replica),
			})
			if err != nil {
				return nil, fmt.Errorf("build descriptor for %s: %w", s.address, err)
			}
			signed, err := a.codec.Sign(unsigned, s.key)
			if err != nil {
				return nil, fmt.Errorf("sign descriptor for %s: %w", s.address, err)
			}
			docs = append(docs, signed)
		}
	}
	return docs, nil
}

func oversized(docs [][]byte) bool {
	for _, d := range docs {
		if len(d) > descriptor.MaxSize {
			return true
		}
	}
	return false
}

// RepublishReason explains why b must be published for s at now, or
// returns "" when the last publish is still current.
func (a *Aggregator) RepublishReason(s *Service, b *Build, now time.Time) string {
	last, ok := s.lastPublish()
	switch {
	case !ok:
		return "never published"
	case !slices.Equal(last.introIDs, identifiers(b.IntroPoints)):
		return "introduction points changed"
	case last.timePeriod != b.TimePeriod:
		return "time period changed"
	case last.documents != len(b.Documents):
		return "next time period overlap"
	case !now.Add(a.republishMargin).Before(last.at.Add(a.uploadPeriod)):
		return "upload period expiring"
	}
	return ""
}
