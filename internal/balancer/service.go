package balancer

import (
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/onionbalance/internal/config"
	"github.com/dreamware/onionbalance/internal/descriptor"
)

// Service is a load-balanced hidden service: a master key and the
// instances whose introduction points it advertises.
type Service struct {
	address     string
	key         *rsa.PrivateKey
	permanentID []byte
	instances   []*Instance

	mu          sync.RWMutex
	last        *publishRecord
	lastErr     error
	lastAttempt time.Time
}

// publishRecord is the state of the last fully accepted publish.
type publishRecord struct {
	at         time.Time
	timePeriod uint32
	introIDs   []string // sorted
	documents  int
}

// NewService returns a Service signing with key. It panics if key is nil.
func NewService(key *rsa.PrivateKey, instances []*Instance) *Service {
	if key == nil {
		panic("balancer: NewService called with a nil key")
	}
	return &Service{
		address:     descriptor.OnionAddress(&key.PublicKey),
		key:         key,
		permanentID: descriptor.PermanentID(&key.PublicKey),
		instances:   instances,
	}
}

// KeyLoader returns the decrypted master key stored at path.
type KeyLoader func(path string) (*rsa.PrivateKey, error)

// NewServices builds one Service per configured service, in configuration
// order.
func NewServices(cfg *config.Config, load KeyLoader) ([]*Service, error) {
	services := make([]*Service, 0, len(cfg.Services))
	for _, sc := range cfg.Services {
		key, err := load(sc.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load key %s: %w", sc.KeyPath, err)
		}
		instances := make([]*Instance, 0, len(sc.Instances))
		for _, ic := range sc.Instances {
			instances = append(instances, NewInstance(ic.Address, ic.Auth))
		}
		services = append(services, NewService(key, instances))
	}
	return services, nil
}

// Address returns the onion address derived from the master key.
func (s *Service) Address() string { return s.address }

// Instances returns the instances of the service in configuration order.
func (s *Service) Instances() []*Instance { return slices.Clone(s.instances) }

func (s *Service) lastPublish() (publishRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return publishRecord{}, false
	}
	return *s.last, true
}

func (s *Service) recordPublish(rec publishRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &rec
	s.lastErr = nil
	s.lastAttempt = rec.at
}

func (s *Service) recordPublishError(now time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	s.lastAttempt = now
}

// LastPublishError returns the error of the most recent failed publish
// attempt, or nil when the last attempt succeeded.
func (s *Service) LastPublishError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ServiceStatus is a point-in-time view of a Service.
type ServiceStatus struct {
	Address          string           `json:"address"`
	LastPublished    *time.Time       `json:"last_published,omitempty"`
	LastAttempt      *time.Time       `json:"last_attempt,omitempty"`
	TimePeriod       uint32           `json:"time_period,omitempty"`
	IntroPoints      []string         `json:"intro_points,omitempty"`
	Documents        int              `json:"documents,omitempty"`
	LastPublishError string           `json:"last_publish_error,omitempty"`
	Instances        []InstanceStatus `json:"instances"`
}

// Snapshot returns the status of the service and its instances at now.
func (s *Service) Snapshot(now time.Time) ServiceStatus {
	st := ServiceStatus{Address: s.address}

	s.mu.RLock()
	if s.last != nil {
		at := s.last.at
		st.LastPublished = &at
		st.TimePeriod = s.last.timePeriod
		st.IntroPoints = slices.Clone(s.last.introIDs)
		st.Documents = s.last.documents
	}
	if !s.lastAttempt.IsZero() {
		attempt := s.lastAttempt
		st.LastAttempt = &attempt
	}
	if s.lastErr != nil {
		st.LastPublishError = s.lastErr.Error()
	}
	s.mu.RUnlock()

	st.Instances = make([]InstanceStatus, 0, len(s.instances))
	for _, inst := range s.instances {
		st.Instances = append(st.Instances, inst.Snapshot(now))
	}
	return st
}
