package balancer

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/dreamware/onionbalance/internal/descriptor"
)

// State is the descriptor lifecycle state of an Instance.
type State int

const (
	StateUnknown State = iota
	StateFetchPending
	StateFetched
	StateFetchFailed
	StateStale
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateFetchPending:
		return "FETCH_PENDING"
	case StateFetched:
		return "FETCHED"
	case StateFetchFailed:
		return "FETCH_FAILED"
	case StateStale:
		return "STALE"
	default:
		return "INVALID"
	}
}

var (
	// ErrFetchTimeout is recorded when an outstanding fetch is reclaimed
	// after no completion arrived.
	ErrFetchTimeout = errors.New("fetch timed out")

	// ErrFetchFailed is recorded when the relay reports a failed fetch.
	ErrFetchFailed = errors.New("descriptor fetch failed")

	// ErrEmptyDescriptor is recorded when the relay delivers descriptor
	// content without a document, which it does once every directory
	// failed.
	ErrEmptyDescriptor = errors.New("no descriptor returned")

	// ErrAddressMismatch is recorded when a delivered descriptor was
	// signed by a key other than the one of the instance address.
	ErrAddressMismatch = errors.New("descriptor does not belong to instance")
)

// fetchTokens issues correlation tokens for the whole process.
var fetchTokens = atomic.NewUint64(0)

// FetchRequest binds an issued fetch to the Instance that issued it.
type FetchRequest struct {
	Token    uint64
	Address  string
	IssuedAt time.Time
}

// Instance is one backend node serving a replica of a Service.
//
// Fetch issuance and completion are serialized by the Instance mutex; at
// most one FetchRequest is outstanding at any time.
type Instance struct {
	address    string // Onion address without ".onion"
	credential string // Base64 descriptor cookie, empty without client auth

	mu        sync.Mutex             // Protects the fields below
	outcome   State                  // StateUnknown, StateFetched or StateFetchFailed
	desc      *descriptor.Descriptor // Last good descriptor, kept across failures
	fetchedAt time.Time              // When desc was applied
	pending   *FetchRequest          // Outstanding request, nil when idle
	lastErr   error                  // Cause of the last failed fetch
}

// NewInstance returns an Instance in state UNKNOWN. credential is the
// optional base64 descriptor cookie.
func NewInstance(address, credential string) *Instance {
	return &Instance{address: address, credential: credential}
}

// Address returns the onion address of the instance, without ".onion".
func (i *Instance) Address() string { return i.address }

// Credential returns the descriptor cookie of the instance, if any.
func (i *Instance) Credential() string { return i.credential }

// BeginFetch records a new outstanding request and returns it. A request
// still outstanding is superseded; events for its token are discarded.
func (i *Instance) BeginFetch(now time.Time) FetchRequest {
	req := FetchRequest{Token: fetchTokens.Inc(), Address: i.address, IssuedAt: now}
	i.mu.Lock()
	i.pending = &req
	i.mu.Unlock()
	return req
}

// RejectFetch records that the channel refused to send the request with
// the given token. It reports false when that request is no longer
// outstanding.
func (i *Instance) RejectFetch(token uint64, err error) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pending == nil || i.pending.Token != token {
		return false
	}
	i.failLocked(err)
	return true
}

// Outstanding reports whether an event carrying token would complete the
// outstanding request. A zero token matches any outstanding request.
func (i *Instance) Outstanding(token uint64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.matchLocked(token)
}

// ApplyFailure completes the outstanding request as failed. The last good
// descriptor is kept but no longer counts as fresh. It reports false, and
// changes nothing, when token does not match the outstanding request.
func (i *Instance) ApplyFailure(token uint64, err error) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.matchLocked(token) {
		return false
	}
	i.failLocked(err)
	return true
}

// ApplyDescriptor completes the outstanding request with d. matched is
// false, and nothing changes, when token does not match the outstanding
// request. replaced is false when d was published before the descriptor
// already held, which is kept.
func (i *Instance) ApplyDescriptor(token uint64, d *descriptor.Descriptor, now time.Time) (matched, replaced bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.matchLocked(token) {
		return false, false
	}
	i.pending = nil
	i.outcome = StateFetched
	i.lastErr = nil
	if i.desc != nil && d.PublishedAt.Before(i.desc.PublishedAt) {
		return true, false
	}
	i.desc = d
	i.fetchedAt = now
	return true, true
}

// ExpirePending reclaims a request outstanding for at least timeout and
// records it as failed with ErrFetchTimeout.
func (i *Instance) ExpirePending(now time.Time, timeout time.Duration) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pending == nil || now.Sub(i.pending.IssuedAt) < timeout {
		return false
	}
	i.failLocked(ErrFetchTimeout)
	return true
}

// State returns the lifecycle state at now.
func (i *Instance) State(now time.Time) State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stateLocked(now)
}

// Fresh reports whether the instance may contribute introduction points at
// now: its last fetch succeeded and the descriptor has not expired. A
// refresh in flight does not invalidate the descriptor it will replace.
func (i *Instance) Fresh(now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.freshLocked(now)
}

// IntroPoints returns a copy of the introduction points of a fresh
// descriptor, or nil.
func (i *Instance) IntroPoints(now time.Time) []descriptor.IntroPoint {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.freshLocked(now) {
		return nil
	}
	return append([]descriptor.IntroPoint(nil), i.desc.IntroPoints...)
}

// LastError returns the error recorded by the last failed fetch, or nil.
func (i *Instance) LastError() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastErr
}

// InstanceStatus is a point-in-time view of an Instance.
type InstanceStatus struct {
	Address      string     `json:"address"`
	State        string     `json:"state"`
	Fresh        bool       `json:"fresh"`
	IntroPoints  int        `json:"intro_points"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	FetchedAt    *time.Time `json:"fetched_at,omitempty"`
	ValidUntil   *time.Time `json:"valid_until,omitempty"`
	PendingSince *time.Time `json:"pending_since,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Snapshot returns the status of the instance at now.
func (i *Instance) Snapshot(now time.Time) InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := InstanceStatus{
		Address: i.address,
		State:   i.stateLocked(now).String(),
		Fresh:   i.freshLocked(now),
	}
	if i.desc != nil {
		published, fetched, valid := i.desc.PublishedAt, i.fetchedAt, i.desc.ValidUntil
		st.IntroPoints = len(i.desc.IntroPoints)
		st.PublishedAt, st.FetchedAt, st.ValidUntil = &published, &fetched, &valid
	}
	if i.pending != nil {
		since := i.pending.IssuedAt
		st.PendingSince = &since
	}
	if i.lastErr != nil {
		st.LastError = i.lastErr.Error()
	}
	return st
}

func (i *Instance) matchLocked(token uint64) bool {
	return i.pending != nil && (token == 0 || token == i.pending.Token)
}

func (i *Instance) failLocked(err error) {
	i.pending = nil
	i.outcome = StateFetchFailed
	i.lastErr = err
}

func (i *Instance) freshLocked(now time.Time) bool {
	return i.outcome == StateFetched && i.desc != nil && !i.desc.Expired(now)
}

func (i *Instance) stateLocked(now time.Time) State {
	switch {
	case i.pending != nil:
		return StateFetchPending
	case i.outcome == StateFetched && i.desc != nil && i.desc.Expired(now):
		return StateStale
	default:
		return i.outcome
	}
}
