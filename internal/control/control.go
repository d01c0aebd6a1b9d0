// Package control defines the command/event channel the balancer uses to
// talk to the local Tor relay. The balancer depends only on the Channel
// interface; internal/torctl provides the control-port implementation.
package control

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by a Channel that has been shut down.
var ErrClosed = errors.New("control channel closed")

// Command is a request sent over a Channel.
type Command interface {
	fmt.Stringer
	command()
}

// FetchDescriptor asks the relay to fetch the current descriptor of a
// hidden service. Completion is reported asynchronously through events.
type FetchDescriptor struct {
	Address string
	// Credential is the instance's descriptor cookie, if any.
	Credential string
}

func (FetchDescriptor) command() {}

func (c FetchDescriptor) String() string { return "fetch " + c.Address }

// PublishDescriptor asks the relay to upload a signed descriptor to the
// responsible hidden service directories.
type PublishDescriptor struct {
	// Service is the onion address the document was signed for. It is
	// informational only.
	Service  string
	Document []byte
}

func (PublishDescriptor) command() {}

func (c PublishDescriptor) String() string {
	return fmt.Sprintf("publish %s (%d bytes)", c.Service, len(c.Document))
}

// EventKind selects the event stream a subscriber is interested in.
type EventKind int

const (
	// EventFetchOutcome reports the progress or failure of a fetch.
	EventFetchOutcome EventKind = iota + 1
	// EventDescriptorContent carries a fetched descriptor document.
	EventDescriptorContent
)

func (k EventKind) String() string {
	switch k {
	case EventFetchOutcome:
		return "fetch-outcome"
	case EventDescriptorContent:
		return "descriptor-content"
	default:
		return fmt.Sprintf("event-kind(%d)", int(k))
	}
}

// Outcome is the result carried by a fetch-outcome event.
type Outcome string

const (
	OutcomeRequested Outcome = "requested"
	OutcomeReceived  Outcome = "received"
	OutcomeFailed    Outcome = "failed"
)

// Event is an asynchronous notification from the relay.
type Event struct {
	Kind    EventKind
	Address string
	// Outcome is set on fetch-outcome events.
	Outcome Outcome
	// Reason explains a failed fetch, when the relay gave one.
	Reason string
	// Raw is the descriptor document of a descriptor-content event. An
	// empty Raw means no directory returned a descriptor.
	Raw []byte
	// Token correlates the event with the fetch that caused it. Zero means
	// the transport could not tell, and the event belongs to whatever
	// fetch is outstanding for Address.
	Token uint64
}

// Channel is an authenticated command/event connection to the relay.
type Channel interface {
	// Send issues cmd and returns once the relay has accepted or refused
	// it. It never waits for the asynchronous result of a fetch.
	Send(ctx context.Context, cmd Command) error

	// Subscribe registers for the given event kinds and returns the event
	// stream. The stream is closed when ctx is done or the channel fails;
	// it cannot be restarted.
	Subscribe(ctx context.Context, kinds ...EventKind) (<-chan Event, error)
}
