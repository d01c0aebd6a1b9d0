package torctl

import (
	"strings"

	bine "github.com/cretz/bine/control"

	"github.com/dreamware/onionbalance/internal/control"
)

func eventCode(k control.EventKind) bine.EventCode {
	switch k {
	case control.EventFetchOutcome:
		return bine.EventCodeHSDesc
	case control.EventDescriptorContent:
		return bine.EventCodeHSDescContent
	default:
		return ""
	}
}

// translate turns a bine event into a control.Event. Event types the
// balancer does not consume are ignored.
//
//	650 HS_DESC Action HSAddress AuthType HsDir [DescriptorID] [REASON=..] [REPLICA=..]
//	650+HS_DESC_CONTENT HSAddress DescId HsDir
//	<descriptor>
//	.
//	650 OK
func translate(raw bine.Event) (control.Event, bool) {
	switch e := raw.(type) {
	case *bine.HSDescEvent:
		ev := control.Event{Kind: control.EventFetchOutcome, Address: strings.ToLower(e.Address)}
		switch e.Action {
		case "REQUESTED":
			ev.Outcome = control.OutcomeRequested
		case "RECEIVED":
			ev.Outcome = control.OutcomeReceived
		case "FAILED":
			ev.Outcome = control.OutcomeFailed
			ev.Reason = failureReason(e)
		default:
			// UPLOAD/UPLOADED/CREATED concern our own publishes.
			return control.Event{}, false
		}
		return ev, true

	case *bine.HSDescContentEvent:
		doc := strings.TrimSpace(strings.ReplaceAll(e.Descriptor, "\r\n", "\n"))
		ev := control.Event{Kind: control.EventDescriptorContent, Address: strings.ToLower(e.Address)}
		if doc != "" {
			ev.Raw = []byte(doc + "\n")
		}
		return ev, true
	}
	return control.Event{}, false
}

func failureReason(e *bine.HSDescEvent) string {
	if e.Reason != "" {
		return e.Reason
	}
	for _, f := range strings.Fields(e.Raw) {
		if v, ok := strings.CutPrefix(f, "REASON="); ok {
			return v
		}
	}
	return "unknown"
}
