// Package balancer implements the descriptor aggregation and publish
// pipeline of onionbalance.
//
// # Overview
//
// A load-balanced hidden service is advertised by one master key, while the
// actual traffic is served by several backend instances, each running its
// own hidden service. The balancer periodically fetches every instance
// descriptor through the local Tor relay, picks a fair subset of their
// introduction points and publishes combined descriptors signed with the
// master key, so clients land on a randomly chosen backend.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────┐
//	│                        Manager                           │
//	├──────────────────────────────────────────────────────────┤
//	│  fetch loop (Periodic)    ──► Fetcher ──► FetchDescriptor │
//	│  event loop               ◄── Correlator ◄── relay events │
//	│  publish loop (Periodic)  ──► Publisher                   │
//	│                                 │                        │
//	│                                 ▼                        │
//	│                            Aggregator ──► PublishDescriptor
//	├──────────────────────────────────────────────────────────┤
//	│  Services ──owns──► Instances  (per-Instance mutex)      │
//	└──────────────────────────────────────────────────────────┘
//
// The three loops run concurrently under a tomb. The fetch loop never waits
// for results: completions arrive on the event stream, of which the
// Correlator is the only consumer.
//
// # Instance lifecycle
//
//	UNKNOWN ──► FETCH_PENDING ──► FETCHED ──(expiry)──► STALE
//	                 │    ▲           │
//	                 ▼    └───────────┘ (refresh)
//	            FETCH_FAILED
//
// At most one fetch is outstanding per Instance. Events are matched to it by
// correlation token; a zero token binds to whatever fetch is outstanding.
// A failed refresh keeps the last good descriptor in memory but takes the
// instance out of rotation until a fetch succeeds again.
//
// # Publishing
//
// A Service is republished when it was never published, when the selected
// introduction points changed, when the time period rolled over, when the
// next period's descriptors become due, or when the previous upload is
// about to run out. Publish state is committed only once the relay accepted
// every document.
package balancer
