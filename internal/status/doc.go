// Package status serves the read-only HTTP status endpoint of a running
// balancer and provides the client used to query it.
//
// Routes:
//
//	GET /health            liveness
//	GET /status            every service and its instances
//	GET /status/{address}  one service, by onion address
//	GET /metrics           Prometheus metrics
package status
