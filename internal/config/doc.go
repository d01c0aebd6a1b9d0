// Package config loads the onionbalance YAML configuration: the global
// scheduling tunables and the list of load-balanced services with their
// backend instances.
//
// The file format keeps the upper-case tunable names used by existing
// onionbalance deployments, so their configuration files continue to work:
//
//	REFRESH_INTERVAL: 600
//	PUBLISH_CHECK_INTERVAL: 360
//	services:
//	  - key: private_key
//	    instances:
//	      - address: dpkhemrbs3oiv2fw
//	      - address: szo6g64r3xbiefes
//	        auth: 8bXMpnwOlfNgezqOBhbSxw
//
// Every tunable is optional and falls back to the value returned by Defaults.
// A Config is built once at startup and is read-only afterwards; nothing in
// this package is safe to mutate concurrently with readers.
package config
