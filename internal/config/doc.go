// Package config provides configuration types and loading for the
// hostname router.
//
// Configuration is a single YAML file with environment variable
// substitution (${VAR} and ${VAR:-default}, "$$" for a literal dollar),
// aggregated validation, and file watching for live backend reloads.
//
// # Example
//
//	logging:
//	  level: info
//	  format: json
//	metrics:
//	  enabled: true
//	  address: ":9090"
//	dispatch:
//	  connectTimeout: 5s
//	  circuitBreaker:
//	    enabled: true
//	    threshold: 5
//	    timeout: 30s
//	backends:
//	  - pattern: 'example\.com$'
//	    address: 10.0.0.5
//	    port: 443
//	  - pattern: '.*'
//	    address: '*'
//	    port: 443
//
// Backends are matched in the order they are listed. An address of "*"
// forwards to the requested hostname itself.
package config
