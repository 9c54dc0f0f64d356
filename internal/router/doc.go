// Package router provides hostname-based backend selection for sniroute.
//
// A Registry holds an ordered list of Backends. Each Backend maps a
// hostname pattern (a regular expression) to a target address and port.
// Lookup scans the backends in insertion order and returns the first one
// whose pattern is found anywhere in the requested hostname, so rule
// priority is controlled entirely by the order in which rules are added.
//
// # Target addresses
//
// The target address is stored lower-cased. The special address "*"
// marks a passthrough backend: the connection target becomes the
// hostname the client asked for.
//
// # Concurrency
//
// The registry publishes immutable snapshots of its backend list. Lookup
// reads the current snapshot without locking, while Add, Remove and
// Replace build a new list and swap it in under a mutex. A Backend
// obtained from Lookup therefore stays valid for the caller even if it
// is removed concurrently.
//
// # Usage
//
//	reg := router.NewRegistry(router.WithLogger(logger))
//	if _, err := reg.Add(`example\.com`, "10.0.0.5", 443); err != nil {
//	    log.Fatal(err)
//	}
//
//	backend, err := reg.Lookup("www.example.com")
//	if errors.Is(err, router.ErrNoMatch) {
//	    // apply the default policy
//	}
package router
