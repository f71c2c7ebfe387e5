// Package adapter defines the contract a client-library shim implements to
// plug into a ProtectedResource without the core module importing any
// specific driver. Core never ships a concrete adapter — per-library shims
// (an SQL driver wrapper, an HTTP client wrapper, ...) live outside this
// module and are injected by the caller.
package adapter

import "time"

// ConnectionClassifier decides whether an error observed while using a
// resource counts as a "connection-like" failure — the only kind that
// should feed a circuit breaker. A deserialization error or a well-formed
// 404 is the downstream's problem, not the resource's; a connection
// refused or a read timeout is.
type ConnectionClassifier interface {
	IsConnectionError(err error) bool
}

// Identifier names a resource instance for registration and logging,
// matching spec.md's semian_identifier convention (host+port, or an
// explicit name when the adapter multiplexes several logical resources
// over one registration).
type Identifier interface {
	ResourceIdentifier() string
}

// TimeoutOverrider lets the breaker shrink a downstream call's timeout
// while the resource is in a degraded state — most notably HALF_OPEN,
// where a shorter timeout limits how much a probing call can cost if the
// dependency is still down.
type TimeoutOverrider interface {
	WithResourceTimeout(t time.Duration) (restore func())
}
