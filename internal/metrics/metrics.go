// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Login outcome labels.
const (
	LoginSuccess            = "success"
	LoginInvalidCredentials = "invalid_credentials"
	LoginRateLimited        = "rate_limited"
)

// Account event publish outcomes.
const (
	EventPublished = "success"
	EventDropped   = "dropped"
)

// Recorder captures metric events for the application.
// Implementations can expose these to Prometheus, StatsD, etc.
type Recorder interface {
	// Account lifecycle
	IncUserRegistered()
	IncUserUpdated()
	IncUserDeleted()

	// Authentication
	IncLogin(status string) // status: LoginSuccess, LoginInvalidCredentials, LoginRateLimited
	ObserveLoginDuration(duration time.Duration)
	IncTokenRejected()
	IncForbidden()

	// Profile cache
	IncProfileCacheHit()
	IncProfileCacheMiss()

	// Account event stream
	IncEventPublished(status string) // status: EventPublished, EventDropped
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
