package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	UsersRegistered      uint64
	UsersUpdated         uint64
	UsersDeleted         uint64
	LoginsSucceeded      uint64
	LoginsFailed         uint64
	LoginsRateLimited    uint64
	LoginDurationCount   uint64
	LoginDurationTotalNs int64
	TokensRejected       uint64
	ForbiddenRequests    uint64
	ProfileCacheHits     uint64
	ProfileCacheMisses   uint64
	EventsPublished      uint64
	EventsDropped        uint64
}

// InMemoryRecorder stores metrics in memory for tests and the /metrics endpoint.
type InMemoryRecorder struct {
	usersRegistered      uint64
	usersUpdated         uint64
	usersDeleted         uint64
	loginsSucceeded      uint64
	loginsFailed         uint64
	loginsRateLimited    uint64
	loginDurationCount   uint64
	loginDurationTotalNs int64
	tokensRejected       uint64
	forbiddenRequests    uint64
	profileCacheHits     uint64
	profileCacheMisses   uint64
	eventsPublished      uint64
	eventsDropped        uint64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	return Snapshot{
		UsersRegistered:      atomic.LoadUint64(&m.usersRegistered),
		UsersUpdated:         atomic.LoadUint64(&m.usersUpdated),
		UsersDeleted:         atomic.LoadUint64(&m.usersDeleted),
		LoginsSucceeded:      atomic.LoadUint64(&m.loginsSucceeded),
		LoginsFailed:         atomic.LoadUint64(&m.loginsFailed),
		LoginsRateLimited:    atomic.LoadUint64(&m.loginsRateLimited),
		LoginDurationCount:   atomic.LoadUint64(&m.loginDurationCount),
		LoginDurationTotalNs: atomic.LoadInt64(&m.loginDurationTotalNs),
		TokensRejected:       atomic.LoadUint64(&m.tokensRejected),
		ForbiddenRequests:    atomic.LoadUint64(&m.forbiddenRequests),
		ProfileCacheHits:     atomic.LoadUint64(&m.profileCacheHits),
		ProfileCacheMisses:   atomic.LoadUint64(&m.profileCacheMisses),
		EventsPublished:      atomic.LoadUint64(&m.eventsPublished),
		EventsDropped:        atomic.LoadUint64(&m.eventsDropped),
	}
}

// IncUserRegistered increments the registration counter.
func (m *InMemoryRecorder) IncUserRegistered() {
	atomic.AddUint64(&m.usersRegistered, 1)
}

// IncUserUpdated increments the update counter.
func (m *InMemoryRecorder) IncUserUpdated() {
	atomic.AddUint64(&m.usersUpdated, 1)
}

// IncUserDeleted increments the deletion counter.
func (m *InMemoryRecorder) IncUserDeleted() {
	atomic.AddUint64(&m.usersDeleted, 1)
}

// IncLogin counts a login attempt by outcome. Unknown labels count as failures.
func (m *InMemoryRecorder) IncLogin(status string) {
	switch status {
	case LoginSuccess:
		atomic.AddUint64(&m.loginsSucceeded, 1)
	case LoginRateLimited:
		atomic.AddUint64(&m.loginsRateLimited, 1)
	default:
		atomic.AddUint64(&m.loginsFailed, 1)
	}
}

// ObserveLoginDuration records login duration.
func (m *InMemoryRecorder) ObserveLoginDuration(duration time.Duration) {
	atomic.AddUint64(&m.loginDurationCount, 1)
	atomic.AddInt64(&m.loginDurationTotalNs, duration.Nanoseconds())
}

// IncTokenRejected increments the rejected bearer token counter.
func (m *InMemoryRecorder) IncTokenRejected() {
	atomic.AddUint64(&m.tokensRejected, 1)
}

// IncForbidden increments the ownership-denied counter.
func (m *InMemoryRecorder) IncForbidden() {
	atomic.AddUint64(&m.forbiddenRequests, 1)
}

// IncProfileCacheHit increments cache hit counter.
func (m *InMemoryRecorder) IncProfileCacheHit() {
	atomic.AddUint64(&m.profileCacheHits, 1)
}

// IncProfileCacheMiss increments cache miss counter.
func (m *InMemoryRecorder) IncProfileCacheMiss() {
	atomic.AddUint64(&m.profileCacheMisses, 1)
}

// IncEventPublished counts an account event publish by outcome.
func (m *InMemoryRecorder) IncEventPublished(status string) {
	if status == EventPublished {
		atomic.AddUint64(&m.eventsPublished, 1)
		return
	}
	atomic.AddUint64(&m.eventsDropped, 1)
}

var _ Recorder = (*InMemoryRecorder)(nil)
