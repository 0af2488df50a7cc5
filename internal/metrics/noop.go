package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) IncUserRegistered()                          {}
func (n *NoopRecorder) IncUserUpdated()                             {}
func (n *NoopRecorder) IncUserDeleted()                             {}
func (n *NoopRecorder) IncLogin(status string)                      {}
func (n *NoopRecorder) ObserveLoginDuration(duration time.Duration) {}
func (n *NoopRecorder) IncTokenRejected()                           {}
func (n *NoopRecorder) IncForbidden()                               {}
func (n *NoopRecorder) IncProfileCacheHit()                         {}
func (n *NoopRecorder) IncProfileCacheMiss()                        {}
func (n *NoopRecorder) IncEventPublished(status string)             {}
