package handler

import (
	"fmt"
	"net/http"

	"github.com/penshort/accounts/internal/metrics"
)

// MetricsHandler exposes in-memory metrics.
type MetricsHandler struct {
	snapshotter metrics.Snapshotter
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(snapshotter metrics.Snapshotter) *MetricsHandler {
	return &MetricsHandler{snapshotter: snapshotter}
}

// Metrics returns metrics in Prometheus exposition format.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.snapshotter == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	snap := h.snapshotter.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeMetric(w, "accounts_users_registered_total %d\n", snap.UsersRegistered)
	writeMetric(w, "accounts_users_updated_total %d\n", snap.UsersUpdated)
	writeMetric(w, "accounts_users_deleted_total %d\n", snap.UsersDeleted)

	writeMetric(w, "accounts_logins_total{status=\"success\"} %d\n", snap.LoginsSucceeded)
	writeMetric(w, "accounts_logins_total{status=\"invalid_credentials\"} %d\n", snap.LoginsFailed)
	writeMetric(w, "accounts_logins_total{status=\"rate_limited\"} %d\n", snap.LoginsRateLimited)
	writeMetric(w, "accounts_login_duration_seconds_count %d\n", snap.LoginDurationCount)
	writeMetric(w, "accounts_login_duration_seconds_sum %.6f\n", float64(snap.LoginDurationTotalNs)/1e9)

	writeMetric(w, "accounts_tokens_rejected_total %d\n", snap.TokensRejected)
	writeMetric(w, "accounts_forbidden_total %d\n", snap.ForbiddenRequests)

	writeMetric(w, "accounts_profile_cache_hits_total %d\n", snap.ProfileCacheHits)
	writeMetric(w, "accounts_profile_cache_misses_total %d\n", snap.ProfileCacheMisses)

	writeMetric(w, "accounts_events_published_total{status=\"success\"} %d\n", snap.EventsPublished)
	writeMetric(w, "accounts_events_published_total{status=\"dropped\"} %d\n", snap.EventsDropped)
}

func writeMetric(w http.ResponseWriter, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
