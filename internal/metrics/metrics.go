// Package metrics exposes Prometheus counters for the application. All
// instrumentation is event-driven: the collector subscribes to the event bus
// so the services stay free of metrics plumbing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixfind/pixfind/internal/domain"
	"github.com/pixfind/pixfind/internal/eventbus"
)

// Collector owns the Prometheus registry and the counters it serves.
type Collector struct {
	registry *prometheus.Registry

	searches         prometheus.Counter
	searchesRejected prometheus.Counter
	uploads          prometheus.Counter
	uploadedImages   prometheus.Counter
	embedBatches     prometheus.Counter
	embedsQueued     prometheus.Counter
	deletionsQueued  prometheus.Counter
	retriesSucceeded *prometheus.CounterVec
	retriesExhausted *prometheus.CounterVec
	breakerChanges   *prometheus.CounterVec
	sessionsPurged   prometheus.Counter
	usersRegistered  prometheus.Counter
	usersDeleted     prometheus.Counter
}

// NewCollector builds the collector and wires it to the event bus.
func NewCollector(events eventbus.Publisher) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		searches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixfind_searches_total",
			Help: "Completed semantic searches.",
		}),
		searchesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixfind_searches_rejected_total",
			Help: "Searches rejected because the search service was unavailable.",
		}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixfind_uploads_total",
			Help: "Completed upload requests.",
		}),
		uploadedImages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixfind_uploaded_images_total",
			Help: "Images stored by upload requests.",
		}),
		embedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixfind_embed_batches_sent_total",
			Help: "Embed batches delivered to the search service.",
		}),
		embedsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixfind_embeds_queued_for_retry_total",
			Help: "Embed batches diverted to the retry queue.",
		}),
		deletionsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixfind_index_deletions_queued_for_retry_total",
			Help: "Index deletions diverted to the retry queue.",
		}),
		retriesSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixfind_retries_succeeded_total",
			Help: "Retry queue rows redelivered successfully.",
		}, []string{"kind"}),
		retriesExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixfind_retries_exhausted_total",
			Help: "Retry queue rows that ran out of attempts.",
		}, []string{"kind"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixfind_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"breaker", "to"}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixfind_sessions_purged_total",
			Help: "Expired sessions removed by the sweeper.",
		}),
		usersRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixfind_users_registered_total",
			Help: "Accounts created.",
		}),
		usersDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixfind_users_deleted_total",
			Help: "Accounts deleted.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.searches, c.searchesRejected,
		c.uploads, c.uploadedImages,
		c.embedBatches, c.embedsQueued, c.deletionsQueued,
		c.retriesSucceeded, c.retriesExhausted,
		c.breakerChanges,
		c.sessionsPurged, c.usersRegistered, c.usersDeleted,
	)

	c.subscribe(events)
	return c
}

func (c *Collector) subscribe(events eventbus.Publisher) {
	events.Subscribe(domain.SearchPerformed, func(e domain.Event) {
		c.searches.Inc()
	})
	events.Subscribe(domain.SearchRejected, func(e domain.Event) {
		c.searchesRejected.Inc()
	})
	events.Subscribe(domain.ImagesUploaded, func(e domain.Event) {
		c.uploads.Inc()
		c.uploadedImages.Add(float64(e.GetInt64Or("count", 0)))
	})
	events.Subscribe(domain.EmbedBatchSent, func(e domain.Event) {
		c.embedBatches.Inc()
	})
	events.Subscribe(domain.EmbedQueuedForRetry, func(e domain.Event) {
		c.embedsQueued.Inc()
	})
	events.Subscribe(domain.DeletionQueuedForRetry, func(e domain.Event) {
		c.deletionsQueued.Inc()
	})
	events.Subscribe(domain.RetrySucceeded, func(e domain.Event) {
		c.retriesSucceeded.WithLabelValues(e.GetStringOr("kind", "unknown")).Inc()
	})
	events.Subscribe(domain.RetryExhausted, func(e domain.Event) {
		c.retriesExhausted.WithLabelValues(e.GetStringOr("kind", "unknown")).Inc()
	})
	events.Subscribe(domain.BreakerStateChanged, func(e domain.Event) {
		c.breakerChanges.WithLabelValues(
			e.GetStringOr("breaker", "unknown"),
			e.GetStringOr("to", "unknown"),
		).Inc()
	})
	events.Subscribe(domain.SessionsPurged, func(e domain.Event) {
		c.sessionsPurged.Add(float64(e.GetInt64Or("count", 0)))
	})
	events.Subscribe(domain.UserRegistered, func(e domain.Event) {
		c.usersRegistered.Inc()
	})
	events.Subscribe(domain.UserDeleted, func(e domain.Event) {
		c.usersDeleted.Inc()
	})
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
