// Package metrics provides Prometheus metrics for the score recalculation service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector of the service.
type Manager struct {
	namespace      string
	subsystem      string
	latencyBuckets []float64
	fullBuckets    []float64
	sizeBuckets    []float64
	registry       prometheus.Registerer

	// Recalculation
	ruleRecalculations    *prometheus.CounterVec
	contactsRecalculated  prometheus.Counter
	fullRecalculations    *prometheus.CounterVec
	fullRecalculationTime prometheus.Histogram
	batchRecalculations   prometheus.Counter
	batchRules            prometheus.Histogram
	batchContacts         prometheus.Histogram
	batchFailures         prometheus.Counter
	limitNotifications    prometheus.Counter

	// Ingestion
	activitiesIngested   prometheus.Counter
	activitiesDuplicate  prometheus.Counter
	contactChangesStored prometheus.Counter

	// Queues
	queueSize          *prometheus.GaugeVec
	queueEnqueued      *prometheus.CounterVec
	queueDequeued      *prometheus.CounterVec
	queueEnqueueErrors *prometheus.CounterVec

	// Worker
	workerRuns          prometheus.Counter
	workerRunLatency    prometheus.Histogram
	workerErrors        *prometheus.CounterVec
	workerSlowRuns      prometheus.Counter
	workerLeaseMisses   prometheus.Counter
	workerDrainedPasses prometheus.Counter

	// Bus
	busPublished *prometheus.CounterVec

	// Cache
	cacheLookups *prometheus.CounterVec

	// Rules
	rulesReloads *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:      "recalc",
		subsystem:      "scoring",
		latencyBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
		fullBuckets:    []float64{10, 50, 100, 500, 1000, 5000, 30000, 120000, 600000, 3600000},
		sizeBuckets:    prometheus.ExponentialBuckets(1, 4, 10),
		registry:       prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets,
	})
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	auto := promauto.With(m.registry)

	m.ruleRecalculations = m.counterVec("rule_recalculations_total",
		"Rule recalculations by scope (all or contacts)", "scope")
	m.contactsRecalculated = m.counter("contacts_recalculated_total",
		"Contacts evaluated by rule recalculations")
	m.fullRecalculations = m.counterVec("full_recalculations_total",
		"Full score recalculations by outcome", "outcome")
	m.fullRecalculationTime = m.histogram("full_recalculation_duration_milliseconds",
		"Duration of full score recalculations in milliseconds", m.fullBuckets)
	m.batchRecalculations = m.counter("batch_recalculations_total",
		"Incremental recalculations after a drained batch")
	m.batchRules = m.histogram("batch_rules", "Affected rules per incremental recalculation", m.sizeBuckets)
	m.batchContacts = m.histogram("batch_contacts", "Affected contacts per incremental recalculation", m.sizeBuckets)
	m.batchFailures = m.counter("batch_failures_total",
		"Drained batches whose recalculation failed and were not requeued")
	m.limitNotifications = m.counter("limit_notifications_total",
		"Contacts reported for exceeding a score notification limit")

	m.activitiesIngested = m.counter("activities_ingested_total", "Activities accepted for processing")
	m.activitiesDuplicate = m.counter("activities_duplicate_total", "Activities dropped as duplicates")
	m.contactChangesStored = m.counter("contact_changes_total", "Contact field changes accepted for processing")

	m.queueSize = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name: "queue_size", Help: "Pending items per queue",
	}, []string{"queue"})
	m.queueEnqueued = m.counterVec("queue_enqueued_total", "Items stored per queue", "queue")
	m.queueDequeued = m.counterVec("queue_dequeued_total", "Items dequeued per queue", "queue")
	m.queueEnqueueErrors = m.counterVec("queue_enqueue_errors_total", "Failed stores per queue", "queue")

	m.workerRuns = m.counter("worker_runs_total", "Background worker runs")
	m.workerRunLatency = m.histogram("worker_run_duration_milliseconds",
		"Duration of one background worker run in milliseconds", m.latencyBuckets)
	m.workerErrors = m.counterVec("worker_errors_total", "Background worker failures by kind", "kind")
	m.workerSlowRuns = m.counter("worker_slow_runs_total", "Runs that took longer than three intervals")
	m.workerLeaseMisses = m.counter("worker_lease_misses_total", "Ticks skipped because another process holds the lease")
	m.workerDrainedPasses = m.counter("worker_drain_passes_total", "Dequeue passes of the drain loop")

	m.busPublished = m.counterVec("bus_messages_total", "Bus messages by kind and outcome", "kind", "outcome")

	m.cacheLookups = m.counterVec("cache_lookups_total", "Cache lookups by result", "result")

	m.rulesReloads = m.counterVec("rules_reloads_total", "Rules file reloads by outcome", "outcome")

	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests",
		"endpoint", "method", "status_code")
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name:    "http_request_duration_milliseconds",
		Help:    "HTTP request duration in milliseconds",
		Buckets: m.latencyBuckets,
	}, []string{"endpoint", "method", "status_code"})
}

// RecordRuleRecalculation counts one rule recalculation of the given scope.
func RecordRuleRecalculation(scope string) {
	globalManager.ruleRecalculations.WithLabelValues(scope).Inc()
}

// RecordContactsRecalculated adds n evaluated contacts.
func RecordContactsRecalculated(n int) {
	globalManager.contactsRecalculated.Add(float64(n))
}

// RecordFullRecalculation records the outcome and duration of a full recalculation.
func RecordFullRecalculation(outcome string, durationMs float64) {
	globalManager.fullRecalculations.WithLabelValues(outcome).Inc()
	globalManager.fullRecalculationTime.Observe(durationMs)
}

// RecordBatchRecalculation records one incremental recalculation.
func RecordBatchRecalculation(rules, contacts int) {
	globalManager.batchRecalculations.Inc()
	globalManager.batchRules.Observe(float64(rules))
	globalManager.batchContacts.Observe(float64(contacts))
}

// RecordBatchFailure counts a drained batch lost to a failed recalculation.
func RecordBatchFailure() {
	globalManager.batchFailures.Inc()
}

// RecordLimitNotifications adds n reported contacts.
func RecordLimitNotifications(n int) {
	globalManager.limitNotifications.Add(float64(n))
}

// RecordActivityIngested counts an accepted activity.
func RecordActivityIngested() {
	globalManager.activitiesIngested.Inc()
}

// RecordActivityDuplicate counts a dropped duplicate activity.
func RecordActivityDuplicate() {
	globalManager.activitiesDuplicate.Inc()
}

// RecordContactChange counts an accepted contact change.
func RecordContactChange() {
	globalManager.contactChangesStored.Inc()
}

// UpdateQueueSize sets the pending size of a queue.
func UpdateQueueSize(queue string, size int) {
	globalManager.queueSize.WithLabelValues(queue).Set(float64(size))
}

// RecordQueueEnqueue adds n stored items.
func RecordQueueEnqueue(queue string, n int) {
	globalManager.queueEnqueued.WithLabelValues(queue).Add(float64(n))
}

// RecordQueueDequeue adds n dequeued items.
func RecordQueueDequeue(queue string, n int) {
	globalManager.queueDequeued.WithLabelValues(queue).Add(float64(n))
}

// RecordQueueEnqueueError counts a failed store.
func RecordQueueEnqueueError(queue string) {
	globalManager.queueEnqueueErrors.WithLabelValues(queue).Inc()
}

// RecordWorkerRun records one worker run and its duration.
func RecordWorkerRun(latencyMs float64) {
	globalManager.workerRuns.Inc()
	globalManager.workerRunLatency.Observe(latencyMs)
}

// RecordWorkerError counts a worker failure; kind is "error" or "panic".
func RecordWorkerError(kind string) {
	globalManager.workerErrors.WithLabelValues(kind).Inc()
}

// RecordWorkerSlowRun counts a run over the slow threshold.
func RecordWorkerSlowRun() {
	globalManager.workerSlowRuns.Inc()
}

// RecordWorkerLeaseMiss counts a tick skipped for lack of the lease.
func RecordWorkerLeaseMiss() {
	globalManager.workerLeaseMisses.Inc()
}

// RecordDrainPass counts one dequeue pass.
func RecordDrainPass() {
	globalManager.workerDrainedPasses.Inc()
}

// RecordBusMessage counts a published message.
func RecordBusMessage(kind, outcome string) {
	globalManager.busPublished.WithLabelValues(kind, outcome).Inc()
}

// RecordCacheLookup counts a cache lookup; result is "hit" or "miss".
func RecordCacheLookup(result string) {
	globalManager.cacheLookups.WithLabelValues(result).Inc()
}

// RecordRulesReload counts a rules file reload.
func RecordRulesReload(outcome string) {
	globalManager.rulesReloads.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
