// Package metrics provides Prometheus metrics integration for caravel.
//
// This package enables observability for saga processing: consumed
// messages, saga turn durations, storage operations, and error counts.
//
// Basic usage:
//
//	metrics := metrics.New(metrics.WithMetricsServiceName("orders"))
//	metrics.MustRegister()
//
//	// Wrap saga handlers bound to the bus
//	connection.Bind(bus, metrics.ConsumeMiddleware())
//
//	// Wrap the saga storage
//	storage := metrics.WrapStorage(memory.NewStorage())
//
// The metrics collected include:
//   - Consumed message counts and durations by message type
//   - Storage operations (load, insert, update, delete, find)
//   - Error counts by type
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	caravel "github.com/caravelmq/go-caravel"
	"github.com/caravelmq/go-caravel/adapters"
)

// Default metric labels.
const (
	LabelMessageType = "message_type"
	LabelSagaType    = "saga_type"
	LabelOperation   = "operation"
	LabelStatus      = "status"
	LabelErrorType   = "error_type"
	LabelService     = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation values.
const (
	OperationLoad   = "load"
	OperationInsert = "insert"
	OperationUpdate = "update"
	OperationDelete = "delete"
	OperationFind   = "find"
)

// Metrics holds all Prometheus metrics for caravel.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	// Consume metrics
	messagesTotal    *prometheus.CounterVec
	messageDuration  *prometheus.HistogramVec
	messagesInFlight *prometheus.GaugeVec

	// Storage metrics
	storageOperationsTotal   *prometheus.CounterVec
	storageOperationDuration *prometheus.HistogramVec
	sagasCreatedTotal        *prometheus.CounterVec
	sagasCompletedTotal      *prometheus.CounterVec

	// Error metrics
	errorsTotal *prometheus.CounterVec
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service name label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance with default settings.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "caravel",
		subsystem:   "",
		serviceName: "unknown",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initMetrics()
	return m
}

// initMetrics initializes all Prometheus metrics.
func (m *Metrics) initMetrics() {
	m.messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "messages_total",
			Help:      "Total number of messages consumed.",
		},
		[]string{LabelService, LabelMessageType, LabelStatus},
	)

	m.messageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "message_duration_seconds",
			Help:      "Duration of message consumption in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelMessageType},
	)

	m.messagesInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "messages_in_flight",
			Help:      "Number of messages currently being consumed.",
		},
		[]string{LabelService, LabelMessageType},
	)

	m.storageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "storage_operations_total",
			Help:      "Total number of saga storage operations.",
		},
		[]string{LabelService, LabelOperation, LabelStatus},
	)

	m.storageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "storage_operation_duration_seconds",
			Help:      "Duration of saga storage operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelOperation},
	)

	m.sagasCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "sagas_created_total",
			Help:      "Total number of saga instances inserted.",
		},
		[]string{LabelService, LabelSagaType},
	)

	m.sagasCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "sagas_completed_total",
			Help:      "Total number of saga instances deleted on completion.",
		},
		[]string{LabelService, LabelSagaType},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors by type.",
		},
		[]string{LabelService, LabelErrorType},
	)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.messagesTotal,
		m.messageDuration,
		m.messagesInFlight,
		m.storageOperationsTotal,
		m.storageOperationDuration,
		m.sagasCreatedTotal,
		m.sagasCompletedTotal,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// ConsumeMiddleware returns middleware that records consume metrics per
// message type.
func (m *Metrics) ConsumeMiddleware() caravel.Middleware {
	return func(next caravel.Pipe) caravel.Pipe {
		return &consumePipe{metrics: m, next: next}
	}
}

type consumePipe struct {
	metrics *Metrics
	next    caravel.Pipe
}

// Send implements caravel.Pipe.
func (p *consumePipe) Send(cc caravel.ConsumeContext) error {
	m := p.metrics
	messageType := cc.MessageType()

	m.messagesInFlight.WithLabelValues(m.serviceName, messageType).Inc()
	defer m.messagesInFlight.WithLabelValues(m.serviceName, messageType).Dec()

	start := time.Now()
	err := p.next.Send(cc)
	duration := time.Since(start)

	m.messageDuration.WithLabelValues(m.serviceName, messageType).Observe(duration.Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errorsTotal.WithLabelValues(m.serviceName, errorTypeName(err)).Inc()
	}
	m.messagesTotal.WithLabelValues(m.serviceName, messageType, status).Inc()

	return err
}

// Probe implements caravel.Pipe.
func (p *consumePipe) Probe(pc *caravel.ProbeContext) {
	pc.Add("middleware", "metrics")
	p.next.Probe(pc.Section("next"))
}

// errorTypeName extracts the error type name based on sentinel errors.
func errorTypeName(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, adapters.ErrSagaAlreadyExists):
		return "saga_already_exists"
	case errors.Is(err, adapters.ErrSagaNotFound):
		return "saga_not_found"
	case errors.Is(err, adapters.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, caravel.ErrMissingCorrelationID):
		return "missing_correlation_id"
	case errors.Is(err, caravel.ErrMissingInstance):
		return "missing_instance"
	case errors.Is(err, caravel.ErrSaga):
		return "saga_error"
	case errors.Is(err, adapters.ErrStorageClosed):
		return "storage_closed"
	default:
		return "unknown"
	}
}

// StorageMiddleware wraps a SagaStorage with metrics.
type StorageMiddleware struct {
	storage adapters.SagaStorage
	metrics *Metrics
}

// WrapStorage wraps a storage with metrics collection.
func (m *Metrics) WrapStorage(storage adapters.SagaStorage) *StorageMiddleware {
	return &StorageMiddleware{
		storage: storage,
		metrics: m,
	}
}

var _ adapters.SagaStorage = (*StorageMiddleware)(nil)

// Load retrieves a record with metrics.
func (sm *StorageMiddleware) Load(ctx context.Context, sagaType string, correlationID uuid.UUID) (*adapters.SagaRecord, error) {
	start := time.Now()
	record, err := sm.storage.Load(ctx, sagaType, correlationID)
	sm.observe(OperationLoad, start, err)
	return record, err
}

// Insert stores a new record with metrics.
func (sm *StorageMiddleware) Insert(ctx context.Context, record *adapters.SagaRecord) error {
	start := time.Now()
	err := sm.storage.Insert(ctx, record)
	sm.observe(OperationInsert, start, err)

	if err == nil {
		sm.metrics.sagasCreatedTotal.WithLabelValues(sm.metrics.serviceName, record.SagaType).Inc()
	}
	return err
}

// Update saves a record with metrics.
func (sm *StorageMiddleware) Update(ctx context.Context, record *adapters.SagaRecord) error {
	start := time.Now()
	err := sm.storage.Update(ctx, record)
	sm.observe(OperationUpdate, start, err)
	return err
}

// Delete removes a record with metrics.
func (sm *StorageMiddleware) Delete(ctx context.Context, sagaType string, correlationID uuid.UUID, version int64) error {
	start := time.Now()
	err := sm.storage.Delete(ctx, sagaType, correlationID, version)
	sm.observe(OperationDelete, start, err)

	if err == nil {
		sm.metrics.sagasCompletedTotal.WithLabelValues(sm.metrics.serviceName, sagaType).Inc()
	}
	return err
}

// Find queries records with metrics.
func (sm *StorageMiddleware) Find(ctx context.Context, query adapters.Query) ([]uuid.UUID, error) {
	start := time.Now()
	ids, err := sm.storage.Find(ctx, query)
	sm.observe(OperationFind, start, err)
	return ids, err
}

func (sm *StorageMiddleware) observe(operation string, start time.Time, err error) {
	m := sm.metrics
	m.storageOperationDuration.WithLabelValues(m.serviceName, operation).Observe(time.Since(start).Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errorsTotal.WithLabelValues(m.serviceName, errorTypeName(err)).Inc()
	}
	m.storageOperationsTotal.WithLabelValues(m.serviceName, operation, status).Inc()
}

// RecordError records a custom error.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.WithLabelValues(m.serviceName, errorType).Inc()
}

// MessagesTotal returns the consumed messages counter.
func (m *Metrics) MessagesTotal() *prometheus.CounterVec {
	return m.messagesTotal
}

// MessageDuration returns the message duration histogram.
func (m *Metrics) MessageDuration() *prometheus.HistogramVec {
	return m.messageDuration
}

// MessagesInFlight returns the in-flight messages gauge.
func (m *Metrics) MessagesInFlight() *prometheus.GaugeVec {
	return m.messagesInFlight
}

// StorageOperationsTotal returns the storage operations counter.
func (m *Metrics) StorageOperationsTotal() *prometheus.CounterVec {
	return m.storageOperationsTotal
}

// StorageOperationDuration returns the storage duration histogram.
func (m *Metrics) StorageOperationDuration() *prometheus.HistogramVec {
	return m.storageOperationDuration
}

// SagasCreatedTotal returns the sagas created counter.
func (m *Metrics) SagasCreatedTotal() *prometheus.CounterVec {
	return m.sagasCreatedTotal
}

// SagasCompletedTotal returns the sagas completed counter.
func (m *Metrics) SagasCompletedTotal() *prometheus.CounterVec {
	return m.sagasCompletedTotal
}

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec {
	return m.errorsTotal
}
