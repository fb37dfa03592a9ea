package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scusemua/vm-control-plane/common/utils"
)

const (
	Namespace = "vm_control_plane"
	Subsystem = "dispatcher"
)

var (
	ErrDispatcherPrometheusManagerAlreadyRunning = errors.New("DispatcherPrometheusManager is already running")
	ErrDispatcherPrometheusManagerNotRunning     = errors.New("DispatcherPrometheusManager is not running")
)

// DispatcherPrometheusManager owns the Prometheus collectors of one strand dispatcher and, when given a port,
// serves them over HTTP.
//
// Each manager registers its collectors with its own registry, so that several dispatchers can live in one process.
type DispatcherPrometheusManager struct {
	log logger.Logger

	registry          *prometheus.Registry
	prometheusHandler http.Handler
	engine            *gin.Engine
	httpServer        *http.Server

	// QueueDelaySecondsHistogram observes how long a strand waited in the work queue before a worker picked it up.
	QueueDelaySecondsHistogram prometheus.Histogram
	// LeaseDelaySecondsHistogram observes how long it took a worker to take the lease of a strand.
	LeaseDelaySecondsHistogram prometheus.Histogram
	// ScanDelaySecondsHistogram observes how long a strand had already been due when it was scanned.
	ScanDelaySecondsHistogram prometheus.Histogram

	AvailableWorkersGauge prometheus.Gauge
	InFlightStrandsGauge  prometheus.Gauge
	PartitionCountGauge   prometheus.Gauge

	LeasesAcquiredCounter prometheus.Counter
	LeasesMissedCounter   prometheus.Counter
	StrandsRunCounter     prometheus.Counter
	StrandFailuresCounter prometheus.Counter

	nodeId string
	port   int
	mu     sync.Mutex

	// serving indicates whether the manager has been started and is serving requests.
	serving bool
}

// NewDispatcherPrometheusManager creates the collectors of a dispatcher and registers them.
// The HTTP endpoint is only started by Start, and only if port is positive.
func NewDispatcherPrometheusManager(port int, nodeId string) (*DispatcherPrometheusManager, error) {
	registry := prometheus.NewRegistry()

	manager := &DispatcherPrometheusManager{
		registry:          registry,
		prometheusHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		nodeId:            nodeId,
		port:              port,
	}
	config.InitLogger(&manager.log, manager)

	if err := manager.initializeMetrics(); err != nil {
		return nil, err
	}

	return manager, nil
}

func (m *DispatcherPrometheusManager) initializeMetrics() error {
	labels := prometheus.Labels{"node_id": m.nodeId}
	delayBuckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

	m.QueueDelaySecondsHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   Namespace,
		Subsystem:   Subsystem,
		Name:        "queue_delay_seconds",
		Help:        "Time a strand spent in the work queue before a worker picked it up.",
		Buckets:     delayBuckets,
		ConstLabels: labels,
	})
	m.LeaseDelaySecondsHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   Namespace,
		Subsystem:   Subsystem,
		Name:        "lease_delay_seconds",
		Help:        "Time a worker spent taking the lease of a strand.",
		Buckets:     delayBuckets,
		ConstLabels: labels,
	})
	m.ScanDelaySecondsHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   Namespace,
		Subsystem:   Subsystem,
		Name:        "scan_delay_seconds",
		Help:        "Time between a strand becoming due and the dispatcher scanning it.",
		Buckets:     delayBuckets,
		ConstLabels: labels,
	})

	m.AvailableWorkersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   Namespace,
		Subsystem:   Subsystem,
		Name:        "available_workers",
		Help:        "Number of idle workers when a strand was picked up.",
		ConstLabels: labels,
	})
	m.InFlightStrandsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   Namespace,
		Subsystem:   Subsystem,
		Name:        "in_flight_strands",
		Help:        "Number of strands enqueued or running on this dispatcher.",
		ConstLabels: labels,
	})
	m.PartitionCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   Namespace,
		Subsystem:   Subsystem,
		Name:        "partitions",
		Help:        "Total number of partitions this dispatcher currently knows about.",
		ConstLabels: labels,
	})

	m.LeasesAcquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   Namespace,
		Subsystem:   Subsystem,
		Name:        "leases_acquired_total",
		Help:        "Number of strand leases this dispatcher took.",
		ConstLabels: labels,
	})
	m.LeasesMissedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   Namespace,
		Subsystem:   Subsystem,
		Name:        "leases_missed_total",
		Help:        "Number of dispatched strands whose lease was already taken by someone else.",
		ConstLabels: labels,
	})
	m.StrandsRunCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   Namespace,
		Subsystem:   Subsystem,
		Name:        "strands_run_total",
		Help:        "Number of strand steps executed.",
		ConstLabels: labels,
	})
	m.StrandFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   Namespace,
		Subsystem:   Subsystem,
		Name:        "strand_failures_total",
		Help:        "Number of strand steps that returned an error or panicked.",
		ConstLabels: labels,
	})

	collectors := map[string]prometheus.Collector{
		"Queue Delay":       m.QueueDelaySecondsHistogram,
		"Lease Delay":       m.LeaseDelaySecondsHistogram,
		"Scan Delay":        m.ScanDelaySecondsHistogram,
		"Available Workers": m.AvailableWorkersGauge,
		"In-Flight Strands": m.InFlightStrandsGauge,
		"Partitions":        m.PartitionCountGauge,
		"Leases Acquired":   m.LeasesAcquiredCounter,
		"Leases Missed":     m.LeasesMissedCounter,
		"Strands Run":       m.StrandsRunCounter,
		"Strand Failures":   m.StrandFailuresCounter,
	}

	for name, collector := range collectors {
		if err := m.registry.Register(collector); err != nil {
			m.log.Error("Failed to register '%s' metric because: %v", name, err)
			return err
		}
	}

	return nil
}

// Registry returns the registry holding the manager's collectors.
func (m *DispatcherPrometheusManager) Registry() *prometheus.Registry {
	return m.registry
}

// NodeId returns the node ID associated with the metrics manager.
func (m *DispatcherPrometheusManager) NodeId() string {
	return m.nodeId
}

// IsRunning returns true if the manager has been started.
func (m *DispatcherPrometheusManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.serving
}

// Start begins serving the metrics via an HTTP endpoint, if a port was configured.
func (m *DispatcherPrometheusManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.serving {
		m.log.Warn("DispatcherPrometheusManager for dispatcher %s is already running.", m.nodeId)
		return ErrDispatcherPrometheusManagerAlreadyRunning
	}

	m.serving = true
	m.initializeHttpServer()

	return nil
}

// Stop shuts down the HTTP server.
func (m *DispatcherPrometheusManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.serving {
		m.log.Warn("DispatcherPrometheusManager for dispatcher %s is not running.", m.nodeId)
		return ErrDispatcherPrometheusManagerNotRunning
	}

	m.serving = false
	if m.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.httpServer.Shutdown(ctx); err != nil {
		m.log.Error("Failed to cleanly shutdown the HTTP server: %v", err)
		return err
	}

	m.httpServer = nil
	return nil
}

// HandleRequest handles Prometheus HTTP requests (when Prometheus is scraping for metrics).
func (m *DispatcherPrometheusManager) HandleRequest(c *gin.Context) {
	m.prometheusHandler.ServeHTTP(c.Writer, c.Request)
}

// Engine returns the gin engine serving the metrics. It is nil until Start is called with a positive port.
func (m *DispatcherPrometheusManager) Engine() *gin.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.engine
}

func (m *DispatcherPrometheusManager) initializeHttpServer() {
	if m.port <= 0 {
		m.log.Debug("Prometheus Port is set to %d. Not serving HTTP server.", m.port)
		return
	}

	gin.SetMode(gin.ReleaseMode)
	m.engine = gin.New()
	m.engine.Use(gin.Recovery())
	m.engine.Use(cors.Default())
	m.engine.GET("/metrics", m.HandleRequest)

	address := fmt.Sprintf("0.0.0.0:%d", m.port)
	server := &http.Server{
		Addr:    address,
		Handler: m.engine,
	}
	m.httpServer = server

	go func() {
		m.log.Debug("Serving Prometheus metrics at %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error(utils.RedStyle.Render("HTTP Server failed to listen on '%s'. Error: %v"), address, err)
		}
	}()
}

// ObserveDispatch records the timing of a strand a worker picked up.
func (m *DispatcherPrometheusManager) ObserveDispatch(sample DispatchSample) {
	m.QueueDelaySecondsHistogram.Observe(sample.QueueDelay.Seconds())
	m.LeaseDelaySecondsHistogram.Observe(sample.LeaseDelay.Seconds())
	m.ScanDelaySecondsHistogram.Observe(sample.ScanDelay.Seconds())
	m.AvailableWorkersGauge.Set(float64(sample.AvailableWorkers))

	if sample.LeaseAcquired {
		m.LeasesAcquiredCounter.Inc()
	} else {
		m.LeasesMissedCounter.Inc()
	}
}

// ObserveRun records the execution of one strand step.
func (m *DispatcherPrometheusManager) ObserveRun(failed bool) {
	m.StrandsRunCounter.Inc()
	if failed {
		m.StrandFailuresCounter.Inc()
	}
}
