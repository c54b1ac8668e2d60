package metrics

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries constant labels applied to every ledger metric.
type Config struct {
	ServiceName string
	Environment string
}

// LedgerMetrics captures credit-ledger health signals.
type LedgerMetrics struct {
	operations     *prometheus.CounterVec
	operationErrs  *prometheus.CounterVec
	creditsGranted prometheus.Counter
	creditsExpired prometheus.Counter
	sweepRuns      prometheus.Counter
	sweepErrors    prometheus.Counter
	sweepDuration  prometheus.Observer
	sweepAffected  prometheus.Counter
}

var (
	ledgerMetricsOnce sync.Once
	ledgerMetrics     *LedgerMetrics
)

// Ledger returns the singleton ledger metrics registry.
func Ledger() *LedgerMetrics {
	return LedgerWithConfig(Config{})
}

// LedgerWithConfig returns the singleton ledger metrics registry using config labels.
func LedgerWithConfig(cfg Config) *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerMetrics = newLedgerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return ledgerMetrics
}

// ResetLedgerMetricsForTest resets the ledger metrics singleton for tests.
func ResetLedgerMetricsForTest() {
	ledgerMetricsOnce = sync.Once{}
	ledgerMetrics = nil
}

func newLedgerMetrics(registerer prometheus.Registerer, cfg Config) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "studioledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service":     serviceName,
		"environment": environment,
	}

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "credit_ledger_operations_total",
		Help:        "Count of credit ledger operations by type.",
		ConstLabels: constLabels,
	}, []string{"operation"})

	operationErrs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "credit_ledger_operation_errors_total",
		Help:        "Count of failed credit ledger operations by type.",
		ConstLabels: constLabels,
	}, []string{"operation"})

	creditsGranted := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "credit_ledger_credits_granted_total",
		Help:        "Total credits granted through batch creation.",
		ConstLabels: constLabels,
	})

	creditsExpired := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "credit_ledger_credits_expired_total",
		Help:        "Total unused credits removed by the expiration sweep.",
		ConstLabels: constLabels,
	})

	sweepRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "credit_ledger_sweep_runs_total",
		Help:        "Count of expiration sweep runs.",
		ConstLabels: constLabels,
	})

	sweepErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "credit_ledger_sweep_errors_total",
		Help:        "Count of per-student failures during expiration sweeps.",
		ConstLabels: constLabels,
	})

	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "credit_ledger_sweep_duration_seconds",
		Help:        "Duration of expiration sweep runs.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: constLabels,
	})

	sweepAffected := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "credit_ledger_sweep_students_affected_total",
		Help:        "Count of students whose batches were removed by sweeps.",
		ConstLabels: constLabels,
	})

	for _, collector := range []prometheus.Collector{
		operations,
		operationErrs,
		creditsGranted,
		creditsExpired,
		sweepRuns,
		sweepErrors,
		sweepDuration,
		sweepAffected,
	} {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}

	return &LedgerMetrics{
		operations:     operations,
		operationErrs:  operationErrs,
		creditsGranted: creditsGranted,
		creditsExpired: creditsExpired,
		sweepRuns:      sweepRuns,
		sweepErrors:    sweepErrors,
		sweepDuration:  sweepDuration,
		sweepAffected:  sweepAffected,
	}
}

func (m *LedgerMetrics) IncOperation(operation string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation).Inc()
}

func (m *LedgerMetrics) IncOperationError(operation string) {
	if m == nil {
		return
	}
	m.operationErrs.WithLabelValues(operation).Inc()
}

func (m *LedgerMetrics) AddCreditsGranted(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.creditsGranted.Add(float64(count))
}

func (m *LedgerMetrics) AddCreditsExpired(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.creditsExpired.Add(float64(count))
}

func (m *LedgerMetrics) IncSweepRun() {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
}

func (m *LedgerMetrics) IncSweepError() {
	if m == nil {
		return
	}
	m.sweepErrors.Inc()
}

func (m *LedgerMetrics) ObserveSweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *LedgerMetrics) AddStudentsAffected(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sweepAffected.Add(float64(count))
}
