package metrics

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DispatchSample is the timing of one strand picked up by a worker.
type DispatchSample struct {
	// QueueDelay is the time between enqueueing the strand and a worker dequeueing it.
	QueueDelay time.Duration
	// LeaseDelay is the time the worker spent taking the lease.
	LeaseDelay time.Duration
	// ScanDelay is the time between the strand becoming due and the scan that found it.
	ScanDelay time.Duration
	// AvailableWorkers is the number of idle workers when the strand was dequeued.
	AvailableWorkers int
	LeaseAcquired    bool
}

// Distribution summarizes a set of observations. Percentiles use the nearest-rank method.
type Distribution struct {
	Average float64 `json:"average"`
	Median  float64 `json:"median"`
	P75     float64 `json:"p75"`
	P85     float64 `json:"p85"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
	Max     float64 `json:"max"`
}

// NewDistribution summarizes the given values. An empty set yields the zero Distribution.
func NewDistribution(values []float64) Distribution {
	if len(values) == 0 {
		return Distribution{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := decimal.Zero
	for _, value := range sorted {
		sum = sum.Add(decimal.NewFromFloat(value))
	}

	return Distribution{
		Average: round(sum.Div(decimal.NewFromInt(int64(len(sorted))))),
		Median:  Percentile(sorted, 0.5),
		P75:     Percentile(sorted, 0.75),
		P85:     Percentile(sorted, 0.85),
		P95:     Percentile(sorted, 0.95),
		P99:     Percentile(sorted, 0.99),
		Max:     sorted[len(sorted)-1],
	}
}

// Percentile returns the nearest-rank p-th percentile of an ascending slice, i.e. sorted[ceil(p*n)-1].
//
// Nearest rank never interpolates and picks the last sample within the lowest p of the batch. When p*n is a whole
// number the result is sorted[p*n-1], not sorted[p*n]: the 0.75 percentile of 150 zeros followed by 50 ones is 0.
// Summaries produced with the floor(p*n) convention differ from these exactly at such boundaries.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}

	rank := decimal.NewFromFloat(p).Mul(decimal.NewFromInt(int64(len(sorted)))).Ceil().IntPart()
	index := int(rank) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}

func (d Distribution) fields(prefix string) []zap.Field {
	return []zap.Field{
		zap.Float64(prefix+"_average", d.Average),
		zap.Float64(prefix+"_median", d.Median),
		zap.Float64(prefix+"_p75", d.P75),
		zap.Float64(prefix+"_p85", d.P85),
		zap.Float64(prefix+"_p95", d.P95),
		zap.Float64(prefix+"_p99", d.P99),
		zap.Float64(prefix+"_max", d.Max),
	}
}

// DispatchSummary is the record emitted by a dispatcher for every batch of samples.
// Delays are in seconds.
type DispatchSummary struct {
	QueueDelay       Distribution `json:"queue_delay"`
	LeaseDelay       Distribution `json:"lease_delay"`
	ScanDelay        Distribution `json:"scan_delay"`
	AvailableWorkers Distribution `json:"available_workers"`

	StrandCount            int     `json:"strand_count"`
	StrandsPerSecond       float64 `json:"strands_per_second"`
	LeaseAcquirePercentage float64 `json:"lease_acquire_percentage"`
}

// Summarize computes the summary of a batch of samples collected over the given period.
func Summarize(samples []DispatchSample, elapsed time.Duration) *DispatchSummary {
	var (
		queueDelays = make([]float64, 0, len(samples))
		leaseDelays = make([]float64, 0, len(samples))
		scanDelays  = make([]float64, 0, len(samples))
		workers     = make([]float64, 0, len(samples))
		acquired    int64
	)

	for _, sample := range samples {
		queueDelays = append(queueDelays, sample.QueueDelay.Seconds())
		leaseDelays = append(leaseDelays, sample.LeaseDelay.Seconds())
		scanDelays = append(scanDelays, sample.ScanDelay.Seconds())
		workers = append(workers, float64(sample.AvailableWorkers))

		if sample.LeaseAcquired {
			acquired++
		}
	}

	summary := &DispatchSummary{
		QueueDelay:       NewDistribution(queueDelays),
		LeaseDelay:       NewDistribution(leaseDelays),
		ScanDelay:        NewDistribution(scanDelays),
		AvailableWorkers: NewDistribution(workers),
		StrandCount:      len(samples),
	}

	if len(samples) > 0 {
		summary.LeaseAcquirePercentage = round(decimal.NewFromInt(100 * acquired).Div(decimal.NewFromInt(int64(len(samples)))))
	}

	if elapsed > 0 {
		summary.StrandsPerSecond = round(decimal.NewFromInt(int64(len(samples))).Div(decimal.NewFromFloat(elapsed.Seconds())))
	}

	return summary
}

// Fields returns the summary as structured log fields.
func (s *DispatchSummary) Fields() []zap.Field {
	fields := make([]zap.Field, 0, 31)
	fields = append(fields, s.QueueDelay.fields("queue_delay")...)
	fields = append(fields, s.LeaseDelay.fields("lease_delay")...)
	fields = append(fields, s.ScanDelay.fields("scan_delay")...)
	fields = append(fields, s.AvailableWorkers.fields("available_workers")...)

	return append(fields,
		zap.Int("strand_count", s.StrandCount),
		zap.Float64("strands_per_second", s.StrandsPerSecond),
		zap.Float64("lease_acquire_percentage", s.LeaseAcquirePercentage))
}

func (s *DispatchSummary) String() string {
	return fmt.Sprintf("DispatchSummary[Strands=%d, PerSecond=%.3f, LeaseAcquired=%.2f%%, QueueP95=%.3fs, LeaseP95=%.3fs, ScanP95=%.3fs]",
		s.StrandCount, s.StrandsPerSecond, s.LeaseAcquirePercentage, s.QueueDelay.P95, s.LeaseDelay.P95, s.ScanDelay.P95)
}

func round(value decimal.Decimal) float64 {
	return value.Round(4).InexactFloat64()
}
