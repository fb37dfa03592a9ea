package metrics_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/scusemua/vm-control-plane/common/metrics"
)

func samples(count int, queue float64, lease float64, scan float64, workers int, acquired bool) []metrics.DispatchSample {
	batch := make([]metrics.DispatchSample, 0, count)
	for i := 0; i < count; i++ {
		batch = append(batch, metrics.DispatchSample{
			QueueDelay:       time.Duration(queue * float64(time.Second)),
			LeaseDelay:       time.Duration(lease * float64(time.Second)),
			ScanDelay:        time.Duration(scan * float64(time.Second)),
			AvailableWorkers: workers,
			LeaseAcquired:    acquired,
		})
	}

	return batch
}

var _ = Describe("Statistics", func() {
	Context("Percentiles", func() {
		It("Will use the nearest rank", func() {
			sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

			Expect(metrics.Percentile(sorted, 0.5)).To(Equal(5.0))
			Expect(metrics.Percentile(sorted, 0.75)).To(Equal(8.0))
			Expect(metrics.Percentile(sorted, 0.85)).To(Equal(9.0))
			Expect(metrics.Percentile(sorted, 0.99)).To(Equal(10.0))
			Expect(metrics.Percentile(sorted, 0)).To(Equal(1.0))
		})

		It("Will stay within the lower share at an exact rank", func() {
			sorted := make([]float64, 200)
			for i := 150; i < len(sorted); i++ {
				sorted[i] = 1
			}

			Expect(metrics.Percentile(sorted, 0.75)).To(Equal(0.0))
			Expect(metrics.Percentile(sorted, 0.755)).To(Equal(1.0))
		})

		It("Will return zero for no observations", func() {
			Expect(metrics.Percentile(nil, 0.5)).To(Equal(0.0))
			Expect(metrics.NewDistribution(nil)).To(Equal(metrics.Distribution{}))
		})
	})

	It("Will summarize a batch of samples", func() {
		batch := samples(150, 0, 0, 0, 4, true)
		batch = append(batch, samples(30, 1, 0.5, 2, 2, true)...)
		batch = append(batch, samples(10, 5, 2, 4, 2, true)...)
		batch = append(batch, samples(5, 5, 2, 4, 2, false)...)
		batch = append(batch, samples(5, 10, 4, 8, 2, false)...)

		summary := metrics.Summarize(batch, 4*time.Second)

		Expect(summary.StrandCount).To(Equal(200))
		Expect(summary.StrandsPerSecond).To(Equal(50.0))
		Expect(summary.LeaseAcquirePercentage).To(Equal(95.0))

		By("Summarizing the queue delay")
		Expect(summary.QueueDelay).To(Equal(metrics.Distribution{
			Average: 0.775, Median: 0, P75: 0, P85: 1, P95: 5, P99: 10, Max: 10,
		}))

		By("Summarizing the lease delay")
		Expect(summary.LeaseDelay).To(Equal(metrics.Distribution{
			Average: 0.325, Median: 0, P75: 0, P85: 0.5, P95: 2, P99: 4, Max: 4,
		}))

		By("Summarizing the scan delay")
		Expect(summary.ScanDelay).To(Equal(metrics.Distribution{
			Average: 0.8, Median: 0, P75: 0, P85: 2, P95: 4, P99: 8, Max: 8,
		}))

		By("Summarizing the available workers")
		Expect(summary.AvailableWorkers).To(Equal(metrics.Distribution{
			Average: 3.5, Median: 4, P75: 4, P85: 4, P95: 4, P99: 4, Max: 4,
		}))

		Expect(summary.Fields()).To(HaveLen(31))
	})

	It("Will not divide by zero", func() {
		summary := metrics.Summarize(nil, 0)

		Expect(summary.StrandCount).To(Equal(0))
		Expect(summary.StrandsPerSecond).To(Equal(0.0))
		Expect(summary.LeaseAcquirePercentage).To(Equal(0.0))
	})
})

var _ = Describe("DispatcherPrometheusManager", func() {
	It("Will record dispatches and runs", func() {
		manager, err := metrics.NewDispatcherPrometheusManager(0, "dispatcher-1")
		Expect(err).To(BeNil())

		manager.ObserveDispatch(metrics.DispatchSample{QueueDelay: time.Second, AvailableWorkers: 3, LeaseAcquired: true})
		manager.ObserveDispatch(metrics.DispatchSample{AvailableWorkers: 2})
		manager.ObserveRun(false)
		manager.ObserveRun(true)

		Expect(testutil.ToFloat64(manager.LeasesAcquiredCounter)).To(Equal(1.0))
		Expect(testutil.ToFloat64(manager.LeasesMissedCounter)).To(Equal(1.0))
		Expect(testutil.ToFloat64(manager.AvailableWorkersGauge)).To(Equal(2.0))
		Expect(testutil.ToFloat64(manager.StrandsRunCounter)).To(Equal(2.0))
		Expect(testutil.ToFloat64(manager.StrandFailuresCounter)).To(Equal(1.0))
		Expect(testutil.CollectAndCount(manager.QueueDelaySecondsHistogram)).To(Equal(1))
	})

	It("Will keep the collectors of separate managers apart", func() {
		first, err := metrics.NewDispatcherPrometheusManager(0, "dispatcher-1")
		Expect(err).To(BeNil())
		second, err := metrics.NewDispatcherPrometheusManager(0, "dispatcher-1")
		Expect(err).To(BeNil())

		first.ObserveRun(false)
		Expect(testutil.ToFloat64(second.StrandsRunCounter)).To(Equal(0.0))
	})

	It("Will refuse to start twice or stop when not running", func() {
		manager, err := metrics.NewDispatcherPrometheusManager(0, "dispatcher-1")
		Expect(err).To(BeNil())

		Expect(manager.Stop()).To(MatchError(metrics.ErrDispatcherPrometheusManagerNotRunning))
		Expect(manager.Start()).To(Succeed())
		Expect(manager.IsRunning()).To(BeTrue())
		Expect(manager.Engine()).To(BeNil())
		Expect(manager.Start()).To(MatchError(metrics.ErrDispatcherPrometheusManagerAlreadyRunning))
		Expect(manager.Stop()).To(Succeed())
		Expect(manager.IsRunning()).To(BeFalse())
	})
})
