package daemon

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	cmap "github.com/orcaman/concurrent-map/v2"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/scusemua/vm-control-plane/common/configuration"
	"github.com/scusemua/vm-control-plane/common/metrics"
	"github.com/scusemua/vm-control-plane/common/storage"
	"github.com/scusemua/vm-control-plane/common/strand"
	"github.com/scusemua/vm-control-plane/common/utils"
	"github.com/scusemua/vm-control-plane/dispatcher/domain"
)

// dispatchedStrand is an entry of the work queue.
type dispatchedStrand struct {
	strand     *storage.Strand
	scannedAt  time.Time
	enqueuedAt time.Time
}

// Dispatcher discovers due strands of its partition and runs them on a fixed pool of workers.
//
// A strand is run by at most one worker process-wide: the in-flight set keeps this dispatcher from enqueueing a
// strand twice, and the lease a worker takes before running it keeps every other dispatcher away.
type Dispatcher struct {
	log logger.Logger

	id     string
	db     *gorm.DB
	runner domain.StrandRunner
	opts   *configuration.DispatcherOptions

	partition atomic.Pointer[Partition]

	shuttingDown atomic.Bool
	inFlight     cmap.ConcurrentMap[string, *dispatchedStrand]
	queue        chan *dispatchedStrand

	availableWorkers atomic.Int32
	watchdogs        []*watchdog

	samplesMu    sync.Mutex
	samples      []metrics.DispatchSample
	batchStarted time.Time
	lastSummary  atomic.Pointer[metrics.DispatchSummary]

	notifier          domain.PartitionNotifier
	prometheusManager *metrics.DispatcherPrometheusManager
	zapLogger         *zap.Logger

	clock      func() time.Time
	exit       func(code int)
	dumpStacks func() []byte

	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
}

type Option func(d *Dispatcher)

// WithClock replaces the wall clock. Times it returns are converted to UTC.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		d.clock = func() time.Time { return clock().UTC() }
	}
}

// WithExit replaces os.Exit as the way apoptosis terminates the process.
func WithExit(exit func(code int)) Option {
	return func(d *Dispatcher) {
		d.exit = exit
	}
}

// WithStackDumper replaces the function that captures every goroutine's stack during apoptosis.
func WithStackDumper(dumpStacks func() []byte) Option {
	return func(d *Dispatcher) {
		d.dumpStacks = dumpStacks
	}
}

// WithZapLogger sets the logger that receives the periodic metrics record.
func WithZapLogger(zapLogger *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.zapLogger = zapLogger
	}
}

func WithPrometheusManager(manager *metrics.DispatcherPrometheusManager) Option {
	return func(d *Dispatcher) {
		d.prometheusManager = manager
	}
}

// WithPartitionNotifier enables live repartitioning. The dispatcher closes the notifier when it shuts down.
func WithPartitionNotifier(notifier domain.PartitionNotifier) Option {
	return func(d *Dispatcher) {
		d.notifier = notifier
	}
}

// WithId sets the identifier used in logs.
func WithId(id string) Option {
	return func(d *Dispatcher) {
		d.id = id
	}
}

// New creates a Dispatcher. Its workers are not running until Start is called.
func New(db *gorm.DB, runner domain.StrandRunner, opts *configuration.DispatcherOptions, options ...Option) (*Dispatcher, error) {
	opts = opts.Clone()
	opts.Sanitize()

	partition, err := NewPartition(opts.PartitionNumber, opts.PartitionCount)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		id:         fmt.Sprintf("dispatcher-%d", opts.PartitionNumber),
		db:         db,
		runner:     runner,
		opts:       opts,
		inFlight:   cmap.New[*dispatchedStrand](),
		queue:      make(chan *dispatchedStrand, opts.QueueSize),
		samples:    make([]metrics.DispatchSample, 0, opts.MetricsBatchSize),
		zapLogger:  zap.NewNop(),
		clock:      storage.Now,
		exit:       os.Exit,
		dumpStacks: dumpAllStacks,
		ctx:        ctx,
		cancel:     cancel,
		stop:       make(chan struct{}),
	}

	for _, option := range options {
		option(d)
	}

	d.partition.Store(partition)
	d.availableWorkers.Store(int32(opts.NumWorkers))
	d.batchStarted = d.clock()

	config.InitLogger(&d.log, d)

	d.watchdogs = make([]*watchdog, opts.NumWorkers)
	for i := range d.watchdogs {
		d.watchdogs[i] = newWatchdog(i)
	}

	if d.prometheusManager != nil {
		d.prometheusManager.PartitionCountGauge.Set(float64(partition.Count))
	}

	return d, nil
}

// Start launches the workers, their watchdogs and, if a notifier was given, the repartition listener.
func (d *Dispatcher) Start() error {
	if d.shuttingDown.Load() {
		return domain.ErrDispatcherShuttingDown
	}

	if !d.started.CompareAndSwap(false, true) {
		return nil
	}

	if d.notifier != nil {
		payloads, err := d.notifier.Subscribe(d.ctx)
		if err != nil {
			d.started.Store(false)
			return pkgerrors.Wrap(err, "failed to subscribe to repartition notifications")
		}

		d.wg.Add(1)
		go d.listenForRepartition(payloads)
	}

	for _, w := range d.watchdogs {
		d.wg.Add(2)
		go d.watch(w)
		go d.work(w)
	}

	d.log.Info("Dispatcher %s started %d workers on %s.", d.id, len(d.watchdogs), d.Partition().String())

	return nil
}

// Id returns the identifier of the dispatcher.
func (d *Dispatcher) Id() string {
	return d.id
}

// Partition returns the partition the dispatcher currently owns.
func (d *Dispatcher) Partition() *Partition {
	return d.partition.Load()
}

// InFlight returns the number of strands that are queued or running.
func (d *Dispatcher) InFlight() int {
	return d.inFlight.Count()
}

// IsShuttingDown returns true once Shutdown has been called.
func (d *Dispatcher) IsShuttingDown() bool {
	return d.shuttingDown.Load()
}

// LastSummary returns the most recent metrics summary, or nil if no batch has completed yet.
func (d *Dispatcher) LastSummary() *metrics.DispatchSummary {
	return d.lastSummary.Load()
}

// due restricts a strand query to strands that may be leased at the given time.
func due(tx *gorm.DB, now time.Time) *gorm.DB {
	return tx.Where("schedule <= ? AND (lease IS NULL OR lease < ?) AND exit_val IS NULL", now, now)
}

// scanLimit is enough to fill the queue even if every strand already in flight shows up again.
func (d *Dispatcher) scanLimit() int {
	return d.opts.QueueSize + d.inFlight.Count()
}

// Scan returns the due strands of the dispatcher's partition, earliest first.
// It returns nothing once the dispatcher is shutting down.
func (d *Dispatcher) Scan(ctx context.Context) ([]storage.Strand, error) {
	if d.shuttingDown.Load() {
		return nil, nil
	}

	var strands []storage.Strand
	query := due(d.db.WithContext(ctx).Model(&storage.Strand{}), d.clock())
	err := d.Partition().Within(query).Order("schedule").Limit(d.scanLimit()).Find(&strands).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to scan for due strands")
	}

	return strands, nil
}

// ScanOld returns strands of other partitions that have been due for longer than the scan-old slack, in case
// their own dispatcher is down. It returns nothing for an unpartitioned dispatcher or once shutting down.
func (d *Dispatcher) ScanOld(ctx context.Context) ([]storage.Strand, error) {
	partition := d.Partition()
	if d.shuttingDown.Load() || !partition.IsPartitioned() {
		return nil, nil
	}

	now := d.clock()

	var strands []storage.Strand
	query := due(d.db.WithContext(ctx).Model(&storage.Strand{}), now).
		Where("schedule < ?", now.Add(-d.opts.ScanOldSlack()))
	err := partition.Outside(query).Order("schedule").Limit(d.scanLimit()).Find(&strands).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to scan for overdue strands of other partitions")
	}

	return strands, nil
}

// StartCohort scans for due strands, including overdue strands of other partitions, and enqueues those that are
// not already in flight.
//
// It returns true if the caller may idle, either because no new work was found or because the dispatcher is
// shutting down, and false if the caller should scan again right away.
func (d *Dispatcher) StartCohort(ctx context.Context) bool {
	if d.shuttingDown.Load() {
		return true
	}

	strands, err := d.Scan(ctx)
	if err != nil {
		d.log.Error("Dispatcher %s failed to scan: %v", d.id, err)
		return true
	}

	old, err := d.ScanOld(ctx)
	if err != nil {
		d.log.Error("Dispatcher %s failed to scan for overdue strands: %v", d.id, err)
	}
	strands = append(strands, old...)

	scannedAt := d.clock()
	enqueued := 0
	for i := range strands {
		entry := &dispatchedStrand{
			strand:     &strands[i],
			scannedAt:  scannedAt,
			enqueuedAt: d.clock(),
		}

		if !d.inFlight.SetIfAbsent(entry.strand.ID, entry) {
			continue
		}

		select {
		case d.queue <- entry:
			enqueued++
		default:
			d.inFlight.Remove(entry.strand.ID)
			d.log.Debug("Work queue of dispatcher %s is saturated after enqueueing %d strand(s).", d.id, enqueued)
			d.updateInFlightGauge()
			return false
		}
	}

	d.updateInFlightGauge()

	if d.shuttingDown.Load() {
		return true
	}

	return enqueued == 0
}

// Conduct calls StartCohort until the context is cancelled or the dispatcher shuts down, idling for the poll
// interval whenever there is no new work.
func (d *Dispatcher) Conduct(ctx context.Context) {
	for !d.shuttingDown.Load() {
		if !d.StartCohort(ctx) {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-time.After(d.opts.PollInterval()):
		}
	}
}

func (d *Dispatcher) updateInFlightGauge() {
	if d.prometheusManager != nil {
		d.prometheusManager.InFlightStrandsGauge.Set(float64(d.inFlight.Count()))
	}
}

// work is the loop of one worker. A nil entry tells the worker to exit.
func (d *Dispatcher) work(w *watchdog) {
	defer d.wg.Done()

	w.bind()

	for {
		entry := <-d.queue
		if entry == nil {
			d.log.Debug("Worker %d of dispatcher %s is exiting.", w.index, d.id)
			return
		}

		d.dispatch(w, entry)
	}
}

func (d *Dispatcher) dispatch(w *watchdog, entry *dispatchedStrand) {
	defer d.updateInFlightGauge()
	defer d.inFlight.Remove(entry.strand.ID)

	available := d.availableWorkers.Add(-1)
	defer d.availableWorkers.Add(1)

	if d.shuttingDown.Load() {
		return
	}

	dequeuedAt := d.clock()
	leased, err := strand.TakeLease(d.ctx, d.db, entry.strand, dequeuedAt, d.opts.LeaseDuration())
	leasedAt := d.clock()

	scanDelay := entry.scannedAt.Sub(entry.strand.Schedule)
	if scanDelay < 0 {
		scanDelay = 0
	}

	d.recordSample(metrics.DispatchSample{
		QueueDelay:       dequeuedAt.Sub(entry.enqueuedAt),
		LeaseDelay:       leasedAt.Sub(dequeuedAt),
		ScanDelay:        scanDelay,
		AvailableWorkers: int(available),
		LeaseAcquired:    leased,
	})

	if err != nil {
		d.log.Error("Worker %d of dispatcher %s failed to lease strand %s: %v", w.index, d.id, entry.strand.ID, err)
		return
	}

	if !leased {
		d.log.Debug("Strand %s was leased by someone else before worker %d of dispatcher %s got to it.",
			entry.strand.ID, w.index, d.id)
		return
	}

	if !w.begin(entry.strand, d.stop) {
		return
	}
	err = d.run(entry.strand)
	w.end()

	if d.prometheusManager != nil {
		d.prometheusManager.ObserveRun(err != nil)
	}
}

// run executes one step of the strand on a fresh session. Errors and panics are logged with their entire cause
// chain and swallowed: retrying is up to the strand's persisted state.
func (d *Dispatcher) run(s *storage.Strand) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.Errorf("strand %s (%s.%s) panicked: %v", s.ID, s.Prog, s.Label, r)
		}

		if err != nil {
			d.log.Error(utils.OrangeStyle.Render("Strand %s (%s.%s) failed: %+v"), s.ID, s.Prog, s.Label, err)
		}
	}()

	session := d.db.Session(&gorm.Session{NewDB: true})
	return d.runner.Run(d.ctx, session, s)
}

// recordSample adds a sample to the current batch and emits a summary when the batch is full.
func (d *Dispatcher) recordSample(sample metrics.DispatchSample) {
	if d.prometheusManager != nil {
		d.prometheusManager.ObserveDispatch(sample)
	}

	d.samplesMu.Lock()
	d.samples = append(d.samples, sample)
	if len(d.samples) < d.opts.MetricsBatchSize {
		d.samplesMu.Unlock()
		return
	}

	batch := d.samples
	now := d.clock()
	elapsed := now.Sub(d.batchStarted)
	d.samples = make([]metrics.DispatchSample, 0, d.opts.MetricsBatchSize)
	d.batchStarted = now
	d.samplesMu.Unlock()

	summary := metrics.Summarize(batch, elapsed)
	d.lastSummary.Store(summary)

	fields := append([]zap.Field{zap.String("dispatcher", d.id), zap.Int("partition", d.Partition().Number)},
		summary.Fields()...)
	d.zapLogger.Info("Strand dispatch metrics.", fields...)
}

// Repartition applies a repartition announcement. A malformed payload, or a count that no longer covers this
// dispatcher's partition, is logged and ignored.
func (d *Dispatcher) Repartition(payload string) error {
	count, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil || count < 1 {
		d.log.Warn(utils.OrangeStyle.Render("Dispatcher %s ignoring malformed repartition payload \"%s\"."), d.id, payload)
		return fmt.Errorf("%w: \"%s\"", domain.ErrMalformedPartitionCount, payload)
	}

	current := d.Partition()
	if count < current.Number {
		d.log.Warn(utils.OrangeStyle.Render("Dispatcher %s ignoring repartition to %d partition(s), which would not include partition %d."),
			d.id, count, current.Number)
		return fmt.Errorf("%w: %d < %d", domain.ErrPartitionOutOfRange, count, current.Number)
	}

	partition, err := NewPartition(current.Number, count)
	if err != nil {
		return err
	}

	d.partition.Store(partition)
	if d.prometheusManager != nil {
		d.prometheusManager.PartitionCountGauge.Set(float64(count))
	}

	d.log.Info("Dispatcher %s now owns %s.", d.id, partition.String())

	return nil
}

// listenForRepartition applies repartition announcements until the dispatcher shuts down. The subscription ending
// any other way, or the listener panicking, is fatal.
func (d *Dispatcher) listenForRepartition(payloads <-chan string) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.apoptosis(fmt.Sprintf("repartition listener panicked: %v", r))
		}
	}()

	for {
		select {
		case <-d.stop:
			return
		case payload, ok := <-payloads:
			if !ok {
				if d.shuttingDown.Load() {
					return
				}

				d.apoptosis("repartition subscription ended unexpectedly")
				return
			}

			_ = d.Repartition(payload)
		}
	}
}

// Shutdown stops the dispatcher. Scans report no work from then on, every worker receives a poison pill, and all
// background goroutines are joined. Calling it again is a no-op.
func (d *Dispatcher) Shutdown() {
	if !d.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	d.log.Info("Dispatcher %s is shutting down.", d.id)

	close(d.stop)

	if d.started.Load() {
		for range d.watchdogs {
			d.queue <- nil
		}
	}

	if d.notifier != nil {
		if err := d.notifier.Close(); err != nil {
			d.log.Warn("Failed to close the partition notifier of dispatcher %s: %v", d.id, err)
		}
	}

	d.wg.Wait()
	d.cancel()

	d.log.Info("Dispatcher %s has shut down.", d.id)
}
