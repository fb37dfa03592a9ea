package daemon

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"

	"github.com/scusemua/vm-control-plane/common/storage"
	"github.com/scusemua/vm-control-plane/common/utils"
)

// watchdog pairs a worker with the goroutine that kills the process if one of the worker's steps hangs.
type watchdog struct {
	index int

	started  chan struct{}
	finished chan struct{}

	// goroutineId is the id of the worker goroutine, for diagnostics.
	goroutineId atomic.Int64
	current     atomic.Pointer[storage.Strand]
}

func newWatchdog(index int) *watchdog {
	return &watchdog{
		index:    index,
		started:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// bind records the calling goroutine as the watched worker.
func (w *watchdog) bind() {
	w.goroutineId.Store(goid.Get())
}

// begin signals that the worker is about to run a step. It returns false, without signalling, if the dispatcher
// stopped before the watchdog picked the signal up.
func (w *watchdog) begin(s *storage.Strand, stop <-chan struct{}) bool {
	w.current.Store(s)

	select {
	case w.started <- struct{}{}:
		return true
	case <-stop:
		w.current.Store(nil)
		return false
	}
}

// end signals that the step finished.
func (w *watchdog) end() {
	w.finished <- struct{}{}
	w.current.Store(nil)
}

func (w *watchdog) describe() string {
	s := w.current.Load()
	if s == nil {
		return fmt.Sprintf("worker %d (goroutine %d)", w.index, w.goroutineId.Load())
	}

	return fmt.Sprintf("worker %d (goroutine %d) running strand %s (%s.%s)",
		w.index, w.goroutineId.Load(), s.ID, s.Prog, s.Label)
}

// watch waits, for every step the worker starts, for the step to finish within the apoptosis timeout.
func (d *Dispatcher) watch(w *watchdog) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.apoptosis(fmt.Sprintf("watchdog of worker %d panicked: %v", w.index, r))
		}
	}()

	timeout := d.opts.ApoptosisTimeout()

	for {
		select {
		case <-d.stop:
			return
		case <-w.started:
		}

		timer := time.NewTimer(timeout)
		select {
		case <-w.finished:
			timer.Stop()
		case <-timer.C:
			d.apoptosis(fmt.Sprintf("%s did not finish within %v", w.describe(), timeout))

			// Only reached if the exit function returned.
			<-w.finished
		}
	}
}

// apoptosis dumps the stacks of every goroutine and terminates the process.
func (d *Dispatcher) apoptosis(reason string) {
	d.log.Error(utils.RedStyle.Render("Apoptosis of dispatcher %s: %s. Dumping all goroutine stacks and exiting."), d.id, reason)
	d.log.Error("%s", d.dumpStacks())

	d.exit(1)
}

// dumpAllStacks returns the stack traces of every goroutine.
func dumpAllStacks() []byte {
	buf := make([]byte, 1<<16)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}

		buf = make([]byte, 2*len(buf))
	}
}
