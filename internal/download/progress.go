package download

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamware/imagesync/internal/clock"
)

// ProgressSink receives byte counts for a set of logical ids. Reports
// are best effort; a sink must not assume it sees every value.
type ProgressSink interface {
	Report(ids []string, size int64)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(ids []string, size int64)

func (f ProgressFunc) Report(ids []string, size int64) { f(ids, size) }

// Heartbeat is invoked whenever the executor makes progress or polls for
// a lock, so a long transfer is never mistaken for a hang.
type Heartbeat func()

// progressReporter decouples the transfer loop from the sink. Updates
// are throttled to one per interval and delivered from a separate
// goroutine through a one-slot mailbox, so a slow sink only ever sees
// the most recent value and never stalls the caller.
type progressReporter struct {
	ids     []string
	sink    ProgressSink
	clock   clock.Clock
	limiter *rate.Limiter
	mailbox chan int64
	quit    chan struct{}
}

func newProgressReporter(ids []string, sink ProgressSink, clk clock.Clock, interval time.Duration) *progressReporter {
	r := &progressReporter{
		ids:     ids,
		sink:    sink,
		clock:   clk,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		mailbox: make(chan int64, 1),
		quit:    make(chan struct{}),
	}
	if sink != nil && len(ids) > 0 {
		go r.deliver()
	}
	return r
}

// Update records progress if the report interval has elapsed.
func (r *progressReporter) Update(size int64) {
	if r.limiter.AllowN(r.clock.Now(), 1) {
		r.post(size)
	}
}

// Flush records progress regardless of the interval.
func (r *progressReporter) Flush(size int64) {
	r.post(size)
}

// Close stops the delivery goroutine once any pending value is handed
// to the sink. It does not wait.
func (r *progressReporter) Close() {
	close(r.quit)
}

func (r *progressReporter) post(size int64) {
	if r.sink == nil || len(r.ids) == 0 {
		return
	}
	for {
		select {
		case r.mailbox <- size:
			return
		default:
		}
		select {
		case <-r.mailbox:
		default:
		}
	}
}

func (r *progressReporter) deliver() {
	for {
		select {
		case size := <-r.mailbox:
			r.sink.Report(r.ids, size)
		case <-r.quit:
			select {
			case size := <-r.mailbox:
				r.sink.Report(r.ids, size)
			default:
			}
			return
		}
	}
}
