package shares

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// batchWindow and maxBatchCount implement spec.md §4.G's "buffers by
// (window = 5s, maxCount = 1000); empty windows are skipped."
const (
	batchWindow   = 5 * time.Second
	maxBatchCount = 1000
)

// AdminNotifier is the one-shot fallback notification collaborator,
// gated by clusterConfig.notifications.admin.enabled per spec.md §6.
type AdminNotifier interface {
	NotifyFallbackActivated(ctx context.Context, recoveryFilePath string)
}

// Metrics receives the recorder's operational gauge/counter updates.
// internal/telemetry.Telemetry implements this; callers that don't want
// metrics (tests, a bare recorder) pass nil and every call below becomes
// a no-op.
type Metrics interface {
	SetRecorderQueueDepth(n float64)
	IncRecoveryFallback()
}

// Recorder implements component G, spec.md §4.G: the background consumer
// of the share-statistic event stream. It buffers by time+count, then
// persists each non-empty batch through the layered FaultPolicy,
// serialized so "batch N fully resolves ... before batch N+1 starts"
// (spec.md §5).
//
// Grounded on the teacher's BatchProcessor worker-pool + timer/count
// batching idiom (batch_processor.go) and ShareBatchInserter's
// flush-loop/ticker pattern (internal/database/batch_inserter.go),
// generalized from per-share PoW validation (out of this core's scope)
// to share-statistic persistence, and wrapped in the new fault policy
// and recovery file spec.md §4.G adds.
type Recorder struct {
	incoming chan ShareStatistic

	fault       *FaultPolicy
	persist     func(ctx context.Context, batch []ShareStatistic) error
	recoveryOut *RecoveryFile
	notifier    AdminNotifier
	notifyAdmin bool
	metrics     Metrics

	// fallbackFailed is set after the first failed recovery-file append;
	// only Run's goroutine touches it.
	fallbackFailed bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	log *logrus.Entry
}

// NewRecorder wires a Recorder. persist performs one database attempt
// (already wrapped in a transaction via PersistViaRepository); errors it
// returns must be wrapped with Retryable() to be treated as transient.
func NewRecorder(
	persist func(ctx context.Context, batch []ShareStatistic) error,
	recoveryPath string,
	notifier AdminNotifier,
	notifyAdminEnabled bool,
	metrics Metrics,
	log *logrus.Entry,
) *Recorder {
	r := &Recorder{
		incoming:    make(chan ShareStatistic, 10000),
		persist:     persist,
		recoveryOut: NewRecoveryFile(recoveryPath, log),
		notifier:    notifier,
		notifyAdmin: notifyAdminEnabled,
		metrics:     metrics,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		log:         log,
	}

	r.fault = NewFaultPolicy(log, r.appendToRecoveryFile, r.onFirstFallback)
	return r
}

func (r *Recorder) setQueueDepth(n int) {
	if r.metrics != nil {
		r.metrics.SetRecorderQueueDepth(float64(n))
	}
}

// Publish implements EventBus.PublishShareStatistic from the stratum
// package's perspective: a non-blocking enqueue. If the queue is full
// the statistic is dropped and logged, rather than blocking the
// connection's dispatch loop (spec.md §5's "handlers ... may suspend at
// I/O boundaries" explicitly excludes the recorder's internal queue from
// that list — publishing must never itself become a blocking I/O point
// for a connection's request/response cycle).
func (r *Recorder) Publish(stat ShareStatistic) {
	select {
	case r.incoming <- stat:
		r.setQueueDepth(len(r.incoming))
	default:
		r.log.WithField("miner", stat.Miner).Warn("share statistic queue full, dropping record")
	}
}

// Run drives the time+count batching loop until ctx is done or Stop is
// called. It is meant to run in its own goroutine.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.doneCh)

	timer := time.NewTimer(batchWindow)
	defer timer.Stop()

	buf := make([]ShareStatistic, 0, maxBatchCount)

	flush := func() {
		if len(buf) == 0 {
			return
		}
		batch := make([]ShareStatistic, len(buf))
		copy(batch, buf)
		buf = buf[:0]
		r.persistBatch(ctx, batch)
	}

	// drain moves every statistic still queued in incoming into buf, so
	// shutdown persists what was published before it.
	drain := func() {
		for {
			select {
			case stat := <-r.incoming:
				buf = append(buf, stat)
			default:
				r.setQueueDepth(0)
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			flush()
			return
		case <-r.stopCh:
			drain()
			flush()
			return
		case stat := <-r.incoming:
			buf = append(buf, stat)
			r.setQueueDepth(len(r.incoming))
			if len(buf) >= maxBatchCount {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(batchWindow)
			}
		case <-timer.C:
			flush()
			timer.Reset(batchWindow)
		}
	}
}

// Stop drains the current buffer window before returning, per spec.md
// §5's "Recorder shutdown drains the current buffer window before
// exiting."
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// persistBatch is the single-consumer serialization point spec.md §5 and
// §8 require: "no two persists overlap in wall-clock time." Because Run
// is a single goroutine calling persistBatch synchronously, this falls
// out of the control flow rather than needing an explicit lock.
func (r *Recorder) persistBatch(ctx context.Context, batch []ShareStatistic) {
	r.fault.Persist(ctx, batch, func(ctx context.Context) error {
		return r.persist(ctx, batch)
	})
}

// appendToRecoveryFile is the FaultPolicy's fallback callback. A failure
// here is the "fallback itself fails" case: the first one is logged once
// (at Error level, since logrus' Fatal would exit the process) and every
// later failure drops its batch silently.
func (r *Recorder) appendToRecoveryFile(batch []ShareStatistic) {
	if r.metrics != nil {
		r.metrics.IncRecoveryFallback()
	}
	if err := r.recoveryOut.Append(batch); err != nil {
		if r.fallbackFailed {
			return
		}
		r.fallbackFailed = true
		r.log.WithError(err).WithField("count", len(batch)).Error("recovery file append failed, share statistics will be lost")
	}
}

func (r *Recorder) onFirstFallback() {
	if !r.notifyAdmin || r.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.notifier.NotifyFallbackActivated(ctx, r.recoveryOut.path)
}
