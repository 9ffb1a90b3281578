package stratum

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// JobBroadcaster implements spec.md §4.E: it subscribes to the upstream
// job stream and fans each new job out to every live, subscribed
// connection, promoting each connection's pending difficulty first so a
// set_difficulty always precedes the mining.notify that depends on it.
//
// Grounded on the teacher's PoolCoordinator.SetCurrentJob /
// createJobNotification fan-out (internal/stratum/pool_coordinator.go,
// since folded into state_machine.go). Unlike ConnectionManager's
// same-payload Broadcast/BroadcastToAuthorized (which this core dropped,
// see DESIGN.md), each connection here may need its own extra
// set_difficulty notification ahead of the shared mining.notify, so the
// fan-out walks ConnectionManager.ForEach and recovers per-connection
// panics itself rather than reusing a single-message broadcast; it adds
// the startup-race gate and serialized-emission requirement spec.md
// §4.E adds.
type JobBroadcaster struct {
	jobs        JobManager
	connections *ConnectionManager
	log         *logrus.Entry

	currentJobParams atomic.Value // []interface{}

	emitMu sync.Mutex

	firstJobOnce sync.Once
	firstJobCh   chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewJobBroadcaster(jobs JobManager, connections *ConnectionManager, log *logrus.Entry) *JobBroadcaster {
	jb := &JobBroadcaster{
		jobs:        jobs,
		connections: connections,
		log:         log,
		firstJobCh:  make(chan struct{}),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	jb.currentJobParams.Store([]interface{}{})
	return jb
}

// CurrentJobParams returns the most recently broadcast job tuple, or an
// empty tuple if none has arrived yet. StateMachine.handleSubscribe uses this to
// reply with the job a just-connected miner should start on.
func (jb *JobBroadcaster) CurrentJobParams() []interface{} {
	return jb.currentJobParams.Load().([]interface{})
}

// WaitForFirstJob blocks until the first job has been broadcast, or ctx
// is done. This implements spec.md §4.E's startup race: "when internal
// Stratum is enabled, the pool must wait for the first job to arrive
// before accepting client subscriptions."
func (jb *JobBroadcaster) WaitForFirstJob(ctx context.Context) error {
	select {
	case <-jb.firstJobCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run subscribes to the job stream and broadcasts until ctx is done or
// Stop is called. It is meant to be run in its own goroutine.
func (jb *JobBroadcaster) Run(ctx context.Context) {
	defer close(jb.doneCh)

	jobCh := jb.jobs.Jobs()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jb.stopCh:
			return
		case params, ok := <-jobCh:
			if !ok {
				return
			}
			jb.broadcast(params)
		}
	}
}

func (jb *JobBroadcaster) Stop() {
	jb.stopOnce.Do(func() { close(jb.stopCh) })
	<-jb.doneCh
}

// broadcast implements the per-emission sequence from spec.md §4.E:
// store the tuple, then for every live connection promote its pending
// difficulty (sending set_difficulty first if it changed) and forward
// mining.notify. Emissions are serialized under emitMu so two job
// updates in quick succession never interleave their per-connection
// writes.
func (jb *JobBroadcaster) broadcast(params []interface{}) {
	jb.emitMu.Lock()
	defer jb.emitMu.Unlock()

	jb.currentJobParams.Store(params)
	jb.firstJobOnce.Do(func() { close(jb.firstJobCh) })

	notify := NewNotifyNotification(params)

	jb.connections.ForEach(func(mc *ManagedConnection) bool {
		jb.emitToConnection(mc, notify)
		return true
	})
}

// emitToConnection isolates per-connection fan-out failures: a panic or
// error writing to one miner's socket must never abort the broadcast to
// the rest, per spec.md §4.E.
func (jb *JobBroadcaster) emitToConnection(mc *ManagedConnection, notify *Notification) {
	defer func() {
		if r := recover(); r != nil {
			jb.log.WithField("conn", mc.ID).WithField("panic", r).Error("job fan-out panic recovered")
		}
	}()

	wc := mc.WC
	if wc == nil || !wc.IsSubscribed.Load() {
		return
	}

	if diff, promoted := wc.ApplyPendingDifficulty(); promoted {
		mc.SendNotification(NewDifficultyNotification(diff))
	}
	mc.SendNotification(notify)
}
