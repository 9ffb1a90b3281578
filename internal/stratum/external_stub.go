package stratum

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// STAND-IN EXTERNAL COLLABORATORS
//
// spec.md §1/§6 place the upstream coin daemon, the share-proof-of-work
// validator, and the NiceHash hint service outside this core's scope:
// "production implementations live outside this module." These two
// types give cmd/stratumd a minimal, honestly-labeled implementation of
// JobManager and NicehashService so the binary is runnable end to end
// without a live daemon; a production deployment replaces them with a
// real JSON-RPC bridge to the pool's block-template/share-validation
// service and swaps them in at the same two construction sites in
// cmd/stratumd/main.go.
// =============================================================================

// LoopbackJobManager synthesizes a new opaque job tuple on a fixed
// interval and accepts every non-empty address and every submitted share. It is
// not a reference PoW validator — it exists purely so JobBroadcaster
// and StateMachine have something to drive against when no external
// daemon is wired in.
type LoopbackJobManager struct {
	interval time.Duration
	poolID   string

	jobsCh chan []interface{}

	mu      sync.Mutex
	extranonce1Seq uint32

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewLoopbackJobManager(poolID string, interval time.Duration) *LoopbackJobManager {
	m := &LoopbackJobManager{
		interval: interval,
		poolID:   poolID,
		jobsCh:   make(chan []interface{}, 1),
		stopCh:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *LoopbackJobManager) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			jobID := uuid.NewString()
			params := []interface{}{
				jobID,
				"0000000000000000000000000000000000000000000000000000000000000000000000000000",
				"01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff",
				"ffffffff0100f2052a010000001976a914000000000000000000000000000000000000000088ac00000000",
				[]interface{}{},
				"20000000",
				"1d00ffff",
				fmt.Sprintf("%08x", time.Now().Unix()),
				true,
			}
			select {
			case m.jobsCh <- params:
			default:
				// drop: a fresher job is already queued for JobBroadcaster
			}
		}
	}
}

func (m *LoopbackJobManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *LoopbackJobManager) ValidateAddress(ctx context.Context, address string) (bool, error) {
	return address != "", nil
}

func (m *LoopbackJobManager) SubmitShare(ctx context.Context, connID string, params []interface{}) (*Share, error) {
	return &Share{
		PoolID:           m.poolID,
		Difficulty:       1,
		Source:           "loopback",
		Created:          time.Now(),
		IsBlockCandidate: false,
		IsValid:          true,
	}, nil
}

func (m *LoopbackJobManager) GetSubscriberData(connID string) (string, int, error) {
	m.mu.Lock()
	m.extranonce1Seq++
	seq := m.extranonce1Seq
	m.mu.Unlock()
	return fmt.Sprintf("%08x", seq), 4, nil
}

func (m *LoopbackJobManager) Jobs() <-chan []interface{} {
	return m.jobsCh
}

// NoopNicehashService always reports no static hint, the safe default
// when the pool does not run a NiceHash-hint sidecar.
type NoopNicehashService struct{}

func (NoopNicehashService) GetStaticMinDiff(ctx context.Context, userAgent, coinName, algorithm string) (float64, bool, error) {
	return 0, false, nil
}
