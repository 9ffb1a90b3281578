package stratum

import (
	"context"
	"database/sql"
	"sync"
)

// =============================================================================
// TEST DOUBLES FOR THIS CORE'S EXTERNAL COLLABORATORS (spec.md §6)
// Same one-mock-per-interface, mutex-guarded style as the teacher's
// internal/stratum/mocks.go, trimmed to the narrow interfaces this core
// actually depends on.
// =============================================================================

type fakeJobManager struct {
	mu              sync.Mutex
	validAddresses  map[string]bool
	nextShare       *Share
	nextShareErr    error
	extranonce1     string
	extranonce2Size int
	jobsCh          chan []interface{}
}

func newFakeJobManager() *fakeJobManager {
	return &fakeJobManager{
		validAddresses:  make(map[string]bool),
		extranonce1:     "aabbccdd",
		extranonce2Size: 4,
		jobsCh:          make(chan []interface{}, 4),
	}
}

func (f *fakeJobManager) ValidateAddress(ctx context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validAddresses[address], nil
}

func (f *fakeJobManager) SubmitShare(ctx context.Context, connID string, params []interface{}) (*Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextShareErr != nil {
		return nil, f.nextShareErr
	}
	return f.nextShare, nil
}

func (f *fakeJobManager) GetSubscriberData(connID string) (string, int, error) {
	return f.extranonce1, f.extranonce2Size, nil
}

func (f *fakeJobManager) Jobs() <-chan []interface{} {
	return f.jobsCh
}

type fakeNicehashService struct {
	diff float64
	ok   bool
	err  error
}

func (f *fakeNicehashService) GetStaticMinDiff(ctx context.Context, userAgent, coinName, algorithm string) (float64, bool, error) {
	return f.diff, f.ok, f.err
}

type fakeMinerRepository struct {
	mu        sync.Mutex
	addresses map[string]string // workerName:passwordHash -> address
}

func newFakeMinerRepository() *fakeMinerRepository {
	return &fakeMinerRepository{addresses: make(map[string]string)}
}

func (f *fakeMinerRepository) GetWorkerAddress(ctx context.Context, tx *sql.Tx, poolID, workerName, sha256HexPassword string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.addresses[workerName+":"+sha256HexPassword]
	return addr, ok, nil
}
