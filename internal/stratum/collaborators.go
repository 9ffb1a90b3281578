package stratum

import (
	"context"
	"database/sql"
	"time"

	"github.com/chimera-pool/stratum-core/internal/shares"
)

// =============================================================================
// EXTERNAL COLLABORATORS (spec.md §6)
//
// These interfaces are the core's only contact with the rest of the pool:
// the upstream coin daemon, the share-proof-of-work validator, the
// database repositories, and the NiceHash hint service. Production
// implementations live in internal/repository (MinerRepository,
// ShareStatisticRepository) and internal/stratum/external_stub.go
// (JobManager, NicehashService, as honest stand-ins for the out-of-scope
// coin daemon and NiceHash service); see mocks_test.go for test doubles.
// =============================================================================

// Share is produced by the external share-proof-of-work validator and
// consumed by the core, per spec.md §3.
type Share struct {
	PoolID            string
	BlockHeight       uint64
	Difficulty        float64
	NetworkDifficulty float64
	Miner             string
	Worker            string
	UserAgent         string
	IPAddress         string
	Source            string
	Created           time.Time
	IsBlockCandidate  bool
	IsValid           bool
}

// ShareStatistic is the flattened, denormalized record component G
// persists, per spec.md §3. The type itself lives in internal/shares so
// the recorder, fault policy, and recovery file stay independent of the
// stratum package; this alias lets state_machine.go and collaborators.go
// refer to it as a stratum-local name.
type ShareStatistic = shares.ShareStatistic

// JobManager is the upstream collaborator providing block-template-derived
// work, address validation, and share validation. spec.md §6.
type JobManager interface {
	// ValidateAddress reports whether address is a valid payout address
	// for the pool's coin, per spec.md's "validateAddress" collaborator.
	ValidateAddress(ctx context.Context, address string) (bool, error)

	// SubmitShare hands off a mining.submit's params to the external
	// proof-of-work validator. It returns a Share on success or a
	// *StratumError (e.g. LowDifficultyShare, DuplicateShare, JobNotFound)
	// on rejection.
	SubmitShare(ctx context.Context, connID string, params []interface{}) (*Share, error)

	// GetSubscriberData returns the (extranonce1, extranonce2Size) pair
	// handed back in the mining.subscribe response.
	GetSubscriberData(connID string) (extranonce1 string, extranonce2Size int, err error)

	// Jobs is a lazy stream of opaque job-parameter tuples; the core
	// forwards each verbatim as mining.notify params.
	Jobs() <-chan []interface{}
}

// MinerRepository is the persistent-store collaborator backing the
// AddressResolver (component B), per spec.md §6.
type MinerRepository interface {
	GetWorkerAddress(ctx context.Context, tx *sql.Tx, poolID, workerName, sha256HexPassword string) (address string, found bool, err error)
}

// ShareStatisticRepository is the persistent-store collaborator backing
// the ShareStatisticRecorder (component G), per spec.md §6.
type ShareStatisticRepository = shares.ShareStatisticRepository

// NicehashService reports a client's out-of-band static minimum
// difficulty hint, per spec.md §4.C.1 / §6.
type NicehashService interface {
	GetStaticMinDiff(ctx context.Context, userAgent, coinName, algorithm string) (diff float64, ok bool, err error)
}
