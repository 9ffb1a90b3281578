// Package repository provides the two narrow persistent-store
// collaborators the core depends on (spec.md §6): resolving a worker's
// payout address, and batch-inserting share statistics. It deliberately
// does not attempt to be a general database layer — the teacher's
// internal/database package did that and was out of scope for this
// core (spec.md §1: "the core depends only on a batch-insert interface
// and a worker-address-lookup interface").
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/chimera-pool/stratum-core/internal/shares"
)

// PostgresRepository implements stratum.MinerRepository and
// shares.ShareStatisticRepository against a plain *sql.DB/lib/pq
// connection, grounded on the teacher's ShareBatchInserter.buildBatchInsert
// multi-row VALUES idiom (internal/database/batch_inserter.go) but
// trimmed to the single table and the single narrow interface this core
// actually needs.
type PostgresRepository struct {
	db *sql.DB
}

func New(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetWorkerAddress implements stratum.MinerRepository.
func (r *PostgresRepository) GetWorkerAddress(ctx context.Context, tx *sql.Tx, poolID, workerName, sha256HexPassword string) (address string, found bool, err error) {
	const query = `
		SELECT payout_address FROM miners
		WHERE pool_id = $1 AND worker_name = $2 AND password_hash = $3
		LIMIT 1`

	row := tx.QueryRowContext(ctx, query, poolID, workerName, sha256HexPassword)
	if err := row.Scan(&address); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get worker address: %w", err)
	}
	return address, true, nil
}

// BatchInsert implements shares.ShareStatisticRepository, building a
// single multi-row INSERT the same way the teacher's ShareBatchInserter
// does for its shares table.
func (r *PostgresRepository) BatchInsert(ctx context.Context, tx *sql.Tx, records []shares.ShareStatistic) error {
	if len(records) == 0 {
		return nil
	}

	cols := []string{
		"pool_id", "block_height", "difficulty", "network_difficulty",
		"miner", "worker", "device", "user_agent", "ip_address",
		"source", "created", "is_block_candidate", "is_valid",
	}
	colCount := len(cols)

	var sb strings.Builder
	sb.WriteString("INSERT INTO share_statistics (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(") VALUES ")

	args := make([]interface{}, 0, len(records)*colCount)

	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := 0; j < colCount; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*colCount+j+1)
		}
		sb.WriteString(")")

		args = append(args,
			rec.PoolID, rec.BlockHeight, rec.Difficulty, rec.NetworkDifficulty,
			rec.Miner, rec.Worker, rec.Device, rec.UserAgent, rec.IPAddress,
			rec.Source, rec.Created, rec.IsBlockCandidate, rec.IsValid,
		)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("batch insert share statistics: %w", err)
	}
	return nil
}
