package shares

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// recoveryFileHeader is written once, when the file is newly created, per
// spec.md §4.G: "If the file is newly created, write a three-line header
// explaining how to replay."
const recoveryFileHeader = `# Share statistic recovery file.
# Each non-comment, non-blank line is one JSON-encoded share statistic.
# Replay with the recorder's RecoverShares(filename) before trusting pool totals again.
`

// ShareStatistic is the flattened, denormalized record component G
// persists, per spec.md §3. This is the canonical definition; the
// stratum package refers to it via a type alias so the dependency runs
// one way (stratum depends on shares, not the reverse).
type ShareStatistic struct {
	PoolID            string    `json:"poolId"`
	BlockHeight       uint64    `json:"blockHeight"`
	Difficulty        float64   `json:"difficulty"`
	NetworkDifficulty float64   `json:"networkDifficulty"`
	Miner             string    `json:"miner"`
	Worker            string    `json:"worker"`
	Device            string    `json:"device"`
	UserAgent         string    `json:"userAgent"`
	IPAddress         string    `json:"ipAddress"`
	Source            string    `json:"source"`
	Created           time.Time `json:"created"`
	IsBlockCandidate  bool      `json:"isBlockCandidate"`
	IsValid           bool      `json:"isValid"`
}

// ShareStatisticRepository is the persistent-store collaborator backing
// the recorder, per spec.md §6: "ShareStatisticRepository.batchInsert(con,
// tx, records, ct)".
type ShareStatisticRepository interface {
	BatchInsert(ctx context.Context, tx *sql.Tx, records []ShareStatistic) error
}

// RecoveryFile implements spec.md §4.G's recovery-file fallback: an
// append-mode, UTF-8 (no BOM), JSON-lines file that absorbs batches the
// fault policy could not persist to the database.
type RecoveryFile struct {
	path string
	log  *logrus.Entry
}

func NewRecoveryFile(path string, log *logrus.Entry) *RecoveryFile {
	return &RecoveryFile{path: path, log: log}
}

// Append writes one JSON line per statistic in batch. An open or write
// failure is returned to the caller without being logged here; the
// Recorder logs the first such failure and drops later ones silently.
func (rf *RecoveryFile) Append(batch []ShareStatistic) error {
	if len(batch) == 0 {
		return nil
	}

	needsHeader := false
	if _, err := os.Stat(rf.path); os.IsNotExist(err) {
		needsHeader = true
	}

	f, err := os.OpenFile(rf.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open recovery file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if needsHeader {
		if _, err := w.WriteString(recoveryFileHeader); err != nil {
			return fmt.Errorf("write recovery file header: %w", err)
		}
	}

	for _, stat := range batch {
		line, err := json.Marshal(stat)
		if err != nil {
			rf.log.WithError(err).Error("failed to marshal share statistic for recovery file, dropping record")
			continue
		}
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("write recovery line: %w", err)
		}
		if _, err := w.WriteString("\n"); err != nil {
			return fmt.Errorf("write recovery newline: %w", err)
		}
	}

	return w.Flush()
}

// RecoverShares implements spec.md §4.G's recovery replay: read
// line-by-line, skip blanks and '#' comments, accumulate a buffer of 100
// records, persist each full buffer directly via persist (bypassing the
// fault policy entirely, since recovery is a manual operation that must
// surface errors rather than fall back again), flush the remainder at
// EOF, and report progress every 10 seconds.
func RecoverShares(ctx context.Context, path string, persist func(ctx context.Context, batch []ShareStatistic) error, log *logrus.Entry) (succeeded, failed int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open recovery file: %w", err)
	}
	defer f.Close()

	const bufferSize = 100
	buffer := make([]ShareStatistic, 0, bufferSize)

	lastProgress := time.Now()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		if perr := persist(ctx, buffer); perr != nil {
			log.WithError(perr).WithField("count", len(buffer)).Error("recovery batch persist failed")
			failed += len(buffer)
		} else {
			succeeded += len(buffer)
		}
		buffer = buffer[:0]
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var stat ShareStatistic
		if jerr := json.Unmarshal([]byte(line), &stat); jerr != nil {
			log.WithError(jerr).Warn("recovery: skipping unparseable line")
			failed++
			continue
		}
		buffer = append(buffer, stat)

		if len(buffer) >= bufferSize {
			flush()
		}

		if time.Since(lastProgress) >= 10*time.Second {
			log.WithField("succeeded", succeeded).WithField("failed", failed).Info("recovery progress")
			lastProgress = time.Now()
		}
	}
	flush()

	if serr := scanner.Err(); serr != nil {
		return succeeded, failed, fmt.Errorf("scan recovery file: %w", serr)
	}

	log.WithField("succeeded", succeeded).WithField("failed", failed).Info("recovery complete")
	return succeeded, failed, nil
}

// PersistViaRepository adapts a ShareStatisticRepository's transactional
// BatchInsert into the persist callback RecoverShares expects, classifying
// failures with IsRetryableDBError so the fault policy's retry/fallback
// layer only treats transient database errors as retryable.
func PersistViaRepository(db *sql.DB, repo ShareStatisticRepository) func(ctx context.Context, batch []ShareStatistic) error {
	return func(ctx context.Context, batch []ShareStatistic) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			if IsRetryableDBError(err) {
				return Retryable(err)
			}
			return err
		}
		defer tx.Rollback()

		if err := repo.BatchInsert(ctx, tx, batch); err != nil {
			if IsRetryableDBError(err) {
				return Retryable(err)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if IsRetryableDBError(err) {
				return Retryable(err)
			}
			return err
		}
		return nil
	}
}
