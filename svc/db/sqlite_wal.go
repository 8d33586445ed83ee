package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"docgate/svc/util"
)

const checkpointInterval = 5 * time.Minute

// truncateEscalationPages is the WAL log size, in pages, past which a
// passive checkpoint is retried as TRUNCATE so the file shrinks again.
const truncateEscalationPages = 1000

// StartWALMaintenance checkpoints the gate store's WAL on a fixed
// interval and once more on shutdown. Runs until quit is closed.
func StartWALMaintenance(db *sql.DB, quit chan struct{}) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := checkpointWAL(db); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-quit:
			if err := checkpointWAL(db); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			return
		}
	}
}

func checkpointWAL(db *sql.DB) error {
	start := time.Now()
	busy, logPages, moved, err := runCheckpoint(db, "PASSIVE")
	if err != nil {
		return errors.Wrap(err, "passive checkpoint")
	}
	if busy > 0 || logPages > truncateEscalationPages {
		util.Info().Int("busy", busy).Int("log", logPages).Msg("escalating to TRUNCATE checkpoint")
		if busy, logPages, moved, err = runCheckpoint(db, "TRUNCATE"); err != nil {
			return errors.Wrap(err, "truncate checkpoint")
		}
	}
	if err := verifyIntegrity(db); err != nil {
		util.Error().Err(err).Msg("gate store integrity check failed after checkpoint")
		return errors.Wrap(err, "integrity check")
	}
	util.Debug().
		Int("busy", busy).
		Int("log", logPages).
		Int("checkpointed", moved).
		Dur("duration", time.Since(start)).
		Msg("WAL checkpoint completed")
	return nil
}

func runCheckpoint(db *sql.DB, mode string) (busy, logPages, moved int, err error) {
	err = db.QueryRow("PRAGMA wal_checkpoint(" + mode + ")").Scan(&busy, &logPages, &moved)
	if err != nil {
		// Some driver versions return no row for the pragma. Fall back
		// to a plain exec and report zeros.
		if _, execErr := db.Exec("PRAGMA wal_checkpoint(" + mode + ")"); execErr != nil {
			return 0, 0, 0, execErr
		}
		return 0, 0, 0, nil
	}
	return busy, logPages, moved, nil
}

func verifyIntegrity(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return errors.Wrap(err, "integrity_check query")
	}
	if result != "ok" {
		return errors.Errorf("integrity_check returned: %s", result)
	}
	return nil
}
