package db

import (
	"context"
	"database/sql"
	"time"

	"crybin/svc/util"

	"github.com/pkg/errors"
)

const checkpointInterval = 5 * time.Minute

// StartWALMaintenance checkpoints the sqlite write-ahead log until ctx is
// done, running one last checkpoint on the way out. It is a no-op for other
// drivers.
func StartWALMaintenance(ctx context.Context, s *SQL) {
	if s.Driver() != DriverSQLite {
		return
	}
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := checkpoint(s.DB(), false); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			if err := checkpoint(s.DB(), true); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			return
		}
	}
}

func checkpoint(db *sql.DB, truncate bool) error {
	start := time.Now()
	var busy, logPages, done int
	err := db.QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &logPages, &done)
	if err != nil {
		return errors.Wrap(err, "passive checkpoint")
	}
	util.Debug().
		Int("busy", busy).
		Int("log", logPages).
		Int("checkpointed", done).
		Msg("PASSIVE checkpoint result")
	if truncate || logPages > 1000 || busy > 0 {
		if err := db.QueryRow("PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logPages, &done); err != nil {
			return errors.Wrap(err, "truncate checkpoint")
		}
		util.Info().Int("log", logPages).Int("checkpointed", done).Msg("TRUNCATE checkpoint result")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return errors.Wrap(err, "quick_check query")
	}
	if result != "ok" {
		return errors.Errorf("quick_check returned: %s", result)
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}
