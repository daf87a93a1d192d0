package archive

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"concord/internal/common"
	"concord/internal/kv"
)

// CheckpointKey stores the cleaner's progress in the KV tier so repeated
// runs do not rescan rows they already judged.
const CheckpointKey = "conc_archive_cleanup_status"

type checkpoint struct {
	LastRun     int64 `json:"last_run"`     // epoch seconds of the last completed run
	LastCreated int64 `json:"last_created"` // newest created value observed
}

// CleanerReport summarizes one retention sweep.
type CleanerReport struct {
	Promoted int  `json:"promoted"` // rows marked permanent
	Deleted  int  `json:"deleted"`  // anonymous unread rows removed
	Skipped  bool `json:"skipped"`  // run suppressed by the checkpoint
	DryRun   bool `json:"dry_run"`
}

// Cleaner promotes user-owned archive rows to permanent and garbage-collects
// anonymous rows past the retention window. Rows with any recorded access
// are never deleted: a read anonymous record has been shared.
type Cleaner struct {
	kv     *kv.Store
	db     *DB
	logger *zap.Logger

	anonymousUserID int
	retention       time.Duration
}

func NewCleaner(store *kv.Store, db *DB, anonymousUserID, retentionDays int, logger *zap.Logger) *Cleaner {
	return &Cleaner{
		kv:              store,
		db:              db,
		logger:          logger,
		anonymousUserID: anonymousUserID,
		retention:       time.Duration(retentionDays) * 24 * time.Hour,
	}
}

func (c *Cleaner) Run(ctx context.Context, batch int, dryRun bool) (CleanerReport, error) {
	report := CleanerReport{DryRun: dryRun}
	now := time.Now()

	cp, err := c.readCheckpoint()
	if err != nil {
		return report, err
	}
	if cp.LastRun > 0 && time.Unix(cp.LastRun, 0).After(now.Add(-c.retention)) {
		report.Skipped = true
		return report, nil
	}

	rows, err := c.db.head.QueryContext(ctx, `
		SELECT id, data, created, num_access
		FROM kontext_conc_persistence
		WHERE permanent = 0 AND created <= ? AND created >= ?
		ORDER BY created ASC
		LIMIT ?`,
		now.Add(-c.retention).Unix(), cp.LastCreated, batch,
	)
	if err != nil {
		return report, xerrors.Errorf("cleaner select: %w", err)
	}
	defer rows.Close()

	type judged struct {
		id     common.QID
		remove bool
	}
	var (
		actions     []judged
		lastCreated = cp.LastCreated
	)
	for rows.Next() {
		var (
			id        common.QID
			data      string
			created   int64
			numAccess int
		)
		if err = rows.Scan(&id, &data, &created, &numAccess); err != nil {
			return report, xerrors.Errorf("cleaner scan: %w", err)
		}
		if created > lastCreated {
			lastCreated = created
		}

		rec := &common.QueryRecord{}
		if uerr := json.Unmarshal([]byte(data), rec); uerr != nil {
			// a row we cannot parse is left alone
			c.logger.Warn("cleaner: unreadable row", zap.String("qid", string(id)), zap.Error(uerr))
			continue
		}

		switch {
		case rec.UserID != c.anonymousUserID:
			actions = append(actions, judged{id, false})
		case numAccess == 0:
			actions = append(actions, judged{id, true})
		default:
			// anonymous but accessed: it has been shared, keep it
		}
	}
	if err = rows.Err(); err != nil {
		return report, xerrors.Errorf("cleaner select: %w", err)
	}

	for _, act := range actions {
		if act.remove {
			if !dryRun {
				if _, err = c.db.head.ExecContext(ctx,
					`DELETE FROM kontext_conc_persistence WHERE id = ? AND num_access = 0`, act.id); err != nil {
					c.logger.Warn("cleaner delete failed", zap.String("qid", string(act.id)), zap.Error(err))
					continue
				}
			}
			report.Deleted++
			continue
		}
		if !dryRun {
			if _, err = c.db.head.ExecContext(ctx,
				`UPDATE kontext_conc_persistence SET permanent = 1 WHERE id = ?`, act.id); err != nil {
				c.logger.Warn("cleaner promote failed", zap.String("qid", string(act.id)), zap.Error(err))
				continue
			}
		}
		report.Promoted++
	}

	if !dryRun {
		err = c.writeCheckpoint(checkpoint{LastRun: now.Unix(), LastCreated: lastCreated})
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (c *Cleaner) readCheckpoint() (checkpoint, error) {
	cp := checkpoint{}
	b, err := c.kv.Get(CheckpointKey)
	if err != nil || b == nil {
		return cp, err
	}
	if uerr := json.Unmarshal(b, &cp); uerr != nil {
		// a broken checkpoint only means a wider rescan
		c.logger.Warn("cleaner: resetting unreadable checkpoint", zap.Error(uerr))
		return checkpoint{}, nil
	}
	return cp, nil
}

func (c *Cleaner) writeCheckpoint(cp checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return xerrors.Errorf("cleaner checkpoint: %w", err)
	}
	return c.kv.Set(CheckpointKey, b, 0)
}
