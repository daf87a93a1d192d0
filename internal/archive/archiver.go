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

// QueueKey is the shared archival list in the KV tier. All archiver
// instances drain the same list; correctness relies only on the atomicity
// of LPOP, not on ordering across workers.
const QueueKey = "conc_archive_queue"

// RecordKeyPrefix locates persisted query payloads in the KV tier.
const RecordKeyPrefix = "concordance:"

func RecordKey(qid common.QID) string { return RecordKeyPrefix + string(qid) }

// QueueItem is one marker on the archival list.
type QueueItem struct {
	Type     string     `json:"type"` // "archive" | "history"
	Key      common.QID `json:"key"`
	Explicit bool       `json:"explicit,omitempty"`
	Revoke   bool       `json:"revoke,omitempty"`
	Created  int64      `json:"created,omitempty"`
	UserID   int        `json:"user_id,omitempty"`
	Name     string     `json:"name,omitempty"`
}

// Report summarizes one archiver run.
type Report struct {
	NumProcessed int    `json:"num_processed"`
	NumErrors    int    `json:"num_errors"`
	Error        string `json:"error,omitempty"`
	DryRun       bool   `json:"dry_run"`
	QueueSize    int    `json:"queue_size"`
}

// HistorySink receives the non-archive markers the queue carries
// (query-history writes routed through the same list).
type HistorySink interface {
	StoreFromMarker(item QueueItem) error
}

// Archiver drains the archival queue into the SQL archive in bounded
// batches. It tolerates crashes and duplicate work: markers are coalesced
// per QID, already-archived ids are skipped, and failed batches are pushed
// back onto the queue.
type Archiver struct {
	kv      *kv.Store
	db      *DB
	history HistorySink // may be nil, history markers are then requeued
	logger  *zap.Logger
}

func NewArchiver(store *kv.Store, db *DB, history HistorySink, logger *zap.Logger) *Archiver {
	return &Archiver{kv: store, db: db, history: history, logger: logger}
}

// Run pops up to batchSize markers and applies them in one transaction
// (deletes first, then inserts). With dryRun the queue is restored to its
// original order and only the report is produced. Errors never propagate to
// users, they come back inside the report.
func (a *Archiver) Run(ctx context.Context, batchSize int, dryRun bool) Report {
	report := Report{DryRun: dryRun}

	raw, items, err := a.pop(batchSize)
	if err != nil {
		return a.failed(report, raw, err)
	}
	if len(items) == 0 {
		report.QueueSize, _ = a.kv.LLen(QueueKey)
		return report
	}

	if dryRun {
		kept := coalesce(items)
		report.NumProcessed = len(kept)
		if err = a.kv.LPushAll(QueueKey, raw...); err != nil {
			report.NumErrors++
			report.Error = err.Error()
		}
		report.QueueSize, _ = a.kv.LLen(QueueKey)
		return report
	}

	// history markers take a different path; everything else is coalesced
	// per QID before touching the database
	var archival []QueueItem
	for _, it := range items {
		if it.Type == "history" {
			if herr := a.sinkHistory(it); herr != nil {
				report.NumErrors++
				a.logger.Warn("history marker failed", zap.String("qid", string(it.Key)), zap.Error(herr))
			}
			continue
		}
		archival = append(archival, it)
	}
	kept := coalesce(archival)

	if err = a.apply(ctx, kept, &report); err != nil {
		return a.failed(report, encodeItems(kept), err)
	}

	report.QueueSize, _ = a.kv.LLen(QueueKey)
	return report
}

func (a *Archiver) pop(batchSize int) (raw [][]byte, items []QueueItem, err error) {
	for len(items) < batchSize {
		b, perr := a.kv.LPop(QueueKey)
		if perr != nil {
			return raw, items, perr
		}
		if b == nil {
			break
		}

		item := QueueItem{}
		if uerr := json.Unmarshal(b, &item); uerr != nil {
			// an unreadable marker is dropped, requeueing it forever helps nobody
			a.logger.Warn("dropping malformed queue item", zap.ByteString("item", b))
			continue
		}
		raw = append(raw, b)
		items = append(items, item)
	}
	return raw, items, nil
}

// coalesce keeps one marker per QID: duplicate markers with the same revoke
// flag collapse, a later marker with a flipped flag supersedes the kept one.
func coalesce(items []QueueItem) []QueueItem {
	kept := make([]QueueItem, 0, len(items))
	pos := make(map[common.QID]int, len(items))

	for _, it := range items {
		i, ok := pos[it.Key]
		if !ok {
			pos[it.Key] = len(kept)
			kept = append(kept, it)
			continue
		}
		if kept[i].Revoke != it.Revoke {
			kept[i] = it
		}
	}
	return kept
}

// apply executes the batch in a single transaction: deletes, then inserts.
func (a *Archiver) apply(ctx context.Context, kept []QueueItem, report *Report) error {
	tx, err := a.db.head.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("archive batch: %w", err)
	}
	defer tx.Rollback()

	var inserts []QueueItem
	for _, it := range kept {
		if it.Revoke {
			if _, err = tx.Exec(`DELETE FROM kontext_conc_persistence WHERE id = ?`, it.Key); err != nil {
				return xerrors.Errorf("archive revoke %s: %w", it.Key, err)
			}
			report.NumProcessed++
			continue
		}
		inserts = append(inserts, it)
	}

	now := time.Now().Unix()
	for _, it := range inserts {
		exists, eerr := a.db.Exists(it.Key)
		if eerr != nil {
			return eerr
		}
		if exists {
			report.NumProcessed++ // idempotent re-archival
			continue
		}

		payload, gerr := a.kv.Get(RecordKey(it.Key))
		if gerr != nil {
			return gerr
		}
		if payload == nil {
			// the record expired before it could be archived
			report.NumErrors++
			a.logger.Warn("archival payload missing", zap.String("qid", string(it.Key)))
			continue
		}

		_, err = tx.Exec(
			`INSERT INTO kontext_conc_persistence (id, data, created, num_access, last_access, permanent)
			 VALUES (?, ?, ?, 0, NULL, 0)`,
			it.Key, payload, now,
		)
		if err != nil {
			return xerrors.Errorf("archive insert %s: %w", it.Key, err)
		}
		report.NumProcessed++
	}

	return tx.Commit()
}

func (a *Archiver) sinkHistory(item QueueItem) error {
	if a.history == nil {
		// no sink configured, requeue for an instance that has one
		b, _ := json.Marshal(item)
		return a.kv.RPush(QueueKey, b)
	}
	return a.history.StoreFromMarker(item)
}

// failed pushes the unapplied markers back (original relative order kept)
// and returns the error inside the report.
func (a *Archiver) failed(report Report, raw [][]byte, err error) Report {
	if len(raw) > 0 {
		if perr := a.kv.LPushAll(QueueKey, raw...); perr != nil {
			a.logger.Error("returning items to the archive queue failed", zap.Error(perr))
		}
	}
	report.NumErrors++
	report.Error = err.Error()
	report.QueueSize, _ = a.kv.LLen(QueueKey)
	return report
}

func encodeItems(items []QueueItem) [][]byte {
	raw := make([][]byte, 0, len(items))
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			continue
		}
		raw = append(raw, b)
	}
	return raw
}
