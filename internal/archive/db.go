// Package archive moves persisted queries from the KV tier into a durable
// SQLite archive and maintains their retention.
//
// The archive is a writable head database plus zero or more read-only
// replica files (rotated-out history). Writers only ever touch the head;
// readers walk head first, then replicas newest-first.
package archive

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"concord/internal/common"
)

const headFileName = "archive.db"

const schema = `
CREATE TABLE IF NOT EXISTS kontext_conc_persistence (
	id          TEXT PRIMARY KEY,
	data        TEXT NOT NULL,
	created     INTEGER NOT NULL,
	num_access  INTEGER NOT NULL DEFAULT 0,
	last_access INTEGER,
	permanent   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS kontext_conc_persistence_created_idx
	ON kontext_conc_persistence (created);
`

// Row mirrors one archive record.
type Row struct {
	ID         common.QID
	Data       string
	Created    int64
	NumAccess  int
	LastAccess *int64
	Permanent  bool
}

type DB struct {
	head     *sql.DB
	replicas []*sql.DB // newest first
	logger   *zap.Logger
}

// Open prepares the writable head in dir (creating and migrating it when
// missing) and attaches every other *.db file as a read-only replica,
// newest first by modification time.
func Open(dir string, logger *zap.Logger) (*DB, error) {
	headPath := filepath.Join(dir, headFileName)

	head, err := sql.Open("sqlite3", headPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, xerrors.Errorf("open archive head: %w", err)
	}
	if _, err = head.Exec(schema); err != nil {
		return nil, xerrors.Errorf("migrate archive head: %w", err)
	}

	adb := &DB{head: head, logger: logger}

	files, err := filepath.Glob(filepath.Join(dir, "*.db"))
	if err != nil {
		return nil, err
	}
	type replicaFile struct {
		path  string
		mtime time.Time
	}
	var rfs []replicaFile
	for _, f := range files {
		if f == headPath {
			continue
		}
		fi, serr := os.Stat(f)
		if serr != nil {
			continue
		}
		rfs = append(rfs, replicaFile{f, fi.ModTime()})
	}
	sort.Slice(rfs, func(i, j int) bool { return rfs[i].mtime.After(rfs[j].mtime) })

	for _, rf := range rfs {
		r, rerr := sql.Open("sqlite3", rf.path+"?mode=ro&immutable=1")
		if rerr != nil {
			logger.Warn("skipping unreadable archive replica", zap.String("path", rf.path), zap.Error(rerr))
			continue
		}
		adb.replicas = append(adb.replicas, r)
	}

	return adb, nil
}

func (a *DB) Close() error {
	for _, r := range a.replicas {
		_ = r.Close()
	}
	return a.head.Close()
}

// Head exposes the writable database for transactional batch work.
func (a *DB) Head() *sql.DB { return a.head }

const selectRow = `
SELECT id, data, created, num_access, last_access, permanent
FROM kontext_conc_persistence WHERE id = ?`

func scanRow(r *sql.Row) (*Row, error) {
	row := &Row{}
	var permanent int
	err := r.Scan(&row.ID, &row.Data, &row.Created, &row.NumAccess, &row.LastAccess, &permanent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("read archive row: %w", err)
	}
	row.Permanent = permanent != 0
	return row, nil
}

// Find walks head first, then replicas newest-first. Returns nil on absence.
func (a *DB) Find(qid common.QID) (*Row, error) {
	row, err := scanRow(a.head.QueryRow(selectRow, qid))
	if err != nil || row != nil {
		return row, err
	}
	for _, r := range a.replicas {
		row, err = scanRow(r.QueryRow(selectRow, qid))
		if err != nil || row != nil {
			return row, err
		}
	}
	return nil, nil
}

// Exists checks only the head; the archiver uses it to dedupe inserts
// (replicas hold rotated-out history that may legitimately be re-archived
// into the head).
func (a *DB) Exists(qid common.QID) (bool, error) {
	var one int
	err := a.head.QueryRow(`SELECT 1 FROM kontext_conc_persistence WHERE id = ?`, qid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("archive exists: %w", err)
	}
	return true, nil
}

// Get returns the decoded record and bumps its access counters.
// Replicas are read-only, so rows found there are returned without the bump.
func (a *DB) Get(qid common.QID) (*common.QueryRecord, error) {
	row, err := scanRow(a.head.QueryRow(selectRow, qid))
	if err != nil {
		return nil, err
	}

	inHead := row != nil
	if !inHead {
		for _, r := range a.replicas {
			row, err = scanRow(r.QueryRow(selectRow, qid))
			if err != nil {
				return nil, err
			}
			if row != nil {
				break
			}
		}
	}
	if row == nil {
		return nil, nil
	}

	rec := &common.QueryRecord{}
	if err = json.Unmarshal([]byte(row.Data), rec); err != nil {
		return nil, xerrors.Errorf("decode archive row %s: %w", qid, err)
	}

	if inHead {
		_, err = a.head.Exec(
			`UPDATE kontext_conc_persistence
			 SET num_access = num_access + 1, last_access = ? WHERE id = ?`,
			time.Now().Unix(), qid,
		)
		if err != nil {
			// the record itself was read fine, only the counter is lost
			a.logger.Warn("archive access bump failed", zap.String("qid", string(qid)), zap.Error(err))
		}
	}

	return rec, nil
}
