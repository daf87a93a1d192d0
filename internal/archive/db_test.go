package archive_test

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"concord/internal/archive"
	"concord/internal/common"
)

// writeReplica creates a rotated-out archive file holding a single row.
func writeReplica(t *testing.T, path string, qid common.QID) {
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE kontext_conc_persistence (
		id TEXT PRIMARY KEY, data TEXT NOT NULL, created INTEGER NOT NULL,
		num_access INTEGER NOT NULL DEFAULT 0, last_access INTEGER,
		permanent INTEGER NOT NULL DEFAULT 0)`)
	require.NoError(t, err)

	data, err := json.Marshal(&common.QueryRecord{ID: qid, UserID: 42, Q: []string{"old"}})
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO kontext_conc_persistence (id, data, created) VALUES (?, ?, 500)`, qid, string(data))
	require.NoError(t, err)
}

func TestFindWalksReplicas(t *testing.T) {
	dir := t.TempDir()
	writeReplica(t, filepath.Join(dir, "archive.2024.db"), "~rotated0")

	adb, err := archive.Open(dir, zap.NewNop())
	require.NoError(t, err)
	defer adb.Close()

	row, err := adb.Find("~rotated0")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, "old", mustRecord(t, row.Data).Q[0])

	// replicas are history, not the dedupe surface
	exists, err := adb.Exists("~rotated0")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestGetBumpsHeadOnly(t *testing.T) {
	dir := t.TempDir()
	writeReplica(t, filepath.Join(dir, "archive.2024.db"), "~rotated0")

	adb, err := archive.Open(dir, zap.NewNop())
	require.NoError(t, err)
	defer adb.Close()

	// found in a replica: returned but not counted
	rec, err := adb.Get("~rotated0")
	require.NoError(t, err)
	require.NotNil(t, rec)

	row, err := adb.Find("~rotated0")
	require.NoError(t, err)
	require.Zero(t, row.NumAccess)
}

func mustRecord(t *testing.T, data string) *common.QueryRecord {
	rec := &common.QueryRecord{}
	require.NoError(t, json.Unmarshal([]byte(data), rec))
	return rec
}
