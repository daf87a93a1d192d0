package persist

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"concord/internal/archive"
	"concord/internal/common"
	"concord/test_util"
)

func TestQIDTakenSeesReplicas(t *testing.T) {
	store, _ := test_util.PrepareTestKV(t)

	dir := t.TempDir()
	replica, err := sql.Open("sqlite3", filepath.Join(dir, "archive.2024.db"))
	require.NoError(t, err)
	_, err = replica.Exec(`CREATE TABLE kontext_conc_persistence (
		id TEXT PRIMARY KEY, data TEXT NOT NULL, created INTEGER NOT NULL,
		num_access INTEGER NOT NULL DEFAULT 0, last_access INTEGER,
		permanent INTEGER NOT NULL DEFAULT 0)`)
	require.NoError(t, err)
	_, err = replica.Exec(
		`INSERT INTO kontext_conc_persistence (id, data, created) VALUES ('~rotated0', '{}', 500)`)
	require.NoError(t, err)
	require.NoError(t, replica.Close())

	adb, err := archive.Open(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = adb.Close() })

	qs := NewQueryStore(store, adb, 0, 7, 100, zap.NewNop())

	// lives only in a rotated-out replica, still off limits for minting
	taken, err := qs.qidTaken("~rotated0")
	require.NoError(t, err)
	require.True(t, taken)

	taken, err = qs.qidTaken("~unused00")
	require.NoError(t, err)
	require.False(t, taken)

	// a KV-tier record blocks the id as well
	require.NoError(t, store.Set(archive.RecordKey("~kvonly00"), []byte("{}"), 0))
	taken, err = qs.qidTaken("~kvonly00")
	require.NoError(t, err)
	require.True(t, taken)

	_, err = qs.Store(42, &common.QueryRecord{Q: []string{"aword"}}, nil)
	require.NoError(t, err)
}
