package archive_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"concord/internal/archive"
	"concord/internal/common"
	"concord/test_util"
)

func insertRow(t *testing.T, deps *test_util.Deps, qid common.QID, userID int, created int64, numAccess int) {
	data, err := json.Marshal(&common.QueryRecord{ID: qid, UserID: userID, Q: []string{"aword"}})
	require.NoError(t, err)
	_, err = deps.Archive.Head().Exec(
		`INSERT INTO kontext_conc_persistence (id, data, created, num_access, last_access, permanent)
		 VALUES (?, ?, ?, ?, NULL, 0)`,
		qid, string(data), created, numAccess)
	require.NoError(t, err)
}

func TestCleanerPromotesAndDeletes(t *testing.T) {
	deps := test_util.PrepareDeps(t)
	cleaner := archive.NewCleaner(deps.KV, deps.Archive, 0, 90, zap.NewNop())

	old := time.Now().AddDate(0, 0, -91).Unix()
	fresh := time.Now().AddDate(0, 0, -10).Unix()

	insertRow(t, deps, "~userowne", 42, old, 0)  // user-owned: promote
	insertRow(t, deps, "~anonidle", 0, old, 0)   // anonymous, never read: delete
	insertRow(t, deps, "~anonread", 0, old, 3)   // anonymous but shared: keep
	insertRow(t, deps, "~tooyoung", 0, fresh, 0) // inside the window: keep

	report, err := cleaner.Run(context.Background(), 100, false)
	require.NoError(t, err)
	require.False(t, report.Skipped)
	require.Equal(t, 1, report.Promoted)
	require.Equal(t, 1, report.Deleted)

	row, err := deps.Archive.Find("~userowne")
	require.NoError(t, err)
	require.True(t, row.Permanent)

	row, err = deps.Archive.Find("~anonidle")
	require.NoError(t, err)
	require.Nil(t, row)

	row, err = deps.Archive.Find("~anonread")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.False(t, row.Permanent)

	row, err = deps.Archive.Find("~tooyoung")
	require.NoError(t, err)
	require.NotNil(t, row)
}

func TestCleanerCheckpointSuppressesRepeatRuns(t *testing.T) {
	deps := test_util.PrepareDeps(t)
	cleaner := archive.NewCleaner(deps.KV, deps.Archive, 0, 90, zap.NewNop())

	insertRow(t, deps, "~anonidle", 0, time.Now().AddDate(0, 0, -91).Unix(), 0)

	report, err := cleaner.Run(context.Background(), 100, false)
	require.NoError(t, err)
	require.False(t, report.Skipped)
	require.Equal(t, 1, report.Deleted)

	report, err = cleaner.Run(context.Background(), 100, false)
	require.NoError(t, err)
	require.True(t, report.Skipped)
	require.Zero(t, report.Deleted)
}

func TestCleanerDryRunTouchesNothing(t *testing.T) {
	deps := test_util.PrepareDeps(t)
	cleaner := archive.NewCleaner(deps.KV, deps.Archive, 0, 90, zap.NewNop())

	old := time.Now().AddDate(0, 0, -91).Unix()
	insertRow(t, deps, "~userowne", 42, old, 0)
	insertRow(t, deps, "~anonidle", 0, old, 0)

	report, err := cleaner.Run(context.Background(), 100, true)
	require.NoError(t, err)
	require.True(t, report.DryRun)
	require.Equal(t, 1, report.Promoted)
	require.Equal(t, 1, report.Deleted)

	// both rows untouched, no checkpoint: a real run still does the work
	row, err := deps.Archive.Find("~anonidle")
	require.NoError(t, err)
	require.NotNil(t, row)

	report, err = cleaner.Run(context.Background(), 100, false)
	require.NoError(t, err)
	require.False(t, report.Skipped)
	require.Equal(t, 1, report.Deleted)
}

func TestCleanerLeavesUnreadableRowsAlone(t *testing.T) {
	deps := test_util.PrepareDeps(t)
	cleaner := archive.NewCleaner(deps.KV, deps.Archive, 0, 90, zap.NewNop())

	old := time.Now().AddDate(0, 0, -91).Unix()
	_, err := deps.Archive.Head().Exec(
		`INSERT INTO kontext_conc_persistence (id, data, created, num_access, last_access, permanent)
		 VALUES ('~broken00', '{not json', ?, 0, NULL, 0)`, old)
	require.NoError(t, err)

	report, err := cleaner.Run(context.Background(), 100, false)
	require.NoError(t, err)
	require.Zero(t, report.Promoted)
	require.Zero(t, report.Deleted)

	row, err := deps.Archive.Find("~broken00")
	require.NoError(t, err)
	require.NotNil(t, row)
}
