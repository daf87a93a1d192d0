package ui_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"concord/internal/common"
	"concord/internal/persist"
	"concord/internal/ui"
	"concord/test_util"
)

func prepareConcord(t *testing.T) (*ui.Concord, *test_util.ScriptedEngine, *test_util.Deps) {
	deps := test_util.PrepareDeps(t)
	eng := &test_util.ScriptedEngine{TicksToFinish: 2, FinalSize: 5}

	cfg := ui.DefaultCfg
	cfg.CacheRoot = t.TempDir()
	cfg.ArchiveDir = deps.ArchiveDir

	cs := &ui.CoreServices{
		KV:      deps.KV,
		Archive: deps.Archive,
		Engine:  eng,
		Logger:  zap.NewNop(),
		Cfg:     cfg,
	}
	return ui.NewConcord(cs), eng, deps
}

func TestSearchEndToEnd(t *testing.T) {
	app, eng, _ := prepareConcord(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	curr := &common.QueryRecord{
		Corpora:   []string{"brown"},
		Q:         []string{"aword"},
		Supertype: common.SupertypeConc,
	}
	qid, handle, err := app.Search(ctx, 42, curr, nil)
	require.NoError(t, err)
	require.True(t, app.Queries.IsValid(string(qid)))

	path, size, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 5, size)
	require.FileExists(t, path)

	// the query landed in the user's history
	entries, err := app.History.List(42, persist.ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, qid, entries[0].QID)

	// refining the query chains the records but shares no computation
	next := &common.QueryRecord{
		Corpora:   []string{"brown"},
		Q:         []string{"aword", "r250"},
		Supertype: common.SupertypeConc,
	}
	nextID, handle2, err := app.Search(ctx, 42, next, curr)
	require.NoError(t, err)
	require.NotEqual(t, qid, nextID)

	_, _, err = handle2.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, eng.Starts())

	rec, err := app.Queries.Open(nextID)
	require.NoError(t, err)
	require.Equal(t, qid, rec.PrevID)
}

func TestSearchThenArchiveRoundTrip(t *testing.T) {
	app, _, deps := prepareConcord(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	curr := &common.QueryRecord{Corpora: []string{"brown"}, Q: []string{"aword"}}
	qid, handle, err := app.Search(ctx, 42, curr, nil)
	require.NoError(t, err)
	_, _, err = handle.Wait(ctx)
	require.NoError(t, err)

	_, err = app.Queries.Archive(42, qid, true)
	require.NoError(t, err)

	report := app.RunArchiver(ctx, false)
	require.Empty(t, report.Error)
	require.Equal(t, 1, report.NumProcessed)

	row, err := deps.Archive.Find(qid)
	require.NoError(t, err)
	require.NotNil(t, row)

	// a revoke marker removes the row again
	require.NoError(t, app.Queries.Revoke(qid))
	report = app.RunArchiver(ctx, false)
	require.Empty(t, report.Error)

	row, err = deps.Archive.Find(qid)
	require.NoError(t, err)
	require.Nil(t, row)

	// the record itself stays resolvable via the KV tier until its TTL runs out
	rec, err := app.Queries.Open(qid)
	require.NoError(t, err)
	require.NotNil(t, rec)
}
