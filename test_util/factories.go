package test_util

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"concord/internal/archive"
	"concord/internal/kv"
)

// PrepareTestKV spins up a miniredis instance and a pool-backed store
// dialing it. Both are torn down with the test.
func PrepareTestKV(t *testing.T) (*kv.Store, *miniredis.Miniredis) {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	store := kv.NewFromPool(&redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", srv.Addr())
		},
	})
	t.Cleanup(func() { _ = store.Close() })

	return store, srv
}

// Deps bundles the external tiers most suites need together.
type Deps struct {
	KV         *kv.Store
	Redis      *miniredis.Miniredis
	Archive    *archive.DB
	ArchiveDir string
}

func PrepareDeps(t *testing.T) *Deps {
	store, srv := PrepareTestKV(t)
	adb, dir := PrepareTestArchive(t)
	return &Deps{KV: store, Redis: srv, Archive: adb, ArchiveDir: dir}
}

// PrepareTestArchive opens a fresh archive head in a temp dir.
func PrepareTestArchive(t *testing.T) (*archive.DB, string) {
	dir := t.TempDir()
	adb, err := archive.Open(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = adb.Close() })

	return adb, dir
}
