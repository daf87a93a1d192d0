package persist_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"concord/internal/archive"
	"concord/internal/common"
	"concord/internal/persist"
	"concord/test_util"
)

func prepareQueryStore(t *testing.T) (*persist.QueryStore, *test_util.Deps) {
	deps := test_util.PrepareDeps(t)
	qs := persist.NewQueryStore(deps.KV, deps.Archive, 0, 7, 100, zap.NewNop())
	return qs, deps
}

func TestStoreMintsValidIDs(t *testing.T) {
	qs, _ := prepareQueryStore(t)

	rec := &common.QueryRecord{Corpora: []string{"brown"}, Q: []string{"aword"}}
	qid, err := qs.Store(42, rec, nil)
	require.NoError(t, err)

	require.True(t, qs.IsValid(string(qid)))
	require.GreaterOrEqual(t, len(qid), 9) // "~" + at least 8 alphabet chars
	require.Equal(t, qid, rec.ID)
	require.Equal(t, 42, rec.UserID)
	require.NotZero(t, rec.Created)
}

func TestStoreIdenticalQueryReusesID(t *testing.T) {
	qs, deps := prepareQueryStore(t)

	prev := &common.QueryRecord{Corpora: []string{"brown"}, Q: []string{"aword"}}
	prevID, err := qs.Store(42, prev, nil)
	require.NoError(t, err)

	stored, err := deps.KV.Get(archive.RecordKey(prevID))
	require.NoError(t, err)

	// same steps and line groups: no new id, no write
	curr := &common.QueryRecord{Corpora: []string{"brown"}, Q: []string{"aword"}}
	currID, err := qs.Store(42, curr, prev)
	require.NoError(t, err)
	require.Equal(t, prevID, currID)
	require.Equal(t, prevID, curr.ID)

	after, err := deps.KV.Get(archive.RecordKey(prevID))
	require.NoError(t, err)
	require.Equal(t, stored, after)
}

func TestStoreChangedQueryChains(t *testing.T) {
	qs, _ := prepareQueryStore(t)

	prev := &common.QueryRecord{Corpora: []string{"brown"}, Q: []string{"aword"}}
	prevID, err := qs.Store(42, prev, nil)
	require.NoError(t, err)

	curr := &common.QueryRecord{Corpora: []string{"brown"}, Q: []string{"aword", "r250"}}
	currID, err := qs.Store(42, curr, prev)
	require.NoError(t, err)
	require.NotEqual(t, prevID, currID)

	got, err := qs.Open(currID)
	require.NoError(t, err)
	require.Equal(t, prevID, got.PrevID)

	// the chain walks back to the original query
	base, err := qs.Open(got.PrevID)
	require.NoError(t, err)
	require.Empty(t, base.PrevID)
	require.Equal(t, []string{"aword"}, base.Q)
}

func TestChangedLineGroupsGetNewID(t *testing.T) {
	qs, _ := prepareQueryStore(t)

	prev := &common.QueryRecord{Q: []string{"aword"}, LinesGroups: json.RawMessage(`[[1,0,1]]`)}
	prevID, err := qs.Store(42, prev, nil)
	require.NoError(t, err)

	curr := &common.QueryRecord{Q: []string{"aword"}, LinesGroups: json.RawMessage(`[[1,0,2]]`)}
	currID, err := qs.Store(42, curr, prev)
	require.NoError(t, err)
	require.NotEqual(t, prevID, currID)
}

func TestOpenRejectsMalformedID(t *testing.T) {
	qs, _ := prepareQueryStore(t)

	for _, bad := range []string{"", "noTilde1", "~", "~has space11", "~under_score"} {
		_, err := qs.Open(common.QID(bad))
		require.ErrorIs(t, err, common.ErrValidation, "id %q", bad)
	}
}

func TestOpenAbsentIDIsNil(t *testing.T) {
	qs, _ := prepareQueryStore(t)

	rec, err := qs.Open("~zzzzzzzz")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestOpenFallsBackToArchive(t *testing.T) {
	qs, deps := prepareQueryStore(t)

	qid := common.QID("~abcdefgh")
	data, err := json.Marshal(&common.QueryRecord{ID: qid, UserID: 42, Q: []string{"aword"}})
	require.NoError(t, err)
	_, err = deps.Archive.Head().Exec(
		`INSERT INTO kontext_conc_persistence (id, data, created, num_access, last_access, permanent)
		 VALUES (?, ?, 1000, 0, NULL, 0)`, qid, string(data))
	require.NoError(t, err)

	rec, err := qs.Open(qid)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, []string{"aword"}, rec.Q)

	// reading from the archive head counts as an access
	row, err := deps.Archive.Find(qid)
	require.NoError(t, err)
	require.Equal(t, 1, row.NumAccess)
	require.NotNil(t, row.LastAccess)
}

func TestArchivePushesMarkerAndChecksOwnership(t *testing.T) {
	qs, deps := prepareQueryStore(t)

	rec := &common.QueryRecord{Q: []string{"aword"}}
	qid, err := qs.Store(42, rec, nil)
	require.NoError(t, err)

	// only the owner may archive explicitly
	_, err = qs.Archive(7, qid, true)
	require.ErrorIs(t, err, common.ErrForbidden)

	// implicit archival (system-triggered) ignores ownership
	got, err := qs.Archive(7, qid, false)
	require.NoError(t, err)
	require.Equal(t, qid, got.ID)

	_, err = qs.Archive(42, qid, true)
	require.NoError(t, err)

	n, err := deps.KV.LLen(archive.QueueKey)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestArchiveUnknownIDIsNotFound(t *testing.T) {
	qs, _ := prepareQueryStore(t)

	_, err := qs.Archive(42, "~zzzzzzzz", false)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestRevokeValidatesAndQueues(t *testing.T) {
	qs, deps := prepareQueryStore(t)

	require.ErrorIs(t, qs.Revoke("bad id"), common.ErrValidation)

	require.NoError(t, qs.Revoke("~abcdefgh"))
	raw, err := deps.KV.LRange(archive.QueueKey, 0, -1)
	require.NoError(t, err)
	require.Len(t, raw, 1)

	item := archive.QueueItem{}
	require.NoError(t, json.Unmarshal(raw[0], &item))
	require.True(t, item.Revoke)
	require.Equal(t, common.QID("~abcdefgh"), item.Key)
}
