package common_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"concord/internal/common"
)

func TestValidQID(t *testing.T) {
	for _, ok := range []string{"~Fx3Qp0aZ", "~a", "~0123456789abcXYZ"} {
		require.True(t, common.ValidQID(ok), ok)
	}
	for _, bad := range []string{"", "~", "Fx3Qp0aZ", "~with space", "~semi;colon", "~tilde~"} {
		require.False(t, common.ValidQID(bad), bad)
	}
}

func TestMintIDCode(t *testing.T) {
	code := common.MintIDCode()
	require.GreaterOrEqual(t, len(code), common.MinQIDLen)
	require.True(t, common.ValidQID("~"+code))

	// time-seeded: consecutive mints must not repeat
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		c := common.MintIDCode()
		require.False(t, seen[c])
		seen[c] = true
	}
}

func TestSameQuery(t *testing.T) {
	a := &common.QueryRecord{Q: []string{"aword", "r250"}}
	b := &common.QueryRecord{Q: []string{"aword", "r250"}, UserID: 99, Corpora: []string{"brown"}}
	require.True(t, a.SameQuery(b)) // only steps and groups participate

	b = &common.QueryRecord{Q: []string{"aword"}}
	require.False(t, a.SameQuery(b))

	b = &common.QueryRecord{Q: []string{"aword", "r250"}, LinesGroups: json.RawMessage(`[[1,0,1]]`)}
	require.False(t, a.SameQuery(b))

	require.False(t, a.SameQuery(nil))
}
