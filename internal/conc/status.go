package conc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"concord/internal/common"
	"concord/internal/engine"
	"concord/internal/kv"
)

// Status is the live state of a computation, published by its leader under
// the cache entry's status key. Readers use it both for progress reporting
// and as a liveness proxy: a leader that stopped re-publishing is dead.
type Status struct {
	PID       string `json:"pid"`
	LastCheck int64  `json:"last_check"` // epoch seconds of the last update
	CurrWait  int64  `json:"curr_wait"`  // milliseconds between the last two ticks
	Finished  bool   `json:"finished"`
	Error     string `json:"error,omitempty"`

	engine.Sizes
}

// aliveGrace pads the liveness window so a leader blocked on a slow flush
// is not declared dead between two ticks.
const aliveGrace = 2 * time.Second

// Alive reports whether the owning computation should be considered running.
func (st *Status) Alive() bool {
	if st.Finished {
		return false
	}
	window := 2*time.Duration(st.CurrWait)*time.Millisecond + aliveGrace
	return time.Since(time.Unix(st.LastCheck, 0)) <= window
}

// statusTTL keeps the status key alive strictly longer than the next
// expected tick. Derived from the current wait, floored at 100s so a
// short-lived key cannot expire between coarse scheduler runs.
func statusTTL(currWait time.Duration) time.Duration {
	ttl := 2*currWait + time.Minute
	if ttl < 100*time.Second {
		ttl = 100 * time.Second
	}
	return ttl
}

// GenerateStatusKey makes a status key unique to one computation attempt.
// The random fragment ensures a takeover never re-reads the dead leader's
// final write.
func GenerateStatusKey(corpus string, fp common.Fingerprint) string {
	return fmt.Sprintf("conc_cache_status:%s:%s:%s", corpus, fp, uuid.NewString()[:8])
}

// ReadStatus returns nil when the key is absent (expired or never written).
func ReadStatus(store *kv.Store, statusKey string) (*Status, error) {
	if statusKey == "" {
		return nil, nil
	}
	b, err := store.Get(statusKey)
	if err != nil || b == nil {
		return nil, err
	}

	st := &Status{}
	if err = json.Unmarshal(b, st); err != nil {
		return nil, xerrors.Errorf("decode status %s: %w", statusKey, err)
	}
	return st, nil
}

func publishStatus(store *kv.Store, statusKey string, st *Status, ttl time.Duration) error {
	b, err := json.Marshal(st)
	if err != nil {
		return xerrors.Errorf("encode status %s: %w", statusKey, err)
	}
	return store.Set(statusKey, b, ttl)
}
