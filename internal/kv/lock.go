package kv

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

const (
	lockRetryPause = 10 * time.Millisecond
	lockWaitLimit  = 10 * time.Second
)

// WithLock runs fn while holding an advisory lock on lockKey
// (SET NX with a TTL, owner-checked release). The ttl bounds how long a
// crashed holder can block others.
func (s *Store) WithLock(lockKey string, ttl time.Duration, fn func() error) error {
	owner := []byte(uuid.NewString())

	deadline := time.Now().Add(lockWaitLimit)
	for {
		ok, err := s.SetNX(lockKey, owner, ttl)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return xerrors.Errorf("kv lock %s: wait limit exceeded", lockKey)
		}
		time.Sleep(lockRetryPause)
	}

	defer func() {
		// release only if still ours, an expired lock may have been retaken
		_, _ = s.DelIfEquals(lockKey, owner)
	}()

	return fn()
}
