package conc

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"concord/internal/common"
	"concord/internal/engine"
	"concord/internal/kv"
)

// Coordinator guarantees that for any (corpus, fingerprint) at most one
// active computation exists across all workers, and that concurrent readers
// share its incrementally flushed output.
//
// Cross-process leadership is a SET NX on a lead key in the KV tier;
// duplicate callers inside one process additionally collapse via
// singleflight before ever touching the KV.
type Coordinator struct {
	kv     *kv.Store
	idx    *CacheIndex
	eng    engine.Engine
	logger *zap.Logger

	pid string // worker identity published in statuses
	sf  singleflight.Group
}

const (
	initialWait = 100 * time.Millisecond
	waitStep    = 100 * time.Millisecond
)

func NewCoordinator(store *kv.Store, idx *CacheIndex, eng engine.Engine, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		kv:     store,
		idx:    idx,
		eng:    eng,
		logger: logger,
		pid:    uuid.NewString()[:8],
	}
}

func leadKey(corpus string, fp common.Fingerprint) string {
	return fmt.Sprintf("conc_cache_lead:%s:%s", corpus, fp)
}

// Handle follows one computation: either a finished cache entry or a live
// leader publishing progress. Readers stream prefix bytes of Path as
// StoredSize grows.
type Handle struct {
	Corpus string
	FP     common.Fingerprint

	c         *Coordinator
	statusKey string // falls back to the entry's key once the entry exists
}

// Poll reads the current state of the computation.
// size never exceeds the result items committed to the entry's file at the
// moment of the read (flush happens before the index bump).
func (h *Handle) Poll() (path string, size int64, finished bool, err error) {
	entry, err := h.c.idx.Lookup(h.Corpus, h.FP)
	if err != nil {
		return
	}

	statusKey := h.statusKey
	if entry != nil {
		path, size = entry.ResultPath, entry.StoredSize
		if entry.StatusKey == "" {
			// the empty status key is the durable completion marker
			finished = true
			return
		}
		statusKey = entry.StatusKey
	}

	st, err := ReadStatus(h.c.kv, statusKey)
	if err != nil {
		return
	}

	switch {
	case st == nil:
		// the status expired before the entry was finalized: its leader
		// died mid-computation, the stored size is a truncated partial
		err = common.ErrStaleComputation
	case st.Error != "":
		// a failed computation's entry is garbage: drop it so the next
		// caller recomputes
		_ = h.c.idx.Delete(h.Corpus, h.FP)
		err = xerrors.Errorf("computation failed: %s", st.Error)
	case st.Finished:
		finished = true
	case !st.Alive():
		err = common.ErrStaleComputation
	}
	return
}

// Wait polls until the computation finishes, returning the result path and
// final size. A stale leader surfaces as ErrStaleComputation: retry
// GetOrCompute to take over.
func (h *Handle) Wait(ctx context.Context) (path string, size int64, err error) {
	tick := time.NewTicker(initialWait)
	defer tick.Stop()

	for {
		var finished bool
		path, size, finished, err = h.Poll()
		if err != nil || finished {
			return
		}

		select {
		case <-ctx.Done():
			err = ctx.Err()
			return
		case <-tick.C:
		}
	}
}

// GetOrCompute returns a handle to the cached result of (corpus, subcorpus,
// steps), attaching to a running computation or starting a new one.
func (c *Coordinator) GetOrCompute(ctx context.Context, corpus, subcorpus string, steps []string) (*Handle, error) {
	if len(steps) == 0 {
		return nil, xerrors.Errorf("get or compute: empty query: %w", common.ErrValidation)
	}

	fp := ComputeFingerprint(subcorpus, steps)
	v, err, _ := c.sf.Do(corpus+"/"+string(fp), func() (any, error) {
		return c.getOrCompute(ctx, corpus, subcorpus, steps, fp)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (c *Coordinator) getOrCompute(ctx context.Context, corpus, subcorpus string, steps []string, fp common.Fingerprint) (*Handle, error) {
	entry, err := c.idx.Lookup(corpus, fp)
	if err != nil {
		return nil, err
	}

	if entry != nil {
		if entry.StatusKey == "" {
			// finalized earlier
			return &Handle{Corpus: corpus, FP: fp, c: c}, nil
		}

		st, err := ReadStatus(c.kv, entry.StatusKey)
		if err != nil {
			return nil, err
		}

		switch {
		case st == nil:
			// a recorded status key with no status behind it means the
			// leader died before finalizing: take over. Remove its lead key
			// only while it is still the dead leader's, a fresh candidate
			// may have claimed it already.
			_, _ = c.kv.DelIfEquals(leadKey(corpus, fp), []byte(entry.StatusKey))
		case st.Error != "":
			// failed computation left a dead entry behind: drop and recompute
			if err = c.idx.Delete(corpus, fp); err != nil {
				return nil, err
			}
		case st.Finished:
			return &Handle{Corpus: corpus, FP: fp, c: c, statusKey: entry.StatusKey}, nil
		case st.Alive():
			return &Handle{Corpus: corpus, FP: fp, c: c, statusKey: entry.StatusKey}, nil
		default:
			// stale leader: discard its status and its lead key (owner
			// checked, see above)
			_ = c.kv.Del(entry.StatusKey)
			_, _ = c.kv.DelIfEquals(leadKey(corpus, fp), []byte(entry.StatusKey))
		}
	}

	return c.lead(ctx, corpus, subcorpus, steps, fp)
}

// lead tries to become the leader for (corpus, fp). Losing the SET NX race
// attaches to the winner instead.
func (c *Coordinator) lead(ctx context.Context, corpus, subcorpus string, steps []string, fp common.Fingerprint) (*Handle, error) {
	statusKey := GenerateStatusKey(corpus, fp)

	// the status goes out before the lead key: whoever observes the lead
	// key can always read the leader's status
	if err := publishStatus(c.kv, statusKey, &Status{
		PID:       c.pid,
		LastCheck: time.Now().Unix(),
		CurrWait:  initialWait.Milliseconds(),
	}, statusTTL(initialWait)); err != nil {
		return nil, err
	}

	won, err := c.kv.SetNX(leadKey(corpus, fp), []byte(statusKey), statusTTL(initialWait))
	if err != nil {
		return nil, err
	}
	if !won {
		_ = c.kv.Del(statusKey) // lost the race, our status is garbage
		cur, gerr := c.kv.Get(leadKey(corpus, fp))
		if gerr != nil {
			return nil, gerr
		}
		return &Handle{Corpus: corpus, FP: fp, c: c, statusKey: string(cur)}, nil
	}

	entry, _, present, err := c.idx.InsertOrBump(corpus, subcorpus, steps, 0, statusKey)
	if err != nil {
		return nil, err
	}
	if present && entry.StatusKey != statusKey {
		// takeover of an unfinished entry: flip ownership to our status key
		if err = c.idx.ReplaceStatusKey(corpus, fp, statusKey); err != nil {
			return nil, err
		}
	}

	go c.runLeader(corpus, subcorpus, steps, fp, entry.ResultPath, statusKey)

	return &Handle{Corpus: corpus, FP: fp, c: c, statusKey: statusKey}, nil
}

// runLeader executes the search and streams snapshots into the cache file.
// It is detached from the caller's context: readers may come and go, the
// leader only stops on completion or failure. Process death is covered by
// status expiration and takeover.
func (c *Coordinator) runLeader(corpus, subcorpus string, steps []string, fp common.Fingerprint, resultPath, statusKey string) {
	job, err := c.eng.Start(context.Background(), corpus, subcorpus, steps)
	if err != nil {
		c.fail(corpus, fp, statusKey, xerrors.Errorf("engine start: %w", err))
		return
	}

	currWait := initialWait
	for {
		time.Sleep(currWait)

		finished := job.Finished()

		if err = c.flush(job, resultPath, !finished); err != nil {
			c.fail(corpus, fp, statusKey, err)
			return
		}

		ttl := statusTTL(currWait)

		if finished {
			// flush happened first, so finalizing cannot claim more than
			// the file holds
			if err = c.idx.Finalize(corpus, subcorpus, steps, job.Size()); err != nil {
				c.fail(corpus, fp, statusKey, err)
				return
			}
			_ = publishStatus(c.kv, statusKey, &Status{
				PID:       c.pid,
				LastCheck: time.Now().Unix(),
				CurrWait:  currWait.Milliseconds(),
				Finished:  true,
				Sizes:     job.Sizes(),
			}, ttl)
			_, _ = c.kv.DelIfEquals(leadKey(corpus, fp), []byte(statusKey))
			c.logger.Debug("computation finished",
				zap.String("corpus", corpus), zap.String("fp", string(fp)), zap.Int64("size", job.Size()))
			return
		}

		// flush happened first: the index never claims more than the file holds
		if _, _, _, err = c.idx.InsertOrBump(corpus, subcorpus, steps, job.Size(), statusKey); err != nil {
			c.fail(corpus, fp, statusKey, err)
			return
		}

		err = publishStatus(c.kv, statusKey, &Status{
			PID:       c.pid,
			LastCheck: time.Now().Unix(),
			CurrWait:  currWait.Milliseconds(),
			Sizes:     job.Sizes(),
		}, ttl)
		if err != nil {
			c.fail(corpus, fp, statusKey, err)
			return
		}

		_ = c.kv.Expire(leadKey(corpus, fp), ttl)
		currWait += waitStep
	}
}

// flush writes the job snapshot next to the result file and renames it in.
// Result files are content-addressed, the rename never clobbers another
// query's data.
func (c *Coordinator) flush(job engine.Job, resultPath string, partial bool) error {
	tmp := fmt.Sprintf("%s.tmp.%s", resultPath, c.pid)
	if err := job.Save(tmp, partial); err != nil {
		_ = os.Remove(tmp)
		return xerrors.Errorf("save snapshot: %w", err)
	}
	if err := os.Rename(tmp, resultPath); err != nil {
		_ = os.Remove(tmp)
		return xerrors.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// fail publishes the error once and abandons leadership. Cleanup of the
// cache entry is the readers' concern (they drop entries carrying an error).
func (c *Coordinator) fail(corpus string, fp common.Fingerprint, statusKey string, err error) {
	c.logger.Warn("computation failed",
		zap.String("corpus", corpus), zap.String("fp", string(fp)), zap.Error(err))

	_ = publishStatus(c.kv, statusKey, &Status{
		PID:       c.pid,
		LastCheck: time.Now().Unix(),
		Error:     err.Error(),
	}, statusTTL(initialWait))
	_, _ = c.kv.DelIfEquals(leadKey(corpus, fp), []byte(statusKey))
}
