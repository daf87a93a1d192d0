package conc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"concord/internal/common"
	"concord/internal/kv"
)

// CacheEntry is the per-(corpus,fingerprint) cache index record.
type CacheEntry struct {
	ResultPath string             `json:"result_path"`
	StoredSize int64              `json:"stored_size"` // result items flushed so far, never decreases
	StatusKey  string             `json:"status_key"`
	Q0Fp       common.Fingerprint `json:"q0_fp"` // fingerprint of the base query step only
}

// CacheIndex is a durable per-corpus map fingerprint->CacheEntry living in
// the KV tier, plus the backing cache directory on disk. All mutations of a
// single (corpus, fp) are serialized by an advisory KV lock; the data files
// are only written via temp + atomic rename, so readers never observe a
// file shorter than the StoredSize they read.
type CacheIndex struct {
	kv     *kv.Store
	root   string // cache files live in <root>/<corpus>/
	regDir string // corpus registry dir, empty disables staleness checks
	logger *zap.Logger
}

const (
	indexLockTTL = 10 * time.Second
	resultExt    = ".conc"
)

func NewCacheIndex(store *kv.Store, cacheRoot, registryDir string, logger *zap.Logger) *CacheIndex {
	return &CacheIndex{
		kv:     store,
		root:   cacheRoot,
		regDir: registryDir,
		logger: logger,
	}
}

func (ci *CacheIndex) hashKey(corpus string) string { return "conc_cache:" + corpus }
func (ci *CacheIndex) stampKey(corpus string) string {
	return "conc_cache_created:" + corpus
}
func (ci *CacheIndex) lockKey(corpus string, fp common.Fingerprint) string {
	return fmt.Sprintf("conc_cache_lock:%s:%s", corpus, fp)
}
func (ci *CacheIndex) corpusDir(corpus string) string {
	return filepath.Join(ci.root, corpus)
}
func (ci *CacheIndex) resultPath(corpus string, fp common.Fingerprint) string {
	return filepath.Join(ci.corpusDir(corpus), string(fp)+resultExt)
}

// Lookup returns nil on a miss. An entry whose result file is gone is
// dropped and reported as a miss, the caller recomputes.
func (ci *CacheIndex) Lookup(corpus string, fp common.Fingerprint) (*CacheEntry, error) {
	if err := ci.Refresh(corpus); err != nil {
		return nil, err
	}

	b, err := ci.kv.HGet(ci.hashKey(corpus), string(fp))
	if err != nil || b == nil {
		return nil, err
	}

	entry := &CacheEntry{}
	if err = json.Unmarshal(b, entry); err != nil {
		// corrupt index state: purge the whole corpus cache
		ci.logger.Warn("corrupt cache entry, purging corpus cache",
			zap.String("corpus", corpus), zap.String("fp", string(fp)))
		return nil, ci.purge(corpus)
	}

	if _, err = os.Stat(entry.ResultPath); err != nil {
		_ = ci.kv.HDel(ci.hashKey(corpus), string(fp))
		return nil, nil
	}

	return entry, nil
}

// InsertOrBump creates the entry for fp or grows its stored size,
// atomically with respect to concurrent calls on the same (corpus, fp).
//
//   - no entry: a new one is created with the given size and status key
//     (generated when empty), alreadyPresent=false;
//   - entry with a smaller size: only the size grows, the existing status
//     key is returned as priorStatusKey, alreadyPresent=true;
//   - entry with an equal or bigger size: returned unmodified.
func (ci *CacheIndex) InsertOrBump(
	corpus, subcorpus string,
	steps []string,
	newSize int64,
	statusKey string,
) (entry *CacheEntry, priorStatusKey string, alreadyPresent bool, err error) {
	if len(steps) == 0 {
		err = xerrors.Errorf("insert into cache index: empty query: %w", common.ErrValidation)
		return
	}

	fp := ComputeFingerprint(subcorpus, steps)

	if err = ci.Refresh(corpus); err != nil {
		return
	}

	err = ci.kv.WithLock(ci.lockKey(corpus, fp), indexLockTTL, func() error {
		cur, lerr := ci.kv.HGet(ci.hashKey(corpus), string(fp))
		if lerr != nil {
			return lerr
		}

		if cur != nil {
			entry = &CacheEntry{}
			if lerr = json.Unmarshal(cur, entry); lerr != nil {
				return xerrors.Errorf("decode cache entry %s/%s: %w", corpus, fp, lerr)
			}
			alreadyPresent = true
			priorStatusKey = entry.StatusKey
			if entry.StoredSize >= newSize {
				return nil
			}
			entry.StoredSize = newSize
			return ci.writeEntry(corpus, fp, entry)
		}

		if statusKey == "" {
			statusKey = GenerateStatusKey(corpus, fp)
		}
		if lerr = os.MkdirAll(ci.corpusDir(corpus), 0755); lerr != nil {
			return xerrors.Errorf("cache dir %s: %w", corpus, lerr)
		}
		entry = &CacheEntry{
			ResultPath: ci.resultPath(corpus, fp),
			StoredSize: newSize,
			StatusKey:  statusKey,
			Q0Fp:       q0Fingerprint(subcorpus, steps),
		}
		return ci.writeEntry(corpus, fp, entry)
	})
	return
}

// Finalize records the completed computation: the size takes its final
// value and the status key is cleared. An empty status key is the durable
// completion marker, it outlives any TTL on the status itself.
func (ci *CacheIndex) Finalize(corpus, subcorpus string, steps []string, finalSize int64) error {
	fp := ComputeFingerprint(subcorpus, steps)

	return ci.kv.WithLock(ci.lockKey(corpus, fp), indexLockTTL, func() error {
		cur, err := ci.kv.HGet(ci.hashKey(corpus), string(fp))
		if err != nil {
			return err
		}

		entry := &CacheEntry{}
		if cur != nil {
			if err = json.Unmarshal(cur, entry); err != nil {
				return xerrors.Errorf("decode cache entry %s/%s: %w", corpus, fp, err)
			}
		} else {
			// a concurrent lookup dropped the entry before the result file
			// appeared, recreate it
			entry.ResultPath = ci.resultPath(corpus, fp)
			entry.Q0Fp = q0Fingerprint(subcorpus, steps)
		}
		if entry.StoredSize < finalSize {
			entry.StoredSize = finalSize
		}
		entry.StatusKey = ""
		return ci.writeEntry(corpus, fp, entry)
	})
}

// ReplaceStatusKey flips the entry's status key to the new leader's one
// after a stale-computation takeover.
func (ci *CacheIndex) ReplaceStatusKey(corpus string, fp common.Fingerprint, statusKey string) error {
	return ci.kv.WithLock(ci.lockKey(corpus, fp), indexLockTTL, func() error {
		cur, err := ci.kv.HGet(ci.hashKey(corpus), string(fp))
		if err != nil || cur == nil {
			return err
		}
		entry := &CacheEntry{}
		if err = json.Unmarshal(cur, entry); err != nil {
			return xerrors.Errorf("decode cache entry %s/%s: %w", corpus, fp, err)
		}
		entry.StatusKey = statusKey
		return ci.writeEntry(corpus, fp, entry)
	})
}

func (ci *CacheIndex) writeEntry(corpus string, fp common.Fingerprint, entry *CacheEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Errorf("encode cache entry %s/%s: %w", corpus, fp, err)
	}
	return ci.kv.HSet(ci.hashKey(corpus), string(fp), b)
}

// Delete removes the entry and its result file.
func (ci *CacheIndex) Delete(corpus string, fp common.Fingerprint) error {
	return ci.kv.WithLock(ci.lockKey(corpus, fp), indexLockTTL, func() error {
		b, err := ci.kv.HGet(ci.hashKey(corpus), string(fp))
		if err != nil {
			return err
		}
		if err = ci.kv.HDel(ci.hashKey(corpus), string(fp)); err != nil {
			return err
		}
		if b != nil {
			entry := &CacheEntry{}
			if json.Unmarshal(b, entry) == nil {
				_ = os.Remove(entry.ResultPath)
			}
		}
		return nil
	})
}

// DeleteDerivations removes every entry derived from the same base query
// step as fp (matching Q0Fp). The index mutation is a single HDEL, so it is
// never partial; file removal afterwards is best-effort.
func (ci *CacheIndex) DeleteDerivations(corpus string, fp common.Fingerprint) error {
	all, err := ci.kv.HGetAll(ci.hashKey(corpus))
	if err != nil {
		return err
	}

	self, ok := all[string(fp)]
	if !ok {
		return nil
	}
	target := &CacheEntry{}
	if err = json.Unmarshal(self, target); err != nil {
		return xerrors.Errorf("decode cache entry %s/%s: %w", corpus, fp, err)
	}

	var (
		fields []string
		paths  []string
	)
	for field, raw := range all {
		entry := &CacheEntry{}
		if json.Unmarshal(raw, entry) != nil {
			continue
		}
		if entry.Q0Fp == target.Q0Fp {
			fields = append(fields, field)
			paths = append(paths, entry.ResultPath)
		}
	}

	if err = ci.kv.HDel(ci.hashKey(corpus), fields...); err != nil {
		return err
	}
	for _, p := range paths {
		_ = os.Remove(p)
	}
	return nil
}

// Refresh invalidates the whole per-corpus cache when the corpus registry
// was modified after the cache directory was created. Idempotent.
func (ci *CacheIndex) Refresh(corpus string) error {
	if ci.regDir == "" {
		return nil
	}

	reg, err := os.Stat(filepath.Join(ci.regDir, corpus))
	if err != nil {
		return nil // no registry file, nothing to compare against
	}

	b, err := ci.kv.Get(ci.stampKey(corpus))
	if err != nil {
		return err
	}
	if b != nil {
		stamp, perr := strconv.ParseInt(string(b), 10, 64)
		if perr == nil && reg.ModTime().Unix() <= stamp {
			return nil // cache is fresh
		}
	}

	return ci.purge(corpus)
}

// purge drops the whole per-corpus cache (directory and index) and stamps
// the new creation time.
func (ci *CacheIndex) purge(corpus string) error {
	if err := os.RemoveAll(ci.corpusDir(corpus)); err != nil {
		return xerrors.Errorf("purge cache dir %s: %w", corpus, err)
	}
	if err := ci.kv.Del(ci.hashKey(corpus)); err != nil {
		return err
	}
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	return ci.kv.Set(ci.stampKey(corpus), []byte(stamp), 0)
}
