package persist

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"concord/internal/archive"
	"concord/internal/common"
	"concord/internal/kv"
)

// HistoryEntry is one line of a user's query history.
// Named entries are pinned: they survive trimming.
type HistoryEntry struct {
	QID       common.QID       `json:"qid"`
	Created   int64            `json:"created"`
	Name      string           `json:"name,omitempty"`
	Supertype common.Supertype `json:"supertype"`
}

// ListFilter narrows History.List output. Zero values mean "no constraint".
type ListFilter struct {
	From, To     int64 // epoch seconds
	Supertype    common.Supertype
	Corpus       string
	ArchivedOnly bool
}

// History is the per-user ordered index of query ids, kept as a KV list.
// Entries are owner-private: the user id is part of every key, cross-user
// reads cannot be expressed.
type History struct {
	kv      *kv.Store
	arch    *archive.DB
	queries *QueryStore
	logger  *zap.Logger

	maxUnnamed int // un-named entries kept per user
}

const historyLockTTL = 5 * time.Second

func NewHistory(store *kv.Store, arch *archive.DB, queries *QueryStore, maxUnnamed int, logger *zap.Logger) *History {
	return &History{
		kv:         store,
		arch:       arch,
		queries:    queries,
		logger:     logger,
		maxUnnamed: maxUnnamed,
	}
}

func historyKey(userID int) string  { return fmt.Sprintf("query_history:%d", userID) }
func historyLock(userID int) string { return historyKey(userID) + ":lock" }

// Store appends a history line and returns its timestamp. The append and
// the trim happen in one locked rewrite so concurrent appends cannot be
// lost to the write-back.
func (h *History) Store(userID int, qid common.QID, supertype common.Supertype) (int64, error) {
	entry := HistoryEntry{QID: qid, Created: time.Now().Unix(), Supertype: supertype}
	err := h.rewrite(userID, func(entries []HistoryEntry) ([]HistoryEntry, error) {
		return h.trimUnnamed(append(entries, entry)), nil
	})
	if err != nil {
		return 0, err
	}
	return entry.Created, nil
}

// StoreFromMarker lets the archiver route queued history markers here
// (archive.HistorySink).
func (h *History) StoreFromMarker(item archive.QueueItem) error {
	entry := HistoryEntry{QID: item.Key, Created: item.Created, Name: item.Name}
	if entry.Created == 0 {
		entry.Created = time.Now().Unix()
	}
	return h.rewrite(item.UserID, func(entries []HistoryEntry) ([]HistoryEntry, error) {
		return append(entries, entry), nil
	})
}

// Promote attaches a permanent name, pinning the entry against trimming.
// With created=0 every entry of the qid is named.
func (h *History) Promote(userID int, qid common.QID, created int64, name string) error {
	if name == "" {
		return xerrors.Errorf("promote: empty name: %w", common.ErrValidation)
	}
	return h.rewrite(userID, func(entries []HistoryEntry) ([]HistoryEntry, error) {
		matched := false
		for i := range entries {
			if entries[i].QID != qid || (created != 0 && entries[i].Created != created) {
				continue
			}
			entries[i].Name = name
			matched = true
		}
		if !matched {
			return nil, xerrors.Errorf("promote %s: %w", qid, common.ErrNotFound)
		}
		return entries, nil
	})
}

// Demote removes the name; the entry becomes subject to trimming again.
func (h *History) Demote(userID int, qid common.QID, created int64, name string) error {
	return h.rewrite(userID, func(entries []HistoryEntry) ([]HistoryEntry, error) {
		matched := false
		for i := range entries {
			if entries[i].QID != qid || entries[i].Created != created || entries[i].Name != name {
				continue
			}
			entries[i].Name = ""
			matched = true
		}
		if !matched {
			return nil, xerrors.Errorf("demote %s: %w", qid, common.ErrNotFound)
		}
		return entries, nil
	})
}

// Delete removes every entry with the given (qid, created), duplicates included.
func (h *History) Delete(userID int, qid common.QID, created int64) error {
	return h.rewrite(userID, func(entries []HistoryEntry) ([]HistoryEntry, error) {
		return slices.DeleteFunc(entries, func(e HistoryEntry) bool {
			return e.QID == qid && e.Created == created
		}), nil
	})
}

// List returns the user's history, newest first, narrowed by the filter.
func (h *History) List(userID int, filter ListFilter) ([]HistoryEntry, error) {
	entries, err := h.load(userID)
	if err != nil {
		return nil, err
	}

	ret := make([]HistoryEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- { // newest first
		e := entries[i]
		if filter.From != 0 && e.Created < filter.From {
			continue
		}
		if filter.To != 0 && e.Created > filter.To {
			continue
		}
		if filter.Supertype != "" && e.Supertype != filter.Supertype {
			continue
		}
		if filter.Corpus != "" {
			rec, oerr := h.queries.Open(e.QID)
			if oerr != nil || rec == nil || !slices.Contains(rec.Corpora, filter.Corpus) {
				continue
			}
		}
		if filter.ArchivedOnly {
			row, ferr := h.arch.Find(e.QID)
			if ferr != nil || row == nil {
				continue
			}
		}
		ret = append(ret, e)
	}
	return ret, nil
}

// TrimOld bounds the number of un-named entries per user; named entries
// are never trimmed.
func (h *History) TrimOld(userID int) error {
	return h.rewrite(userID, func(entries []HistoryEntry) ([]HistoryEntry, error) {
		kept := h.trimUnnamed(entries)
		if len(kept) == len(entries) {
			return nil, errUnchanged
		}
		return kept, nil
	})
}

// trimUnnamed drops the oldest un-named entries beyond the per-user bound.
func (h *History) trimUnnamed(entries []HistoryEntry) []HistoryEntry {
	unnamed := 0
	for _, e := range entries {
		if e.Name == "" {
			unnamed++
		}
	}
	drop := unnamed - h.maxUnnamed
	if drop <= 0 {
		return entries
	}

	kept := make([]HistoryEntry, 0, len(entries)-drop)
	for _, e := range entries { // oldest first, drop from the front
		if e.Name == "" && drop > 0 {
			drop--
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func (h *History) load(userID int) ([]HistoryEntry, error) {
	raw, err := h.kv.LRange(historyKey(userID), 0, -1)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(raw))
	for _, b := range raw {
		e := HistoryEntry{}
		if uerr := json.Unmarshal(b, &e); uerr != nil {
			h.logger.Warn("dropping unreadable history entry", zap.Int("user", userID))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// errUnchanged lets a rewrite callback skip the write-back entirely.
var errUnchanged = xerrors.New("history unchanged")

// rewrite applies fn to the whole list under the per-user lock and writes
// the result back as one replacement. All mutations go through here: a
// plain RPUSH racing the DEL+RPUSH write-back would be lost.
func (h *History) rewrite(userID int, fn func([]HistoryEntry) ([]HistoryEntry, error)) error {
	return h.kv.WithLock(historyLock(userID), historyLockTTL, func() error {
		entries, err := h.load(userID)
		if err != nil {
			return err
		}

		entries, err = fn(entries)
		if xerrors.Is(err, errUnchanged) {
			return nil
		}
		if err != nil {
			return err
		}

		vals := make([][]byte, 0, len(entries))
		for _, e := range entries {
			b, merr := json.Marshal(e)
			if merr != nil {
				return xerrors.Errorf("encode history entry: %w", merr)
			}
			vals = append(vals, b)
		}

		if err = h.kv.Del(historyKey(userID)); err != nil {
			return err
		}
		return h.kv.RPush(historyKey(userID), vals...)
	})
}
