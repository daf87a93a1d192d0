// Package persist assigns short stable identifiers to query payloads and
// keeps them resolvable: first in the KV tier with user-class TTLs, then
// forever via the archive once referenced.
package persist

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"concord/internal/archive"
	"concord/internal/common"
	"concord/internal/kv"
)

type QueryStore struct {
	kv     *kv.Store
	arch   *archive.DB
	logger *zap.Logger

	anonymousUserID int
	ttlAnonymous    time.Duration
	ttlKnown        time.Duration
}

func NewQueryStore(store *kv.Store, arch *archive.DB, anonymousUserID, ttlAnonymousDays, ttlKnownDays int, logger *zap.Logger) *QueryStore {
	return &QueryStore{
		kv:              store,
		arch:            arch,
		logger:          logger,
		anonymousUserID: anonymousUserID,
		ttlAnonymous:    time.Duration(ttlAnonymousDays) * 24 * time.Hour,
		ttlKnown:        time.Duration(ttlKnownDays) * 24 * time.Hour,
	}
}

// IsValid reports whether s is a well-formed query id.
func (qs *QueryStore) IsValid(s string) bool { return common.ValidQID(s) }

// Open resolves a query id: the KV tier first, then the archive files
// newest-first (bumping access counters there). Absence is (nil, nil),
// only a malformed id is an error.
func (qs *QueryStore) Open(qid common.QID) (*common.QueryRecord, error) {
	if !common.ValidQID(string(qid)) {
		return nil, xerrors.Errorf("open %q: %w", qid, common.ErrValidation)
	}

	b, err := qs.kv.Get(archive.RecordKey(qid))
	if err != nil {
		return nil, err
	}
	if b != nil {
		rec := &common.QueryRecord{}
		if err = json.Unmarshal(b, rec); err != nil {
			return nil, xerrors.Errorf("decode record %s: %w", qid, err)
		}
		return rec, nil
	}

	return qs.arch.Get(qid)
}

// Store persists curr and returns its id.
//
// When curr is materially identical to prev (same steps, same line groups)
// no id is allocated and nothing is written: prev's id is returned. Note
// that other fields changing do not re-key the record, a changed line
// grouping does (it is part of semantic identity) while the cached
// concordance file stays shared via the query fingerprint.
func (qs *QueryStore) Store(userID int, curr *common.QueryRecord, prev *common.QueryRecord) (common.QID, error) {
	if curr == nil || len(curr.Q) == 0 {
		return "", xerrors.Errorf("store: empty query: %w", common.ErrValidation)
	}

	if prev != nil && curr.SameQuery(prev) {
		curr.ID = prev.ID
		return prev.ID, nil
	}

	qid, err := qs.mintQID()
	if err != nil {
		return "", err
	}

	curr.ID = qid
	curr.UserID = userID
	curr.Created = time.Now().Unix()
	if prev != nil {
		// prev exists already, so the chain stays acyclic by construction
		curr.PrevID = prev.ID
	}

	b, err := json.Marshal(curr)
	if err != nil {
		return "", xerrors.Errorf("encode record %s: %w", qid, err)
	}

	ttl := qs.ttlKnown
	if userID == qs.anonymousUserID {
		ttl = qs.ttlAnonymous
	}
	if err = qs.kv.Set(archive.RecordKey(qid), b, ttl); err != nil {
		return "", err
	}
	return qid, nil
}

// mintQID projects a time-seeded digest into the id alphabet and takes the
// shortest prefix that is collision-free against existing ids.
func (qs *QueryStore) mintQID() (common.QID, error) {
	for attempt := 0; attempt < 3; attempt++ {
		code := common.MintIDCode()
		for l := common.MinQIDLen; l <= len(code); l++ {
			qid := common.QID("~" + code[:l])

			taken, err := qs.qidTaken(qid)
			if err != nil {
				return "", err
			}
			if !taken {
				return qid, nil
			}
		}
	}
	return "", xerrors.Errorf("mint qid: alphabet exhausted")
}

// qidTaken checks the KV tier and the whole archive, replicas included: an
// id living only in a rotated-out replica must not be re-minted, it would
// shadow the archived record on Open.
func (qs *QueryStore) qidTaken(qid common.QID) (bool, error) {
	taken, err := qs.kv.Exists(archive.RecordKey(qid))
	if err != nil || taken {
		return taken, err
	}
	row, err := qs.arch.Find(qid)
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

// Archive pushes an archival marker for qid and returns the current record.
// Idempotent: repeated markers for the same id coalesce in the archiver.
// Only the owner may archive a record explicitly.
func (qs *QueryStore) Archive(userID int, qid common.QID, explicit bool) (*common.QueryRecord, error) {
	rec, err := qs.Open(qid)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, xerrors.Errorf("archive %s: %w", qid, common.ErrNotFound)
	}
	if explicit && rec.UserID != userID {
		return nil, xerrors.Errorf("archive %s: %w", qid, common.ErrForbidden)
	}

	err = qs.pushMarker(archive.QueueItem{
		Type:     "archive",
		Key:      qid,
		Explicit: explicit,
		UserID:   userID,
		Created:  time.Now().Unix(),
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Revoke schedules removal of qid's archive row. The record then opens as
// not-found once its KV copy expires.
func (qs *QueryStore) Revoke(qid common.QID) error {
	if !common.ValidQID(string(qid)) {
		return xerrors.Errorf("revoke %q: %w", qid, common.ErrValidation)
	}
	return qs.pushMarker(archive.QueueItem{
		Type:    "archive",
		Key:     qid,
		Revoke:  true,
		Created: time.Now().Unix(),
	})
}

func (qs *QueryStore) pushMarker(item archive.QueueItem) error {
	b, err := json.Marshal(item)
	if err != nil {
		return xerrors.Errorf("encode queue item: %w", err)
	}
	return qs.kv.RPush(archive.QueueKey, b)
}
