package common

import (
	"bytes"
	"encoding/json"
)

// Fingerprint identifies a concordance by its content: the subcorpus
// selector plus the ordered query steps. 32 lowercase hex chars (128 bit).
type Fingerprint string

// QID is a short stable identifier of a persisted query,
// tilde-prefixed, e.g. "~Fx3Qp0aZ".
type QID string

// Supertype is the coarse family of a user query, used for history filtering.
type Supertype string

const (
	SupertypeConc   Supertype = "conc"
	SupertypeWlist  Supertype = "wlist"
	SupertypePquery Supertype = "pquery"
)

// QueryRecord is a persisted query payload.
// The typed core carries what the cache and the archive need to reason about;
// everything else the front-end attaches travels in Extra untouched.
type QueryRecord struct {
	ID          QID             `json:"id"`
	PrevID      QID             `json:"prev_id,omitempty"`
	UserID      int             `json:"user_id"`
	Corpora     []string        `json:"corpora,omitempty"`
	Subcorpus   string          `json:"usesubcorp,omitempty"`
	Q           []string        `json:"q"`
	LinesGroups json.RawMessage `json:"lines_groups,omitempty"`
	Created     int64           `json:"created"` // seconds since epoch
	Permanent   bool            `json:"permanent,omitempty"`
	Supertype   Supertype       `json:"supertype,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// SameQuery reports whether two records are materially identical:
// same query steps and same line groupings.
// All other fields are in-place updates under the same QID.
func (r *QueryRecord) SameQuery(other *QueryRecord) bool {
	if other == nil {
		return false
	}
	if len(r.Q) != len(other.Q) {
		return false
	}
	for i := range r.Q {
		if r.Q[i] != other.Q[i] {
			return false
		}
	}
	return bytes.Equal(r.LinesGroups, other.LinesGroups)
}
