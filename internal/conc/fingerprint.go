package conc

import (
	"crypto/md5"
	"fmt"
	"strings"

	"concord/internal/common"
)

// ComputeFingerprint derives the content address of a concordance from the
// subcorpus selector and the ordered query steps.
//
// The digest input is the steps joined with "#" and the subcorpus selector
// appended after the last "#" (empty when absent). No whitespace or case
// normalization happens here, callers pre-normalize if they want equivalence.
func ComputeFingerprint(subcorpus string, steps []string) common.Fingerprint {
	input := strings.Join(steps, "#") + "#" + subcorpus
	return common.Fingerprint(fmt.Sprintf("%x", md5.Sum([]byte(input))))
}

// q0Fingerprint addresses just the base query step, ignoring filters and
// other derivations. Entries share it with everything derived from the
// same base query, which is what DeleteDerivations keys on.
func q0Fingerprint(subcorpus string, steps []string) common.Fingerprint {
	if len(steps) > 1 {
		steps = steps[:1]
	}
	return ComputeFingerprint(subcorpus, steps)
}
