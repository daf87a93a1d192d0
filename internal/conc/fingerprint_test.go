package conc_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"concord/internal/conc"
)

func TestFingerprintDeterminism(t *testing.T) {
	steps := []string{`aword,[word="test"]`, `r250`}

	fp1 := conc.ComputeFingerprint("my_subc", steps)
	fp2 := conc.ComputeFingerprint("my_subc", steps)
	require.Equal(t, fp1, fp2)

	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), string(fp1))
}

func TestFingerprintDistinguishesInputs(t *testing.T) {
	base := conc.ComputeFingerprint("", []string{"aword"})

	variants := []struct {
		subcorpus string
		steps     []string
	}{
		{"", []string{"aword", "r250"}},   // extra step
		{"subc", []string{"aword"}},       // subcorpus matters
		{"", []string{"aword "}},          // no whitespace normalization
		{"", []string{"Aword"}},           // no case normalization
		{"", []string{"aword", "aword"}},  // repetition matters
	}
	for _, v := range variants {
		require.NotEqual(t, base, conc.ComputeFingerprint(v.subcorpus, v.steps))
	}
}

func TestFingerprintStepOrderMatters(t *testing.T) {
	a := conc.ComputeFingerprint("", []string{"one", "two"})
	b := conc.ComputeFingerprint("", []string{"two", "one"})
	require.NotEqual(t, a, b)
}
