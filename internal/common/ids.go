package common

import (
	"crypto/sha1"
	"encoding/binary"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// idAlphabet is the projection target for query ids: letters first, then digits.
const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// MinQIDLen is the number of symbols a fresh query id code starts with.
// Allocation extends the code one symbol at a time while collisions are observed.
const MinQIDLen = 8

var validQID = regexp.MustCompile(`^~[0-9a-zA-Z]+$`)

// ValidQID reports whether s looks like a query id ("~" + >=1 alphanumerics).
func ValidQID(s string) bool {
	return validQID.MatchString(s)
}

// MintIDCode produces a fresh id code of maximum length from a time-seeded
// digest. Callers take growing prefixes (starting at MinQIDLen) until the
// code is collision-free against existing ids.
func MintIDCode() string {
	var seed [24]byte
	binary.LittleEndian.PutUint64(seed[:8], uint64(time.Now().UnixNano()))
	u := uuid.New()
	copy(seed[8:], u[:])

	sum := sha1.Sum(seed[:])
	code := make([]byte, len(sum))
	for i, b := range sum {
		code[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(code)
}
