// Package ids holds the identifier scheme shared by the local and remote stores.
package ids

import (
	"strconv"

	"github.com/google/uuid"
)

// Canonical orders a participant pair so that lo <= hi.
func Canonical(a, b int64) (lo, hi int64) {
	if a <= b {
		return a, b
	}
	return b, a
}

// ParticipantKey returns the order-independent key for a participant pair,
// formatted as "<min>_<max>". It is used to query the remote store.
func ParticipantKey(a, b int64) string {
	lo, hi := Canonical(a, b)
	return strconv.FormatInt(lo, 10) + "_" + strconv.FormatInt(hi, 10)
}

// NewRemoteID returns a random token used as a record's remote id. It is
// generated before the first write so retries and polls can dedup on it.
func NewRemoteID() string {
	return uuid.NewString()
}
