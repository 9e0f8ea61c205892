// Package requestid generates opaque per-HTTP-request identifiers for
// access logging and error correlation.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

func New() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
