// Package id mints pipeline session identifiers.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

const prefix = "ses-"

// Generate returns a fresh session identifier, e.g.
// ses-20240102T150405-a1b2c3d4: a UTC timestamp that keeps log lines and
// directory listings readable, plus random bytes for uniqueness within
// the same second.
func Generate() string {
	var entropy [4]byte
	rand.Read(entropy[:]) // never fails as of go 1.24

	stamp := time.Now().UTC().Format("20060102T150405")
	return prefix + stamp + "-" + hex.EncodeToString(entropy[:])
}
