package utils

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"strings"
)

// Seed hashes the parts into a stable 64-bit seed
func Seed(parts ...any) uint64 {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = fmt.Sprint(p)
	}
	sum := sha256.Sum256([]byte(strings.Join(s, "|")))
	return binary.BigEndian.Uint64(sum[:8])
}

// NewRand returns a deterministic generator for the parts
func NewRand(parts ...any) *rand.Rand {
	seed := Seed(parts...)
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
