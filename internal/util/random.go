package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID returns prefix followed by hexLength random hex digits.
// Used for outbox and job row ids, which need uniqueness but not secrecy.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length random lowercase hex digits.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// NewSessionID returns a random UUID for a new session.
func NewSessionID() string {
	return uuid.NewString()
}
