// Package identity generates client-side identifiers for conversation messages.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mathrand "math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewMessageID returns a unique id for a locally created message.
// It prefers a random UUID and falls back to random hex, then to
// pseudo-random digits joined with the current time if the secure source fails.
func NewMessageID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	if id, err := randomHex(16); err == nil {
		return id
	}
	return fallbackID(time.Now())
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func fallbackID(now time.Time) string {
	return strconv.FormatUint(mathrand.Uint64(), 36) + "-" + strconv.FormatInt(now.UnixNano(), 36)
}
