package jsondb

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	ulidTimeLen = 10
	ulidRandLen = 16
	// crockfordBase is the Crockford base-32 alphabet (no I, L, O, U).
	crockfordBase = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

	uidAlphabet      = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	defaultUIDLength = 10
)

// NewULID returns a 26-character time-ordered identifier: a 10-character
// base-32 time component (most-significant digit first, from the millisecond
// timestamp) followed by a 16-character cryptographically random suffix.
// ULIDs generated at later times always sort after earlier ones.
func NewULID(t time.Time) (string, error) {
	var buf [ulidTimeLen + ulidRandLen]byte

	ms := uint64(t.UnixMilli())
	for i := ulidTimeLen - 1; i >= 0; i-- {
		buf[i] = crockfordBase[ms&0x1f]
		ms >>= 5
	}

	var rnd [ulidRandLen]byte

	_, err := rand.Read(rnd[:])
	if err != nil {
		return "", fmt.Errorf("ulid: random source: %w", err)
	}

	// 256 is divisible by 32, so masking introduces no bias.
	for i, b := range rnd {
		buf[ulidTimeLen+i] = crockfordBase[b&0x1f]
	}

	return string(buf[:]), nil
}

// NewUID returns an opaque random identifier of length n drawn from a
// secure random source. If n <= 0 the default length is used.
func NewUID(n int) (string, error) {
	if n <= 0 {
		n = defaultUIDLength
	}

	out := make([]byte, 0, n)
	raw := make([]byte, n*2)

	for len(out) < n {
		_, err := rand.Read(raw)
		if err != nil {
			return "", fmt.Errorf("uid: random source: %w", err)
		}

		for _, b := range raw {
			// Rejection sampling keeps the 62-char alphabet unbiased.
			if int(b) >= len(uidAlphabet)*4 {
				continue
			}

			out = append(out, uidAlphabet[int(b)%len(uidAlphabet)])
			if len(out) == n {
				break
			}
		}
	}

	return string(out), nil
}

// newUUID returns a random UUID string for the "uuid" generator.
func newUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("uuid: %w", err)
	}

	return id.String(), nil
}
