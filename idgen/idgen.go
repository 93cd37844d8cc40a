// Package idgen provides pluggable ID generation for atelier.
//
// Components that mint identifiers (record ids, request ids, trace ids)
// accept a Generator so tests can substitute a deterministic sequence.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NanoID returns a Generator that produces base-36 IDs of the given length.
func NanoID(length int) Generator {
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = base36[int(buf[i])%len(base36)]
		}
		return string(buf)
	}
}

// RecordIDLength is the id length accepted by the collection backend.
const RecordIDLength = 15

// RecordID returns the Generator used for client-minted record ids:
// 15 lowercase alphanumerics, the shape the record store accepts verbatim.
func RecordID() Generator { return NanoID(RecordIDLength) }

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator yielding prefix1, prefix2, ... It is meant
// for tests that need stable ids.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// ValidRecordID reports whether s has the record id shape.
func ValidRecordID(s string) bool {
	if len(s) != RecordIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}

// Parse validates a UUID string and returns it or an error.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return u.String(), nil
}
