package storage

import (
	"crypto/rand"
	"sync/atomic"
	"time"

	"hieradb/internal/model"
)

// Generated child keys are 24 characters: a 'c' prefix, a base-36
// millisecond timestamp, a base-36 per-process counter and random base-36
// padding. Sorting keys lexicographically sorts pushes chronologically.
const (
	keyLength     = 24
	keyTimeDigits = 8
	keySeqDigits  = 4
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

var pushSeq atomic.Uint64

// GenerateKey returns a new unique, chronologically sortable child key.
func GenerateKey() string {
	buf := make([]byte, 0, keyLength)
	buf = append(buf, 'c')
	buf = appendBase36(buf, uint64(time.Now().UnixMilli()), keyTimeDigits)
	buf = appendBase36(buf, pushSeq.Add(1), keySeqDigits)

	random := keyLength - len(buf)
	rnd := make([]byte, random)
	if _, err := rand.Read(rnd); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// counter-derived suffix rather than panicking mid-write.
		n := pushSeq.Add(1)
		for i := range rnd {
			rnd[i] = byte(n >> (uint(i) * 8))
		}
	}
	for _, b := range rnd {
		buf = append(buf, base36[int(b)%len(base36)])
	}
	return string(buf)
}

// appendBase36 renders n as exactly width base-36 digits, most significant
// first, truncating high digits on overflow.
func appendBase36(dst []byte, n uint64, width int) []byte {
	digits := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		digits[i] = base36[n%36]
		n /= 36
	}
	return append(dst, digits...)
}

// Push appends value under path with a generated key and returns that key.
// The parent object is created if it does not exist yet.
func (e *Engine) Push(path string, value *model.Value) (string, error) {
	key := GenerateKey()
	patch := &model.Value{
		Type:     model.ValueObject,
		Children: []model.Child{{Key: key, Value: *value}},
	}
	if err := e.Update(path, patch, UpdateOptions{Merge: true}); err != nil {
		return "", err
	}
	return key, nil
}
