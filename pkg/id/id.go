// Package id produces the identifiers assigned to stored objects.
package id

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mutex   sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewStringFromTime returns a new object id whose timestamp component is
// derived from the given time.
func NewStringFromTime(t time.Time) (string, error) {
	mutex.Lock()
	defer mutex.Unlock()

	id, err := ulid.New(uint64(t.UnixMilli()), entropy)
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

// NewString returns a new object id.
func NewString() (string, error) {
	return NewStringFromTime(time.Now())
}

// IsValid reports whether s parses as an object id.
func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
