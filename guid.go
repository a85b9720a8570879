package dbus

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// NewGUID generates a server guid: 32 lowercase hex digits whose last
// eight encode the current unix time, matching the reference bus
// implementation.
func NewGUID() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:12]); err != nil {
		panic(err)
	}
	binary.BigEndian.PutUint32(raw[12:], uint32(time.Now().Unix()))
	return hex.EncodeToString(raw[:])
}

// ValidGUID reports whether s is a well-formed server guid.
func ValidGUID(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isDigit(c) && !(c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
