package utils

import (
	"crypto/rand"
	"encoding/hex"
	"os/user"
	"sync/atomic"
)

var g_id uint64

// Process wide unique id generator for in-memory bookkeeping.
func GetId() uint64 {
	return atomic.AddUint64(&g_id, 1)
}

func InString(hay []string, needle string) bool {
	for _, x := range hay {
		if x == needle {
			return true
		}
	}
	return false
}

// The operating system user running this process.
func GetCurrentUser() string {
	current, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return current.Username
}

// A short random hex string used to build flow and hunt ids.
func NewRandomId() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)

	result := make([]byte, 8)
	hex.Encode(result, buf)
	return string(result)
}
