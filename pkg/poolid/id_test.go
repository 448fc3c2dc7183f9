package poolid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDLengths(t *testing.T) {
	assert.Len(t, NewMessageID(), 10)
	assert.Len(t, NewFileID(), 10)
	assert.Len(t, NewDeviceID(), 21)
}

func TestIDAlphabet(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := New(21)
		for _, r := range id {
			assert.True(t, strings.ContainsRune(alphabet, r), "unexpected rune %q", r)
		}
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := NewMessageID()
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
}
