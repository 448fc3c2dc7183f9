// Package poolid generates the short random identifiers used on the wire:
// message ids, file ids and device ids.
package poolid

import (
	"crypto/rand"

	"github.com/poolnet/poolnet/pkg/config"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz-"

// New returns a random identifier of the given length drawn from the nanoid
// alphabet.
func New(length int) string {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)&63]
	}
	return string(buf)
}

// NewMessageID returns a fresh message id.
func NewMessageID() string { return New(config.MessageIDLength) }

// NewFileID returns a fresh file id.
func NewFileID() string { return New(config.FileIDLength) }

// NewDeviceID returns a fresh device id.
func NewDeviceID() string { return New(config.DeviceIDLength) }
