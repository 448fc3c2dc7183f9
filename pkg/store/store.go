// Package store persists user profile, pool memberships, file offers and the
// auth token. Stores write through a temp file renamed into place.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// codec abstracts the on-disk encoding of a store.
type codec interface {
	marshal(v interface{}) ([]byte, error)
	unmarshal(data []byte, v interface{}) error
	ext() string
}

type jsonCodec struct{}

func (jsonCodec) marshal(v interface{}) ([]byte, error) { return json.MarshalIndent(v, "", "  ") }
func (jsonCodec) unmarshal(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}
func (jsonCodec) ext() string { return "json" }

type msgpackCodec struct{}

func (msgpackCodec) marshal(v interface{}) ([]byte, error) { return msgpack.Marshal(v) }
func (msgpackCodec) unmarshal(b []byte, v interface{}) error {
	return msgpack.Unmarshal(b, v)
}
func (msgpackCodec) ext() string { return "bin" }

// diskStore loads and saves one named value under the data directory.
type diskStore[T any] struct {
	name  string
	dir   string
	codec codec
	data  T
}

func newDiskStore[T any](dir, name string, c codec) *diskStore[T] {
	s := &diskStore[T]{name: name, dir: dir, codec: c}
	s.load()
	return s
}

func (s *diskStore[T]) path() string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.store.%s", s.name, s.codec.ext()))
}

func (s *diskStore[T]) tmpPath() string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.store.tmp", s.name))
}

// load reads the store file; a missing or unreadable file leaves the zero value.
func (s *diskStore[T]) load() {
	b, err := os.ReadFile(s.path())
	if err != nil {
		return
	}
	var data T
	if err := s.codec.unmarshal(b, &data); err == nil {
		s.data = data
	}
}

// update writes the store through a temp file and atomic rename.
func (s *diskStore[T]) update() error {
	b, err := s.codec.marshal(&s.data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.tmpPath(), b, 0o644); err != nil {
		return err
	}
	return os.Rename(s.tmpPath(), s.path())
}
