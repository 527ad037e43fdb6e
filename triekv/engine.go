package triekv

import (
	"errors"
)

var ErrKeyNotFound = errors.New("key not found")

type kv struct {
	key, val []byte
}

// Batch collects writes applied atomically by Engine.Write
type Batch struct {
	puts []kv
}

func (b *Batch) Set(key, val []byte) {
	b.puts = append(b.puts, kv{key: key, val: val})
}

func (b *Batch) Len() int {
	return len(b.puts)
}

// Engine is the ordered KV store under a MetaKV. Writes are synced.
type Engine interface {
	// Get returns a copy of the value, ErrKeyNotFound when absent
	Get(key []byte) ([]byte, error)
	Write(b *Batch) error

	// Compact reclaims space held by overwritten values
	Compact() error

	Close() error
}
