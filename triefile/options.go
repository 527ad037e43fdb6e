package triefile

import (
	trieblob "github.com/lotus-web3/trieblob"
	"github.com/lotus-web3/trieblob/trienode"
)

const (
	// DefaultCacheSize is the number of decompressed tries kept in memory
	DefaultCacheSize = 255

	// DefaultCompressBatchSize is how many blobs one compress round moves
	DefaultCompressBatchSize = 1000
)

type options struct {
	cacheSize         int
	compressBatchSize int
	codec             trieblob.NodeCodec
}

type Option func(*options)

func WithCacheSize(n int) Option {
	return func(o *options) {
		o.cacheSize = n
	}
}

func WithCompressBatchSize(n int) Option {
	return func(o *options) {
		o.compressBatchSize = n
	}
}

// WithCodec sets the codec used to decode node records
func WithCodec(c trieblob.NodeCodec) Option {
	return func(o *options) {
		o.codec = c
	}
}

func defaultOptions() *options {
	return &options{
		cacheSize:         DefaultCacheSize,
		compressBatchSize: DefaultCompressBatchSize,
		codec:             trienode.Codec{},
	}
}
