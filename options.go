package qcow

// Default cache sizes
const (
	// DefaultL2CacheSize is the default number of L2 tables to cache.
	// Each table is one cluster; with 64KB clusters, 8 tables map 4GB
	// of virtual space.
	DefaultL2CacheSize = 8

	// DefaultClusterCacheSize is the default number of decoded data
	// clusters to cache. Decompressed and decrypted clusters land here
	// so repeated reads skip the inflate/decrypt work.
	DefaultClusterCacheSize = 16
)

// Option configures how an image is opened.
type Option func(*imageOptions)

// imageOptions holds configuration for opening an image.
type imageOptions struct {
	l2CacheSize      int
	clusterCacheSize int
	noBackingFile    bool
}

// defaultImageOptions returns the default configuration.
func defaultImageOptions() *imageOptions {
	return &imageOptions{
		l2CacheSize:      DefaultL2CacheSize,
		clusterCacheSize: DefaultClusterCacheSize,
	}
}

// WithL2CacheSize sets the number of L2 tables to cache. Each table is
// one cluster in size. Larger values cut metadata I/O for scattered
// read patterns at the cost of memory.
func WithL2CacheSize(size int) Option {
	return func(o *imageOptions) {
		if size > 0 {
			o.l2CacheSize = size
		}
	}
}

// WithClusterCacheSize sets the number of decoded data clusters to
// cache. Compressed clusters must be fully inflated before any byte can
// be served, so caching them avoids repeated decompression.
//
// Set to 0 to disable caching (each read decodes afresh).
func WithClusterCacheSize(size int) Option {
	return func(o *imageOptions) {
		if size >= 0 {
			o.clusterCacheSize = size
		}
	}
}

// WithNoBackingFile suppresses opening the backing file named in the
// header. Unallocated clusters then read as zeros unless the caller
// attaches a parent with SetBacking.
func WithNoBackingFile() Option {
	return func(o *imageOptions) {
		o.noBackingFile = true
	}
}
