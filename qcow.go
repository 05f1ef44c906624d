package qcow

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// BackingStore is the interface for backing images (qcow or raw).
type BackingStore interface {
	io.ReaderAt
	io.Closer
}

// Image is a read-only handle on a QCOW disk image. It implements
// io.ReaderAt over the logical media view.
//
// The header, L1 table and snapshot list are loaded at open time and
// immutable afterwards, so an Image supports any number of concurrent
// ReadAt callers.
type Image struct {
	src  Source
	path string // empty when opened from a caller-supplied Source

	header     *Header
	extensions *HeaderExtensions

	// Derived values cached for performance
	clusterSize    uint64
	clusterBits    uint32
	l2Entries      uint64
	l2Bits         uint32
	offsetMask     uint64 // Mask for offset within cluster
	l2EntrySize    uint32 // 8 for standard, 16 for extended L2
	l2TableBytes   uint64 // On-disk size of one L2 table
	extendedL2     bool
	subclusterSize uint64 // Cluster size / 32 (extended L2 only)

	// L1 table - loaded entirely into memory at open, read-only after
	l1Table []uint64

	l2Cache      *clusterCache
	clusterCache *clusterCache

	// Shared all-zero block returned for zero and unallocated clusters
	zeroCluster []byte

	// AES cipher context for legacy encrypted images (method=1)
	aes *AESCipher

	// LUKS decryptor for modern encrypted images (method=2)
	luks *LUKSDecryptor

	// Backing store for COW chains
	backing     BackingStore
	ownsBacking bool
	backingName string

	// External data file (when IncompatExternalData is set)
	externalData Source

	snapshots []*Snapshot

	aborted atomic.Bool
	closed  atomic.Bool
}

// Open opens the QCOW image at path read-only, resolving and opening
// the backing chain named in its header.
func Open(path string, opts ...Option) (*Image, error) {
	o := defaultImageOptions()
	for _, opt := range opts {
		opt(o)
	}
	return openPath(path, 0, nil, o)
}

// NewImage opens a QCOW image from an arbitrary Source. A backing file
// named in the header cannot be resolved without a path, so NewImage
// fails on such an image unless WithNoBackingFile is passed; a parent
// can then be attached with SetBacking.
func NewImage(src Source, opts ...Option) (*Image, error) {
	o := defaultImageOptions()
	for _, opt := range opts {
		opt(o)
	}
	return newImage(src, "", 0, nil, o)
}

// openPath opens one link of the image chain, guarding against loops
// and runaway depth. seen carries the identity of every file already
// open above this one.
func openPath(path string, depth int, seen []os.FileInfo, o *imageOptions) (*Image, error) {
	if depth > MaxBackingChainDepth {
		return nil, ErrBackingChainTooDeep
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("qcow: failed to stat %q: %w", path, err)
	}
	for _, prev := range seen {
		if os.SameFile(prev, info) {
			return nil, fmt.Errorf("%w: backing file loop through %q", ErrCorruptTable, path)
		}
	}

	src, err := OpenSource(path)
	if err != nil {
		return nil, err
	}

	img, err := newImage(src, path, depth, append(seen, info), o)
	if err != nil {
		src.Close()
		return nil, err
	}
	return img, nil
}

// newImage decodes the metadata of an already-open source and wires up
// the read machinery. On error the caller closes src.
func newImage(src Source, path string, depth int, seen []os.FileInfo, o *imageOptions) (*Image, error) {
	headerBuf := make([]byte, HeaderSizeV3+1)
	n, err := src.ReadAt(headerBuf, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("qcow: failed to read header: %w", err)
	}
	if n < HeaderSizeV1 {
		return nil, fmt.Errorf("%w: file too small for a header (%d bytes)", ErrInvalidHeader, n)
	}

	header, err := ParseHeader(headerBuf[:n])
	if err != nil {
		return nil, err
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}

	img := &Image{
		src:         src,
		path:        path,
		header:      header,
		clusterSize: header.ClusterSize(),
		clusterBits: header.ClusterBits,
		l2Entries:   header.L2Entries(),
		offsetMask:  header.ClusterSize() - 1,
	}

	// Table geometry differs by version: v1 carries its own l2_bits and
	// packs L2 tables at 8 bytes per entry regardless of cluster size;
	// v2/v3 size every table at exactly one cluster.
	switch {
	case header.Version == Version1:
		img.l2Bits = header.L2Bits
		img.l2EntrySize = 8
		img.l2TableBytes = img.l2Entries * 8
	case header.HasExtendedL2():
		img.extendedL2 = true
		img.l2EntrySize = 16
		img.l2Bits = header.ClusterBits - 4
		img.l2TableBytes = img.clusterSize
		img.subclusterSize = img.clusterSize / 32
	default:
		img.l2EntrySize = 8
		img.l2Bits = header.ClusterBits - 3
		img.l2TableBytes = img.clusterSize
	}

	// The whole L1 table must fit inside the file.
	l1Bytes := uint64(header.L1Size) * 8
	if header.L1TableOffset+l1Bytes > uint64(src.Size()) {
		return nil, fmt.Errorf("%w: L1 table at 0x%x+%d exceeds file size %d",
			ErrInvalidHeader, header.L1TableOffset, l1Bytes, src.Size())
	}

	if header.Version >= Version2 {
		ext, err := parseHeaderExtensions(src, header, img.clusterSize)
		if err != nil {
			return nil, err
		}
		img.extensions = ext
	}

	if err := img.openExternalDataFile(); err != nil {
		return nil, err
	}
	fail := func(err error) (*Image, error) {
		img.releaseExternalData()
		return nil, err
	}

	if err := img.loadL1Table(); err != nil {
		return fail(err)
	}

	if header.Version >= Version2 {
		if err := img.loadSnapshots(); err != nil {
			return fail(err)
		}
	}

	if !o.noBackingFile {
		if err := img.openBackingFile(depth, seen, o); err != nil {
			return fail(err)
		}
	} else {
		img.backingName, _ = img.readBackingName()
	}

	img.l2Cache = newClusterCache(o.l2CacheSize)
	img.clusterCache = newClusterCache(o.clusterCacheSize)
	img.zeroCluster = make([]byte, img.clusterSize)

	return img, nil
}

// openExternalDataFile opens the external data file when the header
// demands one. The file name comes from the DATA header extension and
// resolves relative to the image path.
func (img *Image) openExternalDataFile() error {
	if !img.header.HasExternalDataFile() {
		return nil
	}
	if img.extensions == nil || img.extensions.ExternalDataFile == "" {
		return fmt.Errorf("%w: external data file required but not named", ErrInvalidHeader)
	}

	dataPath, err := resolveRelativePath(img.path, img.extensions.ExternalDataFile)
	if err != nil {
		return fmt.Errorf("qcow: cannot resolve external data file: %w", err)
	}

	src, err := OpenSource(dataPath)
	if err != nil {
		return fmt.Errorf("qcow: failed to open external data file %q: %w", dataPath, err)
	}
	img.externalData = src
	return nil
}

func (img *Image) releaseExternalData() {
	if img.externalData != nil {
		img.externalData.Close()
		img.externalData = nil
	}
}

// dataSource returns the source cluster data is read from.
func (img *Image) dataSource() Source {
	if img.externalData != nil {
		return img.externalData
	}
	return img.src
}

// loadL1Table reads and decodes the entire L1 table. Entries are
// validated lazily at resolution time, so one damaged entry poisons
// only the clusters it maps, not the whole image.
func (img *Image) loadL1Table() error {
	raw := make([]byte, uint64(img.header.L1Size)*8)
	if err := readFull(img.src, raw, int64(img.header.L1TableOffset)); err != nil {
		return fmt.Errorf("qcow: failed to load L1 table: %w", err)
	}
	img.l1Table = decodeTableEntries(raw)
	return nil
}

// l1EntryOffset masks an L1 entry down to the L2 table offset. Version
// 1 entries are bare offsets; later versions carry flag bits.
func (img *Image) l1EntryOffset(entry uint64) uint64 {
	if img.header.Version == Version1 {
		return entry
	}
	return entry & EntryOffsetMask
}

// getL2Table fetches the L2 table at offset through the cache. The
// returned slice is shared and immutable.
func (img *Image) getL2Table(offset uint64) ([]byte, error) {
	return img.l2Cache.getOrLoad(offset, func() ([]byte, error) {
		if img.aborted.Load() {
			return nil, ErrAborted
		}
		table := make([]byte, img.l2TableBytes)
		if err := readFull(img.src, table, int64(offset)); err != nil {
			return nil, fmt.Errorf("qcow: failed to read L2 table at 0x%x: %w", offset, err)
		}
		return table, nil
	})
}

// clusterType is the fate of one resolved cluster.
type clusterType int

const (
	clusterUnallocated clusterType = iota // Consult backing image, else zeros
	clusterZero                           // Reads as zeros without I/O
	clusterNormal                         // Raw bytes at physOff
	clusterCompressed                     // Deflate/zstd stream at physOff
)

// clusterInfo describes where one cluster's bytes live.
type clusterInfo struct {
	ctype          clusterType
	physOff        uint64 // Cluster start (normal) or stream start (compressed)
	compressedSize uint64
	l2Entry        uint64
}

// translate resolves a logical media offset to its cluster fate.
func (img *Image) translate(virtOff uint64) (clusterInfo, error) {
	l2Index := (virtOff >> img.clusterBits) & (img.l2Entries - 1)
	l1Index := virtOff >> (img.clusterBits + img.l2Bits)

	if l1Index >= uint64(len(img.l1Table)) {
		return clusterInfo{ctype: clusterUnallocated}, nil
	}

	l2TableOff := img.l1EntryOffset(img.l1Table[l1Index])
	if l2TableOff == 0 {
		return clusterInfo{ctype: clusterUnallocated}, nil
	}
	if l2TableOff&img.offsetMask != 0 {
		return clusterInfo{}, fmt.Errorf("%w: L1[%d] L2 table offset 0x%x is not cluster-aligned",
			ErrCorruptTable, l1Index, l2TableOff)
	}
	if l2TableOff+img.l2TableBytes > uint64(img.src.Size()) {
		return clusterInfo{}, fmt.Errorf("%w: L1[%d] L2 table at 0x%x exceeds file size",
			ErrCorruptTable, l1Index, l2TableOff)
	}

	l2Table, err := img.getL2Table(l2TableOff)
	if err != nil {
		return clusterInfo{}, err
	}

	entryOff := l2Index * uint64(img.l2EntrySize)
	l2Entry := binary.BigEndian.Uint64(l2Table[entryOff:])

	if img.header.Version == Version1 {
		return img.decodeL2EntryV1(l2Entry)
	}

	if img.extendedL2 {
		bitmap := binary.BigEndian.Uint64(l2Table[entryOff+8:])
		return img.decodeExtendedL2Entry(virtOff, l2Entry, bitmap)
	}
	return img.decodeL2Entry(l2Entry)
}

// decodeL2Entry interprets a standard v2/v3 64-bit L2 entry.
func (img *Image) decodeL2Entry(l2Entry uint64) (clusterInfo, error) {
	if l2Entry&L2EntryCompressed != 0 {
		offset, size := img.parseCompressedL2Entry(l2Entry)
		if offset+size > uint64(img.src.Size()) {
			return clusterInfo{}, fmt.Errorf("%w: compressed cluster at 0x%x spans past end of file",
				ErrCorruptTable, offset)
		}
		return clusterInfo{ctype: clusterCompressed, physOff: offset, compressedSize: size, l2Entry: l2Entry}, nil
	}

	// The zero flag wins over the offset: a preallocated zero cluster
	// keeps its offset but still reads as zeros.
	if img.header.Version >= Version3 && l2Entry&L2EntryZeroFlag != 0 {
		return clusterInfo{ctype: clusterZero}, nil
	}

	physOff := l2Entry & EntryOffsetMask
	if physOff == 0 {
		return clusterInfo{ctype: clusterUnallocated}, nil
	}
	return img.checkedNormal(physOff, l2Entry)
}

// decodeL2EntryV1 interprets a version 1 L2 entry: bit 63 flags a
// compressed cluster whose byte size is packed into the bits directly
// below it; otherwise the entry is the bare cluster offset.
func (img *Image) decodeL2EntryV1(l2Entry uint64) (clusterInfo, error) {
	if l2Entry == 0 {
		return clusterInfo{ctype: clusterUnallocated}, nil
	}

	if l2Entry&(uint64(1)<<63) != 0 {
		offsetBits := 63 - img.clusterBits
		offset := l2Entry & ((uint64(1) << offsetBits) - 1)
		size := (l2Entry >> offsetBits) & (img.clusterSize - 1)
		if size == 0 {
			return clusterInfo{}, fmt.Errorf("%w: compressed cluster at 0x%x has zero size",
				ErrCorruptTable, offset)
		}
		if offset+size > uint64(img.src.Size()) {
			return clusterInfo{}, fmt.Errorf("%w: compressed cluster at 0x%x spans past end of file",
				ErrCorruptTable, offset)
		}
		return clusterInfo{ctype: clusterCompressed, physOff: offset, compressedSize: size, l2Entry: l2Entry}, nil
	}

	return img.checkedNormal(l2Entry, l2Entry)
}

// decodeExtendedL2Entry handles 128-bit entries: allocation and zero
// state is tracked per subcluster in the second word.
func (img *Image) decodeExtendedL2Entry(virtOff, l2Entry, bitmap uint64) (clusterInfo, error) {
	if l2Entry&L2EntryCompressed != 0 {
		// Compression is incompatible with subclusters; treat as a
		// whole-cluster compressed entry.
		offset, size := img.parseCompressedL2Entry(l2Entry)
		if offset+size > uint64(img.src.Size()) {
			return clusterInfo{}, fmt.Errorf("%w: compressed cluster at 0x%x spans past end of file",
				ErrCorruptTable, offset)
		}
		return clusterInfo{ctype: clusterCompressed, physOff: offset, compressedSize: size, l2Entry: l2Entry}, nil
	}

	subcluster := (virtOff & img.offsetMask) / img.subclusterSize
	allocBit := (bitmap >> subcluster) & 1
	zeroBit := (bitmap >> (32 + subcluster)) & 1

	if allocBit == 0 {
		if zeroBit != 0 {
			return clusterInfo{ctype: clusterZero}, nil
		}
		return clusterInfo{ctype: clusterUnallocated}, nil
	}

	physOff := l2Entry & EntryOffsetMask
	if physOff == 0 {
		return clusterInfo{ctype: clusterUnallocated}, nil
	}
	return img.checkedNormal(physOff, l2Entry)
}

// checkedNormal validates a raw cluster offset before emitting it.
func (img *Image) checkedNormal(physOff, l2Entry uint64) (clusterInfo, error) {
	if physOff&img.offsetMask != 0 {
		return clusterInfo{}, fmt.Errorf("%w: cluster offset 0x%x is not cluster-aligned",
			ErrCorruptTable, physOff)
	}
	if physOff+img.clusterSize > uint64(img.dataSource().Size()) {
		return clusterInfo{}, fmt.Errorf("%w: cluster at 0x%x exceeds file size",
			ErrCorruptTable, physOff)
	}
	return clusterInfo{ctype: clusterNormal, physOff: physOff, l2Entry: l2Entry}, nil
}

// clusterBlock fetches the decoded payload of one cluster through the
// cache: raw bytes read (and decrypted), or a compressed stream
// inflated (and decrypted). logicalStart is the cluster's starting
// media offset, which seeds the AES IV.
func (img *Image) clusterBlock(info clusterInfo, logicalStart uint64) ([]byte, error) {
	switch info.ctype {
	case clusterZero:
		return img.zeroCluster, nil

	case clusterNormal:
		return img.clusterCache.getOrLoad(info.physOff, func() ([]byte, error) {
			if img.aborted.Load() {
				return nil, ErrAborted
			}
			buf := make([]byte, img.clusterSize)
			if err := readFull(img.dataSource(), buf, int64(info.physOff)); err != nil {
				return nil, err
			}
			if err := img.decryptCluster(buf, logicalStart, info.physOff); err != nil {
				return nil, err
			}
			return buf, nil
		})

	case clusterCompressed:
		return img.clusterCache.getOrLoad(info.physOff, func() ([]byte, error) {
			if img.aborted.Load() {
				return nil, ErrAborted
			}
			buf, err := img.decompressCluster(info)
			if err != nil {
				return nil, err
			}
			if err := img.decryptCluster(buf, logicalStart, info.physOff); err != nil {
				return nil, err
			}
			return buf, nil
		})
	}

	return nil, fmt.Errorf("qcow: no block for cluster type %d", info.ctype)
}

// decryptCluster decrypts a decoded cluster in place. Legacy AES seeds
// its IV from the logical sector index; LUKS tweaks by physical sector.
func (img *Image) decryptCluster(buf []byte, logicalStart, physStart uint64) error {
	switch {
	case img.aes != nil:
		return img.aes.DecryptSectors(buf, logicalStart/SectorSize)
	case img.luks != nil:
		return img.luks.DecryptSectors(buf, physStart)
	case img.header.IsEncrypted():
		return ErrEncryptionRequired
	}
	return nil
}

// ReadAt reads len(p) bytes of the logical media starting at off. It
// implements io.ReaderAt: reads past the end of the media are truncated
// and reads at the end return (0, io.EOF). Reads below the media end
// never short-read.
func (img *Image) ReadAt(p []byte, off int64) (n int, err error) {
	if img.closed.Load() {
		return 0, ErrImageClosed
	}
	if off < 0 {
		return 0, ErrOffsetOutOfRange
	}
	if img.header.IsEncrypted() && img.aes == nil && img.luks == nil {
		return 0, ErrEncryptionRequired
	}

	size := img.Size()
	if off >= size {
		return 0, io.EOF
	}
	truncated := false
	if off+int64(len(p)) > size {
		p = p[:size-off]
		truncated = true
	}

	for len(p) > 0 {
		if img.aborted.Load() {
			return n, ErrAborted
		}

		// Clamp to the cluster (or subcluster) containing off: the fate
		// can change at every boundary.
		span := img.clusterSize
		if img.extendedL2 {
			span = img.subclusterSize
		}
		spanOff := uint64(off) & (span - 1)
		toRead := span - spanOff
		if toRead > uint64(len(p)) {
			toRead = uint64(len(p))
		}

		info, err := img.translate(uint64(off))
		if err != nil {
			return n, err
		}

		switch info.ctype {
		case clusterUnallocated:
			if img.backing != nil {
				read, err := img.readBacking(p[:toRead], off)
				n += read
				if err != nil {
					return n, err
				}
			} else {
				clearBytes(p[:toRead])
				n += int(toRead)
			}

		case clusterZero:
			clearBytes(p[:toRead])
			n += int(toRead)

		default:
			clusterStart := uint64(off) &^ img.offsetMask
			block, err := img.clusterBlock(info, clusterStart)
			if err != nil {
				return n, err
			}
			clusterOff := uint64(off) & img.offsetMask
			copy(p[:toRead], block[clusterOff:clusterOff+toRead])
			n += int(toRead)
		}

		p = p[toRead:]
		off += int64(toRead)
	}

	if truncated {
		return n, io.EOF
	}
	return n, nil
}

// readBacking serves an unallocated range from the parent image. Bytes
// past the parent's end read as zeros; a shorter parent is valid.
func (img *Image) readBacking(p []byte, off int64) (int, error) {
	read, err := img.backing.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return read, fmt.Errorf("qcow: backing file read at 0x%x: %w", off, err)
	}
	clearBytes(p[read:])
	return len(p), nil
}

// Abort makes all in-progress and future reads on this image fail with
// ErrAborted. Already-cached blocks remain valid.
func (img *Image) Abort() {
	img.aborted.Store(true)
}

// Close releases the image's caches, cipher state, tables, backing
// chain and byte source, in that order. Close is idempotent.
func (img *Image) Close() error {
	if !img.closed.CompareAndSwap(false, true) {
		return nil
	}

	img.clusterCache.clear()
	img.l2Cache.clear()
	img.aes = nil
	img.luks = nil
	img.l1Table = nil

	var firstErr error
	if img.backing != nil && img.ownsBacking {
		if err := img.backing.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	img.backing = nil

	if img.externalData != nil {
		if err := img.externalData.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		img.externalData = nil
	}

	if err := img.src.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Size returns the logical media size in bytes.
func (img *Image) Size() int64 {
	return int64(img.header.Size)
}

// Version returns the format version (1, 2 or 3).
func (img *Image) Version() uint32 {
	return img.header.Version
}

// EncryptionMethod returns EncryptionNone, EncryptionAES or
// EncryptionLUKS.
func (img *Image) EncryptionMethod() uint32 {
	return img.header.EncryptMethod
}

// ClusterSize returns the cluster size in bytes.
func (img *Image) ClusterSize() int {
	return int(img.clusterSize)
}

// Header returns a copy of the decoded file header.
func (img *Image) Header() Header {
	return *img.header
}

// SetBacking attaches b as the parent consulted for unallocated
// clusters, replacing any backing opened from the header. The caller
// retains ownership of b; Close will not close it.
func (img *Image) SetBacking(b BackingStore) {
	if img.backing != nil && img.ownsBacking {
		img.backing.Close()
	}
	img.backing = b
	img.ownsBacking = false
}

// decodeTableEntries turns a raw big-endian table into uint64 entries.
func decodeTableEntries(raw []byte) []uint64 {
	entries := make([]uint64, len(raw)/8)
	for i := range entries {
		entries[i] = binary.BigEndian.Uint64(raw[i*8:])
	}
	return entries
}

func clearBytes(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
