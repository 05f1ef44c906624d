// Package testutil builds QCOW images byte-by-byte for tests. The
// library under test is read-only, so fixtures are assembled here by
// hand: header, tables and clusters laid out exactly as the format
// specifies, including deliberately broken variants.
package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
)

// Magic is the QCOW signature "QFI\xfb".
const Magic = 0x514649fb

const sectorSize = 512

// Builder assembles a v2 or v3 image with a fixed layout: cluster 0
// holds the header (and backing file name), cluster 1 the L1 table,
// cluster 2 the single L2 table, cluster 3 the snapshot table if any,
// and data clusters grow from cluster 4. One L2 table bounds the
// mappable media, which is plenty for tests.
type Builder struct {
	Version       int
	ClusterBits   uint
	MediaSize     uint64
	EncryptMethod uint32

	// V3 knobs
	IncompatibleFeatures uint64
	CompatibleFeatures   uint64
	AutoclearFeatures    uint64
	CompressionType      byte

	backingFile   string
	backingFormat string

	img        []byte
	l1Override *uint64
	l2         []uint64
	snapshots  []snapshotRecord
	nextFree   uint64 // next unused byte past the data area
}

type snapshotRecord struct {
	id, name string
	extra    []byte
}

// NewBuilder starts an image with the given version (2 or 3), cluster
// bits and media size.
func NewBuilder(version int, clusterBits uint, mediaSize uint64) *Builder {
	b := &Builder{
		Version:     version,
		ClusterBits: clusterBits,
		MediaSize:   mediaSize,
	}
	clusterSize := uint64(1) << clusterBits
	b.l2 = make([]uint64, clusterSize/8)
	b.nextFree = 4 * clusterSize
	return b
}

func (b *Builder) clusterSize() uint64 { return uint64(1) << b.ClusterBits }

// SetBackingFile records a backing file name (and optional format
// extension) in the header cluster.
func (b *Builder) SetBackingFile(name, format string) {
	b.backingFile = name
	b.backingFormat = format
}

// allocData reserves size bytes aligned to align and returns the file
// offset.
func (b *Builder) allocData(size, align uint64) uint64 {
	off := (b.nextFree + align - 1) &^ (align - 1)
	b.nextFree = off + size
	return off
}

// MapRaw allocates a data cluster for the given guest cluster index
// and fills it with data (zero-padded to a full cluster).
func (b *Builder) MapRaw(index int, data []byte) uint64 {
	off := b.allocData(b.clusterSize(), b.clusterSize())
	b.ensure(off + b.clusterSize())
	copy(b.img[off:], data)
	entry := off
	if b.Version >= 3 {
		entry |= 1 << 63 // COPIED hint, as qemu-img writes it
	}
	b.l2[index] = entry
	return off
}

// MapCompressed deflates data and maps it as a compressed cluster.
func (b *Builder) MapCompressed(index int, data []byte) uint64 {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		panic(err)
	}
	if _, err := w.Write(data); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return b.MapCompressedStream(index, buf.Bytes())
}

// MapCompressedStream maps an already-compressed stream verbatim.
func (b *Builder) MapCompressedStream(index int, stream []byte) uint64 {
	csize := uint64(len(stream))
	sectors := (csize+sectorSize-1)/sectorSize - 1

	off := b.allocData((sectors+1)*sectorSize, sectorSize)
	b.ensure(off + (sectors+1)*sectorSize)
	copy(b.img[off:], stream)

	x := 62 - (b.ClusterBits - 8)
	entry := uint64(1)<<62 | sectors<<x | off
	b.l2[index] = entry
	return off
}

// MapZero flags the guest cluster as all-zero (v3 only).
func (b *Builder) MapZero(index int) {
	b.l2[index] = 1
}

// SetL2Entry writes a raw L2 entry, for corruption tests.
func (b *Builder) SetL2Entry(index int, entry uint64) {
	b.l2[index] = entry
}

// SetL1Entry overrides the single L1 entry, for corruption tests.
func (b *Builder) SetL1Entry(entry uint64) {
	b.l1Override = &entry
}

// AddSnapshot appends a snapshot record pointing at the live L1 table.
func (b *Builder) AddSnapshot(id, name string, extra []byte) {
	b.snapshots = append(b.snapshots, snapshotRecord{id: id, name: name, extra: extra})
}

func (b *Builder) ensure(size uint64) {
	if uint64(len(b.img)) < size {
		grown := make([]byte, size)
		copy(grown, b.img)
		b.img = grown
	}
}

// Bytes assembles and returns the image.
func (b *Builder) Bytes() []byte {
	clusterSize := b.clusterSize()
	b.ensure(b.nextFree)
	b.ensure(4 * clusterSize)

	// L1 entry 0 -> L2 table at cluster 2
	l1Entry := (2 * clusterSize) | (1 << 63)
	if b.l1Override != nil {
		l1Entry = *b.l1Override
	}
	binary.BigEndian.PutUint64(b.img[clusterSize:], l1Entry)

	// L2 table at cluster 2
	for i, entry := range b.l2 {
		binary.BigEndian.PutUint64(b.img[2*clusterSize+uint64(i)*8:], entry)
	}

	// Snapshot table at cluster 3
	var snapOff uint64
	if len(b.snapshots) > 0 {
		snapOff = 3 * clusterSize
		pos := snapOff
		for _, s := range b.snapshots {
			record := make([]byte, 40)
			binary.BigEndian.PutUint64(record[0:8], clusterSize) // live L1 offset
			binary.BigEndian.PutUint32(record[8:12], 1) // one live L1 entry
			binary.BigEndian.PutUint16(record[12:14], uint16(len(s.id)))
			binary.BigEndian.PutUint16(record[14:16], uint16(len(s.name)))
			binary.BigEndian.PutUint32(record[16:20], 1136073600) // fixed creation time
			binary.BigEndian.PutUint32(record[20:24], 0)
			binary.BigEndian.PutUint64(record[24:32], 0)
			binary.BigEndian.PutUint32(record[32:36], 0)
			binary.BigEndian.PutUint32(record[36:40], uint32(len(s.extra)))

			record = append(record, s.extra...)
			record = append(record, s.id...)
			record = append(record, s.name...)
			for len(record)%8 != 0 {
				record = append(record, 0)
			}
			b.ensure(pos + uint64(len(record)))
			copy(b.img[pos:], record)
			pos += uint64(len(record))
		}
	}

	b.writeHeader(snapOff)
	return b.img
}

// writeHeader fills cluster 0.
func (b *Builder) writeHeader(snapOff uint64) {
	h := b.img[:b.clusterSize()]
	for i := range h {
		h[i] = 0
	}

	binary.BigEndian.PutUint32(h[0:4], Magic)
	binary.BigEndian.PutUint32(h[4:8], uint32(b.Version))

	var backingOff uint64
	if b.backingFile != "" {
		// Name goes near the end of the header cluster
		backingOff = b.clusterSize() - 512
		copy(h[backingOff:], b.backingFile)
		binary.BigEndian.PutUint64(h[8:16], backingOff)
		binary.BigEndian.PutUint32(h[16:20], uint32(len(b.backingFile)))
	}

	binary.BigEndian.PutUint32(h[20:24], uint32(b.ClusterBits))
	binary.BigEndian.PutUint64(h[24:32], b.MediaSize)
	binary.BigEndian.PutUint32(h[32:36], b.EncryptMethod)
	binary.BigEndian.PutUint32(h[36:40], 1) // l1_size
	binary.BigEndian.PutUint64(h[40:48], b.clusterSize()) // L1 at cluster 1
	binary.BigEndian.PutUint64(h[48:56], 0)               // refcount table (ignored by reader)
	binary.BigEndian.PutUint32(h[56:60], 0)
	binary.BigEndian.PutUint32(h[60:64], uint32(len(b.snapshots)))
	binary.BigEndian.PutUint64(h[64:72], snapOff)

	headerLen := 72
	if b.Version >= 3 {
		binary.BigEndian.PutUint64(h[72:80], b.IncompatibleFeatures)
		binary.BigEndian.PutUint64(h[80:88], b.CompatibleFeatures)
		binary.BigEndian.PutUint64(h[88:96], b.AutoclearFeatures)
		binary.BigEndian.PutUint32(h[96:100], 4) // refcount_order: 16-bit
		headerLen = 104
		if b.IncompatibleFeatures&(1<<3) != 0 {
			// Compression type byte plus padding to 8-byte alignment,
			// the way qemu-img extends the header.
			h[104] = b.CompressionType
			headerLen = 112
		}
		binary.BigEndian.PutUint32(h[100:104], uint32(headerLen))
	}

	// Backing format extension, then end-of-extensions marker
	extPos := headerLen
	if extPos%8 != 0 {
		extPos += 8 - extPos%8
	}
	if b.backingFormat != "" {
		binary.BigEndian.PutUint32(h[extPos:], 0xe2792aca)
		binary.BigEndian.PutUint32(h[extPos+4:], uint32(len(b.backingFormat)))
		copy(h[extPos+8:], b.backingFormat)
		pad := (len(b.backingFormat) + 7) &^ 7
		extPos += 8 + pad
	}
	binary.BigEndian.PutUint32(h[extPos:], 0) // end of extensions
}

// WriteFile writes the image to dir/name and returns its path.
func (b *Builder) WriteFile(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("testutil: write %s: %w", path, err)
	}
	return path, nil
}

// V1Builder assembles a version 1 image: 48-byte header in cluster 0,
// L1 at cluster 1, L2 at cluster 2, data from cluster 3.
type V1Builder struct {
	ClusterBits   uint
	L2Bits        uint
	MediaSize     uint64
	EncryptMethod uint32

	img      []byte
	l2       []uint64
	nextFree uint64
}

// NewV1Builder starts a version 1 image.
func NewV1Builder(clusterBits, l2Bits uint, mediaSize uint64) *V1Builder {
	b := &V1Builder{
		ClusterBits: clusterBits,
		L2Bits:      l2Bits,
		MediaSize:   mediaSize,
	}
	b.l2 = make([]uint64, uint64(1)<<l2Bits)
	b.nextFree = 3 * b.clusterSize()
	return b
}

func (b *V1Builder) clusterSize() uint64 { return uint64(1) << b.ClusterBits }

func (b *V1Builder) ensure(size uint64) {
	if uint64(len(b.img)) < size {
		grown := make([]byte, size)
		copy(grown, b.img)
		b.img = grown
	}
}

// MapRaw maps a raw data cluster for the given guest cluster index.
func (b *V1Builder) MapRaw(index int, data []byte) uint64 {
	off := (b.nextFree + b.clusterSize() - 1) &^ (b.clusterSize() - 1)
	b.nextFree = off + b.clusterSize()
	b.ensure(b.nextFree)
	copy(b.img[off:], data)
	b.l2[index] = off
	return off
}

// MapCompressed deflates data and maps it as a v1 compressed cluster:
// bit 63 set, the byte size packed directly below it.
func (b *V1Builder) MapCompressed(index int, data []byte) uint64 {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		panic(err)
	}
	if _, err := w.Write(data); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	stream := buf.Bytes()

	off := b.nextFree
	b.nextFree = off + uint64(len(stream))
	b.ensure(b.nextFree)
	copy(b.img[off:], stream)

	offsetBits := 63 - b.ClusterBits
	entry := uint64(1)<<63 | uint64(len(stream))<<offsetBits | off
	b.l2[index] = entry
	return off
}

// Bytes assembles and returns the image.
func (b *V1Builder) Bytes() []byte {
	clusterSize := b.clusterSize()
	b.ensure(b.nextFree)
	b.ensure(3 * clusterSize)

	// L1 at cluster 1, entry 0 -> L2 at cluster 2. The reader derives
	// the L1 entry count from the header geometry.
	binary.BigEndian.PutUint64(b.img[clusterSize:], 2*clusterSize)

	for i, entry := range b.l2 {
		binary.BigEndian.PutUint64(b.img[2*clusterSize+uint64(i)*8:], entry)
	}

	h := b.img[:HeaderSizeV1()]
	binary.BigEndian.PutUint32(h[0:4], Magic)
	binary.BigEndian.PutUint32(h[4:8], 1)
	binary.BigEndian.PutUint64(h[8:16], 0)  // backing offset
	binary.BigEndian.PutUint32(h[16:20], 0) // backing size
	binary.BigEndian.PutUint32(h[20:24], 0) // mtime
	binary.BigEndian.PutUint64(h[24:32], b.MediaSize)
	h[32] = byte(b.ClusterBits)
	h[33] = byte(b.L2Bits)
	binary.BigEndian.PutUint32(h[36:40], b.EncryptMethod)
	binary.BigEndian.PutUint64(h[40:48], clusterSize) // L1 at cluster 1

	return b.img
}

// WriteFile writes the image to dir/name and returns its path.
func (b *V1Builder) WriteFile(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("testutil: write %s: %w", path, err)
	}
	return path, nil
}

// HeaderSizeV1 returns the fixed version 1 header size.
func HeaderSizeV1() int { return 48 }
